package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/jobstatus"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/marker"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/osal"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/file"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/imagestate"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/platform"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/transport"
)

const testThing = "thing-1"

type message struct {
	topic   string
	payload []byte
}

// testMessaging plays the service: job requests are answered with JobDoc
// and stream requests with blocks of Image.
type testMessaging struct {
	mu        sync.Mutex
	subs      map[string]transport.Handler
	published []message

	JobDoc    []byte
	Image     []byte
	BlockSize int
	// Silent drops requests instead of answering them.
	Silent    bool
	PublishFn func(topic string, payload []byte) error
}

func newTestMessaging() *testMessaging {
	return &testMessaging{subs: make(map[string]transport.Handler)}
}

func (m *testMessaging) Subscribe(_ context.Context, topic string, h transport.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topic] = h
	return nil
}

func (m *testMessaging) Unsubscribe(_ context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, topic)
	return nil
}

func (m *testMessaging) subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[topic]
	return ok
}

// deliver sends payload to the subscriber of topic, if any.
func (m *testMessaging) deliver(topic string, payload []byte) {
	m.mu.Lock()
	h := m.subs[topic]
	m.mu.Unlock()
	if h != nil {
		h.OnMessage(topic, payload)
	}
}

func (m *testMessaging) Publish(_ context.Context, topic string, payload []byte) error {
	if m.PublishFn != nil {
		if err := m.PublishFn(topic, payload); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.published = append(m.published, message{topic, append([]byte(nil), payload...)})
	silent, doc := m.Silent, m.JobDoc
	m.mu.Unlock()
	if silent {
		return nil
	}

	switch topic {
	case marker.JobsGetNext(testThing):
		if doc != nil {
			m.deliver(marker.JobsGetAccepted(testThing), doc)
		}
	case marker.StreamGet(testThing, streamName):
		req, err := file.DecodeStreamRequest(payload)
		if err != nil {
			return err
		}
		m.serveBlocks(req)
	}
	return nil
}

func (m *testMessaging) serveBlocks(req file.StreamRequest) {
	data := marker.StreamData(testThing, streamName)
	for i := req.Offset; i < req.Offset+req.Count; i++ {
		start := int(i) * m.BlockSize
		if start >= len(m.Image) {
			return
		}
		end := start + m.BlockSize
		if end > len(m.Image) {
			end = len(m.Image)
		}
		blk, err := file.EncodeBlock(req.FileID, i, m.Image[start:end])
		if err != nil {
			panic(err)
		}
		m.deliver(data, blk)
	}
}

// statuses decodes the job status updates published for jobID.
func (m *testMessaging) statuses(jobID string) []jobstatus.Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []jobstatus.Update
	for _, msg := range m.published {
		if msg.topic != marker.JobsUpdate(testThing, jobID) {
			continue
		}
		var u jobstatus.Update
		if err := json.Unmarshal(msg.payload, &u); err != nil {
			panic(err)
		}
		out = append(out, u)
	}
	return out
}

func (m *testMessaging) count(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.published {
		if msg.topic == topic {
			n++
		}
	}
	return n
}

// testBulk answers range requests with slices of Image. With Limit set,
// requests are held until flush and at most Limit are accepted at a time.
type testBulk struct {
	h       transport.BlockHandler
	Image   []byte
	Limit   int
	pending [][2]int64
	inits   int
	deinit  int
}

func (b *testBulk) Init(_ context.Context, url, authScheme string, h transport.BlockHandler) error {
	b.inits++
	b.h = h
	return nil
}

func (b *testBulk) Request(_ context.Context, start, end int64) error {
	if b.Limit == 0 {
		b.h.OnBlock(start, b.Image[start:end+1])
		return nil
	}
	if len(b.pending) >= b.Limit {
		return errcode.Errorf(errcode.HTTPRequestFailed, "%d requests in flight", len(b.pending))
	}
	b.pending = append(b.pending, [2]int64{start, end})
	return nil
}

// flush answers the held requests.
func (b *testBulk) flush() int {
	pending := b.pending
	b.pending = nil
	for _, r := range pending {
		b.h.OnBlock(r[0], b.Image[r[0]:r[1]+1])
	}
	return len(pending)
}

func (b *testBulk) Deinit() error {
	b.deinit++
	return nil
}

type memSink struct {
	data []byte
}

func (s *memSink) WriteAt(p []byte, off int64) (int, error) {
	return copy(s.data[off:], p), nil
}

type testStatus struct{}

func (testStatus) OK() bool { return true }

type testPlatform struct {
	mu    sync.Mutex
	sink  *memSink
	state imagestate.PlatformState
	set   []imagestate.State

	creates, closes, aborts, activations, resets int

	CreateFileFn func(fc *file.Context) (file.Sink, error)
	CloseFileFn  func(fc *file.Context) error
}

var _ platform.Platform = (*testPlatform)(nil)

func (p *testPlatform) Status() (platform.Status, error) { return testStatus{}, nil }

func (p *testPlatform) CreateFile(_ context.Context, fc *file.Context) (file.Sink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	if p.CreateFileFn != nil {
		return p.CreateFileFn(fc)
	}
	p.sink = &memSink{data: make([]byte, fc.Size)}
	return p.sink, nil
}

func (p *testPlatform) CloseFile(_ context.Context, fc *file.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	if p.CloseFileFn != nil {
		return p.CloseFileFn(fc)
	}
	return nil
}

func (p *testPlatform) Abort(context.Context, *file.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborts++
	return nil
}

func (p *testPlatform) ActivateNewImage(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activations++
	return nil
}

func (p *testPlatform) ResetDevice(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return nil
}

func (p *testPlatform) SetImageState(_ context.Context, s imagestate.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set = append(p.set, s)
	switch s {
	case imagestate.Testing:
		p.state = imagestate.PlatformPendingCommit
	case imagestate.Accepted:
		p.state = imagestate.PlatformValid
	default:
		p.state = imagestate.PlatformInvalid
	}
	return nil
}

func (p *testPlatform) ImageState(context.Context) (imagestate.PlatformState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, nil
}

func (p *testPlatform) SignatureKey() string { return signatureKey }

func (p *testPlatform) imageStates() []imagestate.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]imagestate.State(nil), p.set...)
}

// refusingQueue fails to queue events with the Refuse id.
type refusingQueue struct {
	osal.EventQueue
	Refuse osal.EventID
}

func (q *refusingQueue) Send(ev osal.Event) error {
	if ev.ID == q.Refuse {
		return errcode.Errorf(errcode.EventQSendFailed, "unable to queue %s", ev.ID)
	}
	return q.EventQueue.Send(ev)
}

// testTimers never fire on their own.
type testTimers struct {
	mu      sync.Mutex
	running map[osal.TimerID]func()
}

func newTestTimers() *testTimers {
	return &testTimers{running: make(map[osal.TimerID]func())}
}

func (t *testTimers) Start(id osal.TimerID, _ time.Duration, fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running[id] = fn
	return nil
}

func (t *testTimers) Stop(id osal.TimerID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, id)
	return nil
}

func (t *testTimers) Delete(id osal.TimerID) error {
	return t.Stop(id)
}

func (t *testTimers) isRunning(id osal.TimerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.running[id]
	return ok
}

// fire expires a running timer.
func (t *testTimers) fire(id osal.TimerID) bool {
	t.mu.Lock()
	fn := t.running[id]
	delete(t.running, id)
	t.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}
