package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/jobstatus"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/marker"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/osal"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/file"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/imagestate"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/jobdoc"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/momentum"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/platform"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/transport"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/workgroup"
)

const shutdownPollInterval = 10 * time.Millisecond

// Config tunes the transfer.
type Config struct {
	BlockSize           uint32
	MaxBlocksPerRequest uint32
	// MaxRequestMomentum is the number of consecutive unanswered requests
	// after which a job is abandoned.
	MaxRequestMomentum uint32
	RequestTimeout     time.Duration
	SelfTestTimeout    time.Duration
	// StatusFrequency is the number of blocks between progress reports.
	StatusFrequency uint32
	// Protocols lists the data protocols to use, most preferred first.
	Protocols []file.Protocol
	// Version is the running firmware version.
	Version imagestate.Version
	// Custom handles job documents outside the standard layout.
	Custom jobdoc.CustomParser
}

// Interfaces are the collaborators the agent runs on. Bulk may be nil when
// Protocols excludes bulk transfers.
type Interfaces struct {
	OS        osal.OS
	Messaging transport.Messaging
	Bulk      transport.Bulk
	Platform  platform.Platform
}

type stats struct {
	received  atomic.Uint32
	queued    atomic.Uint32
	processed atomic.Uint32
	dropped   atomic.Uint32
}

// Agent downloads, verifies and activates firmware images for one device.
// Its state is only changed by the engine run from Run; the exported
// methods queue events for it or read its state.
type Agent struct {
	log      logging.Logger
	cfg      Config
	os       osal.OS
	msg      transport.Messaging
	bulk     transport.Bulk
	platform platform.Platform
	thing    string
	slot     *Slot

	fc       *file.Context
	parser   *jobdoc.Parser
	momentum *momentum.Controller
	image    *imagestate.Manager
	status   *jobstatus.Reporter
	callback Callback
	notices  chan notice

	transitions []transition
	// missing is scratch space for the blocks of one bulk request round.
	missing []uint32
	// outstanding counts blocks of the current request round not yet
	// received.
	outstanding uint32
	stream      string
	bulkOpen    bool
	stats       stats

	mu        sync.Mutex
	state     State
	suspended State
	jobID     string

	// observe, when set, sees every transition.
	observe func(from, to State, id osal.EventID)
}

// Slot holds at most one agent at a time. An agent frees its slot once it
// has stopped.
type Slot struct {
	mu   sync.Mutex
	held bool
}

// Init creates the agent for thing, borrowing buffers for its file context.
// cb receives job events; nil selects the default callback. The returned
// agent is in StateInit with its start event queued; Run processes it.
func (s *Slot) Init(log logging.Logger, cfg Config, buffers file.Buffers, ifs Interfaces, thing string, cb Callback) (*Agent, error) {
	switch {
	case thing == "":
		return nil, errors.New("thing name must be provided for agent to manage")
	case ifs.OS.Event == nil || ifs.OS.Timer == nil || ifs.OS.Mem == nil:
		return nil, errors.New("os capabilities are incomplete")
	case ifs.Messaging == nil:
		return nil, errors.New("messaging transport is nil")
	case ifs.Platform == nil:
		return nil, errors.New("supporting platform is nil")
	case cfg.BlockSize == 0 || cfg.MaxBlocksPerRequest == 0:
		return nil, errors.New("block size and blocks per request must be positive")
	}
	for _, p := range cfg.Protocols {
		if p == file.ProtocolBulk && ifs.Bulk == nil {
			return nil, errors.New("bulk protocol configured without a bulk transport")
		}
	}
	if cfg.StatusFrequency == 0 {
		cfg.StatusFrequency = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return nil, errcode.Errorf(errcode.NoFreeContext, "an agent is already running")
	}

	fc := file.NewContext(buffers)
	a := &Agent{
		log:      log,
		cfg:      cfg,
		os:       ifs.OS,
		msg:      ifs.Messaging,
		bulk:     ifs.Bulk,
		platform: ifs.Platform,
		thing:    thing,
		slot:     s,
		fc:       fc,
		momentum: momentum.New(cfg.MaxRequestMomentum),
		notices:  make(chan notice, noticeDepth),
		missing:  make([]uint32, cfg.MaxBlocksPerRequest),
		state:    StateInit,
	}
	a.parser = jobdoc.New(jobdoc.Config{
		SignatureKey: ifs.Platform.SignatureKey(),
		BlockSize:    cfg.BlockSize,
		Protocols:    cfg.Protocols,
		Custom:       cfg.Custom,
	}, fc)
	a.status = jobstatus.New(logging.SubLogger(log, "status"), ifs.Messaging, thing, cfg.Version)
	a.image = imagestate.New(logging.SubLogger(log, "image"), ifs.Platform, a.status)
	a.callback = cb
	if a.callback == nil {
		a.callback = a.defaultCallback
	}
	a.transitions = a.table()

	if err := a.os.Event.Send(osal.Event{ID: osal.EventStart}); err != nil {
		return nil, err
	}
	s.held = true
	return a, nil
}

func (s *Slot) free() {
	s.mu.Lock()
	s.held = false
	s.mu.Unlock()
}

// Run is the agent task. It returns once the agent has stopped, either by
// Shutdown or by cancellation of ctx.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Debug("starting")
	defer a.log.Debug("finished")

	group := workgroup.WithContext(ctx)
	group.Work("notifier", a.notifier)
	group.Work("engine", a.engine)
	return group.Wait()
}

func (a *Agent) engine(ctx context.Context) error {
	defer a.slot.free()
	defer close(a.notices)
	defer a.drain()

	for a.State() != StateStopped {
		ev, err := a.os.Event.Receive(ctx)
		if err != nil {
			a.log.WithError(err).Info("agent cancelled, stopping")
			a.cleanup(context.Background())
			a.setState(StateStopped)
			return nil
		}
		a.dispatch(ctx, ev)
	}
	return nil
}

// drain discards events left behind at shutdown.
func (a *Agent) drain() {
	a.os.Event.Drain(func(ev osal.Event) {
		if ev.Buf != nil {
			a.stats.dropped.Add(1)
		}
		a.release(ev)
	})
}

// signal enqueues an event without a payload.
func (a *Agent) signal(id osal.EventID) error {
	err := a.os.Event.Send(osal.Event{ID: id})
	if err != nil {
		a.log.WithError(err).WithField("event", id.String()).Error("unable to queue event")
	}
	return err
}

// State is the agent's current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// JobID is the active job, empty when there is none.
func (a *Agent) JobID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.jobID
}

func (a *Agent) setJob(id string) {
	a.mu.Lock()
	a.jobID = id
	a.mu.Unlock()
}

// Shutdown stops the agent, waiting up to wait for it to reach
// StateStopped. The observed state is returned; callers should poll State
// when it is not yet StateStopped.
func (a *Agent) Shutdown(wait time.Duration) State {
	if s := a.State(); s == StateStopped {
		return s
	}
	if err := a.signal(osal.EventShutdown); err != nil {
		return a.State()
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(shutdownPollInterval)
	defer tick.Stop()
	for {
		if s := a.State(); s == StateStopped {
			return s
		}
		select {
		case <-deadline.C:
			return a.State()
		case <-tick.C:
		}
	}
}

// CheckForUpdate asks the service for the next pending job.
func (a *Agent) CheckForUpdate() error {
	return a.signal(osal.EventRequestJobDocument)
}

// Suspend pauses the transfer, keeping all of its progress.
func (a *Agent) Suspend() error {
	if a.State() == StateStopped {
		return errcode.Errorf(errcode.AgentStopped, "suspend")
	}
	return a.signal(osal.EventSuspend)
}

// Resume continues from the state held before Suspend.
func (a *Agent) Resume() error {
	if a.State() == StateStopped {
		return errcode.Errorf(errcode.AgentStopped, "resume")
	}
	return a.signal(osal.EventResume)
}

// ActivateNewImage boots the verified image, usually resetting the device.
func (a *Agent) ActivateNewImage(ctx context.Context) error {
	if err := a.platform.ActivateNewImage(ctx); err != nil {
		return errcode.Wrap(err, errcode.ActivateFailed, "activate image")
	}
	return nil
}

// SetImageState commits (Accepted) or rolls back (Rejected) an image under
// test, or abandons the active job (Aborted). Aborted is permitted without
// an active job.
func (a *Agent) SetImageState(ctx context.Context, s imagestate.State) error {
	if err := a.image.Set(ctx, a.JobID(), s); err != nil {
		return err
	}
	switch s {
	case imagestate.Accepted, imagestate.Rejected:
		if err := a.os.Timer.Stop(osal.SelfTestTimer); err != nil {
			a.log.WithError(err).Warn("unable to stop self-test timer")
		}
	case imagestate.Aborted:
		return a.signal(osal.EventUserAbort)
	}
	return nil
}

// GetImageState is the lifecycle state of the image of the latest job.
func (a *Agent) GetImageState() imagestate.State {
	return a.image.State()
}

// PacketsReceived counts every inbound message.
func (a *Agent) PacketsReceived() uint32 {
	return a.stats.received.Load()
}

// PacketsQueued counts file blocks queued for processing.
func (a *Agent) PacketsQueued() uint32 {
	return a.stats.queued.Load()
}

// PacketsProcessed counts file blocks processed.
func (a *Agent) PacketsProcessed() uint32 {
	return a.stats.processed.Load()
}

// PacketsDropped counts messages discarded for lack of a buffer or queue
// space, or left unprocessed.
func (a *Agent) PacketsDropped() uint32 {
	return a.stats.dropped.Load()
}

// onJobMessage receives job documents.
func (a *Agent) onJobMessage(topic string, payload []byte) {
	a.stats.received.Add(1)
	if err := a.enqueue(osal.Event{ID: osal.EventReceivedJobDocument}, payload); err != nil {
		a.log.WithError(err).WithField("topic", topic).Warn("dropped job document")
	}
}

// onStreamMessage receives streamed file blocks.
func (a *Agent) onStreamMessage(topic string, payload []byte) {
	a.stats.received.Add(1)
	if err := a.enqueue(osal.Event{ID: osal.EventReceivedFileBlock}, payload); err != nil {
		a.log.WithError(err).WithField("topic", topic).Debug("dropped block")
		return
	}
	a.stats.queued.Add(1)
}

// onBlock receives a bulk range response.
func (a *Agent) onBlock(offset int64, data []byte) {
	a.stats.received.Add(1)
	if err := a.enqueue(osal.Event{ID: osal.EventReceivedFileBlock, Offset: offset}, data); err != nil {
		a.log.WithError(err).WithField("offset", offset).Debug("dropped block")
		return
	}
	a.stats.queued.Add(1)
}

// onRangeError logs a failed bulk range request. The request timer retries
// it.
func (a *Agent) onRangeError(offset int64, err error) {
	a.log.WithError(err).WithField("offset", offset).Warn("range request failed")
}

// enqueue copies payload into a pooled buffer and queues ev carrying it.
func (a *Agent) enqueue(ev osal.Event, payload []byte) error {
	buf, err := a.os.Mem.Acquire(payload)
	if err != nil {
		a.stats.dropped.Add(1)
		return err
	}
	ev.Buf = buf
	if err := a.os.Event.Send(ev); err != nil {
		a.os.Mem.Release(buf)
		a.stats.dropped.Add(1)
		return err
	}
	return nil
}

func (a *Agent) jobTopics() []string {
	return []string{marker.JobsNotifyNext(a.thing), marker.JobsGetAccepted(a.thing)}
}
