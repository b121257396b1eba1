package agent

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/internal/jobdocs"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/marker"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/osal"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/file"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/imagestate"
)

const (
	streamName   = jobdocs.StreamName
	signatureKey = jobdocs.SignatureKey
	jobID        = jobdocs.JobID
)

var runningVersion = imagestate.NewVersion(1, 1, 0)

type harness struct {
	t        *testing.T
	ctx      context.Context
	agent    *Agent
	msg      *testMessaging
	bulk     *testBulk
	platform *testPlatform
	timers   *testTimers
	queue    osal.EventQueue
	moves    []State
}

type testOption func(*Config, *harness)

func testAgent(t *testing.T, blockSize, maxBlocks uint32, opts ...testOption) *harness {
	t.Helper()
	logging.Set(testoutput.Setter(t))
	t.Cleanup(func() { logging.Set(testoutput.Revert()) })

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		msg:      newTestMessaging(),
		bulk:     &testBulk{},
		platform: &testPlatform{},
		timers:   newTestTimers(),
		queue:    osal.NewQueue(256),
	}
	h.msg.BlockSize = int(blockSize)
	cfg := Config{
		BlockSize:           blockSize,
		MaxBlocksPerRequest: 64,
		MaxRequestMomentum:  4,
		RequestTimeout:      time.Second,
		SelfTestTimeout:     time.Second,
		StatusFrequency:     1024,
		Protocols:           []file.Protocol{file.ProtocolMessaging, file.ProtocolBulk},
		Version:             runningVersion,
	}
	for _, opt := range opts {
		opt(&cfg, h)
	}
	ifs := Interfaces{
		OS: osal.OS{
			Event: h.queue,
			Timer: h.timers,
			Mem:   osal.NewPool(96, 2048),
		},
		Messaging: h.msg,
		Bulk:      h.bulk,
		Platform:  h.platform,
	}
	a, err := new(Slot).Init(logging.New("agent"), cfg, file.DefaultBuffers(maxBlocks, int(blockSize)), ifs, testThing, nil)
	assert.NilError(t, err)
	a.observe = func(_, to State, _ osal.EventID) {
		h.moves = append(h.moves, to)
	}
	h.agent = a
	return h
}

func withConfig(fn func(*Config)) testOption {
	return func(cfg *Config, _ *harness) { fn(cfg) }
}

// refusing makes the event queue reject id.
func refusing(id osal.EventID) testOption {
	return func(_ *Config, h *harness) {
		h.queue = &refusingQueue{EventQueue: h.queue, Refuse: id}
	}
}

// step processes queued events until none remain.
func (h *harness) step() {
	h.agent.os.Event.Drain(func(ev osal.Event) {
		h.agent.dispatch(h.ctx, ev)
	})
}

// notices takes the job events delivered so far.
func (h *harness) notices() []notice {
	var out []notice
	for {
		select {
		case n := <-h.agent.notices:
			out = append(out, n)
		default:
			return out
		}
	}
}

func (h *harness) started() {
	h.t.Helper()
	h.step()
	assert.Equal(h.t, h.agent.State(), StateReady)
	assert.Assert(h.t, h.msg.subscribed(marker.JobsNotifyNext(testThing)))
	assert.Assert(h.t, h.msg.subscribed(marker.JobsGetAccepted(testThing)))
	h.moves = nil
}

// image is size bytes of patterned data.
func image(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func TestInit(t *testing.T) {
	h := testAgent(t, 256, 16)
	assert.Equal(t, h.agent.State(), StateInit)
	assert.Equal(t, h.agent.PacketsReceived(), uint32(0))
	assert.Equal(t, h.agent.PacketsDropped(), uint32(0))
	h.started()
	assert.Equal(t, h.msg.count(marker.JobsGetNext(testThing)), 0, "no pending image, no request")
}

func TestInitRequiresCollaborators(t *testing.T) {
	logging.Set(testoutput.Setter(t))
	defer logging.Set(testoutput.Revert())
	ok := Interfaces{
		OS:        osal.Default(4, 4, 64),
		Messaging: newTestMessaging(),
		Platform:  &testPlatform{},
	}
	cfg := Config{BlockSize: 256, MaxBlocksPerRequest: 4, Protocols: []file.Protocol{file.ProtocolMessaging}}

	var slot Slot
	_, err := slot.Init(logging.New("agent"), cfg, file.DefaultBuffers(4, 256), ok, "", nil)
	assert.ErrorContains(t, err, "thing name")

	missing := ok
	missing.Messaging = nil
	_, err = slot.Init(logging.New("agent"), cfg, file.DefaultBuffers(4, 256), missing, testThing, nil)
	assert.ErrorContains(t, err, "messaging")

	bulkCfg := cfg
	bulkCfg.Protocols = []file.Protocol{file.ProtocolBulk}
	_, err = slot.Init(logging.New("agent"), bulkCfg, file.DefaultBuffers(4, 256), ok, testThing, nil)
	assert.ErrorContains(t, err, "bulk")
}

func TestSingleInstance(t *testing.T) {
	logging.Set(testoutput.Setter(t))
	defer logging.Set(testoutput.Revert())
	ifs := Interfaces{
		OS:        osal.OS{Event: osal.NewQueue(8), Timer: newTestTimers(), Mem: osal.NewPool(4, 2048)},
		Messaging: newTestMessaging(),
		Platform:  &testPlatform{},
	}
	cfg := Config{BlockSize: 256, MaxBlocksPerRequest: 4, Protocols: []file.Protocol{file.ProtocolMessaging}}

	var slot Slot
	a, err := slot.Init(logging.New("agent"), cfg, file.DefaultBuffers(4, 256), ifs, testThing, nil)
	assert.NilError(t, err)
	_, err = slot.Init(logging.New("agent"), cfg, file.DefaultBuffers(4, 256), ifs, testThing, nil)
	assert.Equal(t, errcode.KindOf(err), errcode.NoFreeContext)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	assert.Equal(t, a.Shutdown(2*time.Second), StateStopped)
	assert.NilError(t, <-done)

	// the slot is free once the agent stopped
	ifs.OS.Event = osal.NewQueue(8)
	_, err = slot.Init(logging.New("agent"), cfg, file.DefaultBuffers(4, 256), ifs, testThing, nil)
	assert.NilError(t, err)
}

func TestUnhandledEventIsDiscarded(t *testing.T) {
	h := testAgent(t, 256, 16)
	h.started()
	for _, id := range []osal.EventID{osal.EventCloseFile, osal.EventRequestFileBlock, osal.EventResume, osal.EventCreateFile} {
		assert.NilError(t, h.agent.os.Event.Send(osal.Event{ID: id}))
	}
	h.step()
	assert.Equal(t, h.agent.State(), StateReady)
	assert.Equal(t, len(h.moves), 0)
}

// A 1 MiB file in 256 byte blocks is requested, received and activated.
func TestStreamedTransfer(t *testing.T) {
	const size = 1 << 20
	h := testAgent(t, 256, 4096)
	h.msg.JobDoc = jobdocs.Standard(size)
	h.msg.Image = image(size)
	h.started()

	assert.NilError(t, h.agent.CheckForUpdate())
	h.step()

	assert.DeepEqual(t, h.moves[:5], []State{
		StateRequestingJob,
		StateWaitingForJob,
		StateCreatingFile,
		StateRequestingFileBlock,
		StateWaitingForFileBlock,
	})
	n := len(h.moves)
	assert.DeepEqual(t, h.moves[n-3:], []State{StateWaitingForFileBlock, StateClosingFile, StateReady})
	closing := 0
	for _, s := range h.moves {
		if s == StateClosingFile {
			closing++
		}
	}
	assert.Equal(t, closing, 1)

	assert.Equal(t, h.agent.PacketsProcessed(), uint32(4096))
	assert.Equal(t, h.agent.PacketsQueued(), uint32(4096))
	assert.Equal(t, h.agent.PacketsReceived(), uint32(4097), "blocks and the job document")
	assert.Equal(t, h.agent.PacketsDropped(), uint32(0))
	assert.Equal(t, h.platform.closes, 1)
	assert.Assert(t, bytes.Equal(h.platform.sink.data, h.msg.Image))
	assert.Equal(t, h.msg.count(marker.StreamGet(testThing, streamName)), 4096/64)
	assert.Assert(t, !h.msg.subscribed(marker.StreamData(testThing, streamName)))
	assert.Assert(t, !h.agent.fc.InUse())

	assert.Equal(t, h.agent.GetImageState(), imagestate.Testing)
	statuses := h.msg.statuses(jobID)
	last := statuses[len(statuses)-1]
	assert.Equal(t, last.Status, marker.JobStatusInProgress)
	assert.Equal(t, last.StatusDetails[marker.DetailSelfTest], marker.SelfTestReady)

	notices := h.notices()
	assert.Equal(t, len(notices), 1)
	assert.Equal(t, notices[0].ev, JobEventActivate)
}

func TestBulkTransfer(t *testing.T) {
	const size = 1000
	h := testAgent(t, 256, 16, withConfig(func(c *Config) {
		c.MaxBlocksPerRequest = 3
	}))
	h.msg.JobDoc = jobdocs.Standard(size, jobdocs.WithProtocols("HTTP"))
	h.bulk.Image = image(size)
	h.started()

	assert.NilError(t, h.agent.CheckForUpdate())
	h.step()

	assert.Equal(t, h.agent.State(), StateReady)
	assert.Equal(t, h.bulk.inits, 1)
	assert.Equal(t, h.bulk.deinit, 1)
	assert.Equal(t, h.agent.PacketsProcessed(), uint32(4))
	assert.Assert(t, bytes.Equal(h.platform.sink.data, h.bulk.Image))
	assert.Equal(t, h.agent.GetImageState(), imagestate.Testing)
}

// The bulk transport takes fewer requests than a round holds; each round
// shrinks to what it accepted and the next round follows its last block.
func TestBulkRoundLimitedByTransport(t *testing.T) {
	const size = 4096
	h := testAgent(t, 256, 16, withConfig(func(c *Config) {
		c.MaxBlocksPerRequest = 8
	}))
	h.msg.JobDoc = jobdocs.Standard(size, jobdocs.WithProtocols("HTTP"))
	h.bulk.Image = image(size)
	h.bulk.Limit = 3
	h.started()

	assert.NilError(t, h.agent.CheckForUpdate())
	h.step()
	assert.Equal(t, h.agent.State(), StateWaitingForFileBlock)
	assert.Equal(t, h.agent.outstanding, uint32(3))

	rounds := 0
	for h.agent.State() != StateReady && rounds < 16 {
		assert.Assert(t, h.bulk.flush() > 0, "round %d requested nothing", rounds)
		h.step()
		rounds++
	}
	assert.Equal(t, rounds, 6)
	assert.Equal(t, h.agent.State(), StateReady)
	assert.Equal(t, h.platform.closes, 1)
	assert.Assert(t, bytes.Equal(h.platform.sink.data, h.bulk.Image))
	assert.Equal(t, h.agent.PacketsDropped(), uint32(0))
	assert.Equal(t, h.agent.GetImageState(), imagestate.Testing)
}

// The job being transferred is announced again; nothing changes but the
// received count.
func TestDuplicateJobDocument(t *testing.T) {
	h := testAgent(t, 256, 16)
	h.msg.JobDoc = jobdocs.Standard(4096)
	h.started()

	h.msg.mu.Lock()
	h.msg.Silent = true
	h.msg.mu.Unlock()
	h.msg.deliver(marker.JobsNotifyNext(testThing), h.msg.JobDoc)
	h.step()
	assert.Equal(t, h.agent.State(), StateWaitingForFileBlock)
	assert.Equal(t, h.agent.JobID(), jobID)

	received, queued := h.agent.PacketsReceived(), h.agent.PacketsQueued()
	processed, dropped := h.agent.PacketsProcessed(), h.agent.PacketsDropped()
	moves := len(h.moves)

	h.msg.deliver(marker.JobsNotifyNext(testThing), h.msg.JobDoc)
	h.step()

	assert.Equal(t, h.agent.State(), StateWaitingForFileBlock)
	assert.Equal(t, len(h.moves), moves)
	assert.Equal(t, h.platform.creates, 1)
	assert.Assert(t, h.agent.fc.InUse())
	assert.Equal(t, h.agent.PacketsReceived(), received+1)
	assert.Equal(t, h.agent.PacketsQueued(), queued)
	assert.Equal(t, h.agent.PacketsProcessed(), processed)
	assert.Equal(t, h.agent.PacketsDropped(), dropped)
}

func TestOtherJobDuringTransfer(t *testing.T) {
	h := testAgent(t, 256, 16)
	h.msg.Silent = true
	h.started()
	h.msg.deliver(marker.JobsNotifyNext(testThing), jobdocs.Standard(4096))
	h.step()
	assert.Equal(t, h.agent.State(), StateWaitingForFileBlock)

	h.msg.deliver(marker.JobsNotifyNext(testThing), jobdocs.Standard(4096, jobdocs.WithJobID("other")))
	h.step()
	assert.Equal(t, h.agent.State(), StateWaitingForFileBlock)
	assert.Equal(t, h.agent.JobID(), jobID)
}

func TestDuplicateBlocks(t *testing.T) {
	const size = 1024
	h := testAgent(t, 256, 16)
	h.msg.Silent = true
	h.msg.Image = image(size)
	h.started()
	h.msg.deliver(marker.JobsNotifyNext(testThing), jobdocs.Standard(size))
	h.step()
	assert.Equal(t, h.agent.State(), StateWaitingForFileBlock)

	h.msg.serveBlocks(file.StreamRequest{Offset: 0, Count: 2})
	h.msg.serveBlocks(file.StreamRequest{Offset: 0, Count: 2})
	h.step()
	assert.Equal(t, h.agent.fc.Received, uint32(2))
	assert.Equal(t, h.agent.PacketsProcessed(), uint32(4))

	h.msg.serveBlocks(file.StreamRequest{Offset: 2, Count: 2})
	h.msg.serveBlocks(file.StreamRequest{Offset: 3, Count: 1})
	h.step()
	assert.Equal(t, h.agent.State(), StateReady)
	assert.Equal(t, h.platform.closes, 1)
}

func TestDuplicatesDoNotEndRound(t *testing.T) {
	const size = 2048
	h := testAgent(t, 256, 16, withConfig(func(c *Config) {
		c.MaxBlocksPerRequest = 4
	}))
	h.msg.Silent = true
	h.msg.Image = image(size)
	h.started()
	h.msg.deliver(marker.JobsNotifyNext(testThing), jobdocs.Standard(size))
	h.step()
	requests := marker.StreamGet(testThing, streamName)
	assert.Equal(t, h.msg.count(requests), 1)

	h.msg.serveBlocks(file.StreamRequest{Offset: 0, Count: 2})
	h.msg.serveBlocks(file.StreamRequest{Offset: 0, Count: 2})
	h.step()
	assert.Equal(t, h.agent.outstanding, uint32(2))
	assert.Equal(t, h.agent.State(), StateWaitingForFileBlock)
	assert.Equal(t, h.msg.count(requests), 1)

	h.msg.serveBlocks(file.StreamRequest{Offset: 2, Count: 2})
	h.step()
	assert.Equal(t, h.msg.count(requests), 2)
	assert.Equal(t, h.agent.outstanding, uint32(4))
}

func TestRejectedBlockKeepsTransfer(t *testing.T) {
	h := testAgent(t, 256, 16)
	h.msg.Silent = true
	h.started()
	h.msg.deliver(marker.JobsNotifyNext(testThing), jobdocs.Standard(1024))
	h.step()

	blk, err := file.EncodeBlock(0, 9, make([]byte, 256))
	assert.NilError(t, err)
	h.msg.deliver(marker.StreamData(testThing, streamName), blk)
	h.msg.deliver(marker.StreamData(testThing, streamName), []byte("garbage"))
	h.step()
	assert.Equal(t, h.agent.State(), StateWaitingForFileBlock)
	assert.Equal(t, h.agent.fc.Received, uint32(0))
}

func TestJobRequestMomentum(t *testing.T) {
	h := testAgent(t, 256, 16, withConfig(func(c *Config) { c.MaxRequestMomentum = 2 }))
	h.msg.Silent = true
	h.started()

	assert.NilError(t, h.agent.CheckForUpdate())
	h.step()
	assert.Equal(t, h.agent.State(), StateWaitingForJob)
	assert.Equal(t, h.agent.momentum.Count(), uint32(1))

	assert.Assert(t, h.timers.fire(osal.RequestTimer))
	h.step()
	assert.Equal(t, h.agent.State(), StateWaitingForJob)
	assert.Equal(t, h.agent.momentum.Count(), uint32(2))

	assert.Assert(t, h.timers.fire(osal.RequestTimer))
	h.step()
	assert.Equal(t, h.agent.State(), StateReady)
	assert.Equal(t, h.agent.momentum.Count(), uint32(0))
	assert.Equal(t, h.msg.count(marker.JobsGetNext(testThing)), 2)
	notices := h.notices()
	assert.Equal(t, len(notices), 1)
	assert.Equal(t, errcode.KindOf(notices[0].cause), errcode.MomentumAbort)
}

func TestBlockRequestMomentum(t *testing.T) {
	h := testAgent(t, 256, 16, withConfig(func(c *Config) { c.MaxRequestMomentum = 3 }))
	h.msg.Silent = true
	h.started()
	h.msg.deliver(marker.JobsNotifyNext(testThing), jobdocs.Standard(1024))
	h.step()
	assert.Equal(t, h.agent.State(), StateWaitingForFileBlock)

	for i := 0; i < 2; i++ {
		assert.Assert(t, h.timers.fire(osal.RequestTimer))
		h.step()
		assert.Equal(t, h.agent.State(), StateWaitingForFileBlock)
	}
	assert.Assert(t, h.timers.fire(osal.RequestTimer))
	h.step()

	assert.Equal(t, h.agent.State(), StateReady)
	assert.Equal(t, h.platform.aborts, 1)
	assert.Assert(t, !h.agent.fc.InUse())
	assert.Equal(t, h.agent.JobID(), "")
	assert.Assert(t, !h.timers.isRunning(osal.RequestTimer))
	statuses := h.msg.statuses(jobID)
	assert.Equal(t, statuses[len(statuses)-1].Status, marker.JobStatusFailed)
	notices := h.notices()
	assert.Equal(t, errcode.KindOf(notices[len(notices)-1].cause), errcode.MomentumAbort)
}

func TestMomentumResetsOnBlock(t *testing.T) {
	h := testAgent(t, 256, 16)
	h.msg.Silent = true
	h.msg.Image = image(1024)
	h.started()
	h.msg.deliver(marker.JobsNotifyNext(testThing), jobdocs.Standard(1024))
	h.step()
	assert.Assert(t, h.timers.fire(osal.RequestTimer))
	h.step()
	assert.Equal(t, h.agent.momentum.Count(), uint32(2))

	h.msg.serveBlocks(file.StreamRequest{Offset: 0, Count: 1})
	h.step()
	assert.Equal(t, h.agent.momentum.Count(), uint32(0))
}

func TestVerificationFailure(t *testing.T) {
	h := testAgent(t, 256, 16)
	h.msg.JobDoc = jobdocs.Standard(1024)
	h.msg.Image = image(1024)
	h.platform.CloseFileFn = func(*file.Context) error {
		return errcode.New(errcode.SignatureCheckFailed, 7)
	}
	h.started()

	assert.NilError(t, h.agent.CheckForUpdate())
	h.step()

	assert.Equal(t, h.agent.State(), StateReady)
	assert.Equal(t, h.agent.GetImageState(), imagestate.Rejected)
	assert.DeepEqual(t, h.platform.imageStates(), []imagestate.State{imagestate.Rejected})
	statuses := h.msg.statuses(jobID)
	last := statuses[len(statuses)-1]
	assert.Equal(t, last.Status, marker.JobStatusFailed)
	assert.Equal(t, last.StatusDetails[marker.DetailReason], "0x01000007: signature check failed")
	notices := h.notices()
	assert.Equal(t, notices[0].ev, JobEventFail)
	assert.Equal(t, errcode.SubOf(notices[0].cause), uint32(7))
}

func TestNullDestination(t *testing.T) {
	h := testAgent(t, 256, 16)
	h.msg.JobDoc = jobdocs.Standard(1024)
	h.msg.Image = image(1024)
	h.platform.CreateFileFn = func(*file.Context) (file.Sink, error) { return nil, nil }
	h.started()

	assert.NilError(t, h.agent.CheckForUpdate())
	h.step()

	assert.Equal(t, h.agent.State(), StateReady)
	assert.Equal(t, h.platform.closes, 0)
	notices := h.notices()
	assert.Equal(t, errcode.KindOf(notices[0].cause), errcode.NullFilePtr)

	// the agent takes the next job
	h.platform.CreateFileFn = nil
	h.msg.deliver(marker.JobsNotifyNext(testThing), jobdocs.Standard(1024, jobdocs.WithJobID("retry")))
	h.step()
	assert.Equal(t, h.platform.closes, 1)
}

func TestCreateFileFailure(t *testing.T) {
	h := testAgent(t, 256, 16)
	h.msg.JobDoc = jobdocs.Standard(1024)
	h.platform.CreateFileFn = func(*file.Context) (file.Sink, error) {
		return nil, errcode.Errorf(errcode.RxFileCreateFailed, "disk full")
	}
	h.started()
	assert.NilError(t, h.agent.CheckForUpdate())
	h.step()
	assert.Equal(t, h.agent.State(), StateReady)
	assert.Assert(t, !h.agent.fc.InUse())
	assert.Equal(t, errcode.KindOf(h.notices()[0].cause), errcode.RxFileCreateFailed)
}

// An event continuing the job that cannot be queued fails the job instead
// of leaving the agent waiting for it.
func TestLostControlEventFailsJob(t *testing.T) {
	for _, id := range []osal.EventID{osal.EventCreateFile, osal.EventRequestFileBlock, osal.EventCloseFile} {
		t.Run(id.String(), func(t *testing.T) {
			h := testAgent(t, 256, 16, refusing(id))
			h.msg.JobDoc = jobdocs.Standard(1024)
			h.msg.Image = image(1024)
			h.started()

			assert.NilError(t, h.agent.CheckForUpdate())
			h.step()

			assert.Equal(t, h.agent.State(), StateReady)
			assert.Assert(t, !h.agent.fc.InUse())
			assert.Assert(t, !h.timers.isRunning(osal.RequestTimer))
			assert.Equal(t, h.agent.JobID(), "")
			assert.Equal(t, h.platform.closes, 0)
			assert.Assert(t, !h.msg.subscribed(marker.StreamData(testThing, streamName)))
			notices := h.notices()
			assert.Equal(t, len(notices), 1)
			assert.Equal(t, notices[0].ev, JobEventFail)
			assert.Equal(t, errcode.KindOf(notices[0].cause), errcode.EventQSendFailed)
			statuses := h.msg.statuses(jobID)
			assert.Equal(t, statuses[len(statuses)-1].Status, marker.JobStatusFailed)
		})
	}
}

func TestParseFailures(t *testing.T) {
	for name, doc := range map[string][]byte{
		"zero size":     jobdocs.Standard(0),
		"no signature":  jobdocs.Standard(1024, jobdocs.Without("execution.jobDocument.afr_ota.files.0."+signatureKey)),
		"no protocol":   jobdocs.Standard(1024, jobdocs.WithProtocols("CoAP")),
		"file too big":  jobdocs.Standard(1 << 20),
		"not a job doc": []byte("[1, 2"),
	} {
		t.Run(name, func(t *testing.T) {
			h := testAgent(t, 256, 16)
			h.msg.JobDoc = doc
			h.started()
			assert.NilError(t, h.agent.CheckForUpdate())
			h.step()
			assert.Equal(t, h.agent.State(), StateReady)
			assert.Equal(t, h.platform.creates, 0)
			assert.Assert(t, !h.agent.fc.InUse())
			notices := h.notices()
			assert.Equal(t, len(notices), 1)
			assert.Equal(t, errcode.KindOf(notices[0].cause), errcode.JobParserError)
		})
	}
}

func TestNoPendingJob(t *testing.T) {
	h := testAgent(t, 256, 16)
	h.msg.JobDoc = jobdocs.Null()
	h.started()
	assert.NilError(t, h.agent.CheckForUpdate())
	h.step()
	assert.Equal(t, h.agent.State(), StateReady)
	assert.Equal(t, len(h.notices()), 0)
	assert.Assert(t, !h.timers.isRunning(osal.RequestTimer))
}

func TestJobCancelled(t *testing.T) {
	h := testAgent(t, 256, 16)
	h.msg.Silent = true
	h.started()
	h.msg.deliver(marker.JobsNotifyNext(testThing), jobdocs.Standard(1024))
	h.step()
	assert.Equal(t, h.agent.State(), StateWaitingForFileBlock)

	h.msg.deliver(marker.JobsNotifyNext(testThing), jobdocs.Null())
	h.step()
	assert.Equal(t, h.agent.State(), StateReady)
	assert.Equal(t, h.platform.aborts, 1)
	assert.Equal(t, h.agent.JobID(), "")
	assert.Assert(t, !h.msg.subscribed(marker.StreamData(testThing, streamName)))
}

func TestSuspendResume(t *testing.T) {
	h := testAgent(t, 256, 16)
	h.msg.Silent = true
	h.msg.Image = image(1024)
	h.started()
	h.msg.deliver(marker.JobsNotifyNext(testThing), jobdocs.Standard(1024))
	h.step()
	h.msg.serveBlocks(file.StreamRequest{Offset: 0, Count: 1})
	h.step()

	assert.NilError(t, h.agent.Suspend())
	h.step()
	assert.Equal(t, h.agent.State(), StateSuspended)
	assert.Assert(t, !h.timers.isRunning(osal.RequestTimer))

	// blocks arriving while suspended are dropped
	dropped := h.agent.PacketsDropped()
	h.msg.serveBlocks(file.StreamRequest{Offset: 1, Count: 1})
	h.step()
	assert.Equal(t, h.agent.PacketsDropped(), dropped+1)
	assert.Equal(t, h.agent.fc.Received, uint32(1))

	assert.NilError(t, h.agent.Suspend())
	h.step()
	assert.Equal(t, h.agent.State(), StateSuspended)

	assert.NilError(t, h.agent.Resume())
	h.step()
	assert.Equal(t, h.agent.State(), StateWaitingForFileBlock)
	assert.Assert(t, h.agent.fc.InUse())
	assert.Equal(t, h.agent.fc.Received, uint32(1))
	assert.Assert(t, h.timers.isRunning(osal.RequestTimer))

	h.msg.mu.Lock()
	h.msg.Silent = false
	h.msg.mu.Unlock()
	assert.Assert(t, h.timers.fire(osal.RequestTimer))
	h.step()
	assert.Equal(t, h.agent.State(), StateReady)
	assert.Assert(t, bytes.Equal(h.platform.sink.data, h.msg.Image))
}

func TestSetImageStateWithoutJob(t *testing.T) {
	h := testAgent(t, 256, 16)
	h.started()
	err := h.agent.SetImageState(h.ctx, imagestate.Accepted)
	assert.Equal(t, errcode.KindOf(err), errcode.NoActiveJob)
	assert.Equal(t, len(h.platform.imageStates()), 0)
	assert.Equal(t, h.agent.GetImageState(), imagestate.Unknown)
}

func TestUserAbort(t *testing.T) {
	h := testAgent(t, 256, 16)
	h.msg.Silent = true
	h.started()
	h.msg.deliver(marker.JobsNotifyNext(testThing), jobdocs.Standard(1024))
	h.step()

	assert.NilError(t, h.agent.SetImageState(h.ctx, imagestate.Aborted))
	h.step()
	assert.Equal(t, h.agent.State(), StateReady)
	assert.Equal(t, h.agent.GetImageState(), imagestate.Aborted)
	assert.Equal(t, h.platform.aborts, 1)
	assert.Assert(t, !h.agent.fc.InUse())
	statuses := h.msg.statuses(jobID)
	assert.Equal(t, statuses[len(statuses)-1].Status, marker.JobStatusFailed)
}

func pendingCommit(_ *Config, h *harness) {
	h.platform.state = imagestate.PlatformPendingCommit
}

func TestSelfTestAccepted(t *testing.T) {
	h := testAgent(t, 256, 16, pendingCommit)
	h.msg.JobDoc = jobdocs.Standard(1024, jobdocs.WithSelfTest(),
		jobdocs.WithUpdatedBy(uint32(imagestate.NewVersion(1, 0, 0))))
	h.step()

	assert.Equal(t, h.agent.State(), StateReady)
	assert.Assert(t, h.timers.isRunning(osal.SelfTestTimer))
	assert.Equal(t, h.agent.GetImageState(), imagestate.Testing)
	assert.Assert(t, !h.agent.fc.InUse())
	notices := h.notices()
	assert.Equal(t, len(notices), 1)
	assert.Equal(t, notices[0].ev, JobEventStartTest)

	assert.NilError(t, h.agent.SetImageState(h.ctx, imagestate.Accepted))
	assert.Assert(t, !h.timers.isRunning(osal.SelfTestTimer))
	assert.Equal(t, h.agent.GetImageState(), imagestate.Accepted)
	statuses := h.msg.statuses(jobID)
	assert.Equal(t, statuses[len(statuses)-1].Status, marker.JobStatusSucceeded)
}

func TestSelfTestVersionChecks(t *testing.T) {
	for name, tc := range map[string]struct {
		updatedBy imagestate.Version
		kind      errcode.Kind
	}{
		"same version": {runningVersion, errcode.SameFirmwareVersion},
		"downgrade":    {imagestate.NewVersion(2, 0, 0), errcode.DowngradeNotAllowed},
	} {
		t.Run(name, func(t *testing.T) {
			h := testAgent(t, 256, 16, pendingCommit)
			h.msg.JobDoc = jobdocs.Standard(1024, jobdocs.WithSelfTest(), jobdocs.WithUpdatedBy(uint32(tc.updatedBy)))
			h.step()
			assert.Equal(t, h.agent.State(), StateReady)
			assert.Equal(t, h.agent.GetImageState(), imagestate.Rejected)
			assert.Equal(t, h.platform.resets, 1)
			statuses := h.msg.statuses(jobID)
			last := statuses[len(statuses)-1]
			assert.Equal(t, last.Status, marker.JobStatusFailed)
			assert.Equal(t, last.StatusDetails[marker.DetailReason], fmt.Sprintf("0x%08x: %s", uint32(errcode.Of(tc.kind)), tc.kind))
		})
	}
}

func TestSelfTestMismatch(t *testing.T) {
	// the job claims a self-test the platform knows nothing about
	h := testAgent(t, 256, 16)
	h.msg.JobDoc = jobdocs.Standard(1024, jobdocs.WithSelfTest())
	h.started()
	assert.NilError(t, h.agent.CheckForUpdate())
	h.step()
	assert.Equal(t, h.agent.State(), StateReady)
	assert.Equal(t, h.agent.GetImageState(), imagestate.Rejected)
	assert.Equal(t, h.platform.creates, 0)
}

func TestPendingImageWithoutSelfTest(t *testing.T) {
	h := testAgent(t, 256, 16, pendingCommit)
	h.msg.JobDoc = jobdocs.Standard(1024)
	h.step()
	assert.Equal(t, h.agent.State(), StateReady)
	assert.Equal(t, h.agent.GetImageState(), imagestate.Rejected)
	assert.Equal(t, h.platform.creates, 0)
}

func TestSelfTestTimeout(t *testing.T) {
	h := testAgent(t, 256, 16, pendingCommit)
	h.msg.JobDoc = jobdocs.Standard(1024, jobdocs.WithSelfTest())
	h.step()
	assert.Equal(t, h.agent.GetImageState(), imagestate.Testing)

	assert.Assert(t, h.timers.fire(osal.SelfTestTimer))
	h.step()
	assert.Equal(t, h.agent.GetImageState(), imagestate.Rejected)
	assert.Equal(t, h.platform.resets, 1)
}

func TestShutdownDuringTransfer(t *testing.T) {
	h := testAgent(t, 256, 16)
	h.msg.Silent = true
	h.started()
	h.msg.deliver(marker.JobsNotifyNext(testThing), jobdocs.Standard(1024))
	h.step()
	// a block left in the queue at shutdown is dropped
	h.msg.Image = image(1024)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NilError(t, h.agent.os.Event.Send(osal.Event{ID: osal.EventShutdown}))
	h.msg.serveBlocks(file.StreamRequest{Offset: 0, Count: 1})
	assert.NilError(t, h.agent.Run(ctx))

	assert.Equal(t, h.agent.State(), StateStopped)
	assert.DeepEqual(t, h.moves[len(h.moves)-2:], []State{StateShuttingDown, StateStopped})
	assert.Equal(t, h.platform.aborts, 1)
	assert.Equal(t, h.agent.PacketsDropped(), uint32(1))
	assert.Assert(t, !h.msg.subscribed(marker.JobsNotifyNext(testThing)))
	assert.Assert(t, !h.timers.isRunning(osal.RequestTimer))
	assert.Equal(t, h.agent.Shutdown(time.Millisecond), StateStopped)
}

func TestShutdownBudget(t *testing.T) {
	h := testAgent(t, 256, 16)
	// nothing consumes the queue
	assert.Equal(t, h.agent.Shutdown(20*time.Millisecond), StateInit)
}

func TestDefaultCallbackActivates(t *testing.T) {
	h := testAgent(t, 256, 16)
	h.msg.JobDoc = jobdocs.Standard(1024)
	h.msg.Image = image(1024)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.agent.Run(ctx) }()

	assert.NilError(t, h.agent.CheckForUpdate())
	for {
		h.platform.mu.Lock()
		activated := h.platform.activations
		h.platform.mu.Unlock()
		if activated == 1 {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("image was not activated")
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.Equal(t, h.agent.Shutdown(2*time.Second), StateStopped)
	assert.NilError(t, <-done)
}
