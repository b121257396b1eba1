package agent

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/internal/logfields"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/marker"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/osal"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/file"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/imagestate"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/jobdoc"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/transport"
)

var errSelfTestTimeout = errors.New("self-test did not complete in time")

// jobRequest is published to ask for the next pending job.
type jobRequest struct {
	ClientToken string `json:"clientToken"`
}

// start subscribes to job notifications and checks whether an image is
// waiting on its self-test.
func (a *Agent) start(ctx context.Context, _ osal.Event) (State, error) {
	h := &transport.HandlerFuncs{OnMessageFunc: a.onJobMessage}
	for _, topic := range a.jobTopics() {
		if err := a.msg.Subscribe(ctx, topic, h); err != nil {
			return StateNoTransition, errcode.Wrap(err, errcode.SubscribeFailed, topic)
		}
	}

	pending, err := a.image.PendingCommit(ctx)
	if err != nil {
		a.log.WithError(err).Warn("unable to read platform image state")
		return StateNoTransition, nil
	}
	if pending {
		a.log.Info("image pending commit, starting self-test")
		if err := a.os.Timer.Start(osal.SelfTestTimer, a.cfg.SelfTestTimeout, a.timerSignal(osal.EventSelfTestTimeout)); err != nil {
			a.log.WithError(err).Error("unable to start self-test timer")
		}
		a.signal(osal.EventRequestJobDocument)
	}
	return StateNoTransition, nil
}

func (a *Agent) timerSignal(id osal.EventID) func() {
	return func() { a.signal(id) }
}

func (a *Agent) startRequestTimer() {
	if err := a.os.Timer.Start(osal.RequestTimer, a.cfg.RequestTimeout, a.timerSignal(osal.EventRequestTimer)); err != nil {
		a.log.WithError(err).Error("unable to start request timer")
	}
}

func (a *Agent) stopRequestTimer() {
	if err := a.os.Timer.Stop(osal.RequestTimer); err != nil {
		a.log.WithError(err).Warn("unable to stop request timer")
	}
}

func (a *Agent) beginJobRequest(_ context.Context, _ osal.Event) (State, error) {
	return StateNoTransition, a.signal(osal.EventRequestJobDocument)
}

// requestJob publishes a request for the next job. The request timer
// repeats it until a job document arrives.
func (a *Agent) requestJob(ctx context.Context, _ osal.Event) (State, error) {
	if err := a.momentum.Check(); err != nil {
		a.log.WithError(err).Error("job requests unanswered, giving up")
		a.stopRequestTimer()
		a.momentum.Reset()
		a.notify(ctx, JobEventFail, err)
		return StateReady, err
	}
	a.momentum.Record()
	a.startRequestTimer()

	req, err := json.Marshal(&jobRequest{ClientToken: uuid.NewString()})
	if err != nil {
		return StateNoTransition, errors.Wrap(err, "encode job request")
	}
	if err := a.msg.Publish(ctx, marker.JobsGetNext(a.thing), req); err != nil {
		return StateNoTransition, errcode.Wrap(err, errcode.PublishFailed, "request job")
	}
	return StateNoTransition, nil
}

// processJob parses a job document and starts its transfer.
func (a *Agent) processJob(ctx context.Context, ev osal.Event) (State, error) {
	job, err := a.parser.Parse(ev.Buf.Bytes(), a.JobID(), a.fc)
	log := a.log.WithFields(logfields.Job(job.ID))

	a.stopRequestTimer()
	a.momentum.Reset()

	switch jobdoc.CodeOf(err) {
	case jobdoc.None:
	case jobdoc.NullJob:
		log.Debug("no pending job")
		return StateReady, nil
	case jobdoc.UpdateCurrentJob:
		log.Debug("notified of the active job")
		return StateReady, nil
	case jobdoc.NoContextAvailable:
		log.Warn("file context busy, ignoring job")
		return StateReady, err
	default:
		log.WithError(err).Error("rejecting job document")
		pe, _ := err.(*jobdoc.Error)
		var cause error = err
		if pe != nil {
			cause = pe.AgentCode()
		}
		if job.ID != "" {
			if rerr := a.status.Failed(ctx, job.ID, cause); rerr != nil {
				log.WithError(rerr).Warn("unable to report job failure")
			}
		}
		a.notify(ctx, JobEventFail, cause)
		return StateReady, err
	}

	if job.Custom {
		log.Info("job handled by custom parser")
		return StateReady, nil
	}

	a.setJob(job.ID)
	log = log.WithFields(logfields.File(a.fc))

	if job.SelfTest {
		return a.beginSelfTest(ctx, job)
	}
	if pending, perr := a.image.PendingCommit(ctx); perr == nil && pending {
		// The platform booted an image this job knows nothing about.
		cause := errcode.Errorf(errcode.ImageStateMismatch, "image pending commit without a job in self-test")
		log.WithError(cause).Error("rolling back image")
		a.abandonFile(ctx)
		a.rejectImage(ctx, cause)
		return StateReady, cause
	}

	log.Info("starting job")
	return a.advance(ctx, osal.EventCreateFile, StateNoTransition)
}

// beginSelfTest checks the running image against a job in self-test and
// asks the application to test it.
func (a *Agent) beginSelfTest(ctx context.Context, job jobdoc.Job) (State, error) {
	a.abandonFile(ctx)
	log := a.log.WithFields(logfields.Job(job.ID))

	err := a.image.CheckBoot(ctx, true)
	if err == nil {
		err = imagestate.CheckVersion(a.cfg.Version, imagestate.Version(job.UpdatedBy))
	}
	if err != nil {
		log.WithError(err).Error("image failed self-test checks")
		a.rejectImage(ctx, err)
		if rerr := a.platform.ResetDevice(ctx); rerr != nil {
			log.WithError(rerr).Error("unable to reset device")
		}
		return StateReady, err
	}

	if err := a.image.Force(ctx, job.ID, imagestate.Testing, nil); err != nil {
		return StateReady, err
	}
	log.Info("image in self-test")
	a.notify(ctx, JobEventStartTest, nil)
	return StateReady, nil
}

// jobNotification handles job documents arriving during a transfer. A
// notification without a job cancels the transfer; others are ignored.
func (a *Agent) jobNotification(ctx context.Context, ev osal.Event) (State, error) {
	job, err := a.parser.Parse(ev.Buf.Bytes(), a.JobID(), a.fc)
	log := a.log.WithFields(logfields.Job(a.JobID()))
	switch jobdoc.CodeOf(err) {
	case jobdoc.NullJob:
		log.Info("job cancelled, abandoning transfer")
		a.abandonFile(ctx)
		if ierr := a.image.Force(ctx, "", imagestate.Aborted, nil); ierr != nil {
			log.WithError(ierr).Warn("unable to abort image")
		}
		a.setJob("")
		a.notify(ctx, JobEventFail, errcode.Errorf(errcode.FileAbort, "job cancelled"))
		return StateReady, nil
	case jobdoc.UpdateCurrentJob:
		log.Debug("notified of the active job")
	default:
		log.WithError(err).WithField("other-job", job.ID).Debug("ignoring job during transfer")
	}
	return StateNoTransition, nil
}

// createFile opens the destination and prepares the data transport.
func (a *Agent) createFile(ctx context.Context, _ osal.Event) (State, error) {
	sink, err := a.platform.CreateFile(ctx, a.fc)
	if err != nil {
		err = errcode.Wrap(err, errcode.RxFileCreateFailed, "create file")
		a.failJob(ctx, err)
		return StateReady, err
	}
	a.fc.Handle = sink

	if err := a.openTransport(ctx); err != nil {
		a.failJob(ctx, err)
		return StateReady, err
	}
	a.outstanding = 0
	return a.advance(ctx, osal.EventRequestFileBlock, StateNoTransition)
}

// requestData asks for the next round of missing blocks.
func (a *Agent) requestData(ctx context.Context, _ osal.Event) (State, error) {
	if err := a.momentum.Check(); err != nil {
		a.log.WithFields(logfields.Job(a.JobID())).WithError(err).Error("block requests unanswered, abandoning job")
		a.failJob(ctx, err)
		return StateReady, err
	}
	a.momentum.Record()
	a.startRequestTimer()

	if err := a.requestBlocks(ctx); err != nil {
		return StateNoTransition, err
	}
	return StateNoTransition, nil
}

// processData ingests one block. The final block moves on to closing the
// file; the last block of a round asks for the next round.
func (a *Agent) processData(ctx context.Context, ev osal.Event) (State, error) {
	a.stats.processed.Add(1)
	index, payload, err := a.decodeBlock(ev)
	if err != nil {
		a.log.WithError(err).Debug("rejected block")
		return StateNoTransition, nil
	}

	res, err := a.fc.Ingest(index, payload)
	if err != nil {
		if file.IsRejection(err) {
			a.log.WithError(err).Debug("rejected block")
			return StateNoTransition, nil
		}
		a.failJob(ctx, err)
		return StateReady, err
	}
	if logging.Debuggable {
		a.log.WithField("block", index).WithField("result", res.String()).Debug("ingested block")
	}
	a.momentum.Reset()
	if res != file.Duplicate && a.outstanding > 0 {
		a.outstanding--
	}

	switch res {
	case file.Complete:
		a.stopRequestTimer()
		a.log.WithFields(logfields.File(a.fc)).Info("received all blocks")
		return a.advance(ctx, osal.EventCloseFile, StateClosingFile)
	case file.Accepted:
		if a.fc.Received%a.cfg.StatusFrequency == 0 {
			if err := a.status.Progress(ctx, a.JobID(), a.fc.Received, a.fc.Blocks); err != nil {
				a.log.WithError(err).Warn("unable to report progress")
			}
		}
	}
	if a.outstanding == 0 && a.State() == StateWaitingForFileBlock {
		// The request timer is still running and retries the round if
		// the event is lost.
		return StateRequestingFileBlock, a.signal(osal.EventRequestFileBlock)
	}
	return StateNoTransition, nil
}

// advance queues the event that carries the job on to next. A job that
// cannot continue is failed.
func (a *Agent) advance(ctx context.Context, id osal.EventID, next State) (State, error) {
	if err := a.signal(id); err != nil {
		a.failJob(ctx, err)
		return StateReady, err
	}
	return next, nil
}

// closeFile verifies the received file and hands it to the application
// for activation.
func (a *Agent) closeFile(ctx context.Context, _ osal.Event) (State, error) {
	a.closeTransport(ctx)
	log := a.log.WithFields(logfields.Job(a.JobID())).WithFields(logfields.File(a.fc))

	if err := a.platform.CloseFile(ctx, a.fc); err != nil {
		if errcode.KindOf(err) == errcode.Uninitialized {
			err = errcode.Wrap(err, errcode.FileClose, "close file")
		}
		log.WithError(err).Error("file failed verification")
		a.fc.Release()
		a.rejectImage(ctx, err)
		a.notify(ctx, JobEventFail, err)
		return StateReady, err
	}
	a.fc.Release()

	if err := a.image.Set(ctx, a.JobID(), imagestate.Testing); err != nil {
		log.WithError(err).Error("unable to mark image for testing")
		a.rejectImage(ctx, err)
		a.notify(ctx, JobEventFail, err)
		return StateReady, err
	}
	log.Info("image ready for activation")
	a.notify(ctx, JobEventActivate, nil)
	return StateNoTransition, nil
}

func (a *Agent) suspend(_ context.Context, _ osal.Event) (State, error) {
	a.mu.Lock()
	a.suspended = a.state
	a.mu.Unlock()
	a.stopRequestTimer()
	a.log.WithField("state", a.suspended.String()).Info("suspended")
	return StateNoTransition, nil
}

// resume returns to the state held before suspending. Outstanding requests
// are retried once the request timer fires.
func (a *Agent) resume(_ context.Context, _ osal.Event) (State, error) {
	a.mu.Lock()
	prev := a.suspended
	a.mu.Unlock()
	if prev.awaitingReply() {
		a.startRequestTimer()
	}
	a.log.WithField("state", prev.String()).Info("resumed")
	return prev, nil
}

func (a *Agent) ignore(_ context.Context, ev osal.Event) (State, error) {
	a.log.WithField("event", ev.ID.String()).Debug("ignored")
	return StateNoTransition, nil
}

// selfTestTimeout rejects an image that was not committed in time and
// resets the device to boot the previous image.
func (a *Agent) selfTestTimeout(ctx context.Context, _ osal.Event) (State, error) {
	if a.image.State() != imagestate.Testing {
		a.log.Debug("self-test timer expired outside of self-test")
		return StateNoTransition, nil
	}
	a.log.Error("self-test timed out, rolling back")
	a.rejectImage(ctx, errSelfTestTimeout)
	if err := a.platform.ResetDevice(ctx); err != nil {
		return StateNoTransition, errcode.Wrap(err, errcode.ResetNotSupported, "reset device")
	}
	return StateNoTransition, nil
}

// userAbort abandons the active job at the application's request.
func (a *Agent) userAbort(ctx context.Context, _ osal.Event) (State, error) {
	a.log.WithFields(logfields.Job(a.JobID())).Info("job aborted by user")
	a.abandonFile(ctx)
	a.setJob("")
	return StateNoTransition, nil
}

func (a *Agent) shutdown(ctx context.Context, ev osal.Event) (State, error) {
	a.move(StateShuttingDown, ev.ID)
	a.cleanup(ctx)
	return StateNoTransition, nil
}

// cleanup releases everything the agent holds.
func (a *Agent) cleanup(ctx context.Context) {
	for _, topic := range a.jobTopics() {
		if err := a.msg.Unsubscribe(ctx, topic); err != nil {
			a.log.WithError(err).WithField("topic", topic).Warn("unable to unsubscribe")
		}
	}
	a.abandonFile(ctx)
	for _, id := range []osal.TimerID{osal.RequestTimer, osal.SelfTestTimer} {
		if err := a.os.Timer.Delete(id); err != nil {
			a.log.WithError(err).WithField("timer", id.String()).Warn("unable to delete timer")
		}
	}
}

// failJob abandons the active transfer after err, reporting the failure.
func (a *Agent) failJob(ctx context.Context, err error) {
	a.log.WithFields(logfields.Job(a.JobID())).WithError(err).Error("job failed")
	a.abandonFile(ctx)
	if ierr := a.image.Force(ctx, a.JobID(), imagestate.Aborted, err); ierr != nil {
		a.log.WithError(ierr).Warn("unable to abort image")
	}
	a.setJob("")
	a.notify(ctx, JobEventFail, err)
}

// rejectImage rolls back the image of the active job.
func (a *Agent) rejectImage(ctx context.Context, cause error) {
	if err := a.image.Force(ctx, a.JobID(), imagestate.Rejected, cause); err != nil {
		a.log.WithError(err).Error("unable to reject image")
	}
	a.setJob("")
}

// abandonFile stops any transfer and releases the file context.
func (a *Agent) abandonFile(ctx context.Context) {
	a.stopRequestTimer()
	a.momentum.Reset()
	if !a.fc.InUse() {
		return
	}
	a.closeTransport(ctx)
	if a.fc.Handle != nil {
		if err := a.platform.Abort(ctx, a.fc); err != nil {
			a.log.WithError(err).Warn("unable to abort file")
		}
	}
	a.fc.Release()
}
