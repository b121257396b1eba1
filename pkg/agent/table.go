package agent

import (
	"context"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/internal/logfields"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/osal"
)

// handler processes one event. Returning StateNoTransition follows the
// table: on success the row's next state is entered, on error the state is
// kept. Any other state overrides the table.
type handler func(ctx context.Context, ev osal.Event) (State, error)

type transition struct {
	from    State
	event   osal.EventID
	handler handler
	next    State
}

// table is searched in order; the first row matching the current state, or
// StateAll, handles the event.
func (a *Agent) table() []transition {
	return []transition{
		{StateInit, osal.EventStart, a.start, StateReady},
		{StateReady, osal.EventRequestJobDocument, a.beginJobRequest, StateRequestingJob},
		{StateReady, osal.EventReceivedJobDocument, a.processJob, StateCreatingFile},
		{StateRequestingJob, osal.EventRequestJobDocument, a.requestJob, StateWaitingForJob},
		{StateRequestingJob, osal.EventRequestTimer, a.requestJob, StateWaitingForJob},
		{StateWaitingForJob, osal.EventReceivedJobDocument, a.processJob, StateCreatingFile},
		{StateWaitingForJob, osal.EventRequestTimer, a.requestJob, StateWaitingForJob},
		{StateCreatingFile, osal.EventCreateFile, a.createFile, StateRequestingFileBlock},
		{StateCreatingFile, osal.EventReceivedJobDocument, a.jobNotification, StateNoTransition},
		{StateRequestingFileBlock, osal.EventRequestFileBlock, a.requestData, StateWaitingForFileBlock},
		{StateRequestingFileBlock, osal.EventRequestTimer, a.requestData, StateWaitingForFileBlock},
		{StateRequestingFileBlock, osal.EventReceivedFileBlock, a.processData, StateNoTransition},
		{StateRequestingFileBlock, osal.EventReceivedJobDocument, a.jobNotification, StateNoTransition},
		{StateWaitingForFileBlock, osal.EventReceivedFileBlock, a.processData, StateNoTransition},
		{StateWaitingForFileBlock, osal.EventRequestTimer, a.requestData, StateWaitingForFileBlock},
		{StateWaitingForFileBlock, osal.EventRequestFileBlock, a.requestData, StateWaitingForFileBlock},
		{StateWaitingForFileBlock, osal.EventReceivedJobDocument, a.jobNotification, StateNoTransition},
		{StateClosingFile, osal.EventCloseFile, a.closeFile, StateReady},
		{StateSuspended, osal.EventResume, a.resume, StateNoTransition},
		{StateSuspended, osal.EventSuspend, a.ignore, StateNoTransition},
		{StateStopped, osal.EventShutdown, a.ignore, StateNoTransition},
		{StateAll, osal.EventSelfTestTimeout, a.selfTestTimeout, StateNoTransition},
		{StateAll, osal.EventSuspend, a.suspend, StateSuspended},
		{StateAll, osal.EventUserAbort, a.userAbort, StateReady},
		{StateAll, osal.EventShutdown, a.shutdown, StateStopped},
	}
}

func (a *Agent) lookup(s State, id osal.EventID) (transition, bool) {
	for _, t := range a.transitions {
		if (t.from == s || t.from == StateAll) && t.event == id {
			return t, true
		}
	}
	return transition{}, false
}

// dispatch runs the handler for ev in the current state and applies the
// resulting transition. The event's buffer is released afterwards.
func (a *Agent) dispatch(ctx context.Context, ev osal.Event) {
	defer a.release(ev)

	from := a.State()
	t, ok := a.lookup(from, ev.ID)
	if !ok {
		a.log.WithField("state", from.String()).WithField("event", ev.ID.String()).
			Debug("event not handled in state, discarding")
		if ev.ID == osal.EventReceivedFileBlock {
			a.stats.dropped.Add(1)
		}
		return
	}

	to, err := t.handler(ctx, ev)
	if to == StateNoTransition {
		to = from
		if err == nil && t.next != StateNoTransition {
			to = t.next
		}
	}
	if err != nil {
		a.log.WithError(err).WithField("state", from.String()).WithField("event", ev.ID.String()).
			Warn("handler failed")
	}
	if to == a.State() {
		return
	}
	a.move(to, ev.ID)
}

// move enters state to, recording the event that caused it.
func (a *Agent) move(to State, id osal.EventID) {
	from := a.State()
	a.setState(to)
	a.log.WithFields(logfields.Transition(from, to, id)).Debug("transitioned")
	if a.observe != nil {
		a.observe(from, to, id)
	}
}

// release returns an event's buffer to the pool.
func (a *Agent) release(ev osal.Event) {
	if ev.Buf != nil {
		a.os.Mem.Release(ev.Buf)
	}
}
