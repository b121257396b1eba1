// Package osal provides the operating system capabilities the agent runs
// on: an event queue, timers and a fixed pool of message buffers.
package osal

import (
	"context"
	"fmt"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
)

// EventID identifies what happened.
type EventID uint8

const (
	EventStart EventID = iota
	EventRequestJobDocument
	EventReceivedJobDocument
	EventCreateFile
	EventRequestFileBlock
	EventReceivedFileBlock
	EventRequestTimer
	EventCloseFile
	EventSelfTestTimeout
	EventSuspend
	EventResume
	EventUserAbort
	EventShutdown

	eventCount
)

var eventNames = [eventCount]string{
	EventStart:               "Start",
	EventRequestJobDocument:  "RequestJobDocument",
	EventReceivedJobDocument: "ReceivedJobDocument",
	EventCreateFile:          "CreateFile",
	EventRequestFileBlock:    "RequestFileBlock",
	EventReceivedFileBlock:   "ReceivedFileBlock",
	EventRequestTimer:        "RequestTimer",
	EventCloseFile:           "CloseFile",
	EventSelfTestTimeout:     "SelfTestTimeout",
	EventSuspend:             "Suspend",
	EventResume:              "Resume",
	EventUserAbort:           "UserAbort",
	EventShutdown:            "Shutdown",
}

func (e EventID) String() string {
	if e < eventCount {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}

// Event is one unit of work for the agent. Buf, when set, is owned by the
// event until the consumer releases it.
type Event struct {
	ID  EventID
	Buf *Buffer
	// Offset is the byte offset of a block delivered over a bulk transport.
	Offset int64
}

// EventQueue carries events from producers to the single agent task.
type EventQueue interface {
	// Send enqueues without blocking. A full queue is EventQSendFailed.
	Send(Event) error
	// Receive blocks for the next event.
	Receive(ctx context.Context) (Event, error)
	// Drain removes all queued events, passing each to fn.
	Drain(fn func(Event))
}

type queue struct {
	events chan Event
}

// NewQueue returns a channel backed queue holding depth events.
func NewQueue(depth int) EventQueue {
	return &queue{events: make(chan Event, depth)}
}

func (q *queue) Send(ev Event) error {
	select {
	case q.events <- ev:
		return nil
	default:
		return errcode.Errorf(errcode.EventQSendFailed, "unable to queue %s (back pressure)", ev.ID)
	}
}

func (q *queue) Receive(ctx context.Context) (Event, error) {
	select {
	case ev := <-q.events:
		return ev, nil
	case <-ctx.Done():
		return Event{}, errcode.Wrap(ctx.Err(), errcode.EventQReceiveFailed, "receive")
	}
}

func (q *queue) Drain(fn func(Event)) {
	for {
		select {
		case ev := <-q.events:
			fn(ev)
		default:
			return
		}
	}
}
