package osal

import (
	"sync"
	"time"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
)

// TimerID names one of the agent's timers.
type TimerID uint8

const (
	// RequestTimer fires when a job or block request went unanswered.
	RequestTimer TimerID = iota
	// SelfTestTimer bounds the self-test window after activation.
	SelfTestTimer
)

func (t TimerID) String() string {
	switch t {
	case RequestTimer:
		return "request"
	case SelfTestTimer:
		return "self-test"
	}
	return "unknown"
}

// Timers are one-shot timers. Starting a running timer restarts it.
type Timers interface {
	Start(id TimerID, d time.Duration, fn func()) error
	Stop(id TimerID) error
	Delete(id TimerID) error
}

type timers struct {
	mu     sync.Mutex
	active map[TimerID]*time.Timer
}

func NewTimers() Timers {
	return &timers{active: make(map[TimerID]*time.Timer)}
}

func (t *timers) Start(id TimerID, d time.Duration, fn func()) error {
	if d <= 0 || fn == nil {
		return errcode.Errorf(errcode.EventTimerStartFailed, "%s timer: invalid duration %s", id, d)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.active[id]; ok {
		tm.Stop()
	}
	t.active[id] = time.AfterFunc(d, fn)
	return nil
}

func (t *timers) Stop(id TimerID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.active[id]; ok {
		tm.Stop()
	}
	return nil
}

func (t *timers) Delete(id TimerID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.active[id]; ok {
		tm.Stop()
		delete(t.active, id)
	}
	return nil
}
