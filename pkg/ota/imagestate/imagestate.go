// Package imagestate governs the lifecycle of a downloaded image: testing
// after activation, then commit or rollback.
package imagestate

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/errcode"
)

// State is the agent's view of the image.
type State uint8

const (
	Unknown State = iota
	Testing
	Accepted
	Rejected
	Aborted

	lastState = Aborted
)

func (s State) String() string {
	switch s {
	case Testing:
		return "testing"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Valid reports whether s may be set.
func (s State) Valid() bool {
	return s > Unknown && s <= lastState
}

// PlatformState is the image state persisted by the platform.
type PlatformState uint8

const (
	PlatformUnknown PlatformState = iota
	// PlatformPendingCommit is an activated image awaiting self-test.
	PlatformPendingCommit
	PlatformValid
	PlatformInvalid
)

func (p PlatformState) String() string {
	switch p {
	case PlatformPendingCommit:
		return "pending-commit"
	case PlatformValid:
		return "valid"
	case PlatformInvalid:
		return "invalid"
	}
	return "unknown"
}

// Platform persists image state.
type Platform interface {
	SetImageState(ctx context.Context, s State) error
	ImageState(ctx context.Context) (PlatformState, error)
}

// Reporter publishes an image state change against a job.
type Reporter interface {
	ReportImageState(ctx context.Context, jobID string, s State, reason error) error
}

// Manager holds the current image state.
type Manager struct {
	log      logging.Logger
	platform Platform
	reporter Reporter

	mu    sync.Mutex
	state State
}

func New(log logging.Logger, platform Platform, reporter Reporter) *Manager {
	return &Manager{
		log:      log,
		platform: platform,
		reporter: reporter,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Set changes the image state for jobID. Accepted and Rejected are only
// reachable from Testing. Without a job only Aborted is permitted; the
// platform is not touched when the change is refused.
func (m *Manager) Set(ctx context.Context, jobID string, s State) error {
	if !s.Valid() {
		return errcode.Errorf(errcode.BadImageState, "cannot set %s", s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if jobID == "" && s != Aborted {
		return errcode.Errorf(errcode.NoActiveJob, "cannot set %s", s)
	}
	if (s == Accepted || s == Rejected) && m.state != Testing {
		return errcode.Errorf(errcode.BadImageState, "cannot set %s from %s", s, m.state)
	}
	return m.apply(ctx, jobID, s, nil)
}

// Force changes the image state without lifecycle checks, for reset paths:
// rejecting a failed download, a self-test timeout or a boot mismatch.
func (m *Manager) Force(ctx context.Context, jobID string, s State, reason error) error {
	if !s.Valid() {
		return errcode.Errorf(errcode.BadImageState, "cannot set %s", s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(ctx, jobID, s, reason)
}

func (m *Manager) apply(ctx context.Context, jobID string, s State, reason error) error {
	log := m.log.WithField("image-state", s.String())
	if err := m.platform.SetImageState(ctx, s); err != nil {
		log.WithError(err).Error("platform refused image state")
		return errcode.Wrap(err, failureKind(s), "set image state")
	}
	m.state = s
	if jobID == "" || m.reporter == nil {
		return nil
	}
	if err := m.reporter.ReportImageState(ctx, jobID, s, reason); err != nil {
		// best effort
		log.WithError(err).Warn("unable to report image state")
	}
	return nil
}

func failureKind(s State) errcode.Kind {
	switch s {
	case Testing:
		return errcode.BootInfoCreateFailed
	case Accepted:
		return errcode.CommitFailed
	case Rejected:
		return errcode.RejectFailed
	}
	return errcode.AbortFailed
}

// PendingCommit reports whether the platform booted an image awaiting
// self-test.
func (m *Manager) PendingCommit(ctx context.Context) (bool, error) {
	ps, err := m.platform.ImageState(ctx)
	if err != nil {
		return false, errors.WithMessage(err, "platform image state")
	}
	return ps == PlatformPendingCommit, nil
}

// CheckBoot compares a job's self-test claim with the platform. A job in
// self-test on a platform not pending commit, or the reverse, is
// ImageStateMismatch.
func (m *Manager) CheckBoot(ctx context.Context, selfTest bool) error {
	pending, err := m.PendingCommit(ctx)
	if err != nil {
		return err
	}
	if selfTest != pending {
		return errcode.Errorf(errcode.ImageStateMismatch, "job self-test %t, platform pending commit %t", selfTest, pending)
	}
	return nil
}
