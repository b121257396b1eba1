package agent

import (
	"context"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/ota/imagestate"
)

const noticeDepth = 8

// JobEvent is what the application is told about a job.
type JobEvent uint8

const (
	// JobEventActivate asks the application to boot the verified image.
	JobEventActivate JobEvent = iota
	// JobEventFail reports the job failed. The cause is given.
	JobEventFail
	// JobEventStartTest asks the application to self-test the new image
	// and then set the image state.
	JobEventStartTest
)

func (e JobEvent) String() string {
	switch e {
	case JobEventActivate:
		return "activate"
	case JobEventFail:
		return "fail"
	case JobEventStartTest:
		return "start-test"
	}
	return "unknown"
}

// Callback receives job events. It is called from a dedicated goroutine, in
// order, and may call back into the Agent.
type Callback func(ctx context.Context, ev JobEvent, cause error)

type notice struct {
	ev    JobEvent
	cause error
}

// notify hands ev to the notifier.
func (a *Agent) notify(ctx context.Context, ev JobEvent, cause error) {
	select {
	case a.notices <- notice{ev, cause}:
	case <-ctx.Done():
		a.log.WithField("job-event", ev.String()).Warn("agent stopping, job event not delivered")
	}
}

func (a *Agent) notifier(ctx context.Context) error {
	for n := range a.notices {
		a.log.WithField("job-event", n.ev.String()).Debug("delivering job event")
		a.callback(ctx, n.ev, n.cause)
	}
	return nil
}

// defaultCallback activates verified images immediately and accepts them
// on the self-test that follows.
func (a *Agent) defaultCallback(ctx context.Context, ev JobEvent, cause error) {
	log := a.log.WithField("job-event", ev.String())
	switch ev {
	case JobEventActivate:
		log.Info("activating new image")
		if err := a.ActivateNewImage(ctx); err != nil {
			log.WithError(err).Error("unable to activate new image")
		}
	case JobEventStartTest:
		log.Info("accepting image under test")
		if err := a.SetImageState(ctx, imagestate.Accepted); err != nil {
			log.WithError(err).Error("unable to accept image")
		}
	case JobEventFail:
		log.WithError(cause).Error("job failed")
	}
}
