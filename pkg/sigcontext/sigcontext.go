package sigcontext

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/logging"
)

// WithSignalCancel derives a context cancelled on the first of sigs. The
// returned cancel releases the signal handler and must be called; once it has
// been, a second signal falls through to the go runtime defaults.
func WithSignalCancel(ctx context.Context, log logging.Logger, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	sigctx, ctxcancel := context.WithCancel(ctx)

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, sigs...)

	var once sync.Once
	cancel := func() {
		ctxcancel()
		once.Do(func() {
			signal.Stop(sigchan)
		})
	}

	go func() {
		select {
		case <-sigctx.Done():
		case sig := <-sigchan:
			if log != nil {
				log.WithField("signal", sig.String()).Info("received signal, cancelling")
			}
			ctxcancel()
		}
	}()

	return sigctx, cancel
}
