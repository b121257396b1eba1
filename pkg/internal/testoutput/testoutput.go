package testoutput

import (
	"io"
	"os"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/amazonlinux/bottlerocket/otaagent/pkg/logging"
)

// New returns a writer that writes strings (assuming lines) to the testing
// logger.
func New(t testing.TB) io.Writer {
	return &testoutput{t}
}

// Setter may be given to logging to send output to the testing facade. Tests
// using it must not run in parallel.
func Setter(t testing.TB) logging.Setter {
	return func(l *logrus.Logger) error {
		l.SetOutput(New(t))
		l.SetLevel(logrus.DebugLevel)
		return nil
	}
}

// Revert restores the logger output to write to stderr.
func Revert() logging.Setter {
	return func(l *logrus.Logger) error {
		l.SetOutput(os.Stderr)
		return nil
	}
}

// Entries collects log entries at or above warning so tests may assert on
// reported problems.
type Entries struct {
	mu      sync.Mutex
	entries []*logrus.Entry
}

// Capture installs a hook on the root logger recording entries into the
// returned collection.
func Capture(t testing.TB) *Entries {
	e := &Entries{}
	_ = logging.Set(func(l *logrus.Logger) error {
		l.SetOutput(New(t))
		l.SetLevel(logrus.DebugLevel)
		l.ReplaceHooks(logrus.LevelHooks{})
		l.AddHook(e)
		return nil
	})
	return e
}

func (e *Entries) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (e *Entries) Fire(entry *logrus.Entry) error {
	e.mu.Lock()
	e.entries = append(e.entries, entry)
	e.mu.Unlock()
	return nil
}

// Messages returns the recorded messages in order.
func (e *Entries) Messages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs := make([]string, 0, len(e.entries))
	for _, entry := range e.entries {
		msgs = append(msgs, entry.Message)
	}
	return msgs
}

type testoutput struct {
	t testing.TB
}

func (l *testoutput) Write(p []byte) (n int, err error) {
	l.t.Logf("%s", p)
	return len(p), nil
}
