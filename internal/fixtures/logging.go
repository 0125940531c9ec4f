package fixtures

import (
	"io"
	"io/ioutil"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

type writer struct {
	tb testing.TB
}

var _ io.Writer = (*writer)(nil)

func (w writer) Write(p []byte) (int, error) {
	w.tb.Log(string(p))
	return len(p), nil
}

// NewTestLogger returns a logger which writes through tb.Log, so output is only shown for failing tests.
func NewTestLogger(tb testing.TB, opts ...func(logrus.FieldLogger)) logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)

	for _, opt := range opts {
		opt(l)
	}
	l.SetOutput(writer{tb: tb})

	return l
}

// CaptureLogger returns a logger and a hook recording every entry it logs.
func CaptureLogger() (logrus.FieldLogger, *LogCapture) {
	l := logrus.New()
	l.SetOutput(ioutil.Discard)
	c := &LogCapture{}
	l.AddHook(c)
	return l, c
}

type LogCapture struct {
	mu      sync.Mutex
	entries []string
}

func (c *LogCapture) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (c *LogCapture) Fire(e *logrus.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e.Message)
	return nil
}

// Messages returns the messages logged so far.
func (c *LogCapture) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.entries...)
}
