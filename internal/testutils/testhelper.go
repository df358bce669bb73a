// Package testutils holds the simulated radio environment, peripheral and
// advertisement builders and output asserters shared by tests.
package testutils

import (
	"bytes"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// TestHelper bundles a test with a simulated radio and a debug logger whose
// output is dumped only when the test fails.
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Air    *Air

	logs lockedBuffer
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func NewTestHelper(t *testing.T) *TestHelper {
	h := &TestHelper{T: t, Air: NewAir()}

	h.Logger = logrus.New()
	h.Logger.SetLevel(logrus.DebugLevel) // track execution flow on failure
	h.Logger.SetOutput(&h.logs)
	h.Logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})

	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("captured logs:\n%s", h.logs.String())
		}
	})
	return h
}
