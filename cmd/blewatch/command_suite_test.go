package main

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/srg/blewatch/internal/device"
	"github.com/srg/blewatch/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
)

// syncBuffer lets a test read command output while the command still writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs commands against a simulated radio.
type CommandTestSuite struct {
	suite.Suite

	h *testutils.TestHelper
}

func (s *CommandTestSuite) SetupTest() {
	s.h = testutils.NewTestHelper(s.T())
	radioFactory = s.h.Air.Factory()
}

func (s *CommandTestSuite) TearDownTest() {
	radioFactory = nil
}

// commandRun is a command executing in the background.
type commandRun struct {
	stdout, stderr *syncBuffer
	cancel         context.CancelFunc
	done           chan error
}

// Start executes args in the background; cancel stands in for Ctrl+C.
func (s *CommandTestSuite) Start(args ...string) *commandRun {
	ctx, cancel := context.WithCancel(context.Background())
	r := &commandRun{stdout: &syncBuffer{}, stderr: &syncBuffer{}, cancel: cancel, done: make(chan error, 1)}
	s.T().Cleanup(cancel)

	cmd := newRootCmd()
	cmd.SetOut(r.stdout)
	cmd.SetErr(r.stderr)
	cmd.SetArgs(args)
	go func() { r.done <- cmd.ExecuteContext(ctx) }()
	return r
}

// Wait returns the command's error, failing the test after timeout.
func (s *CommandTestSuite) Wait(r *commandRun, timeout time.Duration) error {
	select {
	case err := <-r.done:
		return err
	case <-time.After(timeout):
		s.FailNow("command did not finish", "stdout:\n%s\nstderr:\n%s", r.stdout, r.stderr)
		return nil
	}
}

// ExecuteCommand runs args to completion and returns stdout and the error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	r := s.Start(args...)
	err := s.Wait(r, 5*time.Second)
	return r.stdout.String(), err
}

// Advertise keeps announcing advs until the test ends.
func (s *CommandTestSuite) Advertise(advs ...device.Advertisement) {
	stop := make(chan struct{})
	s.T().Cleanup(func() { close(stop) })

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				_ = s.h.Air.Advertise(advs...)
			}
		}
	}()
}
