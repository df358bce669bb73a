package central

import (
	"iter"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blewatch/internal/device"
	"github.com/srg/blewatch/internal/ringchan"
)

// Watcher is an infinite, non-restartable sequence of advertisements.
//
// Next blocks until an advertisement arrives or the watcher is stopped.
// Advertisements come out in arrival order. When the consumer falls behind,
// the oldest buffered advertisement is dropped and counted in Dropped.
// Stop ends the sequence for every blocked and future Next call and discards
// anything still buffered.
type Watcher struct {
	core *watcherCore
}

// watcherCore is split from Watcher so a cleanup attached to the Watcher can
// stop the source without keeping the Watcher reachable.
type watcherCore struct {
	src    *EventSource
	queue  *ringchan.RingChannel[device.Advertisement]
	logger *logrus.Logger

	stopOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// NewWatcher creates a watcher and arms its event source immediately.
// It fails with ErrRadioUnavailable when the radio cannot be armed.
func NewWatcher(c *Central, opts ...WatcherOption) (*Watcher, error) {
	o := defaultWatcherOptions()
	for _, opt := range opts {
		opt(&o)
	}

	core := &watcherCore{
		queue:  ringchan.New[device.Advertisement](o.BufferSize),
		logger: c.logger,
	}
	core.src = newEventSource(c.hub, o, core.push, core.fail)

	if err := core.src.Start(); err != nil {
		core.queue.Close()
		return nil, err
	}

	w := &Watcher{core: core}
	runtime.AddCleanup(w, func(core *watcherCore) { core.stop() }, core)

	c.logger.WithFields(logrus.Fields{
		"buffer": o.BufferSize,
		"scope":  core.src.scope,
	}).Debug("Advertisement watcher started")
	return w, nil
}

// Next returns the next advertisement. ok is false once the watcher is
// stopped, which is the end of the sequence rather than an error.
func (w *Watcher) Next() (adv device.Advertisement, ok bool) {
	return w.core.queue.Receive()
}

// All ranges over advertisements until the watcher stops or the loop breaks.
// Breaking out of the loop does not stop the watcher.
func (w *Watcher) All() iter.Seq[device.Advertisement] {
	return func(yield func(device.Advertisement) bool) {
		for {
			adv, ok := w.Next()
			if !ok || !yield(adv) {
				return
			}
		}
	}
}

// Stop ends the sequence and disarms the event source. It is idempotent and
// safe to call from any goroutine.
func (w *Watcher) Stop() {
	w.core.stop()
}

// Stopped reports whether the sequence has ended.
func (w *Watcher) Stopped() bool {
	return w.core.queue.Closed()
}

// Dropped returns how many advertisements were discarded on overflow.
func (w *Watcher) Dropped() uint64 {
	return w.core.queue.Overwritten()
}

// Err returns the platform failure that ended the sequence, or nil when the
// watcher was stopped normally or is still running.
func (w *Watcher) Err() error {
	w.core.errMu.Lock()
	defer w.core.errMu.Unlock()
	return w.core.err
}

func (c *watcherCore) push(adv device.Advertisement) {
	c.queue.ForceSend(adv)
}

func (c *watcherCore) fail(err error) {
	if err != nil {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		c.logger.WithError(err).Warn("Advertisement watcher ended by scan failure")
	}
	c.queue.Close()
}

func (c *watcherCore) stop() {
	c.stopOnce.Do(func() {
		c.src.Stop()
		c.queue.Close()
	})
}
