// Package ringchan provides a bounded, closable channel with overwrite-oldest
// semantics. It bridges platform callbacks, which must never block, to
// consumers that pull values one at a time.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded FIFO buffer backed by a Go channel.
//
// Producers never block: when the buffer is full the oldest element is
// discarded and counted as overwritten. Close is terminal. It wakes every
// blocked receiver and discards whatever is still buffered, so no value is
// observed after Close returns.
//
//	rc := ringchan.New[int](3)
//	for i := 0; i < 10; i++ {
//	    rc.ForceSend(i)
//	}
//	v, _ := rc.Receive() // 7
type RingChannel[T any] struct {
	ch   chan T
	done chan struct{}

	sendMu    sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once

	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// ForceSend enqueues v, discarding the oldest element if the buffer is full.
// It reports false when the channel is already closed and v was dropped.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()

	if rc.closed.Load() {
		return false
	}

	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.metrics.Written, 1)
			return true
		default:
		}

		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
		default:
			// a receiver freed a slot first
		}
	}
}

// Receive blocks until a value is available or the channel is closed.
// ok is false once the channel is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	select {
	case <-rc.done:
		return v, false
	case v = <-rc.ch:
	}

	// Close may race with a pending value; closed wins.
	if rc.closed.Load() {
		var zero T
		return zero, false
	}
	atomic.AddInt64(&rc.metrics.Processed, 1)
	return v, true
}

// TryReceive returns immediately. ok is false when nothing is buffered or the
// channel is closed.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	if rc.closed.Load() {
		return v, false
	}
	select {
	case v = <-rc.ch:
		atomic.AddInt64(&rc.metrics.Processed, 1)
		return v, true
	default:
		return v, false
	}
}

// C exposes the underlying channel for select statements.
// Reads through C bypass the Processed counter and the closed check.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Done is closed when the RingChannel is closed.
func (rc *RingChannel[T]) Done() <-chan struct{} {
	return rc.done
}

// Close ends the stream. It is idempotent and safe from any goroutine.
func (rc *RingChannel[T]) Close() {
	rc.closeOnce.Do(func() {
		rc.sendMu.Lock()
		rc.closed.Store(true)
		close(rc.done)
		rc.sendMu.Unlock()

		for {
			select {
			case <-rc.ch:
			default:
				return
			}
		}
	})
}

// Closed reports whether Close has been called.
func (rc *RingChannel[T]) Closed() bool {
	return rc.closed.Load()
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the buffer capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Overwritten returns how many elements were discarded because the buffer was full.
func (rc *RingChannel[T]) Overwritten() uint64 {
	return uint64(atomic.LoadInt64(&rc.metrics.Overwritten))
}

// GetMetrics returns a snapshot of the counters.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
	}
}

// Metrics counts RingChannel traffic. Fields are updated atomically.
type Metrics struct {
	Written     int64
	Overwritten int64
	Processed   int64
}
