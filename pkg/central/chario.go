package central

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/smallnest/ringbuffer"
)

// IOOptions configures a CharacteristicIO.
type IOOptions struct {
	// ReadTimeout is how long Read waits for a notification when nothing is
	// buffered. A timed out Read returns 0 bytes and no error.
	ReadTimeout time.Duration `default:"1s"`
	BufferSize  int           `default:"4096"`
}

// IOOption is a functional option for Open.
type IOOption func(*IOOptions)

// WithReadTimeout sets how long Read waits for a notification.
func WithReadTimeout(d time.Duration) IOOption {
	return func(o *IOOptions) {
		if d > 0 {
			o.ReadTimeout = d
		}
	}
}

// WithIOBuffer sets the capacity of the byte buffer holding notification
// bytes that did not fit the caller's slice.
func WithIOBuffer(n int) IOOption {
	return func(o *IOOptions) {
		if n > 0 {
			o.BufferSize = n
		}
	}
}

// CharacteristicIO exposes a characteristic as an io.ReadWriteCloser.
//
// When the characteristic notifies (or indicates), Read returns notification
// bytes in arrival order. Otherwise Read returns the characteristic value,
// read fresh whenever the previous value has been consumed.
type CharacteristicIO struct {
	char   *Characteristic
	sub    *Subscription
	buf    *ringbuffer.RingBuffer
	opts   IOOptions
	ctx    context.Context
	cancel context.CancelFunc

	closed  atomic.Bool
	dropped atomic.Uint64
}

var _ io.ReadWriteCloser = (*CharacteristicIO)(nil)

// Open arms notifications when the characteristic supports them and returns
// a stream over it.
func (c *Characteristic) Open(ctx context.Context, opts ...IOOption) (*CharacteristicIO, error) {
	o := IOOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}

	caps := c.info.Capabilities
	if !caps.Readable() && !caps.Notifiable() && !caps.Indicatable() &&
		!caps.Writable() && !caps.WritableWithoutResponse() {
		return nil, c.unsupported("open")
	}

	rw := &CharacteristicIO{
		char: c,
		buf:  ringbuffer.New(o.BufferSize),
		opts: o,
	}
	rw.ctx, rw.cancel = context.WithCancel(context.Background())

	if caps.Notifiable() || caps.Indicatable() {
		sub, err := c.Subscribe(ctx)
		if err != nil {
			rw.cancel()
			return nil, err
		}
		rw.sub = sub
	}
	return rw, nil
}

// Read implements io.Reader. With notifications armed and nothing buffered it
// waits up to the read timeout and returns (0, nil) if nothing arrived. It
// returns io.EOF once the subscription has ended.
func (rw *CharacteristicIO) Read(p []byte) (int, error) {
	if rw.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err := rw.buf.TryRead(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	if n > 0 {
		return n, nil
	}

	if rw.sub != nil {
		return rw.readNotification(p)
	}
	if !rw.char.info.Capabilities.Readable() {
		return 0, rw.char.unsupported("read")
	}

	data, err := rw.char.Read(rw.ctx)
	if err != nil {
		return 0, err
	}
	return rw.fill(p, data), nil
}

func (rw *CharacteristicIO) readNotification(p []byte) (int, error) {
	q := rw.sub.core.queue
	select {
	case <-q.Done():
		return 0, io.EOF
	default:
	}

	timer := time.NewTimer(rw.opts.ReadTimeout)
	defer timer.Stop()

	select {
	case data := <-q.C():
		return rw.fill(p, data), nil
	case <-q.Done():
		return 0, io.EOF
	case <-rw.ctx.Done():
		return 0, io.ErrClosedPipe
	case <-timer.C:
		return 0, nil
	}
}

// fill copies data into p and buffers the remainder.
func (rw *CharacteristicIO) fill(p, data []byte) int {
	n := copy(p, data)
	if rest := data[n:]; len(rest) > 0 {
		written, _ := rw.buf.Write(rest)
		if written < len(rest) {
			dropped := len(rest) - written
			rw.dropped.Add(uint64(dropped))
			rw.char.log().Warnf("IO buffer overflow: dropped %d bytes", dropped)
		}
	}
	return n
}

// Write implements io.Writer, writing p as one characteristic value.
func (rw *CharacteristicIO) Write(p []byte) (int, error) {
	if rw.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	if err := rw.char.Write(rw.ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Dropped returns how many notification bytes were lost to buffer overflow.
func (rw *CharacteristicIO) Dropped() uint64 { return rw.dropped.Load() }

// Close disarms notifications. It is idempotent.
func (rw *CharacteristicIO) Close() error {
	if !rw.closed.CompareAndSwap(false, true) {
		return nil
	}
	rw.cancel()
	if rw.sub == nil {
		return nil
	}
	return rw.sub.Unsubscribe(context.Background())
}
