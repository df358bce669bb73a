package central

import (
	"context"
	"errors"
	"iter"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blewatch/internal/device"
	"github.com/srg/blewatch/internal/groutine"
	"github.com/srg/blewatch/internal/ringchan"
)

// SubState is the lifecycle state of a Subscription.
type SubState int32

const (
	SubInactive SubState = iota
	SubActive
	SubError
)

func (s SubState) String() string {
	switch s {
	case SubInactive:
		return "inactive"
	case SubActive:
		return "active"
	case SubError:
		return "error"
	default:
		return "unknown"
	}
}

// Subscription is a live feed of value changes from one characteristic.
//
// Values come out in arrival order; when the consumer falls behind the oldest
// queued value is dropped and counted. The feed ends (Next reports false) on
// Unsubscribe or when the device disconnects.
type Subscription struct {
	core *subCore
}

type subCore struct {
	slot  *linkSlot
	key   charKey
	uuid  string
	queue *ringchan.RingChannel[[]byte]
	state atomic.Int32

	endOnce sync.Once
	errMu   sync.Mutex
	err     error
}

// notifier fans one platform subscription out to every Subscription on the
// same characteristic within a connection epoch.
type notifier struct {
	info     device.CharacteristicInfo
	indicate bool

	mu   sync.RWMutex
	subs []*subCore
}

func (n *notifier) dispatch(data []byte) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subs {
		sub.deliver(data)
	}
}

func (n *notifier) add(sub *subCore) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, sub)
}

// remove reports whether sub was the last subscriber.
func (n *notifier) remove(sub *subCore) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = slices.DeleteFunc(n.subs, func(s *subCore) bool { return s == sub })
	return len(n.subs) == 0
}

func (n *notifier) terminate(cause error, explicit bool) {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	for _, sub := range subs {
		if explicit {
			sub.end(SubInactive, cause)
		} else {
			sub.end(SubError, cause)
		}
	}
}

// Subscribe arms value-change delivery. Notifications are preferred over
// indications when the characteristic supports both. Without either
// capability it fails with ErrOperationNotSupported before touching the radio.
func (c *Characteristic) Subscribe(ctx context.Context) (*Subscription, error) {
	caps := c.info.Capabilities
	if !caps.Notifiable() && !caps.Indicatable() {
		return nil, c.unsupported("subscribe")
	}
	indicate := !caps.Notifiable()

	slot, key := c.slot(), c.key()
	core := &subCore{
		slot:  slot,
		key:   key,
		uuid:  c.info.UUID,
		queue: ringchan.New[[]byte](slot.c.opts.NotificationBuffer),
	}
	core.state.Store(int32(SubActive))

	err := slot.transact(ctx, c.epoch, "subscribe", func(link device.Link) error {
		slot.mu.Lock()
		if slot.epoch != c.epoch || slot.state != StateConnected {
			slot.mu.Unlock()
			return staleError("subscribe")
		}
		if n, ok := slot.notifiers[key]; ok {
			n.add(core)
			slot.mu.Unlock()
			return nil
		}
		slot.mu.Unlock()

		n := &notifier{info: c.info, indicate: indicate}
		n.add(core)
		if err := link.Subscribe(c.info, indicate, n.dispatch); err != nil {
			return err
		}

		slot.mu.Lock()
		defer slot.mu.Unlock()
		if slot.epoch != c.epoch || slot.state != StateConnected {
			return staleError("subscribe")
		}
		slot.notifiers[key] = n
		return nil
	})
	if err != nil {
		core.end(SubInactive, nil)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// the platform call may still complete and register core
			groutine.Go(context.Background(), "ble-unsubscribe", func(ctx context.Context) {
				_ = slot.removeSub(ctx, core)
			})
		}
		return nil, subscribeError(err)
	}

	sub := &Subscription{core: core}
	runtime.AddCleanup(sub, func(core *subCore) {
		groutine.Go(context.Background(), "ble-unsubscribe", func(ctx context.Context) {
			_ = core.unsubscribe(ctx)
		})
	}, core)

	c.log().WithField("indicate", indicate).Debug("Subscribed to characteristic")
	return sub, nil
}

func subscribeError(err error) error {
	switch {
	case errors.Is(err, device.ErrNotConnected),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return device.NewError(device.KindSubscriptionFailed, err.Error(), err)
}

// Next returns the next value. ok is false once the subscription has ended.
func (s *Subscription) Next() (data []byte, ok bool) {
	return s.core.queue.Receive()
}

// All ranges over values until the subscription ends or the loop breaks.
// Breaking out keeps the subscription active, so All can be ranged again.
func (s *Subscription) All() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			data, ok := s.Next()
			if !ok || !yield(data) {
				return
			}
		}
	}
}

func (s *Subscription) State() SubState { return SubState(s.core.state.Load()) }

// Dropped returns how many values were discarded on overflow.
func (s *Subscription) Dropped() uint64 { return s.core.queue.Overwritten() }

// Err returns why the subscription ended, or nil if it is active or was
// unsubscribed.
func (s *Subscription) Err() error {
	s.core.errMu.Lock()
	defer s.core.errMu.Unlock()
	return s.core.err
}

// Unsubscribe ends the subscription and disarms the peripheral once no other
// subscription on the characteristic remains. Values in flight are discarded.
// It is idempotent.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.core.unsubscribe(ctx)
}

func (c *subCore) deliver(data []byte) {
	if SubState(c.state.Load()) != SubActive {
		return
	}
	c.queue.ForceSend(slices.Clone(data))
}

// end moves the subscription to a terminal state exactly once. It reports
// whether this call did so.
func (c *subCore) end(state SubState, cause error) bool {
	ended := false
	c.endOnce.Do(func() {
		ended = true
		c.state.Store(int32(state))
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		c.queue.Close()
	})
	return ended
}

func (c *subCore) unsubscribe(ctx context.Context) error {
	if !c.end(SubInactive, nil) {
		return nil
	}
	err := c.slot.removeSub(ctx, c)
	if err != nil && !errors.Is(err, device.ErrNotConnected) {
		c.slot.log().WithFields(logrus.Fields{
			"characteristic": c.uuid,
			"error":          err,
		}).Warn("Failed to disarm notifications")
		return err
	}
	return nil
}

// removeSub detaches sub from its notifier and disarms the peripheral when it
// was the last one. Runs on the lane so it orders with Subscribe.
func (s *linkSlot) removeSub(ctx context.Context, sub *subCore) error {
	epoch, _, ok := s.current()
	if !ok {
		return nil
	}
	return s.transact(ctx, epoch, "unsubscribe", func(link device.Link) error {
		s.mu.Lock()
		n, ok := s.notifiers[sub.key]
		if !ok || s.epoch != epoch {
			s.mu.Unlock()
			return nil
		}
		if !n.remove(sub) {
			s.mu.Unlock()
			return nil
		}
		delete(s.notifiers, sub.key)
		s.mu.Unlock()

		return link.Unsubscribe(n.info, n.indicate)
	})
}
