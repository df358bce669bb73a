package central

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blewatch/internal/device"
	"github.com/srg/blewatch/internal/groutine"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var errLaneAborted = errors.New("link lost while waiting for GATT lane")

// linkSlot is the single per-address owner of a platform link. Every Device
// handle of the address shares it.
type linkSlot struct {
	c      *Central
	addr   device.Address
	hist   *history
	logger *logrus.Logger

	mu            sync.Mutex
	lane          *lane
	refs          int
	dead          bool
	state         ConnState
	failure       error
	link          device.Link
	epoch         uint64
	everConnected bool
	linkCtx       context.Context
	linkCancel    context.CancelCauseFunc
	cache         *gattCache
	notifiers     map[charKey]*notifier
}

// gattCache is the hierarchy discovered during one connection epoch.
type gattCache struct {
	services []*Service
	chars    *orderedmap.OrderedMap[int, []*Characteristic]
	descs    *orderedmap.OrderedMap[charKey, []*Descriptor]
}

type charKey struct {
	svc, char int
}

func newGattCache() *gattCache {
	return &gattCache{
		chars: orderedmap.New[int, []*Characteristic](),
		descs: orderedmap.New[charKey, []*Descriptor](),
	}
}

func newLinkSlot(c *Central, addr device.Address) *linkSlot {
	return &linkSlot{
		c:         c,
		addr:      addr,
		lane:      newLane(),
		hist:      newHistory(c.opts.HistorySize),
		logger:    c.logger,
		state:     StateDisconnected,
		notifiers: make(map[charKey]*notifier),
	}
}

func (s *linkSlot) log() *logrus.Entry {
	return s.logger.WithField("address", s.addr.String())
}

func (s *linkSlot) retain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return false
	}
	s.refs++
	return true
}

func (s *linkSlot) release() {
	s.mu.Lock()
	s.refs--
	last := s.refs <= 0
	if last {
		s.dead = true
	}
	s.mu.Unlock()

	if last {
		_ = s.disconnect("last handle closed")
	}
}

// alive reports whether the slot still has open handles.
func (s *linkSlot) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

// setState must be called with s.mu held.
func (s *linkSlot) setState(to ConnState, reason string) {
	from := s.state
	s.state = to
	s.hist.record(StateChange{
		From:   from,
		To:     to,
		Epoch:  s.epoch,
		Reason: reason,
		At:     time.Now(),
	})
}

func (s *linkSlot) snapshot() (ConnState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.failure
}

// current returns the epoch and its cancellation context when connected.
func (s *linkSlot) current() (uint64, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return 0, nil, false
	}
	return s.epoch, s.linkCtx, true
}

// currentLane returns the lane of the current or next link.
func (s *linkSlot) currentLane() *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lane
}

// acquireLane takes the current lane, following it across link drops.
func (s *linkSlot) acquireLane(ctx context.Context) (*lane, error) {
	for {
		l := s.currentLane()
		err := l.acquire(ctx, nil)
		switch {
		case errors.Is(err, errLaneAborted):
			continue
		case err != nil:
			return nil, err
		}
		if s.currentLane() == l {
			return l, nil
		}
		l.release()
	}
}

func (s *linkSlot) connect(ctx context.Context) error {
	l, err := s.acquireLane(ctx)
	if err != nil {
		return err
	}
	defer l.release()

	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	if s.dead {
		s.mu.Unlock()
		return device.NewError(device.KindNotConnected, "device handle closed", nil)
	}
	s.failure = nil
	s.setState(StateConnecting, "")
	s.mu.Unlock()

	s.log().Info("Connecting to device...")

	link, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.failure = err
		s.setState(StateFailed, err.Error())
		s.mu.Unlock()

		s.log().WithError(err).Warn("Connection failed")
		return err
	}

	s.mu.Lock()
	if s.dead {
		s.setState(StateDisconnected, "device handle closed")
		s.mu.Unlock()
		_ = link.Disconnect()
		return device.NewError(device.KindNotConnected, "device handle closed", nil)
	}

	s.epoch++
	s.link = link
	s.everConnected = true
	s.cache = newGattCache()
	s.linkCtx, s.linkCancel = context.WithCancelCause(context.Background())
	s.setState(StateConnected, "")
	epoch, linkCtx := s.epoch, s.linkCtx
	s.mu.Unlock()

	groutine.Go(linkCtx, "ble-link-monitor", func(ctx context.Context) {
		select {
		case <-link.Disconnected():
			s.dropLink(epoch, "link lost", false)
		case <-ctx.Done():
		}
	})

	s.log().WithField("epoch", epoch).Info("Device connected")
	return nil
}

// dial issues platform connects, retrying once more per allowed retry when
// the attempt timed out. Every other failure is returned immediately.
func (s *linkSlot) dial(ctx context.Context) (device.Link, error) {
	radio, err := s.c.Radio()
	if err != nil {
		return nil, err
	}

	attempts := 1 + s.c.opts.ConnectRetries
	for attempt := 1; ; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, s.c.opts.ConnectTimeout)
		link, err := radio.Dial(dctx, s.addr)
		timedOut := errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if err == nil && link == nil {
			err = device.NewError(device.KindNotConnected, "platform returned no link", nil)
		}
		if err == nil {
			return link, nil
		}
		if timedOut && device.KindOf(err) == 0 {
			err = device.NewError(device.KindConnectionTimedOut, "", err)
		}

		if !errors.Is(err, device.ErrConnectionTimedOut) || attempt >= attempts || ctx.Err() != nil {
			return nil, err
		}
		s.log().WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err,
		}).Warn("Connection attempt timed out, retrying")
	}
}

// dropLink tears down epoch's link state. It returns the platform link when
// this call performed the teardown.
func (s *linkSlot) dropLink(epoch uint64, reason string, explicit bool) device.Link {
	s.mu.Lock()
	if s.state != StateConnected || s.epoch != epoch {
		s.mu.Unlock()
		return nil
	}

	link := s.link
	cause := device.NewError(device.KindNotConnected, reason, nil)
	s.link = nil
	s.cache = nil
	s.linkCancel(cause)
	s.lane.retire()
	s.lane = newLane()
	notifiers := s.notifiers
	s.notifiers = make(map[charKey]*notifier)
	s.setState(StateDisconnected, reason)
	s.mu.Unlock()

	for _, n := range notifiers {
		n.terminate(cause, explicit)
	}

	entry := s.log().WithFields(logrus.Fields{
		"epoch":  epoch,
		"reason": reason,
	})
	if explicit {
		entry.Info("Device disconnected")
	} else {
		entry.Warn("Device link lost")
	}
	return link
}

func (s *linkSlot) disconnect(reason string) error {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	link := s.dropLink(epoch, reason, true)
	if link == nil {
		return nil
	}
	return link.Disconnect()
}

// ensureConnected returns the current epoch, reconnecting when the slot has
// been connected before. A slot that never connected fails with NotConnected.
func (s *linkSlot) ensureConnected(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	state, ever, epoch := s.state, s.everConnected, s.epoch
	s.mu.Unlock()

	switch {
	case state == StateConnected:
		return epoch, nil
	case !ever && state != StateConnecting:
		return 0, device.NewError(device.KindNotConnected, "device was never connected", nil)
	}

	if err := s.connect(ctx); err != nil {
		return 0, err
	}
	epoch, _, ok := s.current()
	if !ok {
		return 0, device.NewError(device.KindNotConnected, "link lost after connect", nil)
	}
	return epoch, nil
}

// transact runs fn against epoch's link on the device lane. The caller waits
// for completion, ctx, or loss of the link, whichever comes first; the lane
// stays held until fn returns.
func (s *linkSlot) transact(ctx context.Context, epoch uint64, op string, fn func(device.Link) error) error {
	if s.c.opts.GATTTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.c.opts.GATTTimeout)
		defer cancel()
	}

	cur, linkCtx, ok := s.current()
	if !ok || cur != epoch {
		return staleError(op)
	}

	l := s.currentLane()
	if err := l.acquire(ctx, linkCtx.Done()); err != nil {
		if errors.Is(err, errLaneAborted) {
			return staleError(op)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	if s.state != StateConnected || s.epoch != epoch {
		s.mu.Unlock()
		l.release()
		return staleError(op)
	}
	link := s.link
	s.mu.Unlock()

	done := make(chan error, 1)
	groutine.Go(ctx, "gatt-"+op, func(context.Context) {
		defer l.release()
		done <- fn(link)
	})

	s.log().WithField("op", op).Debug("GATT transaction issued")

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case <-linkCtx.Done():
		return staleError(op)
	}
}

func staleError(op string) error {
	return device.NewError(device.KindNotConnected, op+": link is not current", nil)
}

func (s *linkSlot) cachedServices(epoch uint64) []*Service {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch || s.cache == nil {
		return nil
	}
	return s.cache.services
}

// storeServices keeps the first list stored for epoch and returns it.
func (s *linkSlot) storeServices(epoch uint64, svcs []*Service) ([]*Service, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch || s.cache == nil {
		return nil, false
	}
	if s.cache.services == nil {
		s.cache.services = svcs
	}
	return s.cache.services, true
}

func (s *linkSlot) cachedCharacteristics(epoch uint64, svc int) []*Characteristic {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch || s.cache == nil {
		return nil
	}
	chars, _ := s.cache.chars.Get(svc)
	return chars
}

func (s *linkSlot) storeCharacteristics(epoch uint64, svc int, chars []*Characteristic) ([]*Characteristic, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch || s.cache == nil {
		return nil, false
	}
	if cur, ok := s.cache.chars.Get(svc); ok {
		return cur, true
	}
	s.cache.chars.Set(svc, chars)
	return chars, true
}

func (s *linkSlot) cachedDescriptors(epoch uint64, key charKey) []*Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch || s.cache == nil {
		return nil
	}
	descs, _ := s.cache.descs.Get(key)
	return descs
}

func (s *linkSlot) storeDescriptors(epoch uint64, key charKey, descs []*Descriptor) ([]*Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch || s.cache == nil {
		return nil, false
	}
	if cur, ok := s.cache.descs.Get(key); ok {
		return cur, true
	}
	s.cache.descs.Set(key, descs)
	return descs, true
}
