package central

import (
	"cmp"
	"slices"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blewatch/internal/device"
	goble "github.com/srg/blewatch/internal/device/go-ble"
)

// Re-exported platform vocabulary, so callers outside this module can name it.
type (
	Address       = device.Address
	Advertisement = device.Advertisement
	Capabilities  = device.Capabilities
	Error         = device.Error
)

// ParseAddress parses "AA:BB:CC:DD:EE:FF" style addresses.
func ParseAddress(s string) (Address, error) { return device.ParseAddress(s) }

var (
	ErrRadioUnavailable              = device.ErrRadioUnavailable
	ErrNotConnected                  = device.ErrNotConnected
	ErrConnectionTimedOut            = device.ErrConnectionTimedOut
	ErrServiceDiscoveryFailed        = device.ErrServiceDiscoveryFailed
	ErrCharacteristicDiscoveryFailed = device.ErrCharacteristicDiscoveryFailed
	ErrDescriptorDiscoveryFailed     = device.ErrDescriptorDiscoveryFailed
	ErrOperationNotSupported         = device.ErrOperationNotSupported
	ErrSubscriptionFailed            = device.ErrSubscriptionFailed
	ErrGATT                          = device.ErrGATT
)

// Central owns the host radio, the shared scan and one link slot per
// peripheral address.
type Central struct {
	logger *logrus.Logger
	opts   Options

	radioMu sync.Mutex
	radio   device.Radio
	closed  bool

	hub *scanHub

	// slots is never pruned: a released slot stays until Resolve replaces it.
	slotsMu sync.Mutex
	slots   *hashmap.Map[string, *linkSlot]
}

// New creates a Central. The radio is not touched until first needed.
func New(logger *logrus.Logger, opts ...Option) *Central {
	if logger == nil {
		logger = logrus.New()
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.RadioFactory == nil {
		o.RadioFactory = func() (device.Radio, error) {
			r, err := goble.NewRadio(logger)
			if err != nil {
				return nil, err
			}
			return r, nil
		}
	}

	c := &Central{
		logger: logger,
		opts:   o,
		slots:  hashmap.New[string, *linkSlot](),
	}
	c.hub = newScanHub(c)
	return c
}

// Radio returns the host radio, creating it on first use. A failed attempt is
// not cached; the next call tries again.
func (c *Central) Radio() (device.Radio, error) {
	c.radioMu.Lock()
	defer c.radioMu.Unlock()

	if c.closed {
		return nil, device.NewError(device.KindRadioUnavailable, "central closed", nil)
	}
	if c.radio != nil {
		return c.radio, nil
	}

	r, err := c.opts.RadioFactory()
	if err != nil {
		c.logger.WithError(err).Warn("Bluetooth radio unavailable")
		return nil, device.Classify(device.KindRadioUnavailable, err)
	}
	if r == nil {
		return nil, device.NewError(device.KindRadioUnavailable, "radio factory returned no radio", nil)
	}

	c.radio = r
	c.logger.Debug("Bluetooth radio acquired")
	return r, nil
}

// Resolve returns a new Disconnected handle for addr without any radio
// traffic. Handles of one address share a single link, so connecting one
// connects them all. Close the handle when done with it.
func (c *Central) Resolve(addr Address) *Device {
	key := addr.String()

	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()

	slot, ok := c.slots.Get(key)
	if !ok || !slot.retain() {
		slot = newLinkSlot(c, addr)
		slot.retain()
		c.slots.Set(key, slot)
	}
	return newDevice(slot)
}

// ResolveAdvertisement returns a handle for the advertiser of adv.
func (c *Central) ResolveAdvertisement(adv Advertisement) *Device {
	return c.Resolve(adv.Address())
}

// Devices returns the addresses that currently have open handles.
func (c *Central) Devices() []Address {
	var out []Address
	c.slots.Range(func(_ string, s *linkSlot) bool {
		if s.alive() {
			out = append(out, s.addr)
		}
		return true
	})
	slices.SortFunc(out, cmp.Compare[Address])
	return out
}

// Close stops the shared scan, drops every link and releases the radio.
// The Central cannot be used afterwards.
func (c *Central) Close() {
	c.hub.shutdown()

	var slots []*linkSlot
	c.slots.Range(func(_ string, s *linkSlot) bool {
		slots = append(slots, s)
		return true
	})
	for _, s := range slots {
		_ = s.disconnect("central closed")
	}

	c.radioMu.Lock()
	r := c.radio
	c.radio, c.closed = nil, true
	c.radioMu.Unlock()

	if closer, ok := r.(device.RadioCloser); ok {
		if err := closer.Close(); err != nil {
			c.logger.WithError(err).Warn("Failed to release Bluetooth radio")
			return
		}
		c.logger.Debug("Bluetooth radio released")
	}
}
