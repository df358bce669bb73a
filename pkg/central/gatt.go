package central

import (
	"context"
	"errors"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/srg/blewatch/internal/bledb"
	"github.com/srg/blewatch/internal/device"
)

// Service is a primary service discovered during one connection epoch.
type Service struct {
	dev   *Device
	info  device.ServiceInfo
	index int
	epoch uint64
}

func (s *Service) UUID() string { return s.info.UUID }
func (s *Service) Index() int { return s.index }
func (s *Service) Handle() uint16 { return s.info.Handle }
func (s *Service) Device() *Device { return s.dev }

// Name returns the registered name of the service, or "".
func (s *Service) Name() string { return bledb.LookupService(s.info.UUID) }

// Characteristics returns the service's characteristics, discovered once per
// connection. A service from an earlier connection fails with ErrNotConnected.
func (s *Service) Characteristics(ctx context.Context) ([]*Characteristic, error) {
	slot := s.dev.slot()
	if chars := slot.cachedCharacteristics(s.epoch, s.index); chars != nil {
		return slices.Clone(chars), nil
	}

	var chars []*Characteristic
	err := slot.transact(ctx, s.epoch, "discover-characteristics", func(link device.Link) error {
		if cached := slot.cachedCharacteristics(s.epoch, s.index); cached != nil {
			chars = cached
			return nil
		}
		infos, err := link.DiscoverCharacteristics(s.info)
		if err != nil {
			return err
		}
		chars = make([]*Characteristic, 0, len(infos))
		for i, info := range infos {
			info.UUID = device.NormalizeUUID(info.UUID)
			chars = append(chars, &Characteristic{svc: s, info: info, index: i, epoch: s.epoch})
		}
		return nil
	})
	if err != nil {
		return nil, discoveryError(device.KindCharacteristicDiscoveryFailed, err)
	}

	stored, ok := slot.storeCharacteristics(s.epoch, s.index, chars)
	if !ok {
		return nil, staleError("discover-characteristics")
	}
	return slices.Clone(stored), nil
}

// Characteristic returns the characteristic with the given UUID.
func (s *Service) Characteristic(ctx context.Context, uuid string) (*Characteristic, error) {
	chars, err := s.Characteristics(ctx)
	if err != nil {
		return nil, err
	}
	want := device.NormalizeUUID(uuid)
	for _, c := range chars {
		if c.UUID() == want {
			return c, nil
		}
	}
	return nil, &lookupError{kind: "characteristic", uuid: want}
}

// Characteristic is a characteristic discovered during one connection epoch.
type Characteristic struct {
	svc   *Service
	info  device.CharacteristicInfo
	index int
	epoch uint64
}

func (c *Characteristic) UUID() string { return c.info.UUID }
func (c *Characteristic) Index() int { return c.index }
func (c *Characteristic) Handle() uint16 { return c.info.Handle }
func (c *Characteristic) Service() *Service { return c.svc }
func (c *Characteristic) Capabilities() Capabilities { return c.info.Capabilities }
func (c *Characteristic) Name() string { return bledb.LookupCharacteristic(c.info.UUID) }
func (c *Characteristic) slot() *linkSlot { return c.svc.dev.slot() }
func (c *Characteristic) key() charKey { return charKey{svc: c.svc.index, char: c.index} }
func (c *Characteristic) log() *logrus.Entry {
	return c.slot().log().WithField("characteristic", c.info.UUID)
}

func (c *Characteristic) unsupported(op string) error {
	return device.NewError(device.KindOperationNotSupported,
		op+" on characteristic "+c.info.UUID+" ("+c.info.Capabilities.String()+")", nil)
}

// Descriptors returns the characteristic's descriptors, discovered once per
// connection.
func (c *Characteristic) Descriptors(ctx context.Context) ([]*Descriptor, error) {
	slot, key := c.slot(), c.key()
	if descs := slot.cachedDescriptors(c.epoch, key); descs != nil {
		return slices.Clone(descs), nil
	}

	var descs []*Descriptor
	err := slot.transact(ctx, c.epoch, "discover-descriptors", func(link device.Link) error {
		if cached := slot.cachedDescriptors(c.epoch, key); cached != nil {
			descs = cached
			return nil
		}
		infos, err := link.DiscoverDescriptors(c.info)
		if err != nil {
			return err
		}
		descs = make([]*Descriptor, 0, len(infos))
		for i, info := range infos {
			info.UUID = device.NormalizeUUID(info.UUID)
			descs = append(descs, &Descriptor{char: c, info: info, index: i})
		}
		return nil
	})
	if err != nil {
		return nil, discoveryError(device.KindDescriptorDiscoveryFailed, err)
	}

	stored, ok := slot.storeDescriptors(c.epoch, key, descs)
	if !ok {
		return nil, staleError("discover-descriptors")
	}
	return slices.Clone(stored), nil
}

// Read returns the characteristic value. Without the Read capability it fails
// with ErrOperationNotSupported before touching the radio.
func (c *Characteristic) Read(ctx context.Context) ([]byte, error) {
	if !c.info.Capabilities.Readable() {
		return nil, c.unsupported("read")
	}

	var data []byte
	err := c.slot().transact(ctx, c.epoch, "read", func(link device.Link) error {
		v, err := link.ReadCharacteristic(c.info)
		data = v
		return err
	})
	if err != nil {
		return nil, operationError(err)
	}
	return data, nil
}

// WriteOption adjusts a single Write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	noResponse bool
}

// WithoutResponse requests a write command instead of a write request. It is
// honoured only when the characteristic allows writes without response.
func WithoutResponse() WriteOption {
	return func(o *writeOptions) { o.noResponse = true }
}

// Write writes data to the characteristic. The write mode follows the
// capabilities: with response when Write is present, without response when
// only WriteWithoutResponse is.
func (c *Characteristic) Write(ctx context.Context, data []byte, opts ...WriteOption) error {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	caps := c.info.Capabilities
	noResponse := false
	switch {
	case o.noResponse && caps.WritableWithoutResponse():
		noResponse = true
	case o.noResponse:
		return c.unsupported("write without response")
	case caps.Writable():
	case caps.WritableWithoutResponse():
		noResponse = true
	default:
		return c.unsupported("write")
	}

	payload := slices.Clone(data)
	err := c.slot().transact(ctx, c.epoch, "write", func(link device.Link) error {
		return link.WriteCharacteristic(c.info, payload, noResponse)
	})
	if err != nil {
		return operationError(err)
	}
	c.log().WithFields(logrus.Fields{
		"bytes":       len(payload),
		"no_response": noResponse,
	}).Debug("Characteristic written")
	return nil
}

// Descriptor is a characteristic descriptor discovered during one epoch.
type Descriptor struct {
	char  *Characteristic
	info  device.DescriptorInfo
	index int
}

func (d *Descriptor) UUID() string { return d.info.UUID }
func (d *Descriptor) Index() int { return d.index }
func (d *Descriptor) Handle() uint16 { return d.info.Handle }
func (d *Descriptor) Characteristic() *Characteristic { return d.char }
func (d *Descriptor) Name() string { return bledb.LookupDescriptor(d.info.UUID) }

// Read returns the raw descriptor value.
func (d *Descriptor) Read(ctx context.Context) ([]byte, error) {
	var data []byte
	err := d.char.slot().transact(ctx, d.char.epoch, "read-descriptor", func(link device.Link) error {
		v, err := link.ReadDescriptor(d.info)
		data = v
		return err
	})
	if err != nil {
		return nil, operationError(err)
	}
	return data, nil
}

// Value reads the descriptor and decodes well-known descriptor types. Unknown
// types come back as the raw bytes.
func (d *Descriptor) Value(ctx context.Context) (any, error) {
	data, err := d.Read(ctx)
	if err != nil {
		return nil, err
	}
	return device.ParseDescriptorValue(d.info.UUID, data)
}

// operationError classifies a read or write failure. ATT errors already carry
// KindGATT from the adapter; anything unclassified becomes a GATT error
// without a code.
func operationError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return device.Classify(device.KindGATT, err)
}
