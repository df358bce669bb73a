package goble

import (
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blewatch/internal/device"
)

// Link adapts a connected ble.Client to device.Link.
type Link struct {
	client ble.Client
	logger *logrus.Logger

	// closed by Disconnect when the client offers no Disconnected channel
	gone     chan struct{}
	goneOnce sync.Once
}

func newLink(client ble.Client, logger *logrus.Logger) *Link {
	return &Link{client: client, logger: logger, gone: make(chan struct{})}
}

func (l *Link) DiscoverServices() ([]device.ServiceInfo, error) {
	svcs, err := l.client.DiscoverServices(nil)
	if err != nil {
		return nil, NormalizeError(err)
	}

	infos := make([]device.ServiceInfo, 0, len(svcs))
	for _, s := range svcs {
		infos = append(infos, device.ServiceInfo{
			UUID:   device.NormalizeUUID(s.UUID.String()),
			Handle: s.Handle,
			Ref:    s,
		})
	}
	return infos, nil
}

func (l *Link) DiscoverCharacteristics(svc device.ServiceInfo) ([]device.CharacteristicInfo, error) {
	s, err := refOf[*ble.Service](svc.Ref)
	if err != nil {
		return nil, err
	}

	chars, err := l.client.DiscoverCharacteristics(nil, s)
	if err != nil {
		return nil, NormalizeError(err)
	}

	infos := make([]device.CharacteristicInfo, 0, len(chars))
	for _, c := range chars {
		infos = append(infos, device.CharacteristicInfo{
			UUID:         device.NormalizeUUID(c.UUID.String()),
			Handle:       c.Handle,
			ValueHandle:  c.ValueHandle,
			Capabilities: capabilitiesOf(c.Property),
			Ref:          c,
		})
	}
	return infos, nil
}

func (l *Link) DiscoverDescriptors(char device.CharacteristicInfo) ([]device.DescriptorInfo, error) {
	c, err := refOf[*ble.Characteristic](char.Ref)
	if err != nil {
		return nil, err
	}

	descs, err := l.client.DiscoverDescriptors(nil, c)
	if err != nil {
		return nil, NormalizeError(err)
	}

	infos := make([]device.DescriptorInfo, 0, len(descs))
	for _, d := range descs {
		infos = append(infos, device.DescriptorInfo{
			UUID:   device.NormalizeUUID(d.UUID.String()),
			Handle: d.Handle,
			Ref:    d,
		})
	}
	return infos, nil
}

func (l *Link) ReadCharacteristic(char device.CharacteristicInfo) ([]byte, error) {
	c, err := refOf[*ble.Characteristic](char.Ref)
	if err != nil {
		return nil, err
	}
	data, err := l.client.ReadCharacteristic(c)
	return data, NormalizeError(err)
}

func (l *Link) WriteCharacteristic(char device.CharacteristicInfo, data []byte, noResponse bool) error {
	c, err := refOf[*ble.Characteristic](char.Ref)
	if err != nil {
		return err
	}
	return NormalizeError(l.client.WriteCharacteristic(c, data, noResponse))
}

func (l *Link) ReadDescriptor(desc device.DescriptorInfo) ([]byte, error) {
	d, err := refOf[*ble.Descriptor](desc.Ref)
	if err != nil {
		return nil, err
	}
	data, err := l.client.ReadDescriptor(d)
	return data, NormalizeError(err)
}

// Subscribe arms the CCCD. go-ble needs the descriptor list to locate it, so
// descriptors are discovered first when that has not happened yet.
func (l *Link) Subscribe(char device.CharacteristicInfo, indicate bool, handler device.NotificationHandler) error {
	c, err := refOf[*ble.Characteristic](char.Ref)
	if err != nil {
		return err
	}

	if c.CCCD == nil {
		if _, err := l.client.DiscoverDescriptors(nil, c); err != nil {
			return NormalizeError(err)
		}
	}

	return NormalizeError(l.client.Subscribe(c, indicate, func(data []byte) {
		handler(data)
	}))
}

func (l *Link) Unsubscribe(char device.CharacteristicInfo, indicate bool) error {
	c, err := refOf[*ble.Characteristic](char.Ref)
	if err != nil {
		return err
	}
	return NormalizeError(l.client.Unsubscribe(c, indicate))
}

func (l *Link) Disconnect() error {
	defer l.goneOnce.Do(func() { close(l.gone) })

	err := l.client.CancelConnection()
	if err != nil {
		l.logger.WithError(err).Warn("BLE device disconnected with errors")
	}
	return NormalizeError(err)
}

func (l *Link) Disconnected() <-chan struct{} {
	if ch := l.client.Disconnected(); ch != nil {
		return ch
	}
	return l.gone
}

func refOf[T any](ref any) (T, error) {
	v, ok := ref.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("attribute was not discovered by this adapter (got %T)", ref)
	}
	return v, nil
}
