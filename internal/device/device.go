package device

import "context"

// AdvertisementHandler receives decoded advertisements from a scanning Radio.
// It is called on a platform goroutine and must not block.
type AdvertisementHandler func(Advertisement)

// NotificationHandler receives characteristic value changes from a Link.
// It is called on a platform goroutine and must not block.
type NotificationHandler func(data []byte)

// Radio is the host's BLE adapter as seen by the central.
type Radio interface {
	// Scan delivers advertisements to handler until ctx is done or the
	// platform scan fails. Returning because ctx ended is not a failure.
	Scan(ctx context.Context, allowDuplicates bool, handler AdvertisementHandler) error

	// Dial opens a link to the peripheral at addr.
	Dial(ctx context.Context, addr Address) (Link, error)
}

// RadioCloser is implemented by radios holding host resources, such as an
// HCI socket, that must be released when the central shuts down.
type RadioCloser interface {
	Close() error
}

// Link is one live connection to a peripheral. Calls are not required to be
// safe for concurrent use; the central serializes them per device.
type Link interface {
	DiscoverServices() ([]ServiceInfo, error)
	DiscoverCharacteristics(svc ServiceInfo) ([]CharacteristicInfo, error)
	DiscoverDescriptors(char CharacteristicInfo) ([]DescriptorInfo, error)

	ReadCharacteristic(char CharacteristicInfo) ([]byte, error)
	WriteCharacteristic(char CharacteristicInfo, data []byte, noResponse bool) error
	ReadDescriptor(desc DescriptorInfo) ([]byte, error)

	// Subscribe arms notifications (indicate=false) or indications on char.
	Subscribe(char CharacteristicInfo, indicate bool, handler NotificationHandler) error
	Unsubscribe(char CharacteristicInfo, indicate bool) error

	// Disconnect tears the link down. Disconnected is closed once the link
	// is gone, whether by Disconnect or by the peripheral.
	Disconnect() error
	Disconnected() <-chan struct{}
}

// ServiceInfo describes a discovered primary service.
type ServiceInfo struct {
	UUID   string
	Handle uint16
	// Ref is the adapter's own object for this attribute.
	Ref any
}

// CharacteristicInfo describes a discovered characteristic.
type CharacteristicInfo struct {
	UUID         string
	Handle       uint16
	ValueHandle  uint16
	Capabilities Capabilities
	Ref          any
}

// DescriptorInfo describes a discovered descriptor.
type DescriptorInfo struct {
	UUID   string
	Handle uint16
	Ref    any
}
