package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blewatch/internal/device"
)

var propertyCapabilities = []struct {
	prop ble.Property
	cap  device.Capabilities
}{
	{ble.CharBroadcast, device.CapBroadcast},
	{ble.CharRead, device.CapRead},
	{ble.CharWriteNR, device.CapWriteWithoutResponse},
	{ble.CharWrite, device.CapWrite},
	{ble.CharNotify, device.CapNotify},
	{ble.CharIndicate, device.CapIndicate},
	{ble.CharSignedWrite, device.CapAuthenticatedSignedWrites},
	{ble.CharExtended, device.CapExtendedProperties},
}

// capabilitiesOf converts go-ble property flags to a capability set.
func capabilitiesOf(p ble.Property) device.Capabilities {
	var c device.Capabilities
	for _, pc := range propertyCapabilities {
		if p&pc.prop != 0 {
			c |= pc.cap
		}
	}
	return c
}

// propertyOf is the inverse of capabilitiesOf for the eight GATT property bits.
func propertyOf(c device.Capabilities) ble.Property {
	var p ble.Property
	for _, pc := range propertyCapabilities {
		if c.Has(pc.cap) {
			p |= pc.prop
		}
	}
	return p
}
