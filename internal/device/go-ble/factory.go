// Package goble implements the device.Radio and device.Link contracts on top
// of github.com/go-ble/ble.
package goble

import (
	"github.com/go-ble/ble"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return newPlatformDevice()
}
