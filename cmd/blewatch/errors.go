package main

import (
	"errors"
	"fmt"

	"github.com/srg/blewatch/inspector"
	"github.com/srg/blewatch/internal/device"
)

// FormatUserError turns an error into a one-line message for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var notFound *inspector.NotFoundError
	if errors.As(err, &notFound) {
		return fmt.Sprintf("device %s was not seen advertising within %s; check that it is powered on and in range",
			notFound.Address, notFound.Timeout)
	}

	if errors.Is(err, device.ErrAddressSegments) || errors.Is(err, device.ErrAddressNumber) {
		return fmt.Sprintf("invalid device address: %v (expected six hex octets like AA:BB:CC:DD:EE:FF)", err)
	}

	var bleErr *device.Error
	if !errors.As(err, &bleErr) {
		return err.Error()
	}

	switch bleErr.Kind {
	case device.KindRadioUnavailable:
		return fmt.Sprintf("Bluetooth is unavailable (%v); check that the adapter is present and powered on", detail(bleErr))
	case device.KindConnectionTimedOut:
		return "connection timed out; move closer to the device or make sure it accepts connections"
	case device.KindNotConnected:
		return fmt.Sprintf("device disconnected: %v", detail(bleErr))
	case device.KindServiceDiscoveryFailed,
		device.KindCharacteristicDiscoveryFailed,
		device.KindDescriptorDiscoveryFailed:
		return fmt.Sprintf("%s: %v", bleErr.Kind, detail(bleErr))
	case device.KindGATT:
		return fmt.Sprintf("device rejected the request (ATT error 0x%02X): %v", bleErr.Code, detail(bleErr))
	default:
		return err.Error()
	}
}

func detail(e *device.Error) string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return e.Reason + ": " + e.Err.Error()
	case e.Reason != "":
		return e.Reason
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "no details"
	}
}
