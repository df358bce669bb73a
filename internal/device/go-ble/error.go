package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/blewatch/internal/device"
)

// NormalizeError maps go-ble failures onto the device error taxonomy.
// Known error strings are matched case-insensitively so slight upstream
// wording changes keep classifying. Unrecognized errors are returned as is.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if device.KindOf(err) != 0 {
		return err
	}

	var att ble.ATTError
	if errors.As(err, &att) {
		return device.GATTError(byte(att), err)
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "central manager has invalid state"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "can't init hci"),
		containsIgnoreCase(msg, "operation not permitted"),
		containsIgnoreCase(msg, "no such device"):
		return device.NewError(device.KindRadioUnavailable, "bluetooth adapter unavailable", err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"),
		containsIgnoreCase(msg, "connection is not initialized"):
		return device.NewError(device.KindNotConnected, "", err)
	default:
		return err
	}
}

// normalizeDialError additionally classifies dial deadlines as connection timeouts.
func normalizeDialError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		containsIgnoreCase(err.Error(), "timed out") || containsIgnoreCase(err.Error(), "timeout") {
		return device.NewError(device.KindConnectionTimedOut, "", err)
	}
	return NormalizeError(err)
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
