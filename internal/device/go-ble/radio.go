package goble

import (
	"context"
	"errors"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blewatch/internal/device"
)

// Radio adapts a go-ble ble.Device to device.Radio.
type Radio struct {
	dev    ble.Device
	logger *logrus.Logger
}

// NewRadio obtains the host adapter through DeviceFactory. Any failure is
// reported as device.ErrRadioUnavailable.
func NewRadio(logger *logrus.Logger) (*Radio, error) {
	if logger == nil {
		logger = logrus.New()
	}

	dev, err := DeviceFactory()
	if err != nil {
		logger.WithError(err).Warn("Failed to create BLE device")
		return nil, device.Classify(device.KindRadioUnavailable, NormalizeError(err))
	}
	if dev == nil {
		return nil, device.NewError(device.KindRadioUnavailable, "device factory returned no device", nil)
	}
	return &Radio{dev: dev, logger: logger}, nil
}

// Scan runs the platform scan until ctx ends. Cancellation is not an error.
func (r *Radio) Scan(ctx context.Context, allowDup bool, handler device.AdvertisementHandler) error {
	err := r.dev.Scan(ctx, allowDup, func(a ble.Advertisement) {
		adv, err := snapshotAdvertisement(a, time.Now())
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"addr":  a.Addr().String(),
				"error": err,
			}).Debug("Skipping advertisement without a device address")
			return
		}
		handler(adv)
	})

	if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return device.Classify(device.KindRadioUnavailable, NormalizeError(err))
}

// Dial connects to addr. A deadline hit while dialing becomes device.ErrConnectionTimedOut.
func (r *Radio) Dial(ctx context.Context, addr device.Address) (device.Link, error) {
	r.logger.WithField("address", addr.String()).Debug("Dialing BLE device...")

	client, err := r.dev.Dial(ctx, ble.NewAddr(addr.String()))
	if err != nil {
		return nil, normalizeDialError(ctx, err)
	}
	return newLink(client, r.logger), nil
}

// Close stops the host device and releases its HCI socket.
func (r *Radio) Close() error {
	if err := r.dev.Stop(); err != nil {
		return NormalizeError(err)
	}
	return nil
}

var _ device.RadioCloser = (*Radio)(nil)
