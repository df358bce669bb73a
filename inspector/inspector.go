package inspector

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blewatch/internal/device"
	"github.com/srg/blewatch/pkg/central"
)

// ProgressCallback is called when the inspection phase changes
type ProgressCallback func(phase string)

// InspectOptions defines options for inspecting a BLE device profile
type InspectOptions struct {
	// DiscoverTimeout bounds the wait for the device to advertise. Zero waits
	// until the context ends.
	DiscoverTimeout time.Duration `default:"30s"`
	// ReadValues reads readable characteristics and every descriptor.
	ReadValues bool `default:"true"`
	// ReadLimit caps how many value bytes are kept per attribute.
	ReadLimit int `default:"64"`
}

// DefaultInspectOptions returns the defaults from the struct tags.
func DefaultInspectOptions() *InspectOptions {
	o := &InspectOptions{}
	defaults.SetDefaults(o)
	return o
}

// Report is a snapshot of a device's GATT hierarchy.
type Report struct {
	Address  string          `json:"address"`
	Name     string          `json:"name,omitempty"`
	RSSI     *int            `json:"rssi,omitempty"`
	Services []ServiceReport `json:"services"`
}

type ServiceReport struct {
	UUID            string                 `json:"uuid"`
	Name            string                 `json:"name,omitempty"`
	Handle          uint16                 `json:"handle"`
	Characteristics []CharacteristicReport `json:"characteristics"`
}

type CharacteristicReport struct {
	UUID        string             `json:"uuid"`
	Name        string             `json:"name,omitempty"`
	Handle      uint16             `json:"handle"`
	Properties  []string           `json:"properties"`
	Value       *Value             `json:"value,omitempty"`
	ReadError   string             `json:"read_error,omitempty"`
	Descriptors []DescriptorReport `json:"descriptors,omitempty"`
}

type DescriptorReport struct {
	UUID      string `json:"uuid"`
	Name      string `json:"name,omitempty"`
	Handle    uint16 `json:"handle"`
	Value     *Value `json:"value,omitempty"`
	Parsed    any    `json:"parsed,omitempty"`
	ReadError string `json:"read_error,omitempty"`
}

// Value is an attribute value preview.
type Value struct {
	Hex       string `json:"hex"`
	ASCII     string `json:"ascii"`
	Truncated bool   `json:"truncated,omitempty"`
}

func newValue(data []byte, limit int) *Value {
	if len(data) == 0 {
		return nil
	}
	v := &Value{}
	if limit > 0 && len(data) > limit {
		data = data[:limit]
		v.Truncated = true
	}
	v.Hex = strings.ToUpper(hex.EncodeToString(data))
	v.ASCII = asciiPreview(data)
	return v
}

// asciiPreview returns a safe ASCII preview, replacing non-printable bytes with '.'
func asciiPreview(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c >= 32 && c <= 126 {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('.')
		}
	}
	return sb.String()
}

// gapDeviceName is the GAP Device Name characteristic.
const gapDeviceName = "2a00"

// Apply copies the advertised name and signal strength into r.
func (r *Report) Apply(adv central.Advertisement) {
	if name, ok := adv.LocalName(); ok && name != "" && r.Name == "" {
		r.Name = name
	}
	rssi := adv.RSSI()
	r.RSSI = &rssi
}

// Inspect walks the GATT hierarchy of dev. The device is connected if
// needed. Discovery failures abort the walk; a failed value read is
// recorded on the attribute and the walk goes on.
func Inspect(ctx context.Context, dev *central.Device, opts *InspectOptions) (*Report, error) {
	if opts == nil {
		opts = DefaultInspectOptions()
	}
	if dev.State() != central.StateConnected {
		if err := dev.Connect(ctx); err != nil {
			return nil, err
		}
	}

	report := &Report{Address: dev.Address().String(), Services: []ServiceReport{}}

	services, err := dev.Services(ctx)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		sr := ServiceReport{
			UUID:            svc.UUID(),
			Name:            svc.Name(),
			Handle:          svc.Handle(),
			Characteristics: []CharacteristicReport{},
		}

		chars, err := svc.Characteristics(ctx)
		if err != nil {
			return nil, err
		}
		for _, char := range chars {
			cr, err := inspectCharacteristic(ctx, char, opts)
			if err != nil {
				return nil, err
			}
			if char.UUID() == gapDeviceName && cr.Value != nil && report.Name == "" {
				report.Name = cr.Value.ASCII
			}
			sr.Characteristics = append(sr.Characteristics, cr)
		}
		report.Services = append(report.Services, sr)
	}
	return report, nil
}

func inspectCharacteristic(ctx context.Context, char *central.Characteristic, opts *InspectOptions) (CharacteristicReport, error) {
	cr := CharacteristicReport{
		UUID:       char.UUID(),
		Name:       char.Name(),
		Handle:     char.Handle(),
		Properties: char.Capabilities().Names(),
	}

	if opts.ReadValues && char.Capabilities().Readable() {
		data, err := char.Read(ctx)
		if err != nil {
			if fatal(err) {
				return cr, err
			}
			cr.ReadError = err.Error()
		} else {
			cr.Value = newValue(data, opts.ReadLimit)
		}
	}

	descs, err := char.Descriptors(ctx)
	if err != nil {
		return cr, err
	}
	for _, d := range descs {
		dr := DescriptorReport{UUID: d.UUID(), Name: d.Name(), Handle: d.Handle()}
		if opts.ReadValues {
			data, err := d.Read(ctx)
			switch {
			case err != nil && fatal(err):
				return cr, err
			case err != nil:
				dr.ReadError = err.Error()
			default:
				dr.Value = newValue(data, opts.ReadLimit)
				if parsed, perr := device.ParseDescriptorValue(d.UUID(), data); perr == nil {
					if _, raw := parsed.([]byte); !raw {
						dr.Parsed = parsed
					}
				}
			}
		}
		cr.Descriptors = append(cr.Descriptors, dr)
	}
	return cr, nil
}

// fatal reports whether a read failure means the walk cannot go on.
func fatal(err error) bool {
	return errors.Is(err, central.ErrNotConnected) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// WaitForAdvertisement blocks until addr advertises.
func WaitForAdvertisement(ctx context.Context, c *central.Central, addr central.Address) (central.Advertisement, error) {
	w, err := central.NewWatcher(c, central.WithAllowList(addr), central.WithBufferSize(1))
	if err != nil {
		return central.Advertisement{}, err
	}
	defer w.Stop()

	stop := context.AfterFunc(ctx, w.Stop)
	defer stop()

	adv, ok := w.Next()
	if !ok {
		if err := w.Err(); err != nil {
			return central.Advertisement{}, err
		}
		return central.Advertisement{}, ctx.Err()
	}
	return adv, nil
}

// InspectCallback processes a connected device and produces output of type R.
// adv is the advertisement that announced the device.
type InspectCallback[R any] func(dev *central.Device, adv central.Advertisement) (R, error)

// InspectDevice waits for address to advertise, connects, and executes the
// callback with the connected device. The device is disconnected and its
// handle closed after the callback returns.
func InspectDevice[R any](ctx context.Context, c *central.Central, address string, opts *InspectOptions, logger *logrus.Logger, progressCallback ProgressCallback, callback InspectCallback[R]) (R, error) {
	var zero R
	if opts == nil {
		opts = DefaultInspectOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	addr, err := central.ParseAddress(address)
	if err != nil {
		return zero, err
	}

	progressCallback("Scanning")
	waitCtx := ctx
	if opts.DiscoverTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.DiscoverTimeout)
		defer cancel()
	}
	adv, err := WaitForAdvertisement(waitCtx, c, addr)
	if err != nil {
		progressCallback("Failed")
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, &NotFoundError{Address: addr.String(), Timeout: opts.DiscoverTimeout}
		}
		return zero, err
	}
	logger.WithFields(logrus.Fields{
		"address": addr.String(),
		"rssi":    adv.RSSI(),
	}).Info("Device is advertising")

	progressCallback("Connecting")
	dev := c.ResolveAdvertisement(adv)
	defer dev.Close()

	if err := dev.Connect(ctx); err != nil {
		progressCallback("Failed")
		return zero, err
	}
	progressCallback("Connected")

	defer func() {
		if err := dev.Disconnect(); err != nil {
			logger.WithError(err).Error("failed to disconnect device")
		}
	}()

	progressCallback("Processing results")
	return callback(dev, adv)
}

// NotFoundError means the device did not advertise within the discover
// timeout.
type NotFoundError struct {
	Address string
	Timeout time.Duration
}

func (e *NotFoundError) Error() string {
	return "device " + e.Address + " not found within " + e.Timeout.String()
}
