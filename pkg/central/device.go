package central

import (
	"context"
	"errors"
	"runtime"
	"slices"
	"sync/atomic"

	"github.com/srg/blewatch/internal/device"
	"github.com/srg/blewatch/internal/groutine"
)

// ConnState is the connection state of a device handle.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrNotFound is returned by lookups for a UUID the peripheral does not expose.
var ErrNotFound = errors.New("not found")

// Device is a handle on a remote peripheral. Handles of one address share a
// single link and GATT cache; closing the last one tears the link down.
type Device struct {
	ref *handleRef
}

// handleRef is split from Device so the GC cleanup releasing the slot does
// not keep the Device reachable.
type handleRef struct {
	slot   *linkSlot
	closed atomic.Bool
}

func (r *handleRef) release() {
	if r.closed.CompareAndSwap(false, true) {
		r.slot.release()
	}
}

func newDevice(slot *linkSlot) *Device {
	ref := &handleRef{slot: slot}
	d := &Device{ref: ref}
	runtime.AddCleanup(d, func(r *handleRef) {
		groutine.Go(context.Background(), "ble-device-release", func(context.Context) { r.release() })
	}, ref)
	return d
}

func (d *Device) slot() *linkSlot { return d.ref.slot }

func (d *Device) Address() Address { return d.ref.slot.addr }

// State returns the connection state shared by every handle of the address.
func (d *Device) State() ConnState {
	st, _ := d.slot().snapshot()
	return st
}

// FailureReason returns the error that moved the device to StateFailed,
// or nil in any other state.
func (d *Device) FailureReason() error {
	st, err := d.slot().snapshot()
	if st != StateFailed {
		return nil
	}
	return err
}

// Connect establishes the link if it is not already up. Concurrent calls on
// handles of one address result in a single platform dial.
func (d *Device) Connect(ctx context.Context) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.slot().connect(ctx)
}

// Disconnect drops the link, invalidating the GATT cache and terminating
// every subscription. Disconnecting a disconnected device is a no-op.
func (d *Device) Disconnect() error {
	return d.slot().disconnect("disconnect requested")
}

// Services returns the device's primary services, discovering them once per
// connection. A device that was connected before is reconnected first; one
// that never connected fails with ErrNotConnected.
func (d *Device) Services(ctx context.Context) ([]*Service, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	s := d.slot()
	epoch, err := s.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	if svcs := s.cachedServices(epoch); svcs != nil {
		return slices.Clone(svcs), nil
	}

	var svcs []*Service
	err = s.transact(ctx, epoch, "discover-services", func(link device.Link) error {
		if cached := s.cachedServices(epoch); cached != nil {
			svcs = cached
			return nil
		}
		infos, err := link.DiscoverServices()
		if err != nil {
			return err
		}
		svcs = make([]*Service, 0, len(infos))
		for i, info := range infos {
			info.UUID = device.NormalizeUUID(info.UUID)
			svcs = append(svcs, &Service{dev: d, info: info, index: i, epoch: epoch})
		}
		return nil
	})
	if err != nil {
		return nil, discoveryError(device.KindServiceDiscoveryFailed, err)
	}

	stored, ok := s.storeServices(epoch, svcs)
	if !ok {
		return nil, staleError("discover-services")
	}
	s.log().WithField("services", len(stored)).Debug("Services discovered")
	return slices.Clone(stored), nil
}

// Service returns the service with the given UUID.
func (d *Device) Service(ctx context.Context, uuid string) (*Service, error) {
	svcs, err := d.Services(ctx)
	if err != nil {
		return nil, err
	}
	want := device.NormalizeUUID(uuid)
	for _, svc := range svcs {
		if svc.UUID() == want {
			return svc, nil
		}
	}
	return nil, &lookupError{kind: "service", uuid: want}
}

// Characteristic returns the characteristic charUUID of service svcUUID.
func (d *Device) Characteristic(ctx context.Context, svcUUID, charUUID string) (*Characteristic, error) {
	svc, err := d.Service(ctx, svcUUID)
	if err != nil {
		return nil, err
	}
	return svc.Characteristic(ctx, charUUID)
}

// History returns the most recent connection state changes, oldest first.
func (d *Device) History() []StateChange {
	return d.slot().hist.snapshot()
}

// Close releases the handle. It is idempotent; the link stays up while other
// handles of the address remain open.
func (d *Device) Close() {
	d.ref.release()
}

func (d *Device) checkOpen() error {
	if d.ref.closed.Load() {
		return device.NewError(device.KindNotConnected, "device handle closed", nil)
	}
	return nil
}

type lookupError struct {
	kind string
	uuid string
}

func (e *lookupError) Error() string { return e.kind + " " + e.uuid + " not found" }

func (e *lookupError) Is(target error) bool { return target == ErrNotFound }

// discoveryError classifies an enumeration failure as kind, leaving link
// loss and context errors recognisable as such.
func discoveryError(kind device.ErrorKind, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, device.ErrNotConnected),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return device.NewError(kind, "", err)
}
