package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/blewatch/internal/device"
)

// Air is a simulated radio environment implementing device.Radio. Tests push
// advertisements into it, register peripherals to dial and script failures.
type Air struct {
	mu          sync.Mutex
	handler     device.AdvertisementHandler
	scanFail    chan error
	scanning    chan struct{}
	peripherals map[device.Address]*Peripheral
	dialScript  map[device.Address][]error
	hangDials   map[device.Address]int

	scans      atomic.Int32
	dials      atomic.Int32
	closes     atomic.Int32
	active     atomic.Int32
	maxOverlap atomic.Int32
}

// ErrDialRefused is the scripted non-timeout dial failure.
var ErrDialRefused = errors.New("connection refused by peer")

func NewAir() *Air {
	return &Air{
		scanning:    make(chan struct{}),
		peripherals: make(map[device.Address]*Peripheral),
		dialScript:  make(map[device.Address][]error),
		hangDials:   make(map[device.Address]int),
	}
}

// Factory returns a radio factory handing out a.
func (a *Air) Factory() func() (device.Radio, error) {
	return func() (device.Radio, error) { return a, nil }
}

// Add makes p dialable.
func (a *Air) Add(p *Peripheral) *Peripheral {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peripherals[p.Address] = p
	return p
}

// FailDials scripts the next dials of addr to fail with errs, in order.
func (a *Air) FailDials(addr device.Address, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dialScript[addr] = append(a.dialScript[addr], errs...)
}

// HangDials makes the next n dials of addr block until their context ends,
// the way a platform connect to an absent device times out.
func (a *Air) HangDials(addr device.Address, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hangDials[addr] += n
}

// Scans returns how many platform scans were started.
func (a *Air) Scans() int { return int(a.scans.Load()) }

// Dials returns how many dials were attempted.
func (a *Air) Dials() int { return int(a.dials.Load()) }

// ActiveScans returns how many platform scans are running right now.
func (a *Air) ActiveScans() int { return int(a.active.Load()) }

// MaxOverlappingScans returns the most platform scans ever running at once.
func (a *Air) MaxOverlappingScans() int { return int(a.maxOverlap.Load()) }

// Closes returns how many times the radio was closed.
func (a *Air) Closes() int { return int(a.closes.Load()) }

// Close records that the central released the radio. The simulation keeps
// working afterwards so one Air can serve several centrals.
func (a *Air) Close() error {
	a.closes.Add(1)
	return nil
}

func (a *Air) Scan(ctx context.Context, _ bool, handler device.AdvertisementHandler) error {
	a.scans.Add(1)
	n := a.active.Add(1)
	defer a.active.Add(-1)
	for {
		m := a.maxOverlap.Load()
		if n <= m || a.maxOverlap.CompareAndSwap(m, n) {
			break
		}
	}
	fail := make(chan error, 1)

	a.mu.Lock()
	a.handler = handler
	a.scanFail = fail
	select {
	case <-a.scanning:
	default:
		close(a.scanning)
	}
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		// a newer scan may already have replaced this one
		if a.scanFail == fail {
			a.handler = nil
			a.scanFail = nil
			a.scanning = make(chan struct{})
		}
		a.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-fail:
		return err
	}
}

// WaitScanning blocks until a platform scan is running.
func (a *Air) WaitScanning(timeout time.Duration) error {
	a.mu.Lock()
	ch := a.scanning
	a.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("no scan started within %s", timeout)
	}
}

// Advertise delivers advs to the running scan, in order. It waits up to one
// second for a scan to start.
func (a *Air) Advertise(advs ...device.Advertisement) error {
	if err := a.WaitScanning(time.Second); err != nil {
		return err
	}

	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h == nil {
		return errors.New("scan ended before advertising")
	}
	for _, adv := range advs {
		h(adv)
	}
	return nil
}

// FailScan ends the running scan with err.
func (a *Air) FailScan(err error) error {
	if err := a.WaitScanning(time.Second); err != nil {
		return err
	}
	a.mu.Lock()
	fail := a.scanFail
	a.mu.Unlock()
	if fail == nil {
		return errors.New("no scan to fail")
	}
	fail <- err
	return nil
}

func (a *Air) Dial(ctx context.Context, addr device.Address) (device.Link, error) {
	a.dials.Add(1)

	a.mu.Lock()
	var scripted error
	if errs := a.dialScript[addr]; len(errs) > 0 {
		scripted, a.dialScript[addr] = errs[0], errs[1:]
	}
	hang := a.hangDials[addr] > 0
	if hang {
		a.hangDials[addr]--
	}
	p := a.peripherals[addr]
	a.mu.Unlock()

	switch {
	case hang:
		<-ctx.Done()
		return nil, ctx.Err()
	case scripted != nil:
		return nil, scripted
	case p == nil:
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return p.NewLink(), nil
}

var (
	_ device.Radio       = (*Air)(nil)
	_ device.RadioCloser = (*Air)(nil)
)
