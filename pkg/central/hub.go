package central

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blewatch/internal/device"
	"github.com/srg/blewatch/internal/groutine"
)

// scanHub multiplexes one platform scan across every armed EventSource.
// The first arm starts the scan, the last disarm cancels it.
type scanHub struct {
	c *Central

	mu      sync.RWMutex
	sources map[*EventSource]struct{}
	scopes  map[string]*EventSource
	cancel  context.CancelFunc
	gen     uint64
	closed  bool

	// scanDone is closed when the latest platform scan has returned.
	scanDone chan struct{}
}

func newScanHub(c *Central) *scanHub {
	return &scanHub{
		c:       c,
		sources: make(map[*EventSource]struct{}),
		scopes:  make(map[string]*EventSource),
	}
}

func (h *scanHub) arm(s *EventSource) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return device.NewError(device.KindRadioUnavailable, "central closed", nil)
	}
	if other, ok := h.scopes[s.scope]; ok && other != s {
		return device.NewError(device.KindRadioUnavailable, "scan scope already armed", nil)
	}

	radio, err := h.c.Radio()
	if err != nil {
		return err
	}

	h.sources[s] = struct{}{}
	h.scopes[s.scope] = s
	if h.cancel == nil {
		h.start(radio)
	}
	return nil
}

// start must be called with h.mu held.
func (h *scanHub) start(radio device.Radio) {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.gen++
	gen := h.gen
	prev, done := h.scanDone, make(chan struct{})
	h.scanDone = done

	h.c.logger.Info("Starting BLE scan...")
	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		defer close(done)

		// platform scans must not overlap; prev is already cancelled
		if prev != nil {
			<-prev
		}
		if ctx.Err() != nil {
			return
		}
		err := radio.Scan(ctx, true, h.dispatch)
		h.scanEnded(gen, ctx, err)
	})
}

func (h *scanHub) dispatch(adv device.Advertisement) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.sources {
		s.handle(adv)
	}
}

func (h *scanHub) scanEnded(gen uint64, ctx context.Context, err error) {
	h.mu.Lock()
	if gen != h.gen || ctx.Err() != nil {
		h.mu.Unlock()
		h.c.logger.Debug("BLE scan stopped")
		return
	}

	if err == nil {
		err = device.NewError(device.KindRadioUnavailable, "scan ended unexpectedly", nil)
	}
	err = device.Classify(device.KindRadioUnavailable, err)
	failed := h.detachAll()
	h.mu.Unlock()

	h.c.logger.WithFields(logrus.Fields{
		"error":   err,
		"sources": len(failed),
	}).Warn("BLE scan failed")

	for _, s := range failed {
		s.failed(err)
	}
}

func (h *scanHub) disarm(s *EventSource) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.sources, s)
	if h.scopes[s.scope] == s {
		delete(h.scopes, s.scope)
	}
	if len(h.sources) == 0 && h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

func (h *scanHub) shutdown() {
	h.mu.Lock()
	h.closed = true
	stopped := h.detachAll()
	h.mu.Unlock()

	for _, s := range stopped {
		s.failed(nil)
	}
}

// detachAll must be called with h.mu held.
func (h *scanHub) detachAll() []*EventSource {
	out := make([]*EventSource, 0, len(h.sources))
	for s := range h.sources {
		out = append(out, s)
	}
	clear(h.sources)
	clear(h.scopes)
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	return out
}

func (h *scanHub) armed() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sources)
}
