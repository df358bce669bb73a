package central

import (
	"slices"
	"strings"
	"sync"

	"github.com/srg/blewatch/internal/device"
)

// EventSource is one consumer's registration on the shared platform scan.
// It filters advertisements and hands each accepted one to its sink exactly
// once. Start and Stop are idempotent.
type EventSource struct {
	hub   *scanHub
	scope string
	opts  WatcherOptions

	deliver func(device.Advertisement)
	onFail  func(error)

	mu    sync.Mutex
	armed bool

	seenMu sync.Mutex
	seen   map[device.Address]struct{}
}

func newEventSource(hub *scanHub, opts WatcherOptions, deliver func(device.Advertisement), onFail func(error)) *EventSource {
	return &EventSource{
		hub:     hub,
		scope:   scopeKey(opts.AllowList),
		opts:    opts,
		deliver: deliver,
		onFail:  onFail,
		seen:    make(map[device.Address]struct{}),
	}
}

// scopeKey identifies the address filter scope of a source.
func scopeKey(allow []device.Address) string {
	if len(allow) == 0 {
		return "*"
	}
	keys := make([]string, 0, len(allow))
	for _, a := range allow {
		keys = append(keys, a.String())
	}
	slices.Sort(keys)
	return strings.Join(slices.Compact(keys), ",")
}

// Start arms the source. It fails with device.ErrRadioUnavailable when the
// radio cannot be obtained or another source already covers the same scope.
func (s *EventSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.armed {
		return nil
	}

	s.seenMu.Lock()
	clear(s.seen)
	s.seenMu.Unlock()

	// armed before the hub can report a failure for this source
	s.armed = true
	if err := s.hub.arm(s); err != nil {
		s.armed = false
		return err
	}
	return nil
}

// Stop disarms the source. Stopping a stopped source is a no-op.
func (s *EventSource) Stop() {
	s.mu.Lock()
	if !s.armed {
		s.mu.Unlock()
		return
	}
	s.armed = false
	s.mu.Unlock()

	s.hub.disarm(s)
}

// Armed reports whether the source is currently receiving advertisements.
func (s *EventSource) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// failed is called by the hub after it detached the source. err is nil when
// the central shut down.
func (s *EventSource) failed(err error) {
	s.mu.Lock()
	was := s.armed
	s.armed = false
	s.mu.Unlock()

	if was && s.onFail != nil {
		s.onFail(err)
	}
}

func (s *EventSource) handle(adv device.Advertisement) {
	if !s.accept(adv) {
		return
	}
	s.deliver(adv)
}

func (s *EventSource) accept(adv device.Advertisement) bool {
	addr := adv.Address()

	if slices.Contains(s.opts.BlockList, addr) {
		return false
	}
	if len(s.opts.AllowList) > 0 && !slices.Contains(s.opts.AllowList, addr) {
		return false
	}
	if len(s.opts.Services) > 0 && !slices.ContainsFunc(s.opts.Services, adv.HasService) {
		return false
	}

	if !s.opts.AllowDuplicates {
		s.seenMu.Lock()
		defer s.seenMu.Unlock()
		if _, dup := s.seen[addr]; dup {
			return false
		}
		s.seen[addr] = struct{}{}
	}
	return true
}
