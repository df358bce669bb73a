package central

import (
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/blewatch/internal/device"
)

// RadioFactory produces the host radio. It is called lazily, the first time
// a scan or connection needs the radio, and again after a failure.
type RadioFactory func() (device.Radio, error)

// Options configures a Central.
type Options struct {
	RadioFactory RadioFactory

	ConnectTimeout time.Duration `default:"10s"`
	// ConnectRetries is the number of extra dial attempts after a
	// connection timeout. Other dial failures are never retried.
	ConnectRetries int `default:"1"`
	// GATTTimeout bounds a single GATT transaction. Zero means the caller's
	// context alone decides.
	GATTTimeout        time.Duration
	NotificationBuffer int `default:"128"`
	HistorySize        int `default:"32"`
}

// Option is a functional option for configuring a Central.
type Option func(*Options)

func defaultOptions() Options {
	opts := Options{}
	defaults.SetDefaults(&opts)
	return opts
}

// WithRadioFactory replaces the go-ble host radio.
func WithRadioFactory(f RadioFactory) Option {
	return func(o *Options) { o.RadioFactory = f }
}

// WithConnectTimeout sets the per-attempt dial timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.ConnectTimeout = d
		}
	}
}

// WithConnectRetries sets how many times a timed out dial is retried.
func WithConnectRetries(n int) Option {
	return func(o *Options) {
		if n >= 0 {
			o.ConnectRetries = n
		}
	}
}

// WithGATTTimeout bounds each GATT transaction.
func WithGATTTimeout(d time.Duration) Option {
	return func(o *Options) { o.GATTTimeout = d }
}

// WithNotificationBuffer sets the per-subscription queue capacity.
func WithNotificationBuffer(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.NotificationBuffer = n
		}
	}
}

// WithHistorySize sets how many connection state changes a device remembers.
func WithHistorySize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.HistorySize = n
		}
	}
}

// WatcherOptions configures a Watcher and its event source.
type WatcherOptions struct {
	BufferSize      int  `default:"256"`
	AllowDuplicates bool `default:"true"`
	AllowList       []device.Address
	BlockList       []device.Address
	Services        []string
}

// WatcherOption is a functional option for configuring a Watcher.
type WatcherOption func(*WatcherOptions)

func defaultWatcherOptions() WatcherOptions {
	opts := WatcherOptions{}
	defaults.SetDefaults(&opts)
	return opts
}

// WithBufferSize sets how many undelivered advertisements are kept before
// the oldest is dropped.
func WithBufferSize(n int) WatcherOption {
	return func(o *WatcherOptions) {
		if n > 0 {
			o.BufferSize = n
		}
	}
}

// WithDuplicates controls whether repeated advertisements from an address
// already delivered are passed on.
func WithDuplicates(allow bool) WatcherOption {
	return func(o *WatcherOptions) { o.AllowDuplicates = allow }
}

// WithAllowList restricts the watcher to the given addresses. The allow list
// is the watcher's scope: two watchers with the same scope cannot be armed at
// the same time.
func WithAllowList(addrs ...device.Address) WatcherOption {
	return func(o *WatcherOptions) { o.AllowList = append(o.AllowList, addrs...) }
}

// WithBlockList drops advertisements from the given addresses.
func WithBlockList(addrs ...device.Address) WatcherOption {
	return func(o *WatcherOptions) { o.BlockList = append(o.BlockList, addrs...) }
}

// WithServices keeps only advertisers announcing at least one of uuids.
func WithServices(uuids ...string) WatcherOption {
	return func(o *WatcherOptions) { o.Services = append(o.Services, device.NormalizeUUIDs(uuids)...) }
}
