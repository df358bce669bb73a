package scanner

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blewatch/internal/bledb"
	"github.com/srg/blewatch/internal/groutine"
	"github.com/srg/blewatch/pkg/central"
)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

func (t DeviceEventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

// DeviceInfo is what the tracker knows about one advertiser.
type DeviceInfo struct {
	Address          central.Address   `json:"address"`
	Name             string            `json:"name,omitempty"`
	RSSI             int               `json:"rssi"`
	TxPower          *int              `json:"tx_power,omitempty"`
	Connectable      bool              `json:"connectable"`
	Services         []string          `json:"services,omitempty"`
	ManufacturerData map[uint16][]byte `json:"manufacturer_data,omitempty"`
	FirstSeen        time.Time         `json:"first_seen"`
	LastSeen         time.Time         `json:"last_seen"`
	Seen             int               `json:"seen"`
}

// Vendor returns the registered name of the first manufacturer data company
// ID, or "".
func (d DeviceInfo) Vendor() string {
	ids := make([]uint16, 0, len(d.ManufacturerData))
	for id := range d.ManufacturerData {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return ""
	}
	slices.Sort(ids)
	return bledb.LookupVendor(ids[0])
}

type DeviceEvent struct {
	Type       DeviceEventType
	DeviceInfo DeviceInfo
}

type trackedDevice struct {
	mu   sync.Mutex
	info DeviceInfo
}

func (d *trackedDevice) update(adv central.Advertisement) DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	if name, ok := adv.LocalName(); ok && name != "" {
		d.info.Name = name
	}
	if tx, ok := adv.TxPower(); ok {
		d.info.TxPower = &tx
	}
	for _, uuid := range adv.Services() {
		if !slices.Contains(d.info.Services, uuid) {
			d.info.Services = append(d.info.Services, uuid)
		}
	}
	for id, data := range adv.ManufacturerData() {
		if d.info.ManufacturerData == nil {
			d.info.ManufacturerData = make(map[uint16][]byte)
		}
		d.info.ManufacturerData[id] = data
	}
	d.info.RSSI = adv.RSSI()
	d.info.Connectable = adv.Connectable()
	d.info.LastSeen = adv.Timestamp()
	if d.info.FirstSeen.IsZero() {
		d.info.FirstSeen = adv.Timestamp()
	}
	d.info.Seen++
	return d.snapshot()
}

func (d *trackedDevice) snapshot() DeviceInfo {
	info := d.info
	info.Services = slices.Clone(d.info.Services)
	if d.info.ManufacturerData != nil {
		info.ManufacturerData = make(map[uint16][]byte, len(d.info.ManufacturerData))
		for k, v := range d.info.ManufacturerData {
			info.ManufacturerData[k] = v
		}
	}
	return info
}

// Tracker folds an advertisement stream into one record per address.
type Tracker struct {
	devices *hashmap.Map[string, *trackedDevice]
	logger  *logrus.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *logrus.Logger) *Tracker {
	if logger == nil {
		logger = logrus.New()
	}
	return &Tracker{
		devices: hashmap.New[string, *trackedDevice](),
		logger:  logger,
	}
}

// Observe updates existing or adds a new device
func (t *Tracker) Observe(adv central.Advertisement) DeviceEvent {
	key := adv.Address().String()

	dev, existing := t.devices.Get(key)
	if !existing {
		dev, existing = t.devices.GetOrInsert(key, &trackedDevice{info: DeviceInfo{Address: adv.Address()}})
	}
	info := dev.update(adv)

	if existing {
		return DeviceEvent{Type: EventUpdated, DeviceInfo: info}
	}

	t.logger.WithFields(logrus.Fields{
		"device":  info.Name,
		"address": key,
		"rssi":    info.RSSI,
	}).Info("Discovered new device")
	return DeviceEvent{Type: EventNew, DeviceInfo: info}
}

// Get returns the record for addr.
func (t *Tracker) Get(addr central.Address) (DeviceInfo, bool) {
	dev, ok := t.devices.Get(addr.String())
	if !ok {
		return DeviceInfo{}, false
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.snapshot(), true
}

func (t *Tracker) Len() int { return t.devices.Len() }

// Devices returns a snapshot of discovered devices ordered by address.
func (t *Tracker) Devices() []DeviceInfo {
	devs := make([]DeviceInfo, 0, t.devices.Len())
	t.devices.Range(func(_ string, dev *trackedDevice) bool {
		dev.mu.Lock()
		devs = append(devs, dev.snapshot())
		dev.mu.Unlock()
		return true
	})
	slices.SortFunc(devs, func(a, b DeviceInfo) int {
		return strings.Compare(a.Address.String(), b.Address.String())
	})
	return devs
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	// Duration bounds the scan. Zero scans until the context ends.
	Duration        time.Duration
	AllowDuplicates bool
	BufferSize      int
	ServiceUUIDs    []string
	AllowList       []string
	BlockList       []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{AllowDuplicates: true}
}

// WatcherOptions validates the address lists and translates opts into
// watcher options.
func (o *ScanOptions) WatcherOptions() ([]central.WatcherOption, error) {
	allow, err := parseAddresses(o.AllowList)
	if err != nil {
		return nil, fmt.Errorf("invalid allow list: %w", err)
	}
	block, err := parseAddresses(o.BlockList)
	if err != nil {
		return nil, fmt.Errorf("invalid block list: %w", err)
	}

	opts := []central.WatcherOption{central.WithDuplicates(o.AllowDuplicates)}
	if o.BufferSize > 0 {
		opts = append(opts, central.WithBufferSize(o.BufferSize))
	}
	if len(allow) > 0 {
		opts = append(opts, central.WithAllowList(allow...))
	}
	if len(block) > 0 {
		opts = append(opts, central.WithBlockList(block...))
	}
	if len(o.ServiceUUIDs) > 0 {
		opts = append(opts, central.WithServices(o.ServiceUUIDs...))
	}
	return opts, nil
}

func parseAddresses(in []string) ([]central.Address, error) {
	out := make([]central.Address, 0, len(in))
	for _, s := range in {
		addr, err := central.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Scan watches advertisements until ctx ends or opts.Duration elapses,
// folding each into t and passing the resulting event to onEvent. A scan
// ended by its context or duration is not an error.
func (t *Tracker) Scan(ctx context.Context, c *central.Central, opts *ScanOptions, onEvent func(DeviceEvent)) error {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if onEvent == nil {
		onEvent = func(DeviceEvent) {}
	}

	watcherOpts, err := opts.WatcherOptions()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	w, err := central.NewWatcher(c, watcherOpts...)
	if err != nil {
		return err
	}
	defer w.Stop()

	t.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")

	groutine.Go(ctx, "ble-scan-stop", func(ctx context.Context) {
		<-ctx.Done()
		w.Stop()
	})

	for adv := range w.All() {
		onEvent(t.Observe(adv))
	}

	t.logger.WithField("device_count", t.Len()).Info("BLE scan completed")
	return w.Err()
}
