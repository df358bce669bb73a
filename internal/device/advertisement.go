package device

import (
	"encoding/binary"
	"maps"
	"slices"
	"time"
)

// AdvertisementFields carries decoded advertising data from a platform
// adapter into NewAdvertisement.
type AdvertisementFields struct {
	Address     Address
	RSSI        int
	Timestamp   time.Time
	LocalName   string
	Services    []string
	TxPower     *int
	Connectable bool
	// RawManufacturerData is the manufacturer specific AD structure payload,
	// company identifier first (little-endian).
	RawManufacturerData []byte
	ServiceData         map[string][]byte
}

// Advertisement is an immutable snapshot of one received advertising packet.
// Accessors hand out copies, so holders never share mutable state.
type Advertisement struct {
	address      Address
	rssi         int
	timestamp    time.Time
	localName    string
	services     []string
	txPower      *int
	connectable  bool
	manufacturer map[uint16][]byte
	serviceData  map[string][]byte
}

// NewAdvertisement snapshots f. Service UUIDs are normalized.
func NewAdvertisement(f AdvertisementFields) Advertisement {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	adv := Advertisement{
		address:     f.Address,
		rssi:        f.RSSI,
		timestamp:   ts,
		localName:   f.LocalName,
		services:    NormalizeUUIDs(f.Services),
		connectable: f.Connectable,
	}
	if f.TxPower != nil {
		tx := *f.TxPower
		adv.txPower = &tx
	}
	if len(f.RawManufacturerData) >= 2 {
		id := binary.LittleEndian.Uint16(f.RawManufacturerData[:2])
		adv.manufacturer = map[uint16][]byte{id: slices.Clone(f.RawManufacturerData[2:])}
	}
	if len(f.ServiceData) > 0 {
		adv.serviceData = make(map[string][]byte, len(f.ServiceData))
		for uuid, data := range f.ServiceData {
			adv.serviceData[NormalizeUUID(uuid)] = slices.Clone(data)
		}
	}
	return adv
}

// Address returns the advertiser's address.
func (a Advertisement) Address() Address { return a.address }

// RSSI returns the received signal strength in dBm.
func (a Advertisement) RSSI() int { return a.rssi }

// Timestamp returns when the packet was decoded.
func (a Advertisement) Timestamp() time.Time { return a.timestamp }

// LocalName returns the advertised local name, if any.
func (a Advertisement) LocalName() (string, bool) {
	return a.localName, a.localName != ""
}

// Services returns the advertised service UUIDs in normalized form.
func (a Advertisement) Services() []string {
	return slices.Clone(a.services)
}

// HasService reports whether uuid is among the advertised services.
func (a Advertisement) HasService(uuid string) bool {
	return slices.Contains(a.services, NormalizeUUID(uuid))
}

// TxPower returns the advertised transmit power level in dBm, if present.
func (a Advertisement) TxPower() (int, bool) {
	if a.txPower == nil {
		return 0, false
	}
	return *a.txPower, true
}

// Connectable reports whether the advertiser accepts connections.
func (a Advertisement) Connectable() bool { return a.connectable }

// ManufacturerData returns manufacturer payloads keyed by company identifier.
// The payload excludes the two identifier bytes.
func (a Advertisement) ManufacturerData() map[uint16][]byte {
	if a.manufacturer == nil {
		return nil
	}
	out := make(map[uint16][]byte, len(a.manufacturer))
	for id, data := range a.manufacturer {
		out[id] = slices.Clone(data)
	}
	return out
}

// ServiceData returns service data payloads keyed by normalized service UUID.
func (a Advertisement) ServiceData() map[string][]byte {
	if a.serviceData == nil {
		return nil
	}
	out := maps.Clone(a.serviceData)
	for k, v := range out {
		out[k] = slices.Clone(v)
	}
	return out
}
