package testutils

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/srg/blewatch/internal/device"
)

// AdvertisementBuilder builds device.Advertisement values for tests.
type AdvertisementBuilder struct {
	fields device.AdvertisementFields
}

// advertisementJSON is the FromJSON shape. Manufacturer data is the raw AD
// payload, company identifier first.
type advertisementJSON struct {
	Address          string            `json:"address"`
	Name             string            `json:"name"`
	RSSI             int               `json:"rssi"`
	Services         []string          `json:"services"`
	ManufacturerData []byte            `json:"manufacturer_data"`
	ServiceData      map[string][]byte `json:"service_data"`
	TxPower          *int              `json:"tx_power"`
	Connectable      *bool             `json:"connectable"`
}

// NewAdvertisementBuilder starts a connectable advertisement.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{fields: device.AdvertisementFields{Connectable: true}}
}

// WithAddress sets the advertiser address; it panics on a malformed address.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.fields.Address = device.MustParseAddress(addr)
	return b
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.fields.LocalName = name
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.fields.RSSI = rssi
	return b
}

func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.fields.Services = append(b.fields.Services, uuids...)
	return b
}

// WithManufacturerData sets data for companyID.
func (b *AdvertisementBuilder) WithManufacturerData(companyID uint16, data []byte) *AdvertisementBuilder {
	raw := []byte{byte(companyID), byte(companyID >> 8)}
	b.fields.RawManufacturerData = append(raw, data...)
	return b
}

func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	if b.fields.ServiceData == nil {
		b.fields.ServiceData = make(map[string][]byte)
	}
	b.fields.ServiceData[uuid] = data
	return b
}

func (b *AdvertisementBuilder) WithTxPower(dbm int) *AdvertisementBuilder {
	b.fields.TxPower = &dbm
	return b
}

func (b *AdvertisementBuilder) WithConnectable(connectable bool) *AdvertisementBuilder {
	b.fields.Connectable = connectable
	return b
}

func (b *AdvertisementBuilder) WithTimestamp(ts time.Time) *AdvertisementBuilder {
	b.fields.Timestamp = ts
	return b
}

// FromJSON fills the builder from a JSON object; fmt verbs in jsonFmt are
// expanded with args first.
func (b *AdvertisementBuilder) FromJSON(jsonFmt string, args ...any) *AdvertisementBuilder {
	var cfg advertisementJSON
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonFmt, args...)), &cfg); err != nil {
		panic(fmt.Sprintf("AdvertisementBuilder.FromJSON: %v", err))
	}

	if cfg.Address != "" {
		b.WithAddress(cfg.Address)
	}
	b.fields.LocalName = cfg.Name
	b.fields.RSSI = cfg.RSSI
	b.fields.Services = cfg.Services
	b.fields.RawManufacturerData = cfg.ManufacturerData
	b.fields.ServiceData = cfg.ServiceData
	b.fields.TxPower = cfg.TxPower
	if cfg.Connectable != nil {
		b.fields.Connectable = *cfg.Connectable
	}
	return b
}

func (b *AdvertisementBuilder) Build() device.Advertisement {
	return device.NewAdvertisement(b.fields)
}

// Advertisement is shorthand for a named advertisement from addr.
func Advertisement(addr, name string, rssi int) device.Advertisement {
	return NewAdvertisementBuilder().WithAddress(addr).WithName(name).WithRSSI(rssi).Build()
}
