package goble

import (
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blewatch/internal/device"
)

// txPowerNotPresent is what go-ble reports when the TX power AD type is absent.
const txPowerNotPresent = 127

// snapshotAdvertisement decodes a go-ble advertisement into an immutable
// device.Advertisement. Advertisers whose identifier is not a 48-bit address
// (CoreBluetooth hands out UUIDs) are rejected.
func snapshotAdvertisement(a ble.Advertisement, now time.Time) (device.Advertisement, error) {
	addr, err := device.ParseAddress(a.Addr().String())
	if err != nil {
		return device.Advertisement{}, err
	}

	f := device.AdvertisementFields{
		Address:             addr,
		RSSI:                a.RSSI(),
		Timestamp:           now,
		LocalName:           a.LocalName(),
		Connectable:         a.Connectable(),
		RawManufacturerData: a.ManufacturerData(),
	}

	if tx := a.TxPowerLevel(); tx != txPowerNotPresent {
		f.TxPower = &tx
	}

	for _, u := range a.Services() {
		f.Services = append(f.Services, u.String())
	}
	for _, u := range a.OverflowService() {
		f.Services = append(f.Services, u.String())
	}

	if sd := a.ServiceData(); len(sd) > 0 {
		f.ServiceData = make(map[string][]byte, len(sd))
		for _, d := range sd {
			f.ServiceData[d.UUID.String()] = d.Data
		}
	}

	return device.NewAdvertisement(f), nil
}
