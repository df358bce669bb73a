// Package mocks holds testify mocks of the platform interfaces in
// internal/device.
package mocks

import (
	"context"

	"github.com/srg/blewatch/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockRadio is a mock of device.Radio.
type MockRadio struct {
	mock.Mock
}

func (m *MockRadio) Scan(ctx context.Context, allowDuplicates bool, handler device.AdvertisementHandler) error {
	args := m.Called(ctx, allowDuplicates, handler)
	return args.Error(0)
}

func (m *MockRadio) Dial(ctx context.Context, addr device.Address) (device.Link, error) {
	args := m.Called(ctx, addr)
	var link device.Link
	if v := args.Get(0); v != nil {
		link = v.(device.Link)
	}
	return link, args.Error(1)
}

// MockLink is a mock of device.Link.
type MockLink struct {
	mock.Mock
}

func (m *MockLink) DiscoverServices() ([]device.ServiceInfo, error) {
	args := m.Called()
	svcs, _ := args.Get(0).([]device.ServiceInfo)
	return svcs, args.Error(1)
}

func (m *MockLink) DiscoverCharacteristics(svc device.ServiceInfo) ([]device.CharacteristicInfo, error) {
	args := m.Called(svc)
	chars, _ := args.Get(0).([]device.CharacteristicInfo)
	return chars, args.Error(1)
}

func (m *MockLink) DiscoverDescriptors(char device.CharacteristicInfo) ([]device.DescriptorInfo, error) {
	args := m.Called(char)
	descs, _ := args.Get(0).([]device.DescriptorInfo)
	return descs, args.Error(1)
}

func (m *MockLink) ReadCharacteristic(char device.CharacteristicInfo) ([]byte, error) {
	args := m.Called(char)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockLink) WriteCharacteristic(char device.CharacteristicInfo, data []byte, noResponse bool) error {
	args := m.Called(char, data, noResponse)
	return args.Error(0)
}

func (m *MockLink) ReadDescriptor(desc device.DescriptorInfo) ([]byte, error) {
	args := m.Called(desc)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockLink) Subscribe(char device.CharacteristicInfo, indicate bool, handler device.NotificationHandler) error {
	args := m.Called(char, indicate, handler)
	return args.Error(0)
}

func (m *MockLink) Unsubscribe(char device.CharacteristicInfo, indicate bool) error {
	args := m.Called(char, indicate)
	return args.Error(0)
}

func (m *MockLink) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockLink) Disconnected() <-chan struct{} {
	args := m.Called()
	switch ch := args.Get(0).(type) {
	case chan struct{}:
		return ch
	case <-chan struct{}:
		return ch
	}
	return nil
}

var (
	_ device.Radio = (*MockRadio)(nil)
	_ device.Link  = (*MockLink)(nil)
)
