package central_test

import (
	"context"
	"time"

	"github.com/srg/blewatch/internal/testutils"
	"github.com/srg/blewatch/pkg/central"
	"github.com/stretchr/testify/suite"
)

const (
	addr1 = "AA:BB:CC:DD:EE:01"
	addr2 = "AA:BB:CC:DD:EE:02"

	uartService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	uartTX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	uartRX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// sensorProfile is a heart rate monitor with a battery and a UART-like service.
const sensorProfile = `{
	"services": [
		{
			"uuid": "180D",
			"characteristics": [
				{"uuid": "2A37", "properties": "notify", "descriptors": [{"uuid": "2902", "value": [0, 0]}]},
				{"uuid": "2A38", "properties": "read", "value": [1]},
				{"uuid": "2A39", "properties": "write"}
			]
		},
		{
			"uuid": "180F",
			"characteristics": [
				{"uuid": "2A19", "properties": "read,notify", "value": [87],
				 "descriptors": [{"uuid": "2901", "value": [66, 97, 116]}]}
			]
		},
		{
			"uuid": "%s",
			"characteristics": [
				{"uuid": "%s", "properties": "write,write-without-response"},
				{"uuid": "%s", "properties": "indicate"}
			]
		}
	]
}`

// CentralSuite wires a Central to a simulated radio.
type CentralSuite struct {
	suite.Suite

	h       *testutils.TestHelper
	central *central.Central
	options []central.Option
}

func (s *CentralSuite) SetupTest() {
	s.h = testutils.NewTestHelper(s.T())

	opts := []central.Option{
		central.WithRadioFactory(s.h.Air.Factory()),
		central.WithConnectTimeout(200 * time.Millisecond),
		central.WithGATTTimeout(time.Second),
	}
	s.central = central.New(s.h.Logger, append(opts, s.options...)...)
}

func (s *CentralSuite) TearDownTest() {
	s.central.Close()
}

func (s *CentralSuite) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	s.T().Cleanup(cancel)
	return ctx
}

func (s *CentralSuite) sensor(addr string) *testutils.Peripheral {
	return s.h.Air.Add(testutils.NewPeripheralFromJSON(addr, sensorProfile, uartService, uartTX, uartRX))
}

// connect resolves and connects addr, closing the handle after the test.
func (s *CentralSuite) connect(addr string) *central.Device {
	dev := s.central.Resolve(mustAddr(addr))
	s.T().Cleanup(dev.Close)
	s.Require().NoError(dev.Connect(s.ctx()), "device MUST connect")
	return dev
}

func (s *CentralSuite) characteristic(dev *central.Device, svc, char string) *central.Characteristic {
	c, err := dev.Characteristic(s.ctx(), svc, char)
	s.Require().NoError(err, "characteristic %s/%s MUST be found", svc, char)
	return c
}

func mustAddr(s string) central.Address {
	a, err := central.ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}
