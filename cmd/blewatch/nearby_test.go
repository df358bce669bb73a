package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/srg/blewatch/internal/device"
	"github.com/srg/blewatch/internal/testutils"
	"github.com/srg/blewatch/pkg/central"
	"github.com/stretchr/testify/suite"
)

type NearbyCommandTestSuite struct {
	CommandTestSuite
}

func TestNearbyCommandTestSuite(t *testing.T) {
	suite.Run(t, new(NearbyCommandTestSuite))
}

func (s *NearbyCommandTestSuite) advertisements() []device.Advertisement {
	return []device.Advertisement{
		testutils.NewAdvertisementBuilder().WithAddress(TestDeviceAddress1).WithName("Thermo").WithRSSI(-52).Build(),
		testutils.NewAdvertisementBuilder().WithAddress(TestDeviceAddress2).WithRSSI(-71).
			WithManufacturerData(0x0059, []byte{0x01}).Build(),
	}
}

func (s *NearbyCommandTestSuite) TestStreamsNewDevicesUntilInterrupted() {
	// GOAL: Verify nearby-devices prints each device once and exits cleanly on Ctrl+C
	//
	// TEST SCENARIO: two devices advertise repeatedly → each printed once → cancel → nil error

	r := s.Start("nearby-devices")
	s.Advertise(s.advertisements()...)

	s.Eventually(func() bool { return strings.Count(r.stdout.String(), "\n") >= 2 },
		2*time.Second, 10*time.Millisecond, "both devices MUST be printed")
	time.Sleep(50 * time.Millisecond) // repeated advertisements must not print again

	r.cancel()
	s.Require().NoError(s.Wait(r, 2*time.Second), "an interrupted scan MUST exit cleanly")

	testutils.AssertText(s.T(), r.stdout.String(), `
+ 00:00:00:00:00:01  -52 dBm  Thermo
+ 00:00:00:00:00:02  -71 dBm  [Nordic Semiconductor ASA]
`)
}

func (s *NearbyCommandTestSuite) TestUpdatesFlag() {
	r := s.Start("nearby-devices", "--updates", "--allow", TestDeviceAddress1)
	s.Advertise(s.advertisements()...)

	s.Eventually(func() bool { return strings.Contains(r.stdout.String(), "~ 00:00:00:00:00:01") },
		2*time.Second, 10*time.Millisecond, "repeated advertisements MUST be printed with --updates")

	r.cancel()
	s.Require().NoError(s.Wait(r, 2*time.Second))
	s.NotContains(r.stdout.String(), TestDeviceAddress2, "the allow list MUST filter other devices")
}

func (s *NearbyCommandTestSuite) TestDuration() {
	out, err := s.ExecuteCommand("nearby-devices", "--duration", "50ms")
	s.NoError(err, "a scan ending after its duration MUST NOT be an error")
	s.Empty(out)
}

func (s *NearbyCommandTestSuite) TestInvalidArguments() {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "service UUID", args: []string{"nearby-devices", "--services", "xyz"}, wantErr: "invalid service UUID"},
		{name: "allow list", args: []string{"nearby-devices", "--allow", "AA:BB"}, wantErr: "invalid allow list"},
		{name: "log level", args: []string{"nearby-devices", "--log-level", "loud"}, wantErr: "invalid log level"},
		{name: "positional args", args: []string{"nearby-devices", "extra"}, wantErr: "unknown command"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.ExecuteCommand(tt.args...)
			s.ErrorContains(err, tt.wantErr)
		})
	}
}

func (s *NearbyCommandTestSuite) TestRadioUnavailable() {
	radioFactory = func() (device.Radio, error) {
		return nil, errors.New("adapter powered off")
	}

	_, err := s.ExecuteCommand("nearby-devices")
	s.Require().ErrorIs(err, central.ErrRadioUnavailable)
	s.Contains(FormatUserError(err), "Bluetooth is unavailable")
	s.Contains(FormatUserError(err), "adapter powered off")
}
