package central_test

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/srg/blewatch/internal/device"
	"github.com/srg/blewatch/internal/testutils"
	"github.com/srg/blewatch/internal/testutils/mocks"
	"github.com/srg/blewatch/pkg/central"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type DeviceTestSuite struct {
	CentralSuite
}

func TestDeviceTestSuite(t *testing.T) {
	suite.Run(t, new(DeviceTestSuite))
}

func (s *DeviceTestSuite) TestResolveSharesOneLink() {
	// GOAL: Verify two handles of one address produce exactly one platform connection
	//
	// TEST SCENARIO: resolve twice → both Disconnected → concurrent Connect → one dial → both Connected

	s.sensor(addr1)

	d1 := s.central.Resolve(mustAddr(addr1))
	d2 := s.central.Resolve(mustAddr(addr1))
	defer d1.Close()
	defer d2.Close()

	s.Equal(central.StateDisconnected, d1.State())
	s.Equal(central.StateDisconnected, d2.State())
	s.Zero(s.h.Air.Dials(), "resolve MUST NOT touch the radio")

	var wg sync.WaitGroup
	for _, d := range []*central.Device{d1, d2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NoError(d.Connect(s.ctx()))
		}()
	}
	wg.Wait()

	s.Equal(1, s.h.Air.Dials(), "one address MUST have at most one live connection")
	s.Equal(central.StateConnected, d1.State())
	s.Equal(central.StateConnected, d2.State())
	s.ElementsMatch([]central.Address{mustAddr(addr1)}, s.central.Devices())
}

func (s *DeviceTestSuite) TestHierarchyCachedPerConnection() {
	// GOAL: Verify services, characteristics and descriptors are fetched once per connection
	//
	// TEST SCENARIO: Services ×2 → Characteristics ×2 → Descriptors ×2 → one platform call each

	p := s.sensor(addr1)
	dev := s.connect(addr1)

	svcs, err := dev.Services(s.ctx())
	s.Require().NoError(err)
	again, err := dev.Services(s.ctx())
	s.Require().NoError(err)

	s.Require().Len(svcs, 3)
	s.Equal(svcs, again, "cached services MUST be the same identities")
	s.Equal("180d", svcs[0].UUID())
	s.Equal("Heart Rate", svcs[0].Name())
	s.Equal(2, svcs[2].Index())
	s.Equal(1, p.CallCount("DiscoverServices"), "services MUST be enumerated once per connection")

	chars, err := svcs[1].Characteristics(s.ctx())
	s.Require().NoError(err)
	_, err = svcs[1].Characteristics(s.ctx())
	s.Require().NoError(err)
	s.Require().Len(chars, 1)
	s.Equal("2a19", chars[0].UUID())
	s.True(chars[0].Capabilities().Readable())
	s.True(chars[0].Capabilities().Notifiable())
	s.Equal(1, p.CallCount("DiscoverCharacteristics"))

	descs, err := chars[0].Descriptors(s.ctx())
	s.Require().NoError(err)
	_, err = chars[0].Descriptors(s.ctx())
	s.Require().NoError(err)
	s.Require().Len(descs, 1)
	s.Equal("2901", descs[0].UUID())
	s.Equal(1, p.CallCount("DiscoverDescriptors"))

	value, err := descs[0].Read(s.ctx())
	s.Require().NoError(err)
	s.Equal([]byte("Bat"), value)

	parsed, err := descs[0].Value(s.ctx())
	s.Require().NoError(err)
	s.Equal("Bat", parsed, "user description MUST decode as text")
}

func (s *DeviceTestSuite) TestLookupByUUID() {
	s.sensor(addr1)
	dev := s.connect(addr1)

	c, err := dev.Characteristic(s.ctx(), "0000180f-0000-1000-8000-00805f9b34fb", "2A19")
	s.Require().NoError(err, "lookups MUST accept any UUID spelling")
	s.Equal("Battery Level", c.Name())
	s.Equal("180f", c.Service().UUID())

	_, err = dev.Characteristic(s.ctx(), "180f", "2a00")
	s.ErrorIs(err, central.ErrNotFound)
	_, err = dev.Service(s.ctx(), "1800")
	s.ErrorIs(err, central.ErrNotFound)
}

func (s *DeviceTestSuite) TestDisconnectInvalidatesHierarchy() {
	// GOAL: Verify disconnect drops the cached tree and the next Services re-enumerates fresh
	//
	// TEST SCENARIO: connect → Services → Disconnect → stale characteristic rejected → Services reconnects and rediscovers

	p := s.sensor(addr1)
	dev := s.connect(addr1)

	battery := s.characteristic(dev, "180f", "2a19")
	s.Require().NoError(dev.Disconnect())
	s.Equal(central.StateDisconnected, dev.State())

	_, err := battery.Read(s.ctx())
	s.ErrorIs(err, central.ErrNotConnected, "elements of an old connection MUST be rejected")
	_, err = battery.Service().Characteristics(s.ctx())
	s.ErrorIs(err, central.ErrNotConnected)

	svcs, err := dev.Services(s.ctx())
	s.Require().NoError(err, "a previously connected device MUST reconnect on demand")
	s.Len(svcs, 3)
	s.Equal(2, s.h.Air.Dials())
	s.Equal(2, p.CallCount("DiscoverServices"), "services MUST be re-enumerated after reconnect")

	fresh := s.characteristic(dev, "180f", "2a19")
	value, err := fresh.Read(s.ctx())
	s.Require().NoError(err)
	s.Equal([]byte{87}, value)

	s.NoError(dev.Disconnect())
	s.NoError(dev.Disconnect(), "disconnecting twice MUST be a no-op")
}

func (s *DeviceTestSuite) TestLinkLossMovesToDisconnected() {
	p := s.sensor(addr1)
	dev := s.connect(addr1)
	battery := s.characteristic(dev, "180f", "2a19")

	p.DropLink()

	s.Require().Eventually(func() bool {
		return dev.State() == central.StateDisconnected
	}, time.Second, 5*time.Millisecond, "link loss MUST move the device to Disconnected")

	_, err := battery.Read(s.ctx())
	s.ErrorIs(err, central.ErrNotConnected)
}

func (s *DeviceTestSuite) TestConnectRetriesOnceOnTimeout() {
	// GOAL: Verify a timed out connect is retried exactly once before failing
	//
	// TEST SCENARIO: two hanging dials → Connect fails ConnectionTimedOut after 2 dials → state Failed

	s.sensor(addr1)
	s.h.Air.HangDials(mustAddr(addr1), 2)

	dev := s.central.Resolve(mustAddr(addr1))
	defer dev.Close()

	err := dev.Connect(s.ctx())
	s.ErrorIs(err, central.ErrConnectionTimedOut)
	s.Equal(2, s.h.Air.Dials(), "a timeout MUST be retried exactly once")
	s.Equal(central.StateFailed, dev.State())
	s.ErrorIs(dev.FailureReason(), central.ErrConnectionTimedOut)
}

func (s *DeviceTestSuite) TestConnectRetrySucceeds() {
	s.sensor(addr1)
	s.h.Air.HangDials(mustAddr(addr1), 1)

	dev := s.central.Resolve(mustAddr(addr1))
	defer dev.Close()

	s.Require().NoError(dev.Connect(s.ctx()), "the retry MUST be allowed to succeed")
	s.Equal(2, s.h.Air.Dials())
	s.Equal(central.StateConnected, dev.State())
	s.NoError(dev.FailureReason())
}

func (s *DeviceTestSuite) TestConnectOtherFailureNotRetried() {
	// GOAL: Verify failures other than a timeout fail immediately without retry
	//
	// TEST SCENARIO: refused dial → Connect fails after 1 dial → Failed with the platform reason

	s.sensor(addr1)
	s.h.Air.FailDials(mustAddr(addr1), testutils.ErrDialRefused)

	dev := s.central.Resolve(mustAddr(addr1))
	defer dev.Close()

	err := dev.Connect(s.ctx())
	s.ErrorIs(err, testutils.ErrDialRefused)
	s.Equal(1, s.h.Air.Dials(), "non-timeout failures MUST NOT be retried")
	s.Equal(central.StateFailed, dev.State())

	s.Require().NoError(dev.Connect(s.ctx()), "an explicit Connect after Failed MUST dial again")
	s.Equal(central.StateConnected, dev.State())
}

func (s *DeviceTestSuite) TestServiceDiscoveryFailure() {
	// GOAL: Verify an enumeration failure is typed and leaves the cache empty
	//
	// TEST SCENARIO: first DiscoverServices fails → GattServiceDiscoveryFailed → retry call re-enumerates

	p := s.sensor(addr1).OnLink(func(l *mocks.MockLink) {
		l.On("DiscoverServices").Return(nil, errors.New("att timeout")).Once()
	})
	dev := s.connect(addr1)

	_, err := dev.Services(s.ctx())
	s.ErrorIs(err, central.ErrServiceDiscoveryFailed)

	svcs, err := dev.Services(s.ctx())
	s.Require().NoError(err, "a failed enumeration MUST NOT be cached")
	s.Len(svcs, 3)
	s.Equal(2, p.CallCount("DiscoverServices"))
}

func (s *DeviceTestSuite) TestCharacteristicAndDescriptorDiscoveryFailures() {
	s.sensor(addr1).OnLink(func(l *mocks.MockLink) {
		l.On("DiscoverCharacteristics", testutils.ServiceUUID("180d")).Return(nil, errors.New("no resources"))
		l.On("DiscoverDescriptors", testutils.CharacteristicUUID("2a19")).Return(nil, errors.New("no resources"))
	})
	dev := s.connect(addr1)

	_, err := dev.Service(s.ctx(), "180d")
	s.Require().NoError(err)
	_, err = dev.Characteristic(s.ctx(), "180d", "2a37")
	s.ErrorIs(err, central.ErrCharacteristicDiscoveryFailed)

	battery := s.characteristic(dev, "180f", "2a19")
	_, err = battery.Descriptors(s.ctx())
	s.ErrorIs(err, central.ErrDescriptorDiscoveryFailed)
}

func (s *DeviceTestSuite) TestReadChecksCapabilityFirst() {
	p := s.sensor(addr1)
	dev := s.connect(addr1)

	_, err := s.characteristic(dev, "180d", "2a39").Read(s.ctx())
	s.ErrorIs(err, central.ErrOperationNotSupported)
	s.Zero(p.CallCount("ReadCharacteristic"), "capability mismatch MUST NOT reach the platform")

	value, err := s.characteristic(dev, "180d", "2a38").Read(s.ctx())
	s.Require().NoError(err)
	s.Equal([]byte{1}, value)
}

func (s *DeviceTestSuite) TestReadPropagatesATTCode() {
	// GOAL: Verify peripheral ATT errors surface as GattError with the code preserved
	//
	// TEST SCENARIO: read returns ATT 0x05 → error Is ErrGATT → Code 0x05

	s.sensor(addr1).OnLink(func(l *mocks.MockLink) {
		l.On("ReadCharacteristic", testutils.CharacteristicUUID("2a19")).
			Return(nil, device.GATTError(0x05, errors.New("insufficient authentication")))
	})
	dev := s.connect(addr1)

	_, err := s.characteristic(dev, "180f", "2a19").Read(s.ctx())
	s.Require().ErrorIs(err, central.ErrGATT)

	var gattErr *central.Error
	s.Require().ErrorAs(err, &gattErr)
	s.Equal(byte(0x05), gattErr.Code, "the ATT code MUST be preserved")
}

func (s *DeviceTestSuite) TestWriteModeFollowsCapabilities() {
	// GOAL: Verify write mode is chosen by capability and explicit without-response is validated
	//
	// TEST SCENARIO: write+wnr default → request; WithoutResponse → command; write-only + WithoutResponse → rejected

	p := s.sensor(addr1)
	dev := s.connect(addr1)
	link := p.Links()[0]

	tx := s.characteristic(dev, uartService, uartTX)
	s.Require().NoError(tx.Write(s.ctx(), []byte("hi")))
	link.AssertCalled(s.T(), "WriteCharacteristic", testutils.CharacteristicUUID(uartTX), []byte("hi"), false)

	s.Require().NoError(tx.Write(s.ctx(), []byte("go"), central.WithoutResponse()))
	link.AssertCalled(s.T(), "WriteCharacteristic", testutils.CharacteristicUUID(uartTX), []byte("go"), true)

	writeOnly := s.characteristic(dev, "180d", "2a39")
	err := writeOnly.Write(s.ctx(), []byte{1}, central.WithoutResponse())
	s.ErrorIs(err, central.ErrOperationNotSupported, "without-response MUST require the capability")

	err = s.characteristic(dev, "180d", "2a38").Write(s.ctx(), []byte{1})
	s.ErrorIs(err, central.ErrOperationNotSupported)
	s.Equal(2, p.CallCount("WriteCharacteristic"))
}

func (s *DeviceTestSuite) TestTransactionsAreSerialized() {
	// GOAL: Verify GATT transactions on one device never overlap
	//
	// TEST SCENARIO: 8 concurrent reads against a slow peripheral → max in-flight observed is 1

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)
	s.sensor(addr1).OnLink(func(l *mocks.MockLink) {
		l.On("ReadCharacteristic", mock.Anything).Run(func(mock.Arguments) {
			mu.Lock()
			inFlight++
			maxSeen = max(maxSeen, inFlight)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
		}).Return([]byte{1}, nil)
	})
	dev := s.connect(addr1)
	c := s.characteristic(dev, "180d", "2a38")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Read(s.ctx())
			s.NoError(err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	s.Equal(1, maxSeen, "at most one GATT transaction MUST be in flight per device")
}

func (s *DeviceTestSuite) TestHistoryRecordsTransitions() {
	s.sensor(addr1)
	dev := s.connect(addr1)
	s.Require().NoError(dev.Disconnect())

	var states []central.ConnState
	for _, c := range dev.History() {
		states = append(states, c.To)
	}
	s.Equal([]central.ConnState{
		central.StateConnecting,
		central.StateConnected,
		central.StateDisconnected,
	}, states)
	s.Equal(uint64(1), dev.History()[1].Epoch)
}

func (s *DeviceTestSuite) TestLastCloseTearsDownLink() {
	// GOAL: Verify the link lives as long as any handle and is dropped with the last one
	//
	// TEST SCENARIO: two handles connected → close one → still connected → close other → platform Disconnect

	p := s.sensor(addr1)
	d1 := s.central.Resolve(mustAddr(addr1))
	d2 := s.central.Resolve(mustAddr(addr1))
	s.Require().NoError(d1.Connect(s.ctx()))

	d1.Close()
	d1.Close()
	s.Equal(central.StateConnected, d2.State(), "other handles MUST keep the link")
	s.Zero(p.CallCount("Disconnect"))

	_, err := d1.Services(s.ctx())
	s.ErrorIs(err, central.ErrNotConnected, "a closed handle MUST NOT be usable")

	d2.Close()
	s.Equal(1, p.CallCount("Disconnect"), "the last handle MUST tear the link down")
	s.Empty(s.central.Devices())

	d3 := s.central.Resolve(mustAddr(addr1))
	defer d3.Close()
	s.Equal(central.StateDisconnected, d3.State(), "a new handle MUST start from a fresh slot")
}

func (s *DeviceTestSuite) TestResolveAfterLastClose() {
	// GOAL: Verify an address whose handles were all closed resolves again to a fresh handle
	//
	// TEST SCENARIO: resolve → connect → close → registry empty → resolve returns → connect dials anew

	p := s.sensor(addr1)
	d1 := s.central.Resolve(mustAddr(addr1))
	s.Require().NoError(d1.Connect(s.ctx()))
	d1.Close()
	s.Empty(s.central.Devices(), "a released address MUST NOT be listed")

	resolved := make(chan *central.Device, 1)
	go func() { resolved <- s.central.Resolve(mustAddr(addr1)) }()

	var d2 *central.Device
	select {
	case d2 = <-resolved:
	case <-time.After(time.Second):
		s.FailNow("Resolve of a released address MUST return")
	}
	defer d2.Close()

	s.Equal(central.StateDisconnected, d2.State())
	s.Equal(1, s.h.Air.Dials(), "resolve MUST NOT touch the radio")
	s.Equal([]central.Address{mustAddr(addr1)}, s.central.Devices())

	s.Require().NoError(d2.Connect(s.ctx()))
	s.Equal(2, s.h.Air.Dials(), "the new handle MUST open its own link")
	s.Len(p.Links(), 2)

	svcs, err := d2.Services(s.ctx())
	s.Require().NoError(err)
	s.Len(svcs, 3)
}

func (s *DeviceTestSuite) TestClosingOneHandleKeepsSharedLink() {
	// GOAL: Verify closing one handle leaves the link usable through another handle of the address
	//
	// TEST SCENARIO: handles A and B → connect → close A → B reads → no disconnect, one dial

	p := s.sensor(addr1)
	a := s.central.Resolve(mustAddr(addr1))
	b := s.central.Resolve(mustAddr(addr1))
	defer b.Close()
	s.Require().NoError(a.Connect(s.ctx()))

	a.Close()

	c := s.characteristic(b, "180d", "2a38")
	data, err := c.Read(s.ctx())
	s.Require().NoError(err, "the remaining handle MUST keep working")
	s.Equal([]byte{1}, data)
	s.Equal(central.StateConnected, b.State())
	s.Zero(p.CallCount("Disconnect"))
	s.Equal(1, s.h.Air.Dials())
	s.Equal([]central.Address{mustAddr(addr1)}, s.central.Devices())
}

func (s *DeviceTestSuite) TestAbandonedHandleIsReleased() {
	// GOAL: Verify a handle dropped without Close releases its link once collected
	//
	// TEST SCENARIO: resolve + connect in a closure → handle unreachable → GC → platform Disconnect, registry empty

	p := s.sensor(addr1)
	func() {
		dev := s.central.Resolve(mustAddr(addr1))
		s.Require().NoError(dev.Connect(s.ctx()))
	}()

	s.Eventually(func() bool {
		runtime.GC()
		return p.CallCount("Disconnect") == 1
	}, 2*time.Second, 20*time.Millisecond, "a collected handle MUST tear its link down")
	s.Empty(s.central.Devices())
}

func (s *DeviceTestSuite) TestReconnectDoesNotWaitForStuckCall() {
	// GOAL: Verify a GATT call stuck on a lost link does not hold up the reconnect
	//
	// TEST SCENARIO: read blocks in the platform → link lost → read fails NotConnected → Connect succeeds while read still blocked

	unblock := make(chan struct{})
	defer close(unblock)

	p := s.sensor(addr1)
	p.OnLink(func(l *mocks.MockLink) {
		l.On("ReadCharacteristic", testutils.CharacteristicUUID("2a38")).
			Run(func(mock.Arguments) { <-unblock }).
			Return([]byte{1}, nil)
	})

	dev := s.connect(addr1)
	c := s.characteristic(dev, "180d", "2a38")

	readErr := make(chan error, 1)
	go func() {
		_, err := c.Read(s.ctx())
		readErr <- err
	}()
	s.Eventually(func() bool { return p.CallCount("ReadCharacteristic") == 1 },
		time.Second, 5*time.Millisecond, "the read MUST reach the platform")

	p.DropLink()
	select {
	case err := <-readErr:
		s.ErrorIs(err, central.ErrNotConnected, "a read on a lost link MUST fail NotConnected")
	case <-time.After(time.Second):
		s.FailNow("the pending read MUST be released by link loss")
	}
	s.Eventually(func() bool { return dev.State() == central.StateDisconnected },
		time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	s.Require().NoError(dev.Connect(ctx), "reconnect MUST NOT wait for the stuck platform call")
	s.Equal(central.StateConnected, dev.State())
	s.Equal(2, s.h.Air.Dials())
}
