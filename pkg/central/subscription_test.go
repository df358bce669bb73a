package central_test

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/srg/blewatch/internal/testutils"
	"github.com/srg/blewatch/internal/testutils/mocks"
	"github.com/srg/blewatch/pkg/central"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type SubscriptionTestSuite struct {
	CentralSuite
}

func TestSubscriptionTestSuite(t *testing.T) {
	suite.Run(t, &SubscriptionTestSuite{
		CentralSuite: CentralSuite{options: []central.Option{central.WithNotificationBuffer(4)}},
	})
}

func (s *SubscriptionTestSuite) subscribe(c *central.Characteristic) *central.Subscription {
	sub, err := c.Subscribe(s.ctx())
	s.Require().NoError(err, "subscribe MUST succeed")
	return sub
}

func (s *SubscriptionTestSuite) TestNotifiesInArrivalOrder() {
	// GOAL: Verify notifications are delivered in arrival order
	//
	// TEST SCENARIO: subscribe → 3 notifications → 3 pulls in order → state Active

	p := s.sensor(addr1)
	dev := s.connect(addr1)
	sub := s.subscribe(s.characteristic(dev, "180d", "2a37"))

	s.Equal(central.SubActive, sub.State())
	for i := byte(1); i <= 3; i++ {
		s.Require().True(p.Notify("2a37", []byte{i}), "notification MUST be armed on the platform")
	}

	for i := byte(1); i <= 3; i++ {
		data, ok := sub.Next()
		s.Require().True(ok)
		s.Equal([]byte{i}, data)
	}
	s.Zero(sub.Dropped())
}

func (s *SubscriptionTestSuite) TestOverflowDropsOldest() {
	p := s.sensor(addr1)
	dev := s.connect(addr1)
	sub := s.subscribe(s.characteristic(dev, "180d", "2a37"))

	for i := byte(1); i <= 6; i++ {
		p.Notify("2a37", []byte{i})
	}

	for i := byte(3); i <= 6; i++ {
		data, ok := sub.Next()
		s.Require().True(ok)
		s.Equal([]byte{i}, data, "the oldest values MUST be the dropped ones")
	}
	s.Equal(uint64(2), sub.Dropped())
}

func (s *SubscriptionTestSuite) TestSubscribeWithoutCapability() {
	// GOAL: Verify subscribing to a non-notifiable characteristic never reaches the platform
	//
	// TEST SCENARIO: read-only characteristic → Subscribe → OperationNotSupported → no platform Subscribe call

	p := s.sensor(addr1)
	dev := s.connect(addr1)

	_, err := s.characteristic(dev, "180d", "2a38").Subscribe(s.ctx())
	s.ErrorIs(err, central.ErrOperationNotSupported)
	s.Zero(p.CallCount("Subscribe"), "capability mismatch MUST NOT reach the platform")
}

func (s *SubscriptionTestSuite) TestIndicateOnlyCharacteristic() {
	p := s.sensor(addr1)
	dev := s.connect(addr1)

	s.subscribe(s.characteristic(dev, uartService, uartRX))
	p.Links()[0].AssertCalled(s.T(), "Subscribe", testutils.CharacteristicUUID(uartRX), true, mock.Anything)
}

func (s *SubscriptionTestSuite) TestSubscribeFailure() {
	s.sensor(addr1).OnLink(func(l *mocks.MockLink) {
		l.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("cccd write rejected"))
	})
	dev := s.connect(addr1)

	_, err := s.characteristic(dev, "180d", "2a37").Subscribe(s.ctx())
	s.ErrorIs(err, central.ErrSubscriptionFailed)
	s.ErrorContains(err, "cccd write rejected", "the platform reason MUST be kept")
}

func (s *SubscriptionTestSuite) TestSubscribeOnStaleCharacteristic() {
	s.sensor(addr1)
	dev := s.connect(addr1)
	hr := s.characteristic(dev, "180d", "2a37")

	s.Require().NoError(dev.Disconnect())

	_, err := hr.Subscribe(s.ctx())
	s.ErrorIs(err, central.ErrNotConnected)
}

func (s *SubscriptionTestSuite) TestUnsubscribeCutsOver() {
	// GOAL: Verify no value is observed after Unsubscribe returns, even if already queued
	//
	// TEST SCENARIO: 2 queued values → Unsubscribe → Next ends immediately → late notification not delivered → idempotent

	p := s.sensor(addr1)
	dev := s.connect(addr1)
	sub := s.subscribe(s.characteristic(dev, "180d", "2a37"))

	p.Notify("2a37", []byte{1})
	p.Notify("2a37", []byte{2})

	s.Require().NoError(sub.Unsubscribe(s.ctx()))
	s.Equal(central.SubInactive, sub.State())
	s.NoError(sub.Err())

	_, ok := sub.Next()
	s.False(ok, "queued values MUST be discarded on unsubscribe")

	s.False(p.Armed("2a37"), "the peripheral MUST be disarmed")
	s.False(p.Notify("2a37", []byte{3}))

	s.NoError(sub.Unsubscribe(s.ctx()), "unsubscribe MUST be idempotent")
	s.Equal(1, p.CallCount("Unsubscribe"))
}

func (s *SubscriptionTestSuite) TestSubscriptionsShareOnePlatformArm() {
	// GOAL: Verify several subscriptions on one characteristic share one platform subscription
	//
	// TEST SCENARIO: two subs → one platform Subscribe → both get values → first unsub keeps arm → second unsub disarms

	p := s.sensor(addr1)
	dev := s.connect(addr1)
	hr := s.characteristic(dev, "180d", "2a37")

	a := s.subscribe(hr)
	b := s.subscribe(hr)
	s.Equal(1, p.CallCount("Subscribe"))

	p.Notify("2a37", []byte{42})
	for _, sub := range []*central.Subscription{a, b} {
		data, ok := sub.Next()
		s.Require().True(ok)
		s.Equal([]byte{42}, data)
	}

	s.Require().NoError(a.Unsubscribe(s.ctx()))
	s.Zero(p.CallCount("Unsubscribe"), "remaining subscribers MUST keep the peripheral armed")

	p.Notify("2a37", []byte{43})
	data, ok := b.Next()
	s.Require().True(ok)
	s.Equal([]byte{43}, data)

	s.Require().NoError(b.Unsubscribe(s.ctx()))
	s.Equal(1, p.CallCount("Unsubscribe"))
}

func (s *SubscriptionTestSuite) TestDisconnectTerminatesSubscriptions() {
	// GOAL: Verify disconnect ends live subscriptions and the next Services re-enumerates
	//
	// TEST SCENARIO: subscribe + cached tree → Disconnect → blocked Next ends → Services hits the platform again

	p := s.sensor(addr1)
	dev := s.connect(addr1)
	sub := s.subscribe(s.characteristic(dev, "180d", "2a37"))

	done := make(chan bool, 1)
	go func() {
		_, ok := sub.Next()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)

	s.Require().NoError(dev.Disconnect())

	select {
	case ok := <-done:
		s.False(ok, "a blocked pull MUST end with end-of-sequence")
	case <-time.After(time.Second):
		s.FailNow("disconnect MUST unblock subscription pulls")
	}
	s.ErrorIs(sub.Err(), central.ErrNotConnected)

	_, err := dev.Services(s.ctx())
	s.Require().NoError(err)
	s.Equal(2, p.CallCount("DiscoverServices"), "stale cached data MUST NOT be returned")
}

func (s *SubscriptionTestSuite) TestLinkLossMarksSubscriptionError() {
	p := s.sensor(addr1)
	dev := s.connect(addr1)
	sub := s.subscribe(s.characteristic(dev, "180f", "2a19"))

	p.DropLink()

	_, ok := sub.Next()
	s.False(ok)
	s.Equal(central.SubError, sub.State())
	s.ErrorIs(sub.Err(), central.ErrNotConnected)

	count := 0
	for range sub.All() {
		count++
	}
	s.Zero(count, "an ended subscription MUST NOT restart")
}

func (s *SubscriptionTestSuite) TestAllIsRestartable() {
	p := s.sensor(addr1)
	dev := s.connect(addr1)
	sub := s.subscribe(s.characteristic(dev, "180d", "2a37"))

	p.Notify("2a37", []byte{1})
	p.Notify("2a37", []byte{2})

	for data := range sub.All() {
		s.Equal([]byte{1}, data)
		break
	}
	for data := range sub.All() {
		s.Equal([]byte{2}, data, "ranging again MUST continue where the last loop stopped")
		break
	}
}

func (s *SubscriptionTestSuite) TestCharacteristicIOWithNotifications() {
	// GOAL: Verify the io.ReadWriteCloser view streams notification bytes and times out quietly
	//
	// TEST SCENARIO: open → notification larger than buffer → two reads → empty read times out (0, nil) → Close disarms

	p := s.sensor(addr1)
	dev := s.connect(addr1)

	rw, err := s.characteristic(dev, "180d", "2a37").Open(s.ctx(), central.WithReadTimeout(20*time.Millisecond))
	s.Require().NoError(err)

	p.Notify("2a37", []byte("hello world"))

	buf := make([]byte, 5)
	n, err := rw.Read(buf)
	s.Require().NoError(err)
	s.Equal("hello", string(buf[:n]))

	rest, err := io.ReadAll(io.LimitReader(rw, 6))
	s.Require().NoError(err)
	s.Equal(" world", string(rest))

	n, err = rw.Read(buf)
	s.NoError(err, "a read timeout MUST NOT be an error")
	s.Zero(n)

	s.Require().NoError(rw.Close())
	s.NoError(rw.Close())
	s.False(p.Armed("2a37"), "Close MUST disarm notifications")

	_, err = rw.Read(buf)
	s.ErrorIs(err, io.ErrClosedPipe)
}

func (s *SubscriptionTestSuite) TestCharacteristicIOReadAndWrite() {
	p := s.sensor(addr1)
	dev := s.connect(addr1)

	rw, err := s.characteristic(dev, "180d", "2a38").Open(s.ctx())
	s.Require().NoError(err)
	defer rw.Close()

	buf := make([]byte, 8)
	n, err := rw.Read(buf)
	s.Require().NoError(err)
	s.Equal([]byte{1}, buf[:n], "without notifications Read MUST return the characteristic value")

	_, err = rw.Write([]byte{9})
	s.ErrorIs(err, central.ErrOperationNotSupported, "writing a read-only characteristic MUST be rejected")

	tx, err := s.characteristic(dev, uartService, uartTX).Open(s.ctx())
	s.Require().NoError(err)
	defer tx.Close()

	n, err = tx.Write([]byte("ping"))
	s.Require().NoError(err)
	s.Equal(4, n)
	p.Links()[0].AssertCalled(s.T(), "WriteCharacteristic", testutils.CharacteristicUUID(uartTX), []byte("ping"), false)

	_, err = tx.Read(buf)
	s.ErrorIs(err, central.ErrOperationNotSupported)
}
