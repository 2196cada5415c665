package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/profile"
	"github.com/srg/blegatt/internal/radio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const testAddress = "5C:F3:70:8A:1E:07"

// MockClient implements Client for testing
type MockClient struct {
	mock.Mock
	disconnected chan struct{}
}

func NewMockClient() *MockClient {
	return &MockClient{disconnected: make(chan struct{})}
}

func (m *MockClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	args := m.Called(filter)
	return args.Get(0).([]*ble.Service), args.Error(1)
}

func (m *MockClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	args := m.Called(filter, s)
	return args.Get(0).([]*ble.Characteristic), args.Error(1)
}

func (m *MockClient) DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error) {
	args := m.Called(filter, c)
	return args.Get(0).([]*ble.Descriptor), args.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	args := m.Called(c, value, noRsp)
	return args.Error(0)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	args := m.Called(c, ind, h)
	return args.Error(0)
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	args := m.Called(c, ind)
	return args.Error(0)
}

func (m *MockClient) ReadRSSI() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockClient) CancelConnection() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

// sinkEvent is one callback received by recordingSink
type sinkEvent struct {
	Kind    string
	UUID    string
	Value   []byte
	Enabled bool
	RSSI    int
	Reason  radio.DisconnectReason
	Handles []profile.Handle
	Err     error
}

// recordingSink implements radio.EventSink and records every callback
type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordingSink) add(ev sinkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Events() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkEvent(nil), s.events...)
}

func (s *recordingSink) Of(kind string) []sinkEvent {
	var out []sinkEvent
	for _, ev := range s.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSink) Connected() { s.add(sinkEvent{Kind: "connected"}) }

func (s *recordingSink) ConnectFailed(err error) { s.add(sinkEvent{Kind: "connect_failed", Err: err}) }

func (s *recordingSink) RSSIRead(rssi int, err error) {
	s.add(sinkEvent{Kind: "rssi", RSSI: rssi, Err: err})
}

func (s *recordingSink) Disconnected(reason radio.DisconnectReason) {
	s.add(sinkEvent{Kind: "disconnected", Reason: reason})
}

func (s *recordingSink) ServicesDiscovered(services []profile.Handle, err error) {
	s.add(sinkEvent{Kind: "services", Handles: services, Err: err})
}

func (s *recordingSink) CharacteristicsDiscovered(service profile.Handle, chars []profile.Handle, err error) {
	s.add(sinkEvent{Kind: "characteristics", UUID: service.UUID(), Handles: chars, Err: err})
}

func (s *recordingSink) WriteCompleted(char string, err error) {
	s.add(sinkEvent{Kind: "write", UUID: char, Err: err})
}

func (s *recordingSink) NotifyStateChanged(char string, enabled bool, err error) {
	s.add(sinkEvent{Kind: "notify", UUID: char, Enabled: enabled, Err: err})
}

func (s *recordingSink) ValueUpdated(char string, value []byte, err error) {
	s.add(sinkEvent{Kind: "value", UUID: char, Value: append([]byte(nil), value...), Err: err})
}

type GoBLERadioTestSuite struct {
	suite.Suite

	client *MockClient
	sink   *recordingSink
	radio  *Radio
	dialed chan context.Context
}

func (s *GoBLERadioTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.client = NewMockClient()
	s.sink = &recordingSink{}
	s.dialed = make(chan context.Context, 1)
	s.radio = New(WithLogger(logger), WithDialer(func(ctx context.Context, address string) (Client, error) {
		s.Equal(testAddress, address)
		s.dialed <- ctx
		return s.client, nil
	}))
	s.radio.Attach(testAddress, s.sink)
}

func (s *GoBLERadioTestSuite) TearDownTest() {
	s.radio.Close()
}

func (s *GoBLERadioTestSuite) waitFor(kind string, n int) []sinkEvent {
	s.Require().Eventually(func() bool { return len(s.sink.Of(kind)) >= n }, time.Second, time.Millisecond,
		"expected %d %q events, got %v", n, kind, s.sink.Events())
	return s.sink.Of(kind)
}

func (s *GoBLERadioTestSuite) connect() {
	s.Require().NoError(s.radio.Connect(testAddress))
	s.waitFor("connected", 1)
}

// discover returns the characteristics offered by the mocked peripheral
func (s *GoBLERadioTestSuite) discover() (tx, rx *ble.Characteristic) {
	battery := &ble.Service{UUID: ble.MustParse("180F")}
	uart := &ble.Service{UUID: ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")}
	tx = &ble.Characteristic{UUID: ble.MustParse("6E400003-B5A3-F393-E0A9-E50E24DCCA9E"), Property: ble.CharNotify}
	rx = &ble.Characteristic{UUID: ble.MustParse("6E400002-B5A3-F393-E0A9-E50E24DCCA9E"), Property: ble.CharWrite | ble.CharWriteNR}

	s.client.On("DiscoverServices", []ble.UUID(nil)).Return([]*ble.Service{battery, uart}, nil)
	s.client.On("DiscoverCharacteristics", []ble.UUID(nil), uart).Return([]*ble.Characteristic{tx, rx}, nil)
	s.client.On("DiscoverDescriptors", []ble.UUID(nil), tx).Return([]*ble.Descriptor{}, nil)

	s.Require().NoError(s.radio.DiscoverServices(testAddress))
	services := s.waitFor("services", 1)[0]
	s.Require().NoError(services.Err)
	s.Require().Len(services.Handles, 2)
	s.Equal("180f", services.Handles[0].UUID())
	s.Equal("6e400001b5a3f393e0a9e50e24dcca9e", services.Handles[1].UUID())

	s.Require().NoError(s.radio.DiscoverCharacteristics(testAddress, services.Handles[1]))
	chars := s.waitFor("characteristics", 1)[0]
	s.Require().NoError(chars.Err)
	s.Require().Len(chars.Handles, 2)
	return tx, rx
}

func (s *GoBLERadioTestSuite) handle(uuid string) profile.Handle {
	for _, h := range s.sink.Of("characteristics")[0].Handles {
		if profile.EqualUUID(h.UUID(), uuid) {
			return h
		}
	}
	s.FailNow("characteristic handle not found", uuid)
	return nil
}

func (s *GoBLERadioTestSuite) TestConnectAndDiscover() {
	s.connect()
	s.discover()

	s.client.AssertCalled(s.T(), "DiscoverDescriptors", []ble.UUID(nil), mock.Anything)
	s.client.AssertNumberOfCalls(s.T(), "DiscoverDescriptors", 1)
}

func (s *GoBLERadioTestSuite) TestOperationsRequireLink() {
	s.ErrorIs(s.radio.DiscoverServices(testAddress), radio.ErrNotConnected)
	s.ErrorIs(s.radio.ReadRSSI(testAddress), radio.ErrNotConnected)
	s.ErrorIs(s.radio.CancelConnection(testAddress), radio.ErrNotConnected)
	s.Error(s.radio.Connect("00:00:00:00:00:00"), "unattached peripheral MUST be rejected")
}

func (s *GoBLERadioTestSuite) TestForeignHandlesRejected() {
	s.connect()

	s.Error(s.radio.DiscoverCharacteristics(testAddress, foreignHandle("180f")))
	s.Error(s.radio.Read(testAddress, foreignHandle("2a19")))
}

func (s *GoBLERadioTestSuite) TestWriteKinds() {
	// GOAL: Verify acknowledged writes report completion and unacknowledged ones do not
	//
	// TEST SCENARIO: write with response → WriteCompleted → write without response → no event,
	// noRsp passed to go-ble

	s.connect()
	_, rx := s.discover()
	s.client.On("WriteCharacteristic", rx, []byte{1, 2}, false).Return(nil).Once()
	unacknowledged := make(chan struct{})
	s.client.On("WriteCharacteristic", rx, []byte{3}, true).Run(func(mock.Arguments) {
		close(unacknowledged)
	}).Return(nil).Once()

	s.Require().NoError(s.radio.Write(testAddress, s.handle("6e400002b5a3f393e0a9e50e24dcca9e"), []byte{1, 2}, radio.WithResponse))
	writes := s.waitFor("write", 1)
	s.NoError(writes[0].Err)
	s.Equal("6e400002b5a3f393e0a9e50e24dcca9e", writes[0].UUID)

	s.Require().NoError(s.radio.Write(testAddress, s.handle("6e400002b5a3f393e0a9e50e24dcca9e"), []byte{3}, radio.WithoutResponse))
	select {
	case <-unacknowledged:
	case <-time.After(time.Second):
		s.FailNow("write without response was not issued")
	}
	time.Sleep(10 * time.Millisecond)
	s.Len(s.sink.Of("write"), 1, "write without response MUST NOT report completion")
}

func (s *GoBLERadioTestSuite) TestWriteErrorIsReported() {
	s.connect()
	_, rx := s.discover()
	s.client.On("WriteCharacteristic", rx, mock.Anything, false).Return(errors.New("att: insufficient authentication"))

	s.Require().NoError(s.radio.Write(testAddress, s.handle("6e400002b5a3f393e0a9e50e24dcca9e"), []byte{1}, radio.WithResponse))

	s.EqualError(s.waitFor("write", 1)[0].Err, "att: insufficient authentication")
}

func (s *GoBLERadioTestSuite) TestSubscribeDeliversNotifications() {
	s.connect()
	tx, _ := s.discover()

	var handler ble.NotificationHandler
	s.client.On("Subscribe", tx, false, mock.Anything).Run(func(args mock.Arguments) {
		handler = args.Get(2).(ble.NotificationHandler)
	}).Return(nil)
	s.client.On("Unsubscribe", tx, false).Return(nil)

	h := s.handle("6e400003b5a3f393e0a9e50e24dcca9e")
	s.Require().NoError(s.radio.SetNotify(testAddress, h, true))
	notify := s.waitFor("notify", 1)[0]
	s.NoError(notify.Err)
	s.True(notify.Enabled)

	s.Require().NotNil(handler)
	handler([]byte("hello"))
	value := s.waitFor("value", 1)[0]
	s.Equal([]byte("hello"), value.Value)
	s.Equal("6e400003b5a3f393e0a9e50e24dcca9e", value.UUID)

	s.Require().NoError(s.radio.SetNotify(testAddress, h, false))
	s.False(s.waitFor("notify", 2)[1].Enabled)
}

func (s *GoBLERadioTestSuite) TestIndicateOnlyCharacteristicSubscribesWithIndications() {
	s.connect()

	svc := &ble.Service{UUID: ble.MustParse("1809")}
	temp := &ble.Characteristic{UUID: ble.MustParse("2A1C"), Property: ble.CharIndicate}
	s.client.On("DiscoverServices", []ble.UUID(nil)).Return([]*ble.Service{svc}, nil)
	s.client.On("DiscoverCharacteristics", []ble.UUID(nil), svc).Return([]*ble.Characteristic{temp}, nil)
	s.client.On("DiscoverDescriptors", []ble.UUID(nil), temp).Return([]*ble.Descriptor{}, nil)
	s.client.On("Subscribe", temp, true, mock.Anything).Return(nil)

	s.Require().NoError(s.radio.DiscoverServices(testAddress))
	s.Require().NoError(s.radio.DiscoverCharacteristics(testAddress, s.waitFor("services", 1)[0].Handles[0]))
	s.waitFor("characteristics", 1)

	s.Require().NoError(s.radio.SetNotify(testAddress, s.handle("2a1c"), true))
	s.waitFor("notify", 1)
	s.client.AssertCalled(s.T(), "Subscribe", temp, true, mock.Anything)
}

func (s *GoBLERadioTestSuite) TestReadAndRSSI() {
	s.connect()
	tx, _ := s.discover()
	s.client.On("ReadCharacteristic", tx).Return([]byte{0x2a}, nil)
	s.client.On("ReadRSSI").Return(-61)

	s.Require().NoError(s.radio.Read(testAddress, s.handle("6e400003b5a3f393e0a9e50e24dcca9e")))
	s.Require().NoError(s.radio.ReadRSSI(testAddress))

	s.Equal([]byte{0x2a}, s.waitFor("value", 1)[0].Value)
	rssi := s.waitFor("rssi", 1)[0]
	s.NoError(rssi.Err)
	s.Equal(-61, rssi.RSSI)
}

func (s *GoBLERadioTestSuite) TestCancelConnectionReportsUserDisconnectOnce() {
	s.connect()
	s.client.On("CancelConnection").Run(func(mock.Arguments) {
		close(s.client.disconnected)
	}).Return(nil)

	s.Require().NoError(s.radio.CancelConnection(testAddress))

	s.waitFor("disconnected", 1)
	time.Sleep(20 * time.Millisecond)
	s.Len(s.sink.Of("disconnected"), 1, "link loss MUST be reported once")
	s.ErrorIs(s.radio.ReadRSSI(testAddress), radio.ErrNotConnected)
}

func (s *GoBLERadioTestSuite) TestLinkLossReportsSystemDisconnect() {
	s.connect()

	close(s.client.disconnected)

	s.Equal(radio.ReasonBySystem, s.waitFor("disconnected", 1)[0].Reason)
}

func (s *GoBLERadioTestSuite) TestDetachStopsRoutingEvents() {
	s.connect()

	s.radio.Detach(testAddress)
	close(s.client.disconnected)

	time.Sleep(20 * time.Millisecond)
	s.Empty(s.sink.Of("disconnected"), "detached peripheral MUST NOT report to its former sink")
}

func (s *GoBLERadioTestSuite) TestCancelDuringDial() {
	// GOAL: Verify canceling a pending dial aborts it and reports a disconnect
	//
	// TEST SCENARIO: dialer blocks until its context ends → CancelConnection → Disconnected reported

	s.radio.Close()
	s.radio = New(WithDialer(func(ctx context.Context, _ string) (Client, error) {
		s.dialed <- ctx
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	s.radio.Attach(testAddress, s.sink)

	s.Require().NoError(s.radio.Connect(testAddress))
	<-s.dialed
	s.Error(s.radio.Connect(testAddress), "second connect MUST be rejected while dialing")
	s.Require().NoError(s.radio.CancelConnection(testAddress))

	s.Equal(radio.ReasonByUser, s.waitFor("disconnected", 1)[0].Reason)
	s.Empty(s.sink.Of("connected"))
}

func (s *GoBLERadioTestSuite) TestDialFailures() {
	tests := []struct {
		name   string
		err    error
		expect string
	}{
		{"bluetooth off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), "disconnected"},
		{"generic", errors.New("connection refused"), "connect_failed"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			sink := &recordingSink{}
			r := New(WithDialer(func(context.Context, string) (Client, error) { return nil, tt.err }))
			defer r.Close()
			r.Attach(testAddress, sink)

			s.Require().NoError(r.Connect(testAddress))
			s.Eventually(func() bool { return len(sink.Of(tt.expect)) == 1 }, time.Second, time.Millisecond)
			if tt.expect == "disconnected" {
				s.Equal(radio.ReasonPoweredOff, sink.Of("disconnected")[0].Reason)
			}
		})
	}
}

func (s *GoBLERadioTestSuite) TestDetachCancelsDial() {
	s.radio.Close()
	s.radio = New(WithDialer(func(ctx context.Context, _ string) (Client, error) {
		s.dialed <- ctx
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	s.radio.Attach(testAddress, s.sink)
	s.Require().NoError(s.radio.Connect(testAddress))
	ctx := <-s.dialed

	s.radio.Detach(testAddress)

	s.Eventually(func() bool { return ctx.Err() != nil }, time.Second, time.Millisecond)
	s.Error(s.radio.Connect(testAddress))
}

func TestGoBLERadioTestSuite(t *testing.T) {
	suite.Run(t, new(GoBLERadioTestSuite))
}

type foreignHandle string

func (h foreignHandle) UUID() string { return string(h) }

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"powered off state", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), radio.ErrBluetoothOff},
		{"turned off", errors.New("Bluetooth is turned off"), radio.ErrBluetoothOff},
		{"not connected", errors.New("device not connected"), radio.ErrNotConnected},
		{"disconnected", errors.New("link disconnected"), radio.ErrDisconnected},
		{"deadline", context.DeadlineExceeded, radio.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			assert.ErrorIs(t, got, tt.target)
			assert.Contains(t, got.Error(), tt.err.Error(), "original message MUST be preserved")
		})
	}

	assert.NoError(t, NormalizeError(nil))
	other := errors.New("att: request not supported")
	require.Same(t, other, NormalizeError(other))
}
