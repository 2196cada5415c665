package tinygo

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/blegatt/internal/profile"
	"github.com/srg/blegatt/internal/radio"
	"github.com/stretchr/testify/suite"
)

const testAddress = "5C:F3:70:8A:1E:07"

// fakeAdapter implements Adapter; Connect blocks until release is closed when set
type fakeAdapter struct {
	mu        sync.Mutex
	handler   func(id string, connected bool)
	link      *fakeLink
	connErr   error
	enableErr error
	release   chan struct{}
	dialed    chan struct{}
	enabled   int
}

func (a *fakeAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled++
	return a.enableErr
}

func (a *fakeAdapter) Connect(string) (Link, error) {
	if a.dialed != nil {
		close(a.dialed)
	}
	if a.release != nil {
		<-a.release
	}
	if a.connErr != nil {
		return nil, a.connErr
	}
	return a.link, nil
}

func (a *fakeAdapter) SetConnectHandler(fn func(id string, connected bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = fn
}

type fakeLink struct {
	services    []Service
	mu          sync.Mutex
	disconnects int
}

func (l *fakeLink) DiscoverServices() ([]Service, error) { return l.services, nil }

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
	return nil
}

func (l *fakeLink) Disconnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

type fakeService struct {
	uuid  string
	chars []Characteristic
}

func (s *fakeService) UUID() string { return s.uuid }

func (s *fakeService) DiscoverCharacteristics() ([]Characteristic, error) { return s.chars, nil }

type fakeCharacteristic struct {
	uuid     string
	value    []byte
	writeErr error

	mu       sync.Mutex
	written  [][]byte
	noRsp    [][]byte
	callback func([]byte)
}

func (c *fakeCharacteristic) UUID() string { return c.uuid }

func (c *fakeCharacteristic) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, p)
	return len(p), c.writeErr
}

func (c *fakeCharacteristic) WriteWithoutResponse(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noRsp = append(c.noRsp, p)
	return len(p), nil
}

func (c *fakeCharacteristic) Read(p []byte) (int, error) {
	return copy(p, c.value), nil
}

func (c *fakeCharacteristic) EnableNotifications(fn func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = fn
	return nil
}

func (c *fakeCharacteristic) notify(data []byte) {
	c.mu.Lock()
	fn := c.callback
	c.mu.Unlock()
	fn(data)
}

// sink records events by kind
type sink struct {
	mu     sync.Mutex
	kinds  []string
	values [][]byte
	errs   []error
	reason []radio.DisconnectReason
	svcs   []profile.Handle
	chars  []profile.Handle
}

func (s *sink) add(kind string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
	s.errs = append(s.errs, err)
}

func (s *sink) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func (s *sink) Connected() { s.add("connected", nil) }

func (s *sink) ConnectFailed(err error) { s.add("connect_failed", err) }

func (s *sink) RSSIRead(int, error) { s.add("rssi", nil) }

func (s *sink) Disconnected(reason radio.DisconnectReason) {
	s.mu.Lock()
	s.reason = append(s.reason, reason)
	s.mu.Unlock()
	s.add("disconnected", nil)
}

func (s *sink) ServicesDiscovered(services []profile.Handle, err error) {
	s.mu.Lock()
	s.svcs = services
	s.mu.Unlock()
	s.add("services", err)
}

func (s *sink) CharacteristicsDiscovered(_ profile.Handle, chars []profile.Handle, err error) {
	s.mu.Lock()
	s.chars = chars
	s.mu.Unlock()
	s.add("characteristics", err)
}

func (s *sink) WriteCompleted(_ string, err error) { s.add("write", err) }

func (s *sink) NotifyStateChanged(_ string, _ bool, err error) { s.add("notify", err) }

func (s *sink) ValueUpdated(_ string, value []byte, err error) {
	s.mu.Lock()
	s.values = append(s.values, append([]byte(nil), value...))
	s.mu.Unlock()
	s.add("value", err)
}

type TinyGoRadioTestSuite struct {
	suite.Suite

	adapter *fakeAdapter
	link    *fakeLink
	rx      *fakeCharacteristic
	tx      *fakeCharacteristic
	sink    *sink
	radio   *Radio
}

func (s *TinyGoRadioTestSuite) SetupTest() {
	s.rx = &fakeCharacteristic{uuid: "6e400002-b5a3-f393-e0a9-e50e24dcca9e"}
	s.tx = &fakeCharacteristic{uuid: "6e400003-b5a3-f393-e0a9-e50e24dcca9e", value: []byte("ok")}
	s.link = &fakeLink{services: []Service{
		&fakeService{uuid: "6e400001-b5a3-f393-e0a9-e50e24dcca9e", chars: []Characteristic{s.rx, s.tx}},
	}}
	s.adapter = &fakeAdapter{link: s.link}
	s.sink = &sink{}
	s.radio = New(s.adapter, nil)
	s.radio.Attach(testAddress, s.sink)
}

func (s *TinyGoRadioTestSuite) TearDownTest() {
	s.radio.Close()
}

func (s *TinyGoRadioTestSuite) waitFor(kind string, n int) {
	s.Require().Eventually(func() bool { return s.sink.count(kind) >= n }, time.Second, time.Millisecond)
}

func (s *TinyGoRadioTestSuite) connectAndDiscover() {
	s.Require().NoError(s.radio.Connect(testAddress))
	s.waitFor("connected", 1)

	s.Require().NoError(s.radio.DiscoverServices(testAddress))
	s.waitFor("services", 1)
	s.Require().Len(s.sink.svcs, 1)
	s.Equal("6e400001b5a3f393e0a9e50e24dcca9e", s.sink.svcs[0].UUID())

	s.Require().NoError(s.radio.DiscoverCharacteristics(testAddress, s.sink.svcs[0]))
	s.waitFor("characteristics", 1)
	s.Require().Len(s.sink.chars, 2)
}

func (s *TinyGoRadioTestSuite) TestConnectEnablesAdapterAndDiscovers() {
	s.connectAndDiscover()
	s.Equal(1, s.adapter.enabled)
}

func (s *TinyGoRadioTestSuite) TestEnableFailure() {
	s.adapter.enableErr = errors.New("bluetooth adapter unavailable")

	s.Require().NoError(s.radio.Connect(testAddress))

	s.waitFor("connect_failed", 1)
	s.Zero(s.sink.count("connected"))
}

func (s *TinyGoRadioTestSuite) TestWriteKinds() {
	s.connectAndDiscover()
	rx := s.sink.chars[0]

	s.Require().NoError(s.radio.Write(testAddress, rx, []byte{1}, radio.WithResponse))
	s.Require().NoError(s.radio.Write(testAddress, rx, []byte{2}, radio.WithoutResponse))
	s.waitFor("write", 1)
	s.Eventually(func() bool {
		s.rx.mu.Lock()
		defer s.rx.mu.Unlock()
		return len(s.rx.noRsp) == 1
	}, time.Second, time.Millisecond)

	s.Equal(1, s.sink.count("write"), "write without response MUST NOT report completion")
	s.Equal([][]byte{{1}}, s.rx.written)
}

func (s *TinyGoRadioTestSuite) TestReadAndNotify() {
	s.connectAndDiscover()
	tx := s.sink.chars[1]

	s.Require().NoError(s.radio.Read(testAddress, tx))
	s.waitFor("value", 1)
	s.Equal([]byte("ok"), s.sink.values[0])

	s.Require().NoError(s.radio.SetNotify(testAddress, tx, true))
	s.waitFor("notify", 1)
	s.tx.notify([]byte{0xAA})
	s.waitFor("value", 2)
	s.Equal([]byte{0xAA}, s.sink.values[1])

	s.Require().NoError(s.radio.SetNotify(testAddress, tx, false))
	s.waitFor("notify", 2)
	s.Nil(s.tx.callback, "disable MUST unsubscribe")
}

func (s *TinyGoRadioTestSuite) TestReadRSSIUnsupported() {
	s.connectAndDiscover()
	s.ErrorIs(s.radio.ReadRSSI(testAddress), radio.ErrUnsupported)
}

func (s *TinyGoRadioTestSuite) TestAdapterReportsLinkLoss() {
	s.connectAndDiscover()

	s.adapter.handler("5c:f3:70:8a:1e:07", false)

	s.waitFor("disconnected", 1)
	s.Equal([]radio.DisconnectReason{radio.ReasonBySystem}, s.sink.reason)
	s.ErrorIs(s.radio.DiscoverServices(testAddress), radio.ErrNotConnected)
}

func (s *TinyGoRadioTestSuite) TestDetachStopsRoutingEvents() {
	s.connectAndDiscover()
	tx := s.sink.chars[1]
	s.Require().NoError(s.radio.SetNotify(testAddress, tx, true))
	s.waitFor("notify", 1)

	s.radio.Detach(testAddress)

	s.tx.notify([]byte{0xAA})
	s.adapter.handler("5c:f3:70:8a:1e:07", false)
	s.Zero(s.sink.count("value"), "detached peripheral MUST NOT deliver notifications")
	s.Zero(s.sink.count("disconnected"))
	s.Error(s.radio.Read(testAddress, tx), "detached peripheral MUST reject operations")
}

func (s *TinyGoRadioTestSuite) TestCancelConnection() {
	s.connectAndDiscover()

	s.Require().NoError(s.radio.CancelConnection(testAddress))

	s.waitFor("disconnected", 1)
	s.Equal(radio.ReasonByUser, s.sink.reason[0])
	s.Equal(1, s.link.Disconnects())
}

func (s *TinyGoRadioTestSuite) TestCancelDuringDialAbandonsAttempt() {
	// GOAL: Verify a canceled dial is reported at once and its late link closed
	//
	// TEST SCENARIO: adapter Connect blocks → CancelConnection → Disconnected(by_user) →
	// Connect returns → link disconnected, no Connected reported

	s.adapter.release = make(chan struct{})
	s.adapter.dialed = make(chan struct{})

	s.Require().NoError(s.radio.Connect(testAddress))
	<-s.adapter.dialed
	s.Require().NoError(s.radio.CancelConnection(testAddress))
	s.waitFor("disconnected", 1)

	close(s.adapter.release)
	s.Eventually(func() bool { return s.link.Disconnects() == 1 }, time.Second, time.Millisecond)
	s.Zero(s.sink.count("connected"))
}

func TestTinyGoRadioTestSuite(t *testing.T) {
	suite.Run(t, new(TinyGoRadioTestSuite))
}
