package central

import (
	"errors"
	"testing"
	"time"

	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/journal"
	"github.com/srg/blegatt/internal/profile"
	"github.com/srg/blegatt/internal/radio"
	"github.com/srg/blegatt/internal/testutils"
	"github.com/srg/blegatt/pkg/config"
	"github.com/stretchr/testify/suite"
)

const peripheralID = "E8:9F:6D:11:42:C0"

type ManagerTestSuite struct {
	testutils.FakeRadioSuite

	journal *journal.Journal
	manager *Manager
	session *gatt.Session
}

func (s *ManagerTestSuite) SetupTest() {
	s.FakeRadioSuite.SetupTest()
	s.newManager(nil)
}

func (s *ManagerTestSuite) TearDownTest() {
	if s.manager != nil {
		s.manager.Close()
	}
	s.FakeRadioSuite.TearDownTest()
}

// newManager replaces the manager; mutate adjusts the fast test defaults
func (s *ManagerTestSuite) newManager(mutate func(cfg *config.Config)) {
	if s.manager != nil {
		s.manager.Close()
	}

	cfg := config.DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.Reconnect.BaseDelay = 10 * time.Millisecond
	cfg.Reconnect.MaxDelay = 40 * time.Millisecond
	cfg.Reconnect.MaxAttempts = 3
	if mutate != nil {
		mutate(cfg)
	}

	j, err := journal.New(128)
	s.Require().NoError(err)
	s.journal = j

	m, err := New(s.Radio, cfg, s.Logger, WithJournal(j))
	s.Require().NoError(err)
	s.manager = m

	session, err := m.Open(gatt.Identity{ID: peripheralID, Name: "Thermometer"}, s.ProfileBuilder.Build(), "TH-2")
	s.Require().NoError(err)
	s.session = session
}

func (s *ManagerTestSuite) sink() radio.EventSink {
	sink := s.Radio.Sink(peripheralID)
	s.Require().NotNil(sink)
	return sink
}

func (s *ManagerTestSuite) waitForCalls(method string, n int) {
	s.Require().Eventually(func() bool {
		return len(s.Radio.CallsOf(method)) >= n
	}, time.Second, time.Millisecond, "expected %d %s calls", n, method)
}

// connectAndLose establishes the link and then reports a link loss by the system
func (s *ManagerTestSuite) connectAndLose() {
	s.Require().NoError(s.manager.Connect(peripheralID))
	s.sink().Connected()
	s.Require().Equal(gatt.Connected, s.session.ConnectionState().Phase)
	s.sink().Disconnected(radio.ReasonBySystem)
}

func (s *ManagerTestSuite) reconnectRecords() []journal.Record {
	var out []journal.Record
	for _, rec := range s.journal.Drain() {
		if rec.Kind == journal.KindReconnect {
			out = append(out, rec)
		}
	}
	return out
}

// ----------------------------
// Construction and registry
// ----------------------------

func (s *ManagerTestSuite) TestNewValidation() {
	_, err := New(nil, nil, nil)
	s.ErrorContains(err, "requires a radio")

	cfg := config.DefaultConfig()
	cfg.Backend = "bluez"
	_, err = New(s.Radio, cfg, nil)
	s.ErrorContains(err, "invalid configuration")

	m, err := New(s.Radio, nil, nil)
	s.Require().NoError(err, "nil config MUST fall back to defaults")
	m.Close()
}

func (s *ManagerTestSuite) TestOpenTracksSession() {
	got, ok := s.manager.Session(peripheralID)
	s.Require().True(ok)
	s.Same(s.session, got)
	s.Equal(1, s.manager.Len())
	s.Equal("TH-2", got.DeviceModel())
	s.Same(s.session, s.sink(), "the session MUST be attached as the radio event sink")

	_, err := s.manager.Open(gatt.Identity{ID: peripheralID}, s.ProfileBuilder.Build(), "")
	s.ErrorContains(err, "already open")

	_, ok = s.manager.Session("00:00:00:00:00:00")
	s.False(ok)
	s.Error(s.manager.Connect("00:00:00:00:00:00"))
}

func (s *ManagerTestSuite) TestOpenFileAppliesProfileSettings() {
	f, err := profile.ParseFile([]byte(`
device_model: Sensor-X
max_write_length: 180
characteristics:
  - service: "181a"
    characteristic: "2a6e"
    capabilities: [read, notify]
`))
	s.Require().NoError(err)

	session, err := s.manager.OpenFile(gatt.Identity{ID: "C0:FF:EE:00:00:01"}, f)
	s.Require().NoError(err)
	s.Equal("Sensor-X", session.DeviceModel())
	s.Equal(180, session.MaxWriteLength())
	s.Equal(2, s.manager.Len())
}

func (s *ManagerTestSuite) TestRemoveRequiresDisconnected() {
	s.Require().NoError(s.manager.Connect(peripheralID))

	s.ErrorContains(s.manager.Remove(peripheralID), "disconnect it first")

	s.sink().ConnectFailed(errors.New("le-connection-abort-by-local"))
	s.Require().NoError(s.manager.Remove(peripheralID))
	s.Zero(s.manager.Len())
	s.Nil(s.Radio.Sink(peripheralID), "removed session MUST detach from the radio")
}

func (s *ManagerTestSuite) TestCloseReleasesEverything() {
	s.Require().NoError(s.manager.Connect(peripheralID))
	s.sink().Connected()

	s.manager.Close()

	s.Zero(s.manager.Len())
	s.Len(s.Radio.CallsOf(testutils.MethodCancelConnection), 1, "Close MUST end active links")
	s.ErrorIs(s.manager.Connect(peripheralID), ErrClosed)
	_, err := s.manager.Open(gatt.Identity{ID: peripheralID}, s.ProfileBuilder.Build(), "")
	s.ErrorIs(err, ErrClosed)

	s.manager.Close() // idempotent
}

func (s *ManagerTestSuite) TestCloseResolvesInFlightOperations() {
	// GOAL: Verify closing the manager fails queued operations instead of leaving them pending
	//
	// TEST SCENARIO: initialized session with a Read in flight → manager Close → callback gets
	// ErrDisconnected, session Disconnected(ByUser), a late radio confirmation is not routed

	s.Require().NoError(s.manager.Connect(peripheralID))
	sink := s.sink()
	sink.Connected()
	sink.ServicesDiscovered(s.ProfileBuilder.ServiceHandles(), nil)
	sink.CharacteristicsDiscovered(testutils.Handle("180F"), s.ProfileBuilder.CharacteristicHandles("180F"), nil)
	s.Require().True(s.session.Initialized())

	readErr := make(chan error, 1)
	s.session.Read("2A19", func(_ []byte, err error) { readErr <- err })
	s.waitForCalls(testutils.MethodRead, 1)

	s.manager.Close()

	select {
	case err := <-readErr:
		s.ErrorIs(err, radio.ErrDisconnected)
	case <-time.After(time.Second):
		s.Fail("in-flight read MUST be resolved when the manager closes")
	}
	s.Equal(gatt.DisconnectedState(radio.ReasonByUser), s.session.ConnectionState())
	s.Equal(gatt.NotStarted, s.session.InitializeState())
	s.Nil(s.Radio.Sink(peripheralID))

	sink.Disconnected(radio.ReasonBySystem)
	s.Equal(gatt.DisconnectedState(radio.ReasonByUser), s.session.ConnectionState(), "closed session MUST ignore late link events")
}

// ----------------------------
// Timeout handling
// ----------------------------

func (s *ManagerTestSuite) TestTimeoutDisconnectsWithoutReconnect() {
	// GOAL: Verify a connect timeout cancels the attempt and ends with reason timeout, which does not reconnect
	//
	// TEST SCENARIO: connect → no Connected within the timeout → CancelConnection issued →
	// radio confirms → Disconnected(timeout), no reconnect armed

	s.newManager(func(cfg *config.Config) { cfg.ConnectTimeout = 20 * time.Millisecond })

	s.Require().NoError(s.manager.Connect(peripheralID))
	s.waitForCalls(testutils.MethodCancelConnection, 1)
	s.Equal(gatt.Disconnecting, s.session.ConnectionState().Phase)

	s.sink().Disconnected(radio.ReasonByUser)

	state := s.session.ConnectionState()
	s.Equal(gatt.Disconnected, state.Phase)
	s.Equal(radio.ReasonTimeout, state.Reason, "the requested reason MUST win over the reported one")
	s.False(s.session.AutoReconnect())
	s.False(s.manager.ReconnectPending(peripheralID))
	s.Empty(s.reconnectRecords())
}

// ----------------------------
// Reconnect scheduling
// ----------------------------

func (s *ManagerTestSuite) TestSystemDisconnectSchedulesReconnect() {
	s.connectAndLose()

	s.True(s.session.AutoReconnect())
	s.waitForCalls(testutils.MethodConnect, 2)
	s.Equal(gatt.Connecting, s.session.ConnectionState().Phase)

	records := s.reconnectRecords()
	s.Require().Len(records, 1)
	s.Equal("scheduled", records[0].State)
	s.Equal("10ms", records[0].Value)
}

func (s *ManagerTestSuite) TestUserDisconnectCancelsPendingReconnect() {
	s.newManager(func(cfg *config.Config) {
		cfg.Reconnect.BaseDelay = time.Minute
		cfg.Reconnect.MaxDelay = time.Minute
	})

	s.connectAndLose()
	s.Require().True(s.manager.ReconnectPending(peripheralID))

	s.Require().NoError(s.manager.Disconnect(peripheralID))

	s.False(s.manager.ReconnectPending(peripheralID))
	s.Len(s.Radio.CallsOf(testutils.MethodConnect), 1)
}

func (s *ManagerTestSuite) TestUserDisconnectDoesNotReconnect() {
	s.Require().NoError(s.manager.Connect(peripheralID))
	s.sink().Connected()

	s.Require().NoError(s.manager.Disconnect(peripheralID))
	s.sink().Disconnected(radio.ReasonBySystem)

	s.Equal(radio.ReasonByUser, s.session.ConnectionState().Reason)
	s.False(s.manager.ReconnectPending(peripheralID))
	s.Never(func() bool {
		return len(s.Radio.CallsOf(testutils.MethodConnect)) > 1
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func (s *ManagerTestSuite) TestFailedAttemptsBackOffUntilExhausted() {
	// GOAL: Verify failed reconnect attempts keep backing off exponentially and stop at MaxAttempts
	//
	// TEST SCENARIO: link lost → three attempts fail → journal shows 10ms, 20ms, 40ms then exhausted →
	// no further Connect

	s.connectAndLose()

	for i := 2; i <= 4; i++ {
		s.waitForCalls(testutils.MethodConnect, i)
		s.sink().ConnectFailed(errors.New("connection refused"))
	}

	s.Never(func() bool {
		return len(s.Radio.CallsOf(testutils.MethodConnect)) > 4
	}, 100*time.Millisecond, 5*time.Millisecond)

	var states, delays []string
	for _, rec := range s.reconnectRecords() {
		states = append(states, rec.State)
		delays = append(delays, rec.Value)
	}
	s.Equal([]string{"scheduled", "scheduled", "scheduled", "exhausted"}, states)
	s.Equal([]string{"10ms", "20ms", "40ms", ""}, delays)
}

func (s *ManagerTestSuite) TestConnectedResetsBackoff() {
	s.connectAndLose()
	s.waitForCalls(testutils.MethodConnect, 2)
	s.sink().Connected()
	s.sink().Disconnected(radio.ReasonPoweredOff)
	s.waitForCalls(testutils.MethodConnect, 3)

	var delays []string
	for _, rec := range s.reconnectRecords() {
		delays = append(delays, rec.Value)
	}
	s.Equal([]string{"10ms", "10ms"}, delays, "a successful connect MUST restart the backoff")
}

func (s *ManagerTestSuite) TestReconnectCyclesActiveLink() {
	s.Require().NoError(s.manager.Connect(peripheralID))
	s.sink().Connected()

	s.Require().NoError(s.manager.Reconnect(peripheralID))
	s.Equal(gatt.Disconnecting, s.session.ConnectionState().Phase)
	s.sink().Disconnected(radio.ReasonByUser)

	s.Len(s.Radio.CallsOf(testutils.MethodConnect), 2, "the link MUST be re-established once the disconnect is confirmed")
	s.Equal(gatt.Connecting, s.session.ConnectionState().Phase)
}

func (s *ManagerTestSuite) TestReconnectWhenDisconnected() {
	s.Require().NoError(s.manager.Reconnect(peripheralID))
	s.Len(s.Radio.CallsOf(testutils.MethodConnect), 1)
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
