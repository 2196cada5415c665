// Package gatt implements the client side of a GATT session with one peripheral:
// the connection state machine, profile discovery, the serialized operation queue
// and notification delivery.
package gatt

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/groutine"
	"github.com/srg/blegatt/internal/monitor"
	"github.com/srg/blegatt/internal/profile"
	"github.com/srg/blegatt/internal/queue"
	"github.com/srg/blegatt/internal/radio"
	"github.com/srg/blegatt/internal/reassembly"
)

// listener receives notifications of one characteristic.
type listener struct {
	framer   reassembly.Framer
	combiner *reassembly.Combiner
	onData   func([]byte, error)
}

// Session is the GATT client for one peripheral.
//
// Every state transition, queue access and callback runs on the session's serial
// executor, so radio events and API calls may arrive from any goroutine. Getters
// read a snapshot and never block on the executor.
type Session struct {
	identity       Identity
	model          string
	maxWriteLength int
	profile        *profile.Profile
	radio          radio.Radio
	target         queue.Target
	logger         *logrus.Entry
	timeoutHandler TimeoutHandler

	serial    groutine.Serial
	queue     *queue.Queue
	monitor   *monitor.TimeoutMonitor
	observers *observerRegistry

	// owned by the serial executor
	listeners     map[string]*listener
	pendingReason *radio.DisconnectReason
	closed        bool

	mu            sync.RWMutex
	poller        *monitor.Poller // written on the executor only
	state         ConnectionState
	initState     InitializeState
	initErr       error
	autoReconnect bool
}

// NewSession creates a disconnected session and attaches it to r as the event sink
// for cfg.Identity.ID.
func NewSession(cfg Config, r radio.Radio) (*Session, error) {
	if r == nil {
		return nil, fmt.Errorf("session requires a radio")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	logger := cfg.Logger.WithField("peripheral", cfg.Identity.ID)
	s := &Session{
		identity:       cfg.Identity,
		model:          cfg.DeviceModel,
		maxWriteLength: cfg.MaxWriteLength,
		profile:        cfg.Profile,
		radio:          r,
		target:         queue.Target{Radio: r, Peripheral: cfg.Identity.ID},
		logger:         logger,
		timeoutHandler: cfg.TimeoutHandler,
		queue:          queue.New(logger),
		observers:      newObserverRegistry(),
		listeners:      make(map[string]*listener),
		state:          DisconnectedState(radio.ReasonNone),
	}
	s.serial.OnPanic = func(recovered any) {
		s.logger.WithField("panic", recovered).Error("Recovered panic in session callback")
	}
	s.monitor = monitor.NewTimeoutMonitor(cfg.ConnectTimeout, s.connectTimedOut)

	r.Attach(cfg.Identity.ID, s)

	s.logger.WithFields(logrus.Fields{
		"name":     cfg.Identity.Name,
		"model":    cfg.DeviceModel,
		"services": len(cfg.Profile.Services()),
		"timeout":  cfg.ConnectTimeout,
	}).Debug("Session created")
	return s, nil
}

// ----------------------------
// Getters
// ----------------------------

func (s *Session) ID() string                { return s.identity.ID }
func (s *Session) Name() string              { return s.identity.Name }
func (s *Session) Identity() Identity        { return s.identity }
func (s *Session) DeviceModel() string       { return s.model }
func (s *Session) MaxWriteLength() int       { return s.maxWriteLength }
func (s *Session) Profile() *profile.Profile { return s.profile }

// ConnectionState returns the current state, including the last disconnect reason.
func (s *Session) ConnectionState() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// InitializeState returns the discovery state.
func (s *Session) InitializeState() InitializeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initState
}

// Initialized reports whether every declared attribute was discovered on the current link.
func (s *Session) Initialized() bool {
	return s.InitializeState() == Initialized
}

// InitializeError returns the cause of the last failed discovery, or nil.
func (s *Session) InitializeError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initErr
}

// AutoReconnect reports whether the last disconnect qualifies for automatic reconnection.
func (s *Session) AutoReconnect() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoReconnect
}

// ----------------------------
// Observers
// ----------------------------

// Register adds an observer. With replay set, the observer immediately receives the
// current connection and initialize states.
func (s *Session) Register(o Observer, replay bool) ObserverID {
	id := s.observers.add(o)
	if replay {
		s.serial.Do(func() {
			if _, ok := s.observers.get(id); !ok {
				return
			}
			o.ConnectionStateChanged(s, s.ConnectionState())
			o.InitializeStateChanged(s, s.InitializeState())
		})
	}
	return id
}

// Unregister removes an observer. It is safe to call from inside an observer callback;
// the removed observer receives no further callbacks, including the rest of the
// current fan-out.
func (s *Session) Unregister(id ObserverID) {
	s.observers.remove(id)
}

// ----------------------------
// Lifecycle
// ----------------------------

// Connect starts a connection attempt when the session is disconnected.
func (s *Session) Connect() {
	s.serial.Do(func() {
		if s.closed {
			s.logger.Warn("Connect requested on a closed session")
			return
		}
		state := s.ConnectionState()
		if state.Phase != Disconnected {
			s.logger.WithField("state", state.String()).Debug("Connect ignored: session is not disconnected")
			return
		}

		s.pendingReason = nil
		s.setState(ConnectionState{Phase: Connecting})
		s.monitor.Start()

		if err := s.radio.Connect(s.identity.ID); err != nil {
			s.logger.WithField("error", err).Warn("Radio rejected connection request")
			s.handleDisconnected(radio.ReasonNone)
		}
	})
}

// Disconnect closes the link on the user's behalf.
func (s *Session) Disconnect() {
	s.DisconnectWithReason(radio.ReasonByUser)
}

// DisconnectWithReason closes the link and records reason as the cause reported
// when the radio confirms the disconnect.
func (s *Session) DisconnectWithReason(reason radio.DisconnectReason) {
	s.serial.Do(func() {
		state := s.ConnectionState()
		if state.Phase == Disconnected || state.Phase == Disconnecting {
			s.logger.WithField("state", state.String()).Debug("Disconnect ignored: no active link")
			return
		}

		s.pendingReason = &reason
		s.monitor.Cancel()
		s.stopPolling()
		s.setState(ConnectionState{Phase: Disconnecting})

		s.logger.WithField("reason", reason.String()).Info("Disconnecting")
		if err := s.radio.CancelConnection(s.identity.ID); err != nil {
			s.logger.WithField("error", err).Warn("Radio rejected cancel request, treating link as closed")
			s.handleDisconnected(reason)
		}
	})
}

// Close ends any link, detaches the session from the radio and drops every observer.
// A session that is not yet disconnected is torn down without waiting for the radio:
// queued operations fail with radio.ErrDisconnected and discovered handles are reset.
func (s *Session) Close() {
	s.serial.Do(func() {
		if s.closed {
			return
		}
		s.closed = true

		state := s.ConnectionState()
		if state.Phase != Disconnected {
			if s.pendingReason == nil {
				reason := radio.ReasonByUser
				s.pendingReason = &reason
			}
			if state.Phase != Disconnecting {
				if err := s.radio.CancelConnection(s.identity.ID); err != nil {
					s.logger.WithField("error", err).Debug("Radio rejected cancel request on close")
				}
			}
			s.handleDisconnected(radio.ReasonNone)
		}

		s.monitor.Cancel()
		s.stopPolling()
		s.radio.Detach(s.identity.ID)
		s.observers.clear()
		s.logger.Debug("Session closed")
	})
}

func (s *Session) connectTimedOut() {
	s.serial.Do(func() {
		if s.ConnectionState().Phase != Connecting {
			return
		}
		s.logger.WithField("timeout", s.monitor.Timeout()).Warn("Connection attempt timed out")
		if s.timeoutHandler != nil {
			s.timeoutHandler.ConnectionTimedOut(s)
		}
	})
}

// handleDisconnected runs the disconnect sequence. Must run on the executor.
func (s *Session) handleDisconnected(reported radio.DisconnectReason) {
	reason := reported
	if s.pendingReason != nil {
		reason = *s.pendingReason
		s.pendingReason = nil
	}

	s.monitor.Cancel()
	s.stopPolling()

	s.mu.Lock()
	s.autoReconnect = AutoReconnectFor(reason)
	s.mu.Unlock()

	s.setState(DisconnectedState(reason))

	s.profile.Reset()
	s.listeners = make(map[string]*listener)
	s.queue.ResetAfterDisconnect()
	s.setInitState(NotStarted)
}

// ----------------------------
// State notification
// ----------------------------

func (s *Session) setState(next ConnectionState) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev.Equal(next) {
		s.logger.WithField("state", next.String()).Debug("Connection state unchanged, not notifying")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   next.String(),
	}).Info("Connection state changed")
	s.observers.each(func(o Observer) { o.ConnectionStateChanged(s, next) })
}

func (s *Session) setInitState(next InitializeState) {
	s.setInitStateErr(next, nil)
}

func (s *Session) setInitStateErr(next InitializeState, err error) {
	s.mu.Lock()
	prev := s.initState
	s.initState = next
	if next != NotStarted {
		s.initErr = err
	}
	s.mu.Unlock()

	if prev == next {
		return
	}

	s.logger.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   next.String(),
	}).Info("Initialize state changed")
	s.observers.each(func(o Observer) { o.InitializeStateChanged(s, next) })
}

func (s *Session) notifyRSSI(rssi int) {
	s.observers.each(func(o Observer) { o.RSSIUpdated(s, rssi) })
}
