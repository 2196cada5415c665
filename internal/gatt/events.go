package gatt

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/profile"
	"github.com/srg/blegatt/internal/queue"
	"github.com/srg/blegatt/internal/radio"
)

// Session implements radio.EventSink. Every event is re-entered through the executor.
var _ radio.EventSink = (*Session)(nil)

// ----------------------------
// Link events
// ----------------------------

func (s *Session) Connected() {
	s.serial.Do(func() {
		if s.closed {
			s.logger.Debug("Ignoring link event on a closed session")
			return
		}
		state := s.ConnectionState()
		if state.Phase == Disconnecting {
			s.logger.Debug("Link came up while disconnecting, waiting for disconnect confirmation")
			return
		}

		s.monitor.Cancel()
		s.setState(ConnectionState{Phase: Connected})

		switch s.InitializeState() {
		case Initialized, Initializing:
			s.logger.WithField("initialize", s.InitializeState().String()).Debug("Skipping discovery")
			return
		}

		s.setInitState(Initializing)
		s.queue.Push(queue.NewInitialize(s.target, s.initializeFinished))
		s.queue.Execute()
	})
}

func (s *Session) ConnectFailed(err error) {
	s.serial.Do(func() {
		if s.closed {
			s.logger.Debug("Ignoring link event on a closed session")
			return
		}
		s.logger.WithField("error", err).Warn("Connection attempt failed")
		s.handleDisconnected(radio.ReasonNone)
	})
}

func (s *Session) Disconnected(reason radio.DisconnectReason) {
	s.serial.Do(func() {
		if s.closed {
			s.logger.Debug("Ignoring link event on a closed session")
			return
		}
		s.logger.WithField("reason", reason.String()).Debug("Radio reported disconnect")
		s.handleDisconnected(reason)
	})
}

// ----------------------------
// Discovery
// ----------------------------

func (s *Session) ServicesDiscovered(services []profile.Handle, err error) {
	s.serial.Do(func() {
		if s.ConnectionState().Phase != Connected {
			s.logger.Debug("Ignoring service discovery result: not connected")
			return
		}
		if err != nil {
			s.failInitialize(err)
			return
		}

		missing := s.profile.MatchServices(services)
		if len(missing) > 0 {
			uuids := make([]string, 0, len(missing))
			for _, svc := range missing {
				uuids = append(uuids, svc.UUID())
			}
			s.failInitialize(&radio.MismatchError{Resource: "service", UUIDs: uuids})
		}

		for _, svc := range s.profile.Services() {
			if !svc.Resolved() {
				continue
			}
			s.logger.WithField("service_uuid", svc.UUID()).Debug("Discovering characteristics")
			if err := s.radio.DiscoverCharacteristics(s.identity.ID, svc.Handle()); err != nil {
				s.failInitialize(err)
			}
		}
	})
}

func (s *Session) CharacteristicsDiscovered(service profile.Handle, chars []profile.Handle, err error) {
	s.serial.Do(func() {
		if s.ConnectionState().Phase != Connected {
			s.logger.Debug("Ignoring characteristic discovery result: not connected")
			return
		}
		if err != nil {
			s.failInitialize(err)
			return
		}

		svc, missing, matchErr := s.profile.MatchCharacteristics(service, chars)
		if matchErr != nil {
			s.logger.WithField("error", matchErr).Debug("Ignoring characteristics of undeclared service")
			return
		}
		if len(missing) > 0 {
			uuids := make([]string, 0, len(missing))
			for _, c := range missing {
				uuids = append(uuids, c.UUID())
			}
			s.failInitialize(&radio.MismatchError{Resource: "characteristic", Service: svc.UUID(), UUIDs: uuids})
			return
		}

		if s.profile.Ready() {
			s.queue.Process(queue.Event{Kind: queue.KindInitialize}, nil)
		}
	})
}

// failInitialize resolves the in-flight Initialize with cause. Later failures of the
// same discovery round find nothing in flight and are only logged.
func (s *Session) failInitialize(cause error) {
	err := &radio.InitializeError{Causes: []error{cause}}
	if !s.queue.Process(queue.Event{Kind: queue.KindInitialize}, err) {
		s.logger.WithField("error", cause).Debug("Discovery failure after initialize already resolved")
	}
}

func (s *Session) initializeFinished(err error) {
	if err == nil {
		s.logger.WithField("profile", s.profile.String()).Info("Profile discovered")
		s.setInitState(Initialized)
		return
	}
	if radio.IsKind(err, radio.KindDisconnected) {
		return
	}
	s.logger.WithField("error", err).Error("Profile discovery failed")
	s.setInitStateErr(Failed, err)
}

// ----------------------------
// Operation completions
// ----------------------------

func (s *Session) WriteCompleted(char string, err error) {
	s.serial.Do(func() {
		s.queue.Process(queue.Event{Kind: queue.KindWrite, Characteristic: profile.NormalizeUUID(char)}, err)
	})
}

func (s *Session) NotifyStateChanged(char string, enabled bool, err error) {
	s.serial.Do(func() {
		s.queue.Process(queue.Event{
			Kind:           queue.KindSetNotify,
			Characteristic: profile.NormalizeUUID(char),
			Enabled:        enabled,
		}, err)
	})
}

func (s *Session) RSSIRead(rssi int, err error) {
	s.serial.Do(func() {
		s.queue.Process(queue.Event{Kind: queue.KindReadRSSI, RSSI: rssi}, err)
	})
}

// ValueUpdated carries both read responses and notifications. A value completes an
// in-flight Read of a readable characteristic; otherwise it is delivered to the
// listener of a notifying one.
func (s *Session) ValueUpdated(char string, value []byte, err error) {
	data := append([]byte(nil), value...)
	s.serial.Do(func() {
		uuid := profile.NormalizeUUID(char)
		decl, lookupErr := s.profile.Characteristic(uuid)
		if lookupErr != nil {
			s.logger.WithField("char_uuid", uuid).Debug("Ignoring value of undeclared characteristic")
			return
		}

		caps := decl.Capabilities()
		if caps.Has(profile.Read) {
			if s.queue.Process(queue.Event{Kind: queue.KindRead, Characteristic: uuid, Value: data}, err) {
				return
			}
		}
		if !caps.Has(profile.Notify) {
			return
		}

		l, ok := s.listeners[uuid]
		if !ok {
			s.logger.WithField("char_uuid", uuid).Debug("Dropping notification without listener")
			return
		}
		if err != nil {
			l.onData(nil, radio.Wrap(radio.KindNotifyFailed, uuid, err))
			return
		}
		if packet, complete := l.combiner.Feed(l.framer, data); complete {
			s.logger.WithFields(logrus.Fields{
				"char_uuid": uuid,
				"bytes":     len(packet),
			}).Debug("Notification packet complete")
			l.onData(packet, nil)
		}
	})
}
