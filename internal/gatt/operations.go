package gatt

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/monitor"
	"github.com/srg/blegatt/internal/profile"
	"github.com/srg/blegatt/internal/queue"
	"github.com/srg/blegatt/internal/radio"
	"github.com/srg/blegatt/internal/reassembly"
)

// Write sends data to char. The write is acknowledged when the characteristic
// declares write-with-response, unacknowledged when it only declares
// write-without-response. cb receives the result exactly once.
func (s *Session) Write(char string, data []byte, cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}
	value := append([]byte(nil), data...)

	s.serial.Do(func() {
		decl, err := s.resolve(char)
		if err != nil {
			cb(err)
			return
		}

		var kind radio.WriteKind
		switch caps := decl.Capabilities(); {
		case caps.Has(profile.WriteWithResponse):
			kind = radio.WithResponse
		case caps.Has(profile.WriteWithoutResponse):
			kind = radio.WithoutResponse
		default:
			cb(&radio.Error{Kind: radio.KindWriteNotSupported, Characteristic: decl.UUID()})
			return
		}

		s.logger.WithFields(logrus.Fields{
			"char_uuid": decl.UUID(),
			"bytes":     len(value),
			"kind":      kind.String(),
		}).Debug("Queueing write")
		s.queue.Push(queue.NewWrite(s.target, decl.UUID(), decl.Handle(), value, kind, s.maxWriteLength, cb))
		s.queue.Execute()
	})
}

// Read fetches the current value of char.
func (s *Session) Read(char string, cb func([]byte, error)) {
	if cb == nil {
		cb = func([]byte, error) {}
	}

	s.serial.Do(func() {
		decl, err := s.resolve(char)
		if err != nil {
			cb(nil, err)
			return
		}
		if !decl.Capabilities().Has(profile.Read) {
			cb(nil, &radio.Error{Kind: radio.KindReadFailed, Characteristic: decl.UUID(), Msg: "characteristic is not readable"})
			return
		}

		s.queue.Push(queue.NewRead(s.target, decl.UUID(), decl.Handle(), cb))
		s.queue.Execute()
	})
}

// Listen enables or disables notifications on char. On success with enable set,
// every notification is fed through framer and each completed packet goes to
// onData; a notification error is delivered to onData as a NotifyFailure.
// Disabling removes the listener. The listener tracks the enabled state the radio
// reports. A nil framer treats each notification as a packet.
func (s *Session) Listen(char string, enable bool, framer reassembly.Framer, done func(enabled bool, err error), onData func([]byte, error)) {
	if done == nil {
		done = func(bool, error) {}
	}
	if onData == nil {
		onData = func([]byte, error) {}
	}
	if framer == nil {
		framer = reassembly.Unframed
	}

	s.serial.Do(func() {
		decl, err := s.resolve(char)
		if err != nil {
			done(false, err)
			return
		}
		if !decl.Capabilities().Has(profile.Notify) {
			done(false, &radio.Error{Kind: radio.KindNotifyFailed, Characteristic: decl.UUID(), Msg: "characteristic does not support notifications"})
			return
		}

		uuid := decl.UUID()
		s.queue.Push(queue.NewSetNotify(s.target, uuid, decl.Handle(), enable, func(enabled bool, err error) {
			// The listener follows the state the radio reports, not the one requested.
			if err == nil {
				if enabled {
					s.listeners[uuid] = &listener{
						framer:   framer,
						combiner: reassembly.NewCombiner(s.logger.WithField("char_uuid", uuid)),
						onData:   onData,
					}
				} else {
					delete(s.listeners, uuid)
				}
			}
			done(enabled, err)
		}))
		s.queue.Execute()
	})
}

// resolve checks the session is connected and char is declared and discovered.
// Must run on the executor.
func (s *Session) resolve(char string) (*profile.Characteristic, error) {
	if s.ConnectionState().Phase != Connected {
		return nil, radio.ErrNotConnected
	}
	decl, err := s.profile.Characteristic(char)
	if err != nil {
		return nil, err
	}
	if !decl.Resolved() {
		return nil, &radio.Error{
			Kind:           radio.KindProfileMismatch,
			Characteristic: decl.UUID(),
			Msg:            "characteristic has not been discovered",
		}
	}
	return decl, nil
}

// ----------------------------
// RSSI polling
// ----------------------------

// StartRSSIPolling reads RSSI now and then interval after each completed read,
// reporting values to observers, until StopRSSIPolling or disconnect.
// Starting again replaces the running poll with the new interval.
func (s *Session) StartRSSIPolling(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("RSSI polling interval must be positive, got %s", interval)
	}
	if s.ConnectionState().Phase != Connected {
		return radio.ErrNotConnected
	}

	s.serial.Do(func() {
		s.stopPolling()
		if s.ConnectionState().Phase != Connected {
			return
		}

		var p *monitor.Poller
		p = monitor.NewPoller(interval, func(done func()) {
			s.serial.Do(func() { s.pollRSSI(p, done) })
		})
		s.mu.Lock()
		s.poller = p
		s.mu.Unlock()
		s.logger.WithField("interval", interval).Debug("RSSI polling started")
		p.Start()
	})
	return nil
}

// StopRSSIPolling ends the polling chain. A read already in flight completes
// silently.
func (s *Session) StopRSSIPolling() {
	s.serial.Do(s.stopPolling)
}

// RSSIPolling reports whether a polling chain is active.
func (s *Session) RSSIPolling() bool {
	s.mu.RLock()
	p := s.poller
	s.mu.RUnlock()
	return p != nil && p.Running()
}

func (s *Session) pollRSSI(p *monitor.Poller, done func()) {
	if s.poller != p || !p.Running() || s.ConnectionState().Phase != Connected {
		return
	}
	s.queue.Push(queue.NewReadRSSI(s.target, func(rssi int, err error) {
		defer done()
		if s.poller != p || !p.Running() {
			return
		}
		if errors.Is(err, radio.ErrUnsupported) {
			s.logger.WithField("error", err).Warn("Radio cannot read RSSI, polling stopped")
			s.stopPolling()
			return
		}
		if err != nil {
			s.logger.WithField("error", err).Debug("RSSI read failed")
			return
		}
		s.notifyRSSI(rssi)
	}))
	s.queue.Execute()
}

func (s *Session) stopPolling() {
	if s.poller == nil {
		return
	}
	s.poller.Stop()
	s.mu.Lock()
	s.poller = nil
	s.mu.Unlock()
	s.logger.Debug("RSSI polling stopped")
}
