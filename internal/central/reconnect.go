package central

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/journal"
	"github.com/srg/blegatt/internal/radio"
)

// entry is a tracked session plus its reconnect state. It observes the session.
type entry struct {
	manager    *Manager
	session    *gatt.Session
	logger     *logrus.Entry
	observerID gatt.ObserverID
	journalID  gatt.ObserverID

	mu             sync.Mutex
	attempts       int
	timer          *time.Timer
	generation     uint64
	reconnectAfter bool
}

var _ gatt.Observer = (*entry)(nil)

func (e *entry) ConnectionStateChanged(s *gatt.Session, state gatt.ConnectionState) {
	switch state.Phase {
	case gatt.Connected:
		e.resetBackoff()
	case gatt.Disconnected:
		e.mu.Lock()
		again := e.reconnectAfter
		e.reconnectAfter = false
		e.mu.Unlock()

		switch {
		case again:
			e.logger.Debug("Reconnecting after requested disconnect")
			s.Connect()
		case s.AutoReconnect(), e.retrying(state.Reason):
			e.schedule()
		default:
			e.logger.WithField("reason", state.Reason.String()).Debug("Disconnect does not qualify for reconnect")
		}
	}
}

func (e *entry) InitializeStateChanged(*gatt.Session, gatt.InitializeState) {}

func (e *entry) RSSIUpdated(*gatt.Session, int) {}

// schedule arms the next reconnect attempt unless the attempts are exhausted.
func (e *entry) schedule() {
	policy := e.manager.cfg.Reconnect

	e.mu.Lock()
	if e.manager.closed.Load() {
		e.mu.Unlock()
		return
	}
	if policy.MaxAttempts > 0 && e.attempts >= policy.MaxAttempts {
		attempts := e.attempts
		e.mu.Unlock()

		e.logger.WithField("attempts", attempts).Warn("Reconnect attempts exhausted")
		e.manager.record(journal.Record{Peripheral: e.session.ID(), Kind: journal.KindReconnect, State: "exhausted"})
		return
	}

	delay := policy.Delay(e.attempts)
	e.attempts++
	e.generation++
	gen := e.generation
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(delay, func() { e.fire(gen) })
	attempt := e.attempts
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay,
	}).Info("Reconnect scheduled")
	e.manager.record(journal.Record{
		Peripheral: e.session.ID(),
		Kind:       journal.KindReconnect,
		State:      "scheduled",
		Value:      delay.String(),
	})
}

func (e *entry) fire(gen uint64) {
	e.mu.Lock()
	if gen != e.generation || e.manager.closed.Load() {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.mu.Unlock()

	e.logger.Debug("Reconnecting")
	e.session.Connect()
}

// resetBackoff cancels a pending attempt and restarts the backoff sequence.
func (e *entry) resetBackoff() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts = 0
	e.generation++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// retrying reports whether a failed attempt belongs to a running reconnect sequence,
// which keeps backing off until the attempts are exhausted.
func (e *entry) retrying(reason radio.DisconnectReason) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts > 0 && (reason == radio.ReasonNone || reason == radio.ReasonTimeout)
}

func (e *entry) pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timer != nil
}
