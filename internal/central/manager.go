// Package central owns the GATT sessions of an application: it creates and tracks one
// session per peripheral, turns connect timeouts into disconnects and schedules
// automatic reconnects with exponential backoff.
//
// A Manager is constructed once by the host application and closed on shutdown.
package central

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/journal"
	"github.com/srg/blegatt/internal/profile"
	"github.com/srg/blegatt/internal/radio"
	"github.com/srg/blegatt/pkg/config"
)

// ErrClosed is returned by every operation on a closed manager.
var ErrClosed = errors.New("manager is closed")

// Option configures a Manager.
type Option func(*Manager)

// WithJournal records every session event and reconnect decision in j.
func WithJournal(j *journal.Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// Manager tracks sessions by peripheral ID.
type Manager struct {
	radio   radio.Radio
	cfg     *config.Config
	logger  *logrus.Logger
	journal *journal.Journal

	mu       sync.Mutex // serializes Open, Remove and Close
	sessions *hashmap.Map[string, *entry]
	closed   atomic.Bool
}

var _ gatt.TimeoutHandler = (*Manager)(nil)

// New creates a manager driving r. A nil cfg uses config.DefaultConfig().
func New(r radio.Radio, cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Manager, error) {
	if r == nil {
		return nil, fmt.Errorf("manager requires a radio")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	m := &Manager{
		radio:    r,
		cfg:      cfg,
		logger:   logger,
		sessions: hashmap.New[string, *entry](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Open creates and tracks a session for identity.
func (m *Manager) Open(identity gatt.Identity, prof *profile.Profile, model string) (*gatt.Session, error) {
	return m.open(identity, prof, model, m.cfg.MaxWriteLength)
}

// OpenFile opens a session for a profile file. A max_write_length set in the file
// overrides the configured one.
func (m *Manager) OpenFile(identity gatt.Identity, f *profile.File) (*gatt.Session, error) {
	prof, err := f.Profile()
	if err != nil {
		return nil, err
	}
	maxWrite := m.cfg.MaxWriteLength
	if f.MaxWriteLength > 0 {
		maxWrite = f.MaxWriteLength
	}
	return m.open(identity, prof, f.DeviceModel, maxWrite)
}

func (m *Manager) open(identity gatt.Identity, prof *profile.Profile, model string, maxWrite int) (*gatt.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return nil, ErrClosed
	}
	if _, ok := m.sessions.Get(identity.ID); ok {
		return nil, fmt.Errorf("session for %s is already open", identity.ID)
	}

	s, err := gatt.NewSession(gatt.Config{
		Identity:       identity,
		Profile:        prof,
		DeviceModel:    model,
		MaxWriteLength: maxWrite,
		ConnectTimeout: m.cfg.ConnectTimeout,
		Logger:         m.logger,
		TimeoutHandler: m,
	}, m.radio)
	if err != nil {
		return nil, err
	}

	e := &entry{
		manager: m,
		session: s,
		logger:  m.logger.WithField("peripheral", identity.ID),
	}
	e.observerID = s.Register(e, false)
	if m.journal != nil {
		e.journalID = s.Register(m.journal, false)
	}
	m.sessions.Set(identity.ID, e)

	e.logger.WithField("model", model).Info("Session opened")
	return s, nil
}

// Session returns the tracked session for id.
func (m *Manager) Session(id string) (*gatt.Session, bool) {
	e, ok := m.sessions.Get(id)
	if !ok {
		return nil, false
	}
	return e.session, true
}

// ReconnectPending reports whether an automatic reconnect is armed for id.
func (m *Manager) ReconnectPending(id string) bool {
	e, ok := m.sessions.Get(id)
	return ok && e.pending()
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	return m.sessions.Len()
}

func (m *Manager) lookup(id string) (*entry, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	e, ok := m.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("no session for %s", id)
	}
	return e, nil
}

// Connect starts a connection attempt and resets the reconnect backoff.
func (m *Manager) Connect(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.resetBackoff()
	e.session.Connect()
	return nil
}

// Disconnect closes the link on the user's behalf. Pending reconnects are canceled.
func (m *Manager) Disconnect(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.resetBackoff()
	e.session.Disconnect()
	return nil
}

// Reconnect connects immediately, skipping any pending backoff. An active link is
// closed first and re-established once the disconnect is confirmed.
func (m *Manager) Reconnect(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.resetBackoff()
	if e.session.ConnectionState().Phase == gatt.Disconnected {
		e.session.Connect()
		return nil
	}
	e.mu.Lock()
	e.reconnectAfter = true
	e.mu.Unlock()
	e.session.Disconnect()
	return nil
}

// Remove stops tracking id and closes its session. The session must be disconnected.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if phase := e.session.ConnectionState().Phase; phase != gatt.Disconnected {
		return fmt.Errorf("session for %s is %s, disconnect it first", id, phase)
	}
	m.release(e)
	return nil
}

// Close disconnects and closes every session. Pending reconnects are canceled.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.sessions.Range(func(_ string, e *entry) bool {
		e.resetBackoff()
		e.session.Disconnect()
		m.release(e)
		return true
	})
	m.logger.Debug("Session manager closed")
}

func (m *Manager) release(e *entry) {
	e.resetBackoff()
	e.session.Unregister(e.observerID)
	if m.journal != nil {
		e.session.Unregister(e.journalID)
	}
	e.session.Close()
	m.sessions.Del(e.session.ID())
	e.logger.Info("Session removed")
}

// ConnectionTimedOut ends an attempt that outlived the connect timeout. The session
// reports Disconnected(timeout), which does not reconnect.
func (m *Manager) ConnectionTimedOut(s *gatt.Session) {
	m.logger.WithFields(logrus.Fields{
		"peripheral": s.ID(),
		"timeout":    m.cfg.ConnectTimeout,
	}).Warn("Connection attempt timed out, canceling")
	s.DisconnectWithReason(radio.ReasonTimeout)
}

func (m *Manager) record(rec journal.Record) {
	if m.journal != nil {
		m.journal.Append(rec)
	}
}
