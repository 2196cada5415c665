// Package monitor provides the timers a GATT session runs: the connection timeout
// watchdog and the periodic task used for RSSI polling.
package monitor

import (
	"sync"
	"time"
)

// DefaultConnectTimeout is used when a monitor is created with a non-positive timeout.
const DefaultConnectTimeout = 10 * time.Second

// TimeoutMonitor is a restartable one-shot watchdog.
//
// Each Start arms the watchdog; if Cancel or another Start does not happen within
// the timeout, onTimeout runs once on a timer goroutine. Cancel is idempotent and
// safe on a monitor that was never started.
type TimeoutMonitor struct {
	timeout   time.Duration
	onTimeout func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	running bool
}

// NewTimeoutMonitor creates a stopped monitor.
func NewTimeoutMonitor(timeout time.Duration, onTimeout func()) *TimeoutMonitor {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &TimeoutMonitor{timeout: timeout, onTimeout: onTimeout}
}

// Timeout returns the configured duration.
func (m *TimeoutMonitor) Timeout() time.Duration { return m.timeout }

// Start arms the watchdog, replacing any armed one.
func (m *TimeoutMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	m.gen++
	gen := m.gen
	m.running = true
	m.timer = time.AfterFunc(m.timeout, func() { m.fire(gen) })
}

// Cancel disarms the watchdog.
func (m *TimeoutMonitor) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.stopLocked()
	m.gen++
}

// Running reports whether the watchdog is armed.
func (m *TimeoutMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *TimeoutMonitor) fire(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.timer = nil
	m.mu.Unlock()

	if m.onTimeout != nil {
		m.onTimeout()
	}
}

func (m *TimeoutMonitor) stopLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.running = false
}
