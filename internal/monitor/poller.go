package monitor

import (
	"sync"
	"time"
)

// Poller runs a tick, waits for it to report completion, then schedules the next
// tick interval later. Stop ends the chain: a completion reported by a tick from a
// stopped run never schedules another tick.
type Poller struct {
	interval time.Duration
	tick     func(done func())

	mu      sync.Mutex
	gen     uint64
	running bool
	timer   *time.Timer
}

// NewPoller creates a stopped poller. tick must call done exactly when its work
// (successful or not) is over; extra calls are ignored.
func NewPoller(interval time.Duration, tick func(done func())) *Poller {
	return &Poller{interval: interval, tick: tick}
}

// Interval returns the delay between a completed tick and the next one.
func (p *Poller) Interval() time.Duration { return p.interval }

// Start runs the first tick on the calling goroutine. Starting a running poller is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	p.tick(p.completion(gen))
}

// Stop cancels any scheduled tick. Stop is idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.running = false
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Running reports whether the chain is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) completion(gen uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() { p.schedule(gen) })
	}
}

func (p *Poller) schedule(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || gen != p.gen {
		return
	}
	p.timer = time.AfterFunc(p.interval, func() {
		p.mu.Lock()
		if !p.running || gen != p.gen {
			p.mu.Unlock()
			return
		}
		p.timer = nil
		p.mu.Unlock()

		p.tick(p.completion(gen))
	})
}
