package groutine

import (
	"context"
	"fmt"
	"sync"
)

// ----------------------------
// Serial executor
// ----------------------------

// Serial runs submitted functions one at a time, in submission order.
//
// The first caller to find the executor idle drains the backlog on its own
// goroutine; a function submitted while another one runs (including from inside
// that function) is queued and executed right after it. Do never blocks waiting
// for another goroutine's function to finish.
type Serial struct {
	mu      sync.Mutex
	pending []func()
	running bool

	// OnPanic receives values recovered from submitted functions. Nil re-panics.
	OnPanic func(recovered any)
}

// Do submits fn for serialized execution.
func (s *Serial) Do(fn func()) {
	if fn == nil {
		return
	}

	s.mu.Lock()
	s.pending = append(s.pending, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true

	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.run(next)

		s.mu.Lock()
	}
	s.running = false
	s.pending = nil
	s.mu.Unlock()
}

// Busy reports whether a function is executing right now.
func (s *Serial) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Serial) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if s.OnPanic == nil {
				// keep the executor usable for the next caller before unwinding
				s.mu.Lock()
				s.running = false
				s.mu.Unlock()
				panic(r)
			}
			s.OnPanic(r)
		}
	}()
	fn()
}

// ----------------------------
// FIFO worker
// ----------------------------

// Worker executes jobs on a single dedicated goroutine in submission order.
// Submit never blocks; the backlog is unbounded.
type Worker struct {
	name string

	mu     sync.Mutex
	jobs   []func(ctx context.Context)
	closed bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker starts a named worker goroutine bound to parent.
func NewWorker(parent context.Context, name string) *Worker {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	w := &Worker{
		name:   name,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	Go(ctx, name, w.loop)
	return w
}

// Submit enqueues job. It returns an error once the worker has been stopped.
func (w *Worker) Submit(job func(ctx context.Context)) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("worker %q is stopped", w.name)
	}
	w.jobs = append(w.jobs, job)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop cancels the worker context and waits for the running job to return.
// Jobs that have not started are dropped. Stop must not be called from a job.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	w.jobs = nil
	w.mu.Unlock()

	w.cancel()
	<-w.done
}

// Context is canceled when the worker stops.
func (w *Worker) Context() context.Context {
	return w.ctx
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}

		for {
			w.mu.Lock()
			if len(w.jobs) == 0 || w.closed {
				w.mu.Unlock()
				break
			}
			job := w.jobs[0]
			w.jobs[0] = nil
			w.jobs = w.jobs[1:]
			w.mu.Unlock()

			job(ctx)
		}
	}
}
