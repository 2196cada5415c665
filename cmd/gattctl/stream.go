package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blegatt/internal/groutine"
)

const defaultStreamCapacity = 64 * 1024

// lineStream decouples session callbacks from a slow terminal. Lines are queued in a
// ring buffer without blocking and copied to out by a background goroutine. A line
// that does not fit is dropped whole.
type lineStream struct {
	buf     *ringbuffer.RingBuffer
	out     io.Writer
	logger  *logrus.Logger
	wake    chan struct{}
	dropped atomic.Uint64

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newLineStream(ctx context.Context, out io.Writer, capacity int, logger *logrus.Logger) *lineStream {
	if capacity <= 0 {
		capacity = defaultStreamCapacity
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &lineStream{
		buf:    ringbuffer.New(capacity),
		out:    out,
		logger: logger,
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	groutine.Go(ctx, "gattctl-stream", s.drainLoop)
	return s
}

// WriteLine queues line plus a newline. It never blocks.
func (s *lineStream) WriteLine(line string) {
	data := []byte(line + "\n")
	if s.buf.Free() < len(data) {
		s.dropped.Add(1)
		s.logger.WithField("bytes", len(data)).Warn("Output buffer full, dropping line")
		return
	}
	if _, err := s.buf.Write(data); err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		s.logger.WithField("error", err).Warn("Output buffer write failed")
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Dropped returns the number of lines lost to a full buffer.
func (s *lineStream) Dropped() uint64 { return s.dropped.Load() }

// Close stops the drain goroutine after flushing every queued line.
func (s *lineStream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *lineStream) drainLoop(ctx context.Context) {
	defer close(s.done)
	chunk := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			s.flush(chunk)
			return
		case <-s.wake:
			s.flush(chunk)
		}
	}
}

func (s *lineStream) flush(chunk []byte) {
	for !s.buf.IsEmpty() {
		n, err := s.buf.TryRead(chunk)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			s.logger.WithField("error", err).Warn("Output buffer read failed")
			return
		}
		if n == 0 {
			return
		}
		if _, err := s.out.Write(chunk[:n]); err != nil {
			s.logger.WithField("error", err).Warn("Failed to write output")
			return
		}
	}
}
