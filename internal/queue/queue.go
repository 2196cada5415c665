// Package queue serializes GATT operations so that at most one request is
// outstanding on the link and every completion is matched to the request that
// caused it.
package queue

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/radio"
)

// Kind tags an operation and the completion events it accepts.
type Kind int

const (
	KindWrite Kind = iota
	KindRead
	KindSetNotify
	KindReadRSSI
	KindInitialize
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindRead:
		return "read"
	case KindSetNotify:
		return "set_notify"
	case KindReadRSSI:
		return "read_rssi"
	case KindInitialize:
		return "initialize"
	default:
		return "unknown"
	}
}

// CharacteristicScoped reports whether events of this kind must also match the characteristic.
func (k Kind) CharacteristicScoped() bool {
	return k == KindWrite || k == KindRead || k == KindSetNotify
}

// Event is a completion reported by the platform, already normalized.
type Event struct {
	Kind           Kind
	Characteristic string
	Value          []byte
	Enabled        bool
	RSSI           int
}

// Operation is one queued request.
type Operation interface {
	Kind() Kind
	// Characteristic is the normalized target identifier, empty when not characteristic-scoped.
	Characteristic() string
	// Issue sends the platform command. finished is true when the operation completes on issue.
	Issue() (finished bool, err error)
	// Handle applies a matching completion event.
	Handle(ev Event, err error) (finished bool, result error)
	// Resolve delivers the final result. The queue calls it exactly once.
	Resolve(err error)
}

// Queue is a FIFO of pending operations with a single in-flight slot.
//
// A Queue is not safe for concurrent use; the owner serializes every call.
// Callbacks run from Resolve may Push and Execute re-entrantly.
type Queue struct {
	logger    *logrus.Entry
	pending   []Operation
	inFlight  Operation
	executing bool
}

// New creates an empty queue. A nil logger disables logging.
func New(logger *logrus.Entry) *Queue {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = logrus.NewEntry(l)
	}
	return &Queue{logger: logger}
}

// Len returns the number of pending operations, excluding the in-flight one.
func (q *Queue) Len() int { return len(q.pending) }

// InFlight returns the operation awaiting completion, or nil.
func (q *Queue) InFlight() Operation { return q.inFlight }

// Push appends op without issuing it.
func (q *Queue) Push(op Operation) {
	q.pending = append(q.pending, op)
	q.logger.WithFields(logrus.Fields{
		"op":        op.Kind().String(),
		"char_uuid": op.Characteristic(),
		"pending":   len(q.pending),
	}).Debug("Operation queued")
}

// Execute issues the head of the queue if nothing is in flight.
// Operations that complete on issue are resolved immediately and the next one is issued.
// Execute is idempotent.
func (q *Queue) Execute() {
	if q.executing || q.inFlight != nil {
		return
	}
	q.executing = true
	defer func() { q.executing = false }()

	for q.inFlight == nil && len(q.pending) > 0 {
		op := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.inFlight = op

		q.logger.WithFields(logrus.Fields{
			"op":        op.Kind().String(),
			"char_uuid": op.Characteristic(),
		}).Debug("Issuing operation")

		finished, err := op.Issue()
		if !finished && err == nil {
			return
		}

		q.inFlight = nil
		if err != nil {
			q.logger.WithFields(logrus.Fields{
				"op":        op.Kind().String(),
				"char_uuid": op.Characteristic(),
				"error":     err,
			}).Warn("Operation failed on issue")
		}
		op.Resolve(err)
	}
}

// Process routes a completion event to the in-flight operation. It returns false,
// leaving the queue untouched, when nothing is in flight or the event does not match.
func (q *Queue) Process(ev Event, err error) bool {
	op := q.inFlight
	if op == nil || op.Kind() != ev.Kind ||
		(ev.Kind.CharacteristicScoped() && op.Characteristic() != ev.Characteristic) {
		fields := logrus.Fields{
			"event":     ev.Kind.String(),
			"char_uuid": ev.Characteristic,
		}
		if op != nil {
			fields["in_flight"] = op.Kind().String()
			fields["in_flight_char"] = op.Characteristic()
		}
		q.logger.WithFields(fields).Debug("Ignoring completion that does not match the in-flight operation")
		return false
	}

	finished, result := op.Handle(ev, err)
	if !finished {
		return true
	}

	q.inFlight = nil
	op.Resolve(result)
	q.Execute()
	return true
}

// ResetAfterDisconnect fails the in-flight operation and every pending one, in
// order, with radio.ErrDisconnected and leaves the queue empty.
func (q *Queue) ResetAfterDisconnect() {
	var ops []Operation
	if q.inFlight != nil {
		ops = append(ops, q.inFlight)
	}
	ops = append(ops, q.pending...)
	q.inFlight = nil
	q.pending = nil

	if len(ops) > 0 {
		q.logger.WithField("operations", len(ops)).Info("Flushing operation queue after disconnect")
	}
	for _, op := range ops {
		op.Resolve(radio.ErrDisconnected)
	}
}
