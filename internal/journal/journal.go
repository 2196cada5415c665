// Package journal keeps a bounded, structured history of session events for an
// external log persister. When full, the oldest records are overwritten.
package journal

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/blegatt/internal/gatt"
)

// Kind classifies a record.
type Kind string

const (
	KindConnection Kind = "connection_state"
	KindInitialize Kind = "initialize_state"
	KindRSSI       Kind = "rssi"
	KindReconnect  Kind = "reconnect"
)

// MaxSize sets an upper limit on the journal size to guard against accidental misconfiguration.
const MaxSize uint32 = 64 * 1024

// Record is one journal entry.
type Record struct {
	Time       time.Time `json:"time"`
	Peripheral string    `json:"peripheral"`
	Kind       Kind      `json:"kind"`
	State      string    `json:"state,omitempty"`
	Value      string    `json:"value,omitempty"`
	Err        string    `json:"error,omitempty"`
}

// Metrics are lock-free journal counters.
type Metrics struct {
	RecordsAppended int64
	ErrorsOccurred  int64

	// not exact: the overlapped buffer reports overwrites on a best-effort basis
	RecordsOverwritten int64
}

func (m *Metrics) incrementAppended() { atomic.AddInt64(&m.RecordsAppended, 1) }
func (m *Metrics) incrementErrors()   { atomic.AddInt64(&m.ErrorsOccurred, 1) }
func (m *Metrics) incrementOverwritten(count uint32) {
	atomic.AddInt64(&m.RecordsOverwritten, int64(count))
}

func (m *Metrics) snapshot() Metrics {
	return Metrics{
		RecordsAppended:    atomic.LoadInt64(&m.RecordsAppended),
		ErrorsOccurred:     atomic.LoadInt64(&m.ErrorsOccurred),
		RecordsOverwritten: atomic.LoadInt64(&m.RecordsOverwritten),
	}
}

// Journal implements gatt.Observer. All methods are thread-safe.
type Journal struct {
	buffer  mpmc.RichOverlappedRingBuffer[Record]
	metrics Metrics
	now     func() time.Time
}

var _ gatt.Observer = (*Journal)(nil)

// New creates a journal holding up to size records (the buffer may round size up).
func New(size uint32) (*Journal, error) {
	if size == 0 {
		return nil, fmt.Errorf("journal size must be > 0")
	}
	if size > MaxSize {
		return nil, fmt.Errorf("journal size %d exceeds maximum %d", size, MaxSize)
	}
	return &Journal{
		buffer: mpmc.NewOverlappedRingBuffer[Record](size),
		now:    time.Now,
	}, nil
}

// Cap returns the buffer capacity.
func (j *Journal) Cap() uint32 { return j.buffer.Cap() }

// Append stores rec, stamping it with the current time when Time is zero.
func (j *Journal) Append(rec Record) {
	if rec.Time.IsZero() {
		rec.Time = j.now()
	}
	overwrites, err := j.buffer.EnqueueM(rec)
	if err != nil {
		j.metrics.incrementErrors()
		return
	}
	j.metrics.incrementOverwritten(overwrites)
	j.metrics.incrementAppended()
}

// Drain removes and returns every buffered record, oldest first.
func (j *Journal) Drain() []Record {
	var out []Record
	for !j.buffer.IsEmpty() {
		rec, err := j.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, rec)
	}
	return out
}

// Flush drains the journal into w as JSON lines and returns the number written.
func (j *Journal) Flush(w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	records := j.Drain()
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return i, fmt.Errorf("failed to write journal record: %w", err)
		}
	}
	return len(records), nil
}

// GetMetrics returns a copy of the current metrics
func (j *Journal) GetMetrics() Metrics {
	return j.metrics.snapshot()
}

// ----------------------------
// gatt.Observer
// ----------------------------

func (j *Journal) ConnectionStateChanged(s *gatt.Session, state gatt.ConnectionState) {
	j.Append(Record{Peripheral: s.ID(), Kind: KindConnection, State: state.String()})
}

func (j *Journal) InitializeStateChanged(s *gatt.Session, state gatt.InitializeState) {
	rec := Record{Peripheral: s.ID(), Kind: KindInitialize, State: state.String()}
	if state == gatt.Failed {
		if err := s.InitializeError(); err != nil {
			rec.Err = err.Error()
		}
	}
	j.Append(rec)
}

func (j *Journal) RSSIUpdated(s *gatt.Session, rssi int) {
	j.Append(Record{Peripheral: s.ID(), Kind: KindRSSI, Value: strconv.Itoa(rssi)})
}
