package queue

import (
	"github.com/srg/blegatt/internal/profile"
	"github.com/srg/blegatt/internal/radio"
)

// Target is the radio and peripheral an operation is issued against.
type Target struct {
	Radio      radio.Radio
	Peripheral string
}

type base struct {
	kind     Kind
	char     string
	resolved bool
}

func (b *base) Kind() Kind             { return b.kind }
func (b *base) Characteristic() string { return b.char }

// settle reports whether this is the first resolution.
func (b *base) settle() bool {
	if b.resolved {
		return false
	}
	b.resolved = true
	return true
}

// ----------------------------
// Write
// ----------------------------

// WriteOp writes a value, split into chunks of at most the maximum write length.
// Acknowledged writes wait for each chunk's completion before sending the next;
// unacknowledged writes send every chunk on issue and resolve immediately.
type WriteOp struct {
	base
	target Target
	handle profile.Handle
	kind   radio.WriteKind
	chunks [][]byte
	next   int
	cb     func(error)
}

// NewWrite creates a write. maxLen <= 0 disables chunking.
func NewWrite(t Target, char string, handle profile.Handle, data []byte, kind radio.WriteKind, maxLen int, cb func(error)) *WriteOp {
	return &WriteOp{
		base:   base{kind: KindWrite, char: profile.NormalizeUUID(char)},
		target: t,
		handle: handle,
		kind:   kind,
		chunks: Chunk(data, maxLen),
		cb:     cb,
	}
}

// Chunks returns the number of radio writes this operation performs.
func (o *WriteOp) Chunks() int { return len(o.chunks) }

func (o *WriteOp) Issue() (bool, error) {
	if o.kind == radio.WithoutResponse {
		for _, chunk := range o.chunks {
			if err := o.target.Radio.Write(o.target.Peripheral, o.handle, chunk, o.kind); err != nil {
				return true, radio.Wrap(radio.KindWriteFailed, o.char, err)
			}
		}
		return true, nil
	}
	return o.issueNext()
}

func (o *WriteOp) Handle(_ Event, err error) (bool, error) {
	if err != nil {
		return true, radio.Wrap(radio.KindWriteFailed, o.char, err)
	}
	if o.next >= len(o.chunks) {
		return true, nil
	}
	return o.issueNext()
}

func (o *WriteOp) issueNext() (bool, error) {
	chunk := o.chunks[o.next]
	o.next++
	if err := o.target.Radio.Write(o.target.Peripheral, o.handle, chunk, o.kind); err != nil {
		return true, radio.Wrap(radio.KindWriteFailed, o.char, err)
	}
	return false, nil
}

func (o *WriteOp) Resolve(err error) {
	if !o.settle() {
		return
	}
	if o.cb != nil {
		o.cb(err)
	}
}

// Chunk splits data into consecutive slices of at most maxLen bytes.
// An empty value is a single empty chunk.
func Chunk(data []byte, maxLen int) [][]byte {
	if maxLen <= 0 || len(data) <= maxLen {
		return [][]byte{data}
	}
	chunks := make([][]byte, 0, (len(data)+maxLen-1)/maxLen)
	for start := 0; start < len(data); start += maxLen {
		end := start + maxLen
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// ----------------------------
// Read
// ----------------------------

// ReadOp reads a characteristic value.
type ReadOp struct {
	base
	target Target
	handle profile.Handle
	value  []byte
	cb     func([]byte, error)
}

func NewRead(t Target, char string, handle profile.Handle, cb func([]byte, error)) *ReadOp {
	return &ReadOp{
		base:   base{kind: KindRead, char: profile.NormalizeUUID(char)},
		target: t,
		handle: handle,
		cb:     cb,
	}
}

func (o *ReadOp) Issue() (bool, error) {
	if err := o.target.Radio.Read(o.target.Peripheral, o.handle); err != nil {
		return true, radio.Wrap(radio.KindReadFailed, o.char, err)
	}
	return false, nil
}

func (o *ReadOp) Handle(ev Event, err error) (bool, error) {
	if err != nil {
		return true, radio.Wrap(radio.KindReadFailed, o.char, err)
	}
	o.value = append([]byte(nil), ev.Value...)
	return true, nil
}

func (o *ReadOp) Resolve(err error) {
	if !o.settle() {
		return
	}
	if o.cb == nil {
		return
	}
	if err != nil {
		o.cb(nil, err)
		return
	}
	o.cb(o.value, nil)
}

// ----------------------------
// SetNotify
// ----------------------------

// SetNotifyOp enables or disables notifications on a characteristic.
type SetNotifyOp struct {
	base
	target  Target
	handle  profile.Handle
	enable  bool
	enabled bool
	cb      func(enabled bool, err error)
}

func NewSetNotify(t Target, char string, handle profile.Handle, enable bool, cb func(bool, error)) *SetNotifyOp {
	return &SetNotifyOp{
		base:   base{kind: KindSetNotify, char: profile.NormalizeUUID(char)},
		target: t,
		handle: handle,
		enable: enable,
		cb:     cb,
	}
}

// Enable is the requested notification state.
func (o *SetNotifyOp) Enable() bool { return o.enable }

func (o *SetNotifyOp) Issue() (bool, error) {
	if err := o.target.Radio.SetNotify(o.target.Peripheral, o.handle, o.enable); err != nil {
		return true, radio.Wrap(radio.KindNotifyFailed, o.char, err)
	}
	return false, nil
}

func (o *SetNotifyOp) Handle(ev Event, err error) (bool, error) {
	if err != nil {
		return true, radio.Wrap(radio.KindNotifyFailed, o.char, err)
	}
	o.enabled = ev.Enabled
	return true, nil
}

func (o *SetNotifyOp) Resolve(err error) {
	if !o.settle() {
		return
	}
	if o.cb != nil {
		o.cb(err == nil && o.enabled, err)
	}
}

// ----------------------------
// ReadRSSI
// ----------------------------

// ReadRSSIOp reads the link signal strength once.
type ReadRSSIOp struct {
	base
	target Target
	rssi   int
	cb     func(int, error)
}

func NewReadRSSI(t Target, cb func(int, error)) *ReadRSSIOp {
	return &ReadRSSIOp{base: base{kind: KindReadRSSI}, target: t, cb: cb}
}

func (o *ReadRSSIOp) Issue() (bool, error) {
	if err := o.target.Radio.ReadRSSI(o.target.Peripheral); err != nil {
		return true, radio.Wrap(radio.KindReadFailed, "", err)
	}
	return false, nil
}

func (o *ReadRSSIOp) Handle(ev Event, err error) (bool, error) {
	if err != nil {
		return true, radio.Wrap(radio.KindReadFailed, "", err)
	}
	o.rssi = ev.RSSI
	return true, nil
}

func (o *ReadRSSIOp) Resolve(err error) {
	if !o.settle() {
		return
	}
	if o.cb != nil {
		o.cb(o.rssi, err)
	}
}

// ----------------------------
// Initialize
// ----------------------------

// InitializeOp starts service discovery. The session drives the rest of discovery
// and completes the operation with a KindInitialize event.
type InitializeOp struct {
	base
	target Target
	cb     func(error)
}

func NewInitialize(t Target, cb func(error)) *InitializeOp {
	return &InitializeOp{base: base{kind: KindInitialize}, target: t, cb: cb}
}

func (o *InitializeOp) Issue() (bool, error) {
	if err := o.target.Radio.DiscoverServices(o.target.Peripheral); err != nil {
		return true, &radio.InitializeError{Causes: []error{err}}
	}
	return false, nil
}

func (o *InitializeOp) Handle(_ Event, err error) (bool, error) {
	return true, err
}

func (o *InitializeOp) Resolve(err error) {
	if !o.settle() {
		return
	}
	if o.cb != nil {
		o.cb(err)
	}
}
