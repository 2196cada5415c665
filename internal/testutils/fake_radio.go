package testutils

import (
	"sync"

	"github.com/srg/blegatt/internal/profile"
	"github.com/srg/blegatt/internal/radio"
)

// Handle is a native handle carrying only its identifier
type Handle string

func (h Handle) UUID() string { return string(h) }

// Handles converts identifiers to native handles
func Handles(uuids ...string) []profile.Handle {
	out := make([]profile.Handle, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, Handle(u))
	}
	return out
}

// Radio method names recorded by FakeRadio
const (
	MethodConnect                 = "Connect"
	MethodCancelConnection        = "CancelConnection"
	MethodDiscoverServices        = "DiscoverServices"
	MethodDiscoverCharacteristics = "DiscoverCharacteristics"
	MethodWrite                   = "Write"
	MethodSetNotify               = "SetNotify"
	MethodRead                    = "Read"
	MethodReadRSSI                = "ReadRSSI"
)

// Call is one command received by FakeRadio
type Call struct {
	Method     string
	Peripheral string
	UUID       string // service or characteristic identifier, when applicable
	Value      []byte
	Kind       radio.WriteKind
	Enable     bool
}

// FakeRadio records commands and never produces events on its own.
// Tests drive completions by calling the attached sink directly.
type FakeRadio struct {
	mu    sync.Mutex
	calls []Call
	sinks map[string]radio.EventSink
	fail  map[string]error
}

// NewFakeRadio creates an empty recorder
func NewFakeRadio() *FakeRadio {
	return &FakeRadio{
		sinks: make(map[string]radio.EventSink),
		fail:  make(map[string]error),
	}
}

// FailOn makes method return err until cleared with a nil err
func (f *FakeRadio) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, method)
		return
	}
	f.fail[method] = err
}

// Calls returns a copy of every recorded command
func (f *FakeRadio) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsOf returns recorded commands with the given method name
func (f *FakeRadio) CallsOf(method string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Methods returns recorded method names in order
func (f *FakeRadio) Methods() []string {
	var out []string
	for _, c := range f.Calls() {
		out = append(out, c.Method)
	}
	return out
}

// ClearCalls forgets recorded commands
func (f *FakeRadio) ClearCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Sink returns the sink attached for id
func (f *FakeRadio) Sink(id string) radio.EventSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[id]
}

func (f *FakeRadio) Attach(id string, sink radio.EventSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[id] = sink
}

func (f *FakeRadio) Detach(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sinks, id)
}

func (f *FakeRadio) Connect(id string) error {
	return f.record(Call{Method: MethodConnect, Peripheral: id})
}

func (f *FakeRadio) CancelConnection(id string) error {
	return f.record(Call{Method: MethodCancelConnection, Peripheral: id})
}

func (f *FakeRadio) DiscoverServices(id string) error {
	return f.record(Call{Method: MethodDiscoverServices, Peripheral: id})
}

func (f *FakeRadio) DiscoverCharacteristics(id string, service profile.Handle) error {
	return f.record(Call{Method: MethodDiscoverCharacteristics, Peripheral: id, UUID: service.UUID()})
}

func (f *FakeRadio) Write(id string, char profile.Handle, value []byte, kind radio.WriteKind) error {
	return f.record(Call{
		Method:     MethodWrite,
		Peripheral: id,
		UUID:       char.UUID(),
		Value:      append([]byte(nil), value...),
		Kind:       kind,
	})
}

func (f *FakeRadio) SetNotify(id string, char profile.Handle, enable bool) error {
	return f.record(Call{Method: MethodSetNotify, Peripheral: id, UUID: char.UUID(), Enable: enable})
}

func (f *FakeRadio) Read(id string, char profile.Handle) error {
	return f.record(Call{Method: MethodRead, Peripheral: id, UUID: char.UUID()})
}

func (f *FakeRadio) ReadRSSI(id string) error {
	return f.record(Call{Method: MethodReadRSSI, Peripheral: id})
}

func (f *FakeRadio) record(c Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.fail[c.Method]
}

var _ radio.Radio = (*FakeRadio)(nil)
