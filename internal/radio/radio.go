// Package radio defines the contract between a GATT session and the platform BLE stack.
//
// The session issues commands through Radio; the platform reports completions and
// unsolicited events through EventSink. Commands only return synchronous submission
// errors, every result arrives later as an event.
package radio

import (
	"github.com/srg/blegatt/internal/profile"
)

// ----------------------------
// Disconnect reasons
// ----------------------------

// DisconnectReason records why a link went down.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonByUser
	ReasonBySystem
	ReasonPoweredOff
	ReasonUnpair
	ReasonTimeout
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonByUser:
		return "by_user"
	case ReasonBySystem:
		return "by_system"
	case ReasonPoweredOff:
		return "powered_off"
	case ReasonUnpair:
		return "unpair"
	case ReasonTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// WriteKind selects acknowledged or unacknowledged writes.
type WriteKind int

const (
	WithResponse WriteKind = iota
	WithoutResponse
)

func (k WriteKind) String() string {
	if k == WithoutResponse {
		return "without_response"
	}
	return "with_response"
}

// ----------------------------
// Contract
// ----------------------------

// Radio issues commands for the peripheral identified by id.
type Radio interface {
	// Attach routes events for id to sink. Attaching again replaces the sink.
	Attach(id string, sink EventSink)
	// Detach stops routing events for id and releases per-peripheral resources.
	Detach(id string)

	Connect(id string) error
	CancelConnection(id string) error
	DiscoverServices(id string) error
	DiscoverCharacteristics(id string, service profile.Handle) error
	Write(id string, char profile.Handle, value []byte, kind WriteKind) error
	SetNotify(id string, char profile.Handle, enable bool) error
	Read(id string, char profile.Handle) error
	ReadRSSI(id string) error
}

// EventSink receives platform events for one peripheral.
// Characteristic identifiers are native UUID strings; receivers normalize them.
type EventSink interface {
	Connected()
	ConnectFailed(err error)
	Disconnected(reason DisconnectReason)
	ServicesDiscovered(services []profile.Handle, err error)
	CharacteristicsDiscovered(service profile.Handle, chars []profile.Handle, err error)
	WriteCompleted(char string, err error)
	NotifyStateChanged(char string, enabled bool, err error)
	ValueUpdated(char string, value []byte, err error)
	RSSIRead(rssi int, err error)
}

// Discard is an EventSink that drops every event. Adapters route events to it once a
// peripheral is detached.
var Discard EventSink = discardSink{}

type discardSink struct{}

func (discardSink) Connected()                                                        {}
func (discardSink) ConnectFailed(error)                                               {}
func (discardSink) Disconnected(DisconnectReason)                                     {}
func (discardSink) ServicesDiscovered([]profile.Handle, error)                        {}
func (discardSink) CharacteristicsDiscovered(profile.Handle, []profile.Handle, error) {}
func (discardSink) WriteCompleted(string, error)                                      {}
func (discardSink) NotifyStateChanged(string, bool, error)                            {}
func (discardSink) ValueUpdated(string, []byte, error)                                {}
func (discardSink) RSSIRead(int, error)                                               {}
