package gatt

import (
	"fmt"

	"github.com/srg/blegatt/internal/radio"
)

// Phase is the link phase of a session.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Disconnecting
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// ConnectionState is the link phase plus, for Disconnected, why the link went down.
type ConnectionState struct {
	Phase  Phase
	Reason radio.DisconnectReason
}

// DisconnectedState builds a Disconnected state with the given reason.
func DisconnectedState(reason radio.DisconnectReason) ConnectionState {
	return ConnectionState{Phase: Disconnected, Reason: reason}
}

// Equal compares phases only. Two Disconnected states with different reasons are equal.
func (s ConnectionState) Equal(other ConnectionState) bool {
	return s.Phase == other.Phase
}

func (s ConnectionState) String() string {
	if s.Phase == Disconnected {
		return fmt.Sprintf("%s(%s)", s.Phase, s.Reason)
	}
	return s.Phase.String()
}

// InitializeState tracks service and characteristic discovery.
type InitializeState int

const (
	NotStarted InitializeState = iota
	Initializing
	Initialized
	Failed
)

func (s InitializeState) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Initializing:
		return "initializing"
	case Initialized:
		return "initialized"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// AutoReconnectFor reports whether a link lost for reason should be re-established automatically.
// Only drops the user did not ask for (system and radio power loss) qualify.
func AutoReconnectFor(reason radio.DisconnectReason) bool {
	switch reason {
	case radio.ReasonBySystem, radio.ReasonPoweredOff:
		return true
	default:
		return false
	}
}
