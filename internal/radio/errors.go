package radio

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures delivered to operation callbacks
type ErrorKind string

const (
	KindNotConnected      ErrorKind = "not_connected"
	KindWriteNotSupported ErrorKind = "write_not_supported"
	KindProfileMismatch   ErrorKind = "profile_mismatch"
	KindDisconnected      ErrorKind = "disconnected"
	KindNotifyFailed      ErrorKind = "notify_failed"
	KindInitializeFailed  ErrorKind = "initialize_failed"
	KindWriteFailed       ErrorKind = "write_failed"
	KindReadFailed        ErrorKind = "read_failed"
)

// Error is a classified GATT failure, optionally scoped to a characteristic
// and wrapping the platform cause.
type Error struct {
	Kind           ErrorKind
	Characteristic string
	Msg            string
	Err            error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Characteristic != "" {
		fmt.Fprintf(&sb, " (characteristic %s)", e.Characteristic)
	}
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors, compared by kind
var (
	ErrNotConnected      = &Error{Kind: KindNotConnected}
	ErrWriteNotSupported = &Error{Kind: KindWriteNotSupported}
	ErrProfileMismatch   = &Error{Kind: KindProfileMismatch}
	ErrDisconnected      = &Error{Kind: KindDisconnected}
	ErrNotifyFailed      = &Error{Kind: KindNotifyFailed}
	ErrInitializeFailed  = &Error{Kind: KindInitializeFailed}
	ErrWriteFailed       = &Error{Kind: KindWriteFailed}
	ErrReadFailed        = &Error{Kind: KindReadFailed}
)

// Platform errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// Wrap classifies a platform error. A nil cause yields nil.
func Wrap(kind ErrorKind, char string, cause error) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) && e.Kind == kind {
		return cause
	}
	return &Error{Kind: kind, Characteristic: char, Err: cause}
}

// IsKind reports whether err is an Error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// ----------------------------
// Discovery failures
// ----------------------------

// MismatchError lists declared attributes the peripheral does not expose.
type MismatchError struct {
	Resource string // "service", "characteristic"
	Service  string // owning service for characteristic mismatches
	UUIDs    []string
}

func (e *MismatchError) Error() string {
	name := e.Resource
	if len(e.UUIDs) != 1 {
		name += "s"
	}
	msg := fmt.Sprintf("profile mismatch: %s %s not found", name, strings.Join(e.UUIDs, ", "))
	if e.Service != "" {
		msg += fmt.Sprintf(" in service %s", e.Service)
	}
	return msg
}

// Is matches ErrProfileMismatch
func (e *MismatchError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindProfileMismatch
}

// InitializeError aggregates the causes that made discovery fail.
type InitializeError struct {
	Causes []error
}

func (e *InitializeError) Error() string {
	if len(e.Causes) == 0 {
		return string(KindInitializeFailed)
	}
	parts := make([]string, 0, len(e.Causes))
	for _, c := range e.Causes {
		parts = append(parts, c.Error())
	}
	return fmt.Sprintf("%s: %s", KindInitializeFailed, strings.Join(parts, "; "))
}

// Is matches ErrInitializeFailed
func (e *InitializeError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindInitializeFailed
}

func (e *InitializeError) Unwrap() []error {
	return e.Causes
}
