package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blegatt/internal/profile"
	"github.com/srg/blegatt/internal/radio"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link went down before the command finished.
	ErrConnectionLost = errors.New("connection lost")

	// ErrProfileRequired is returned when no --profile was given.
	ErrProfileRequired = errors.New("a device profile is required (--profile)")
)

// FormatUserError turns library errors into short, actionable messages.
func FormatUserError(err error) string {
	var mismatch *radio.MismatchError
	var notFound *profile.NotFoundError

	switch {
	case errors.Is(err, radio.ErrBluetoothOff):
		return "Bluetooth is turned off, enable it and try again"
	case errors.As(err, &mismatch):
		where := ""
		if mismatch.Service != "" {
			where = " in service " + mismatch.Service
		}
		return fmt.Sprintf("device does not match the profile: missing %s %s%s",
			mismatch.Resource, strings.Join(mismatch.UUIDs, ", "), where)
	case errors.As(err, &notFound) && len(notFound.UUIDs) > 0:
		return fmt.Sprintf("%s %s is not declared in the profile", notFound.Resource, notFound.UUIDs[len(notFound.UUIDs)-1])
	case errors.Is(err, radio.ErrWriteNotSupported):
		return fmt.Sprintf("%v (declare write or write-without-response in the profile)", err)
	case errors.Is(err, radio.ErrUnsupported):
		return fmt.Sprintf("%v (try another --backend)", err)
	default:
		return err.Error()
	}
}
