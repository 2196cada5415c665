package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/srg/blegatt/internal/gatt"
)

var (
	colorGood    = color.New(color.FgGreen)
	colorPending = color.New(color.FgYellow)
	colorBad     = color.New(color.FgRed)
	colorMuted   = color.New(color.FgCyan)
)

// formatConnectionState renders a connection state, coloured by phase.
func formatConnectionState(state gatt.ConnectionState) string {
	switch state.Phase {
	case gatt.Connected:
		return colorGood.Sprint(state.String())
	case gatt.Connecting, gatt.Disconnecting:
		return colorPending.Sprint(state.String())
	default:
		return colorBad.Sprint(state.String())
	}
}

// formatInitializeState renders an initialize state, coloured by outcome.
func formatInitializeState(state gatt.InitializeState) string {
	switch state {
	case gatt.Initialized:
		return colorGood.Sprint(state.String())
	case gatt.Initializing:
		return colorPending.Sprint(state.String())
	case gatt.Failed:
		return colorBad.Sprint(state.String())
	default:
		return colorMuted.Sprint(state.String())
	}
}

// formatEvent prefixes msg with a timestamp.
func formatEvent(at time.Time, msg string) string {
	return fmt.Sprintf("%s %s", colorMuted.Sprint(at.Format("15:04:05.000")), msg)
}

// formatValue renders data as hex, or as a quoted string when text is set.
func formatValue(data []byte, text bool) string {
	if text {
		return fmt.Sprintf("%q", data)
	}
	return hex.EncodeToString(data)
}

// parseData converts input to bytes: hex (spaces, ':' '-' separators and 0x allowed)
// when asHex is set, raw bytes otherwise.
func parseData(input string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(input), nil
	}
	// Remove spaces and common separators
	cleaned := strings.ReplaceAll(input, " ", "")
	cleaned = strings.ReplaceAll(cleaned, ":", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.ReplaceAll(cleaned, "0x", "")

	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}
