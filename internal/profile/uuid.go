package profile

import (
	"fmt"
	"strings"
)

// sigBaseSuffix is the Bluetooth SIG base UUID tail (xxxxxxxx-0000-1000-8000-00805f9b34fb) without dashes.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the comparison form used across the module:
// lowercase, no dashes, no braces, no 0x prefix.
// UUIDs in Bluetooth SIG base format (0000xxxx-0000-1000-8000-00805f9b34fb) and 32-bit
// aliases of 16-bit values collapse to the 16-bit short form (xxxx).
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimSuffix(strings.TrimPrefix(s, "{"), "}")
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	switch {
	case len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix):
		return s[4:8]
	case len(s) == 8 && strings.HasPrefix(s, "0000"):
		return s[4:]
	}
	return s
}

// EqualUUID reports whether two identifiers name the same attribute.
func EqualUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// ValidateUUID returns the normalized form of uuid or an error when it is not a 16-, 32- or 128-bit hex UUID.
func ValidateUUID(uuid string) (string, error) {
	if strings.TrimSpace(uuid) == "" {
		return "", fmt.Errorf("UUID cannot be empty")
	}

	n := NormalizeUUID(uuid)
	switch len(n) {
	case 4, 8, 32:
	default:
		return "", fmt.Errorf("invalid UUID format: %s", uuid)
	}
	for _, r := range n {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("invalid UUID format: %s", uuid)
		}
	}
	return n, nil
}
