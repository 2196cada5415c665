//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/blegatt/internal/radio"
)

func newDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w: go-ble has no host device for %s", radio.ErrUnsupported, runtime.GOOS)
}
