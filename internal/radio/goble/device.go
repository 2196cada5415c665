package goble

import (
	"sync"

	"github.com/go-ble/ble"
)

// DeviceFactory creates the host ble.Device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = newDevice

var (
	defaultDeviceOnce sync.Once
	defaultDeviceErr  error
)

// ensureDefaultDevice installs the host device for ble.Dial once per process.
func ensureDefaultDevice() error {
	defaultDeviceOnce.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			defaultDeviceErr = NormalizeError(err)
			return
		}
		ble.SetDefaultDevice(dev)
	})
	return defaultDeviceErr
}
