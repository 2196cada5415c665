package tinygo

import (
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// Adapter is the host controller surface the radio drives.
type Adapter interface {
	Enable() error
	Connect(id string) (Link, error)
	// SetConnectHandler registers fn for link up/down notifications keyed by peripheral address.
	SetConnectHandler(fn func(id string, connected bool))
}

// Link is an established connection.
type Link interface {
	DiscoverServices() ([]Service, error)
	Disconnect() error
}

// Service is a discovered primary service.
type Service interface {
	UUID() string
	DiscoverCharacteristics() ([]Characteristic, error)
}

// Characteristic is a discovered characteristic.
type Characteristic interface {
	UUID() string
	Write(p []byte) (int, error)
	WriteWithoutResponse(p []byte) (int, error)
	Read(p []byte) (int, error)
	// EnableNotifications subscribes fn; a nil fn unsubscribes.
	EnableNotifications(fn func(buf []byte)) error
}

// ----------------------------
// tinygo bindings
// ----------------------------

// hostAdapter binds Adapter to tinygo.org/x/bluetooth.
type hostAdapter struct {
	adapter *bluetooth.Adapter

	once      sync.Once
	enableErr error
}

// NewHostAdapter returns the default host adapter.
func NewHostAdapter() Adapter {
	return &hostAdapter{adapter: bluetooth.DefaultAdapter}
}

func (a *hostAdapter) Enable() error {
	a.once.Do(func() {
		a.enableErr = a.adapter.Enable()
	})
	return a.enableErr
}

func (a *hostAdapter) Connect(id string) (Link, error) {
	var addr bluetooth.Address
	addr.Set(id)

	device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", id, err)
	}
	return &hostLink{device: device}, nil
}

func (a *hostAdapter) SetConnectHandler(fn func(id string, connected bool)) {
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		fn(device.Address.String(), connected)
	})
}

type hostLink struct {
	device bluetooth.Device
}

func (l *hostLink) DiscoverServices() ([]Service, error) {
	svcs, err := l.device.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}
	out := make([]Service, 0, len(svcs))
	for _, svc := range svcs {
		out = append(out, &hostService{svc: svc})
	}
	return out, nil
}

func (l *hostLink) Disconnect() error {
	return l.device.Disconnect()
}

type hostService struct {
	svc bluetooth.DeviceService
}

func (s *hostService) UUID() string { return s.svc.UUID().String() }

func (s *hostService) DiscoverCharacteristics() ([]Characteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, err
	}
	out := make([]Characteristic, 0, len(chars))
	for _, c := range chars {
		out = append(out, &hostCharacteristic{char: c})
	}
	return out, nil
}

type hostCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *hostCharacteristic) UUID() string { return c.char.UUID().String() }

func (c *hostCharacteristic) Write(p []byte) (int, error) { return c.char.Write(p) }

func (c *hostCharacteristic) WriteWithoutResponse(p []byte) (int, error) {
	return c.char.WriteWithoutResponse(p)
}

func (c *hostCharacteristic) Read(p []byte) (int, error) { return c.char.Read(p) }

func (c *hostCharacteristic) EnableNotifications(fn func(buf []byte)) error {
	return c.char.EnableNotifications(fn)
}
