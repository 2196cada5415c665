// Package goble implements radio.Radio on top of github.com/go-ble/ble.
//
// Every blocking go-ble call for a peripheral runs on that peripheral's worker
// goroutine in submission order; results are reported back through the attached
// radio.EventSink.
package goble

import (
	"context"
	"fmt"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/groutine"
	"github.com/srg/blegatt/internal/profile"
	"github.com/srg/blegatt/internal/radio"
)

// Client is the subset of ble.Client the adapter drives.
type Client interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ReadRSSI() int
	CancelConnection() error
}

// disconnectNotifier is implemented by clients that announce link loss.
type disconnectNotifier interface {
	Disconnected() <-chan struct{}
}

// Dialer opens a link to the peripheral at address. It must return when ctx is canceled.
type Dialer func(ctx context.Context, address string) (Client, error)

// DefaultDialer dials through the process-wide go-ble host device.
func DefaultDialer(ctx context.Context, address string) (Client, error) {
	if err := ensureDefaultDevice(); err != nil {
		return nil, err
	}
	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Option configures a Radio.
type Option func(*Radio)

// WithDialer replaces the dialer, typically with a fake in tests.
func WithDialer(d Dialer) Option {
	return func(r *Radio) { r.dial = d }
}

// WithLogger sets the logger used by the adapter.
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Radio) { r.logger = logger }
}

// Radio drives go-ble links for any number of peripherals.
type Radio struct {
	logger      *logrus.Logger
	dial        Dialer
	ctx         context.Context
	cancel      context.CancelFunc
	peripherals *hashmap.Map[string, *peripheral]
}

var _ radio.Radio = (*Radio)(nil)

// New creates a go-ble radio.
func New(opts ...Option) *Radio {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Radio{
		dial:        DefaultDialer,
		ctx:         ctx,
		cancel:      cancel,
		peripherals: hashmap.New[string, *peripheral](),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logrus.New()
	}
	return r
}

// Close stops every peripheral worker. Links are not canceled.
func (r *Radio) Close() {
	r.cancel()
	r.peripherals.Range(func(id string, p *peripheral) bool {
		p.worker.Stop()
		r.peripherals.Del(id)
		return true
	})
}

func (r *Radio) Attach(id string, sink radio.EventSink) {
	if p, ok := r.peripherals.Get(id); ok {
		p.mu.Lock()
		p.sink = sink
		p.mu.Unlock()
		return
	}

	p := &peripheral{
		id:     id,
		radio:  r,
		sink:   sink,
		worker: groutine.NewWorker(r.ctx, "goble-worker-"+id),
		logger: r.logger.WithField("peripheral", id),
	}
	if _, loaded := r.peripherals.GetOrInsert(id, p); loaded {
		p.worker.Stop()
		r.Attach(id, sink)
		return
	}
	p.logger.Debug("Peripheral attached")
}

// Detach forgets id. A pending dial is canceled; an established link is left to
// the caller to disconnect first.
func (r *Radio) Detach(id string) {
	p, ok := r.peripherals.Get(id)
	if !ok {
		return
	}
	r.peripherals.Del(id)
	p.detach()

	// Detach may run on the worker itself through a sink callback, so the worker
	// is stopped from a separate goroutine.
	groutine.Go(context.Background(), "goble-detach-"+id, func(context.Context) {
		p.worker.Stop()
	})
}

func (r *Radio) lookup(id string) (*peripheral, error) {
	p, ok := r.peripherals.Get(id)
	if !ok {
		return nil, fmt.Errorf("peripheral %s is not attached", id)
	}
	return p, nil
}

func (r *Radio) Connect(id string) error {
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	return p.connect()
}

func (r *Radio) CancelConnection(id string) error {
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	return p.cancelConnection()
}

func (r *Radio) DiscoverServices(id string) error {
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	return p.discoverServices()
}

func (r *Radio) DiscoverCharacteristics(id string, service profile.Handle) error {
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	h, ok := service.(serviceHandle)
	if !ok {
		return fmt.Errorf("service %s was not discovered by go-ble", service.UUID())
	}
	return p.discoverCharacteristics(h)
}

func (r *Radio) Write(id string, char profile.Handle, value []byte, kind radio.WriteKind) error {
	p, h, err := r.characteristic(id, char)
	if err != nil {
		return err
	}
	return p.write(h, append([]byte(nil), value...), kind)
}

func (r *Radio) SetNotify(id string, char profile.Handle, enable bool) error {
	p, h, err := r.characteristic(id, char)
	if err != nil {
		return err
	}
	return p.setNotify(h, enable)
}

func (r *Radio) Read(id string, char profile.Handle) error {
	p, h, err := r.characteristic(id, char)
	if err != nil {
		return err
	}
	return p.read(h)
}

func (r *Radio) ReadRSSI(id string) error {
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	return p.readRSSI()
}

func (r *Radio) characteristic(id string, char profile.Handle) (*peripheral, characteristicHandle, error) {
	p, err := r.lookup(id)
	if err != nil {
		return nil, characteristicHandle{}, err
	}
	h, ok := char.(characteristicHandle)
	if !ok {
		return nil, characteristicHandle{}, fmt.Errorf("characteristic %s was not discovered by go-ble", char.UUID())
	}
	return p, h, nil
}
