// Package tinygo implements radio.Radio on top of tinygo.org/x/bluetooth.
package tinygo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/groutine"
	"github.com/srg/blegatt/internal/profile"
	"github.com/srg/blegatt/internal/radio"
)

// maxReadLength bounds a single characteristic read (the largest ATT attribute value).
const maxReadLength = 512

type serviceHandle struct{ svc Service }

func (h serviceHandle) UUID() string { return profile.NormalizeUUID(h.svc.UUID()) }

type characteristicHandle struct{ char Characteristic }

func (h characteristicHandle) UUID() string { return profile.NormalizeUUID(h.char.UUID()) }

// Radio drives tinygo bluetooth links.
type Radio struct {
	adapter     Adapter
	logger      *logrus.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	peripherals *hashmap.Map[string, *peripheral]
}

var _ radio.Radio = (*Radio)(nil)

// New creates a radio over adapter; a nil adapter uses the host default.
func New(adapter Adapter, logger *logrus.Logger) *Radio {
	if adapter == nil {
		adapter = NewHostAdapter()
	}
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Radio{
		adapter:     adapter,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		peripherals: hashmap.New[string, *peripheral](),
	}
	adapter.SetConnectHandler(r.linkChanged)
	return r
}

// Close stops every peripheral worker.
func (r *Radio) Close() {
	r.cancel()
	r.peripherals.Range(func(id string, p *peripheral) bool {
		p.worker.Stop()
		r.peripherals.Del(id)
		return true
	})
}

// linkChanged handles adapter level link notifications. Only link loss is acted on;
// link up is reported when Connect returns.
func (r *Radio) linkChanged(address string, connected bool) {
	if connected {
		return
	}
	r.peripherals.Range(func(id string, p *peripheral) bool {
		if strings.EqualFold(id, address) {
			p.logger.Warn("Adapter reported disconnection")
			p.linkDown(p.currentLink(), radio.ReasonBySystem)
			return false
		}
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
		worker: groutine.NewWorker(r.ctx, "tinygo-worker-"+id),
		logger: r.logger.WithField("peripheral", id),
	}
	if _, loaded := r.peripherals.GetOrInsert(id, p); loaded {
		p.worker.Stop()
		r.Attach(id, sink)
	}
}

func (r *Radio) Detach(id string) {
	p, ok := r.peripherals.Get(id)
	if !ok {
		return
	}
	r.peripherals.Del(id)
	p.mu.Lock()
	p.detached = true
	p.sink = nil
	p.mu.Unlock()
	groutine.Go(context.Background(), "tinygo-detach-"+id, func(context.Context) {
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
	return p.submit(func(link Link) {
		svcs, err := link.DiscoverServices()
		handles := make([]profile.Handle, 0, len(svcs))
		for _, svc := range svcs {
			handles = append(handles, serviceHandle{svc: svc})
		}
		p.eventSink().ServicesDiscovered(handles, err)
	}, func(err error) { p.eventSink().ServicesDiscovered(nil, err) })
}

func (r *Radio) DiscoverCharacteristics(id string, service profile.Handle) error {
	p, err := r.lookup(id)
	if err != nil {
		return err
	}
	h, ok := service.(serviceHandle)
	if !ok {
		return fmt.Errorf("service %s was not discovered by tinygo", service.UUID())
	}
	return p.submit(func(Link) {
		chars, err := h.svc.DiscoverCharacteristics()
		handles := make([]profile.Handle, 0, len(chars))
		for _, c := range chars {
			handles = append(handles, characteristicHandle{char: c})
		}
		p.eventSink().CharacteristicsDiscovered(service, handles, err)
	}, func(err error) { p.eventSink().CharacteristicsDiscovered(service, nil, err) })
}

func (r *Radio) Write(id string, char profile.Handle, value []byte, kind radio.WriteKind) error {
	p, h, err := r.characteristic(id, char)
	if err != nil {
		return err
	}
	data := append([]byte(nil), value...)
	if kind == radio.WithoutResponse {
		return p.submit(func(Link) {
			if _, err := h.char.WriteWithoutResponse(data); err != nil {
				p.logger.WithFields(logrus.Fields{
					"char_uuid": h.UUID(),
					"error":     err,
				}).Warn("Write without response failed")
			}
		}, func(error) {})
	}
	return p.submit(func(Link) {
		_, err := h.char.Write(data)
		p.eventSink().WriteCompleted(h.UUID(), err)
	}, func(err error) { p.eventSink().WriteCompleted(h.UUID(), err) })
}

func (r *Radio) SetNotify(id string, char profile.Handle, enable bool) error {
	p, h, err := r.characteristic(id, char)
	if err != nil {
		return err
	}
	uuid := h.UUID()
	return p.submit(func(Link) {
		var fn func([]byte)
		if enable {
			fn = func(buf []byte) { p.eventSink().ValueUpdated(uuid, buf, nil) }
		}
		err := h.char.EnableNotifications(fn)
		p.eventSink().NotifyStateChanged(uuid, enable && err == nil, err)
	}, func(err error) { p.eventSink().NotifyStateChanged(uuid, false, err) })
}

func (r *Radio) Read(id string, char profile.Handle) error {
	p, h, err := r.characteristic(id, char)
	if err != nil {
		return err
	}
	return p.submit(func(Link) {
		buf := make([]byte, maxReadLength)
		n, err := h.char.Read(buf)
		if err != nil {
			p.eventSink().ValueUpdated(h.UUID(), nil, err)
			return
		}
		p.eventSink().ValueUpdated(h.UUID(), buf[:n], nil)
	}, func(err error) { p.eventSink().ValueUpdated(h.UUID(), nil, err) })
}

// ReadRSSI is not available for connected peripherals in tinygo bluetooth.
func (r *Radio) ReadRSSI(id string) error {
	if _, err := r.lookup(id); err != nil {
		return err
	}
	return fmt.Errorf("%w: tinygo cannot read the RSSI of a connected peripheral", radio.ErrUnsupported)
}

func (r *Radio) characteristic(id string, char profile.Handle) (*peripheral, characteristicHandle, error) {
	p, err := r.lookup(id)
	if err != nil {
		return nil, characteristicHandle{}, err
	}
	h, ok := char.(characteristicHandle)
	if !ok {
		return nil, characteristicHandle{}, fmt.Errorf("characteristic %s was not discovered by tinygo", char.UUID())
	}
	return p, h, nil
}

// ----------------------------
// Peripheral
// ----------------------------

type peripheral struct {
	id     string
	radio  *Radio
	worker *groutine.Worker
	logger *logrus.Entry

	mu       sync.Mutex
	sink     radio.EventSink
	link     Link
	dialing  bool
	attempt  uint64
	detached bool
}

// eventSink returns the attached sink, or radio.Discard once detached.
func (p *peripheral) eventSink() radio.EventSink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached || p.sink == nil {
		return radio.Discard
	}
	return p.sink
}

func (p *peripheral) currentLink() Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

// connect dials on the worker. tinygo cannot abort a pending connect, so a canceled
// attempt is abandoned and its link closed when the dial eventually completes.
func (p *peripheral) connect() error {
	p.mu.Lock()
	if p.link != nil || p.dialing {
		p.mu.Unlock()
		return fmt.Errorf("connection already in progress")
	}
	p.dialing = true
	p.attempt++
	attempt := p.attempt
	p.mu.Unlock()

	return p.worker.Submit(func(context.Context) {
		err := p.radio.adapter.Enable()
		var link Link
		if err == nil {
			link, err = p.radio.adapter.Connect(p.id)
		}

		p.mu.Lock()
		current := attempt == p.attempt && !p.detached
		if current {
			p.dialing = false
			if err == nil {
				p.link = link
			}
		}
		p.mu.Unlock()

		switch {
		case !current:
			if err == nil {
				p.logger.Debug("Dial completed after cancel, closing link")
				_ = link.Disconnect()
			}
		case err != nil:
			p.logger.WithField("error", err).Warn("Failed to connect")
			p.eventSink().ConnectFailed(err)
		default:
			p.logger.Info("BLE device connected")
			p.eventSink().Connected()
		}
	})
}

func (p *peripheral) cancelConnection() error {
	p.mu.Lock()
	if p.dialing {
		p.dialing = false
		p.attempt++
		p.mu.Unlock()
		p.eventSink().Disconnected(radio.ReasonByUser)
		return nil
	}
	link := p.link
	p.mu.Unlock()

	if link == nil {
		return radio.ErrNotConnected
	}
	groutine.Go(context.Background(), "tinygo-cancel-"+p.id, func(context.Context) {
		if err := link.Disconnect(); err != nil {
			p.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		}
		p.linkDown(link, radio.ReasonByUser)
	})
	return nil
}

func (p *peripheral) linkDown(link Link, reason radio.DisconnectReason) {
	p.mu.Lock()
	if link == nil || p.link != link {
		p.mu.Unlock()
		return
	}
	p.link = nil
	p.mu.Unlock()

	p.eventSink().Disconnected(reason)
}

// submit runs job on the worker while the link is up; fail receives ErrNotConnected
// when the link went away before the job ran.
func (p *peripheral) submit(job func(Link), fail func(error)) error {
	if p.currentLink() == nil {
		return radio.ErrNotConnected
	}
	return p.worker.Submit(func(context.Context) {
		link := p.currentLink()
		if link == nil {
			fail(radio.ErrNotConnected)
			return
		}
		job(link)
	})
}
