package goble

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/groutine"
	"github.com/srg/blegatt/internal/radio"
)

// peripheral owns the go-ble link of one attached peripheral.
type peripheral struct {
	id     string
	radio  *Radio
	worker *groutine.Worker
	logger *logrus.Entry

	mu         sync.Mutex
	sink       radio.EventSink
	client     Client
	dialCancel context.CancelFunc
	detached   bool
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

func (p *peripheral) currentClient() Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

func (p *peripheral) detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detached = true
	p.sink = nil
	if p.dialCancel != nil {
		p.dialCancel()
	}
}

// ----------------------------
// Link
// ----------------------------

func (p *peripheral) connect() error {
	p.mu.Lock()
	if p.client != nil || p.dialCancel != nil {
		p.mu.Unlock()
		return errors.New("connection already in progress")
	}
	ctx, cancel := context.WithCancel(p.worker.Context())
	p.dialCancel = cancel
	p.mu.Unlock()

	err := p.worker.Submit(func(context.Context) {
		p.logger.Debug("Dialing BLE device...")
		client, err := p.radio.dial(ctx, p.id)

		p.mu.Lock()
		p.dialCancel = nil
		canceled := ctx.Err() != nil
		if err == nil && !canceled && !p.detached {
			p.client = client
		}
		p.mu.Unlock()
		cancel()

		switch {
		case err != nil && canceled:
			p.logger.Debug("Dial canceled")
			p.eventSink().Disconnected(radio.ReasonByUser)
		case err != nil:
			err = NormalizeError(err)
			p.logger.WithField("error", err).Warn("Failed to dial BLE device")
			if errors.Is(err, radio.ErrBluetoothOff) {
				p.eventSink().Disconnected(radio.ReasonPoweredOff)
				return
			}
			p.eventSink().ConnectFailed(err)
		case canceled:
			// the link came up after the attempt was abandoned
			p.logger.Debug("Dial completed after cancel, closing link")
			_ = client.CancelConnection()
			p.eventSink().Disconnected(radio.ReasonByUser)
		default:
			p.logger.Info("BLE device connected")
			p.watch(client)
			p.eventSink().Connected()
		}
	})
	if err != nil {
		p.mu.Lock()
		p.dialCancel = nil
		p.mu.Unlock()
		cancel()
	}
	return err
}

// watch reports a link loss announced by the client.
func (p *peripheral) watch(client Client) {
	notifier, ok := client.(disconnectNotifier)
	if !ok {
		p.logger.Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.Go(p.worker.Context(), "goble-link-monitor-"+p.id, func(ctx context.Context) {
		select {
		case <-notifier.Disconnected():
			p.logger.Warn("go-ble reported disconnection")
			p.linkDown(client, radio.ReasonBySystem)
		case <-ctx.Done():
		}
	})
}

// linkDown reports the disconnect of client once.
func (p *peripheral) linkDown(client Client, reason radio.DisconnectReason) {
	p.mu.Lock()
	if p.client != client {
		p.mu.Unlock()
		return
	}
	p.client = nil
	p.mu.Unlock()

	p.eventSink().Disconnected(reason)
}

func (p *peripheral) cancelConnection() error {
	p.mu.Lock()
	cancel := p.dialCancel
	client := p.client
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		return nil
	}
	if client == nil {
		return radio.ErrNotConnected
	}

	// CancelConnection blocks until the link is down; it must not wait behind
	// queued operations on the worker.
	groutine.Go(context.Background(), "goble-cancel-"+p.id, func(context.Context) {
		if err := NormalizeError(client.CancelConnection()); err != nil {
			p.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		} else {
			p.logger.Info("BLE device disconnected successfully")
		}
		p.linkDown(client, radio.ReasonByUser)
	})
	return nil
}

// ----------------------------
// Operations
// ----------------------------

// submit runs job with the current client on the worker. A job whose link went
// away before it ran receives a nil client.
func (p *peripheral) submit(job func(client Client)) error {
	if p.currentClient() == nil {
		return radio.ErrNotConnected
	}
	return p.worker.Submit(func(context.Context) {
		job(p.currentClient())
	})
}

func (p *peripheral) discoverServices() error {
	return p.submit(func(client Client) {
		if client == nil {
			p.eventSink().ServicesDiscovered(nil, radio.ErrNotConnected)
			return
		}
		svcs, err := client.DiscoverServices(nil)
		p.logger.WithFields(logrus.Fields{
			"services": len(svcs),
			"error":    err,
		}).Debug("Services discovered")
		p.eventSink().ServicesDiscovered(serviceHandles(svcs), NormalizeError(err))
	})
}

func (p *peripheral) discoverCharacteristics(service serviceHandle) error {
	return p.submit(func(client Client) {
		if client == nil {
			p.eventSink().CharacteristicsDiscovered(service, nil, radio.ErrNotConnected)
			return
		}
		chars, err := client.DiscoverCharacteristics(nil, service.svc)
		if err != nil {
			p.eventSink().CharacteristicsDiscovered(service, nil, NormalizeError(err))
			return
		}

		// Subscriptions need the CCCD, which go-ble only knows after descriptor discovery.
		for _, c := range chars {
			h := characteristicHandle{char: c}
			if !h.subscribable() {
				continue
			}
			if _, err := client.DiscoverDescriptors(nil, c); err != nil {
				p.logger.WithFields(logrus.Fields{
					"char_uuid": h.UUID(),
					"error":     err,
				}).Warn("Failed to discover descriptors")
			}
		}

		p.logger.WithFields(logrus.Fields{
			"service_uuid":    service.UUID(),
			"characteristics": len(chars),
		}).Debug("Characteristics discovered")
		p.eventSink().CharacteristicsDiscovered(service, characteristicHandles(chars), nil)
	})
}

func (p *peripheral) write(char characteristicHandle, value []byte, kind radio.WriteKind) error {
	return p.submit(func(client Client) {
		var err error
		if client == nil {
			err = radio.ErrNotConnected
		} else {
			err = NormalizeError(client.WriteCharacteristic(char.char, value, kind == radio.WithoutResponse))
		}

		if kind == radio.WithoutResponse {
			if err != nil {
				p.logger.WithFields(logrus.Fields{
					"char_uuid": char.UUID(),
					"error":     err,
				}).Warn("Write without response failed")
			}
			return
		}
		p.eventSink().WriteCompleted(char.UUID(), err)
	})
}

func (p *peripheral) setNotify(char characteristicHandle, enable bool) error {
	return p.submit(func(client Client) {
		if client == nil {
			p.eventSink().NotifyStateChanged(char.UUID(), false, radio.ErrNotConnected)
			return
		}

		uuid := char.UUID()
		var err error
		if enable {
			err = client.Subscribe(char.char, char.indicates(), func(data []byte) {
				p.eventSink().ValueUpdated(uuid, data, nil)
			})
		} else {
			err = client.Unsubscribe(char.char, char.indicates())
		}
		err = NormalizeError(err)

		p.logger.WithFields(logrus.Fields{
			"char_uuid": uuid,
			"enable":    enable,
			"error":     err,
		}).Debug("Notification state changed")
		p.eventSink().NotifyStateChanged(uuid, enable && err == nil, err)
	})
}

func (p *peripheral) read(char characteristicHandle) error {
	return p.submit(func(client Client) {
		if client == nil {
			p.eventSink().ValueUpdated(char.UUID(), nil, radio.ErrNotConnected)
			return
		}
		data, err := client.ReadCharacteristic(char.char)
		p.eventSink().ValueUpdated(char.UUID(), data, NormalizeError(err))
	})
}

func (p *peripheral) readRSSI() error {
	return p.submit(func(client Client) {
		if client == nil {
			p.eventSink().RSSIRead(0, radio.ErrNotConnected)
			return
		}
		p.eventSink().RSSIRead(client.ReadRSSI(), nil)
	})
}
