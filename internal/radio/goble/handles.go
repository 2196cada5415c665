package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blegatt/internal/profile"
)

// serviceHandle exposes a discovered go-ble service to the session.
type serviceHandle struct {
	svc *ble.Service
}

func (h serviceHandle) UUID() string { return profile.NormalizeUUID(h.svc.UUID.String()) }

// characteristicHandle exposes a discovered go-ble characteristic to the session.
type characteristicHandle struct {
	char *ble.Characteristic
}

func (h characteristicHandle) UUID() string { return profile.NormalizeUUID(h.char.UUID.String()) }

// indicates reports whether subscriptions must use indications: the characteristic
// supports indicate but not notify.
func (h characteristicHandle) indicates() bool {
	return h.char.Property&ble.CharNotify == 0 && h.char.Property&ble.CharIndicate != 0
}

func (h characteristicHandle) subscribable() bool {
	return h.char.Property&(ble.CharNotify|ble.CharIndicate) != 0
}

func serviceHandles(svcs []*ble.Service) []profile.Handle {
	out := make([]profile.Handle, 0, len(svcs))
	for _, svc := range svcs {
		out = append(out, serviceHandle{svc: svc})
	}
	return out
}

func characteristicHandles(chars []*ble.Characteristic) []profile.Handle {
	out := make([]profile.Handle, 0, len(chars))
	for _, c := range chars {
		out = append(out, characteristicHandle{char: c})
	}
	return out
}
