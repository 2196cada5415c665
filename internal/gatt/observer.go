package gatt

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Observer receives session state changes. Callbacks run on the session's
// serialized context and must not block.
type Observer interface {
	ConnectionStateChanged(s *Session, state ConnectionState)
	InitializeStateChanged(s *Session, state InitializeState)
	RSSIUpdated(s *Session, rssi int)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	OnConnectionState func(s *Session, state ConnectionState)
	OnInitializeState func(s *Session, state InitializeState)
	OnRSSI            func(s *Session, rssi int)
}

func (f ObserverFuncs) ConnectionStateChanged(s *Session, state ConnectionState) {
	if f.OnConnectionState != nil {
		f.OnConnectionState(s, state)
	}
}

func (f ObserverFuncs) InitializeStateChanged(s *Session, state InitializeState) {
	if f.OnInitializeState != nil {
		f.OnInitializeState(s, state)
	}
}

func (f ObserverFuncs) RSSIUpdated(s *Session, rssi int) {
	if f.OnRSSI != nil {
		f.OnRSSI(s, rssi)
	}
}

// ObserverID identifies a registration.
type ObserverID uint64

// observerRegistry keeps observers in registration order. It does not own them.
type observerRegistry struct {
	mu      sync.Mutex
	nextID  ObserverID
	entries *orderedmap.OrderedMap[ObserverID, Observer]
}

func newObserverRegistry() *observerRegistry {
	return &observerRegistry{entries: orderedmap.New[ObserverID, Observer]()}
}

func (r *observerRegistry) add(o Observer) ObserverID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.entries.Set(r.nextID, o)
	return r.nextID
}

func (r *observerRegistry) remove(id ObserverID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries.Delete(id)
	return ok
}

func (r *observerRegistry) get(id ObserverID) (Observer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Get(id)
}

func (r *observerRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Len()
}

func (r *observerRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = orderedmap.New[ObserverID, Observer]()
}

// each calls fn for every observer registered when each started, in registration
// order, skipping observers unregistered before their turn.
func (r *observerRegistry) each(fn func(Observer)) {
	r.mu.Lock()
	ids := make([]ObserverID, 0, r.entries.Len())
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if o, ok := r.get(id); ok {
			fn(o)
		}
	}
}
