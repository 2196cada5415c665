package profile

import (
	"fmt"
	"strings"
)

// Handle is a platform resolved service or characteristic reference.
// It is opaque to the session; only its identifier is inspected for matching.
type Handle interface {
	UUID() string
}

// Declaration binds a characteristic to its service and declared capabilities.
type Declaration struct {
	Service        string     `yaml:"service"`
	Characteristic string     `yaml:"characteristic"`
	Capabilities   Capability `yaml:"capabilities"`
}

// ----------------------------
// Declared attributes
// ----------------------------

// Service is a declared service and its resolved handle, if any.
type Service struct {
	uuid            string
	handle          Handle
	characteristics []*Characteristic
}

// UUID returns the normalized service identifier.
func (s *Service) UUID() string { return s.uuid }

// Handle returns the resolved platform handle or nil.
func (s *Service) Handle() Handle { return s.handle }

// Resolved reports whether discovery matched this service.
func (s *Service) Resolved() bool { return s.handle != nil }

// Characteristics returns the declared characteristics of this service in declaration order.
func (s *Service) Characteristics() []*Characteristic {
	out := make([]*Characteristic, len(s.characteristics))
	copy(out, s.characteristics)
	return out
}

// Characteristic is a declared characteristic and its resolved handle, if any.
type Characteristic struct {
	uuid         string
	service      *Service
	capabilities Capability
	handle       Handle
}

// UUID returns the normalized characteristic identifier.
func (c *Characteristic) UUID() string { return c.uuid }

// Service returns the owning declared service.
func (c *Characteristic) Service() *Service { return c.service }

// Capabilities returns the declared capability set.
func (c *Characteristic) Capabilities() Capability { return c.capabilities }

// Handle returns the resolved platform handle or nil.
func (c *Characteristic) Handle() Handle { return c.handle }

// Resolved reports whether discovery matched this characteristic.
func (c *Characteristic) Resolved() bool { return c.handle != nil }

// ----------------------------
// Profile
// ----------------------------

// Profile is the expected layout of a peripheral: which services and characteristics
// must be found during discovery and what each characteristic supports.
//
// A Profile is not safe for concurrent mutation; the owning session serializes
// Match*/Reset calls.
type Profile struct {
	services        []*Service
	characteristics []*Characteristic
	byService       map[string]*Service
	byChar          map[string]*Characteristic
}

// New builds a profile from ordered declarations. Services are deduplicated by
// normalized identifier and kept in first-seen order. A characteristic identifier
// may be declared only once in the whole profile, under any service, since lookups
// and radio events carry the characteristic alone.
func New(decls []Declaration) (*Profile, error) {
	if len(decls) == 0 {
		return nil, fmt.Errorf("profile requires at least one characteristic declaration")
	}

	p := &Profile{
		byService: make(map[string]*Service),
		byChar:    make(map[string]*Characteristic),
	}

	for i, d := range decls {
		svcUUID, err := ValidateUUID(d.Service)
		if err != nil {
			return nil, fmt.Errorf("declaration %d: service: %w", i, err)
		}
		charUUID, err := ValidateUUID(d.Characteristic)
		if err != nil {
			return nil, fmt.Errorf("declaration %d: characteristic: %w", i, err)
		}
		if _, dup := p.byChar[charUUID]; dup {
			return nil, fmt.Errorf("declaration %d: characteristic %q declared more than once", i, d.Characteristic)
		}

		svc, ok := p.byService[svcUUID]
		if !ok {
			svc = &Service{uuid: svcUUID}
			p.byService[svcUUID] = svc
			p.services = append(p.services, svc)
		}

		char := &Characteristic{uuid: charUUID, service: svc, capabilities: d.Capabilities}
		svc.characteristics = append(svc.characteristics, char)
		p.characteristics = append(p.characteristics, char)
		p.byChar[charUUID] = char
	}

	return p, nil
}

// Services returns declared services in first-seen order.
func (p *Profile) Services() []*Service {
	out := make([]*Service, len(p.services))
	copy(out, p.services)
	return out
}

// ServiceUUIDs returns the normalized identifiers of declared services in first-seen order.
func (p *Profile) ServiceUUIDs() []string {
	out := make([]string, 0, len(p.services))
	for _, s := range p.services {
		out = append(out, s.uuid)
	}
	return out
}

// Characteristics returns every declared characteristic in declaration order.
func (p *Profile) Characteristics() []*Characteristic {
	out := make([]*Characteristic, len(p.characteristics))
	copy(out, p.characteristics)
	return out
}

// Service looks up a declared service.
func (p *Profile) Service(uuid string) (*Service, error) {
	svc, ok := p.byService[NormalizeUUID(uuid)]
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return svc, nil
}

// Characteristic looks up a declared characteristic.
func (p *Profile) Characteristic(uuid string) (*Characteristic, error) {
	char, ok := p.byChar[NormalizeUUID(uuid)]
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return char, nil
}

// MatchServices resolves declared services against the natively discovered ones and
// returns the declared services that were not found, in declaration order.
// Native services that are not declared are ignored.
func (p *Profile) MatchServices(native []Handle) []*Service {
	found := indexHandles(native)

	var missing []*Service
	for _, svc := range p.services {
		h, ok := found[svc.uuid]
		if !ok {
			missing = append(missing, svc)
			continue
		}
		svc.handle = h
	}
	return missing
}

// MatchCharacteristics resolves the declared characteristics of the service identified
// by service against the natively discovered ones. It returns the declared service and
// the characteristics that were not found, or a NotFoundError for an undeclared service.
func (p *Profile) MatchCharacteristics(service Handle, native []Handle) (*Service, []*Characteristic, error) {
	if service == nil {
		return nil, nil, &NotFoundError{Resource: "service"}
	}
	svc, ok := p.byService[NormalizeUUID(service.UUID())]
	if !ok {
		return nil, nil, &NotFoundError{Resource: "service", UUIDs: []string{service.UUID()}}
	}

	found := indexHandles(native)

	var missing []*Characteristic
	for _, char := range svc.characteristics {
		h, ok := found[char.uuid]
		if !ok {
			missing = append(missing, char)
			continue
		}
		char.handle = h
	}
	return svc, missing, nil
}

// Ready reports whether every declared service and characteristic is resolved.
func (p *Profile) Ready() bool {
	for _, svc := range p.services {
		if svc.handle == nil {
			return false
		}
	}
	for _, char := range p.characteristics {
		if char.handle == nil {
			return false
		}
	}
	return true
}

// Unresolved lists the identifiers still lacking a handle, services first.
func (p *Profile) Unresolved() []string {
	var out []string
	for _, svc := range p.services {
		if svc.handle == nil {
			out = append(out, svc.uuid)
		}
	}
	for _, char := range p.characteristics {
		if char.handle == nil {
			out = append(out, char.uuid)
		}
	}
	return out
}

// Reset clears every resolved handle.
func (p *Profile) Reset() {
	for _, svc := range p.services {
		svc.handle = nil
	}
	for _, char := range p.characteristics {
		char.handle = nil
	}
}

func (p *Profile) String() string {
	var sb strings.Builder
	for i, svc := range p.services {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(svc.uuid)
		sb.WriteString("[")
		for j, c := range svc.characteristics {
			if j > 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "%s(%s)", c.uuid, c.capabilities)
		}
		sb.WriteString("]")
	}
	return sb.String()
}

// indexHandles keys handles by normalized identifier; the first handle wins on duplicates.
func indexHandles(handles []Handle) map[string]Handle {
	idx := make(map[string]Handle, len(handles))
	for _, h := range handles {
		if h == nil {
			continue
		}
		key := NormalizeUUID(h.UUID())
		if _, dup := idx[key]; !dup {
			idx[key] = h
		}
	}
	return idx
}
