package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blegatt/internal/profile"
)

// CharacteristicConfig represents a declared characteristic
type CharacteristicConfig struct {
	UUID         string `json:"uuid"`
	Capabilities string `json:"capabilities,omitempty"` // e.g., "read,write,notify"
}

// ServiceConfig represents a declared service
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// ProfileConfig represents the complete declared profile
type ProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// ProfileBuilder builds profile declarations for tests
type ProfileBuilder struct {
	config ProfileConfig
}

// NewProfileBuilder creates an empty profile builder
func NewProfileBuilder() *ProfileBuilder {
	return &ProfileBuilder{config: ProfileConfig{Services: []ServiceConfig{}}}
}

// WithService adds a service to the profile
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	b.config.Services = append(b.config.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *ProfileBuilder) WithCharacteristic(uuid, capabilities string) *ProfileBuilder {
	if len(b.config.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	last := len(b.config.Services) - 1
	b.config.Services[last].Characteristics = append(b.config.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Capabilities: capabilities})
	return b
}

// FromJSON fills the profile from JSON
func (b *ProfileBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ProfileBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config ProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("ProfileBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.config = config
	return b
}

// Declarations returns the ordered declarations
func (b *ProfileBuilder) Declarations() []profile.Declaration {
	var decls []profile.Declaration
	for _, svc := range b.config.Services {
		for _, c := range svc.Characteristics {
			caps, err := profile.ParseCapabilities(c.Capabilities)
			if err != nil {
				panic(fmt.Sprintf("ProfileBuilder: characteristic %s: %v", c.UUID, err))
			}
			decls = append(decls, profile.Declaration{
				Service:        svc.UUID,
				Characteristic: c.UUID,
				Capabilities:   caps,
			})
		}
	}
	return decls
}

// Build creates the profile, panicking on invalid declarations
func (b *ProfileBuilder) Build() *profile.Profile {
	p, err := profile.New(b.Declarations())
	if err != nil {
		panic(fmt.Sprintf("ProfileBuilder.Build: %v", err))
	}
	return p
}

// ServiceHandles returns native handles for every configured service, in order
func (b *ProfileBuilder) ServiceHandles() []profile.Handle {
	out := make([]profile.Handle, 0, len(b.config.Services))
	for _, svc := range b.config.Services {
		out = append(out, Handle(svc.UUID))
	}
	return out
}

// CharacteristicHandles returns native handles for the characteristics of service uuid
func (b *ProfileBuilder) CharacteristicHandles(uuid string) []profile.Handle {
	var out []profile.Handle
	for _, svc := range b.config.Services {
		if !profile.EqualUUID(svc.UUID, uuid) {
			continue
		}
		for _, c := range svc.Characteristics {
			out = append(out, Handle(c.UUID))
		}
	}
	return out
}
