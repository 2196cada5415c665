package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk form of a device profile.
//
//	device_model: HRM-Pro
//	max_write_length: 20
//	characteristics:
//	  - service: 180d
//	    characteristic: 2a37
//	    capabilities: [notify]
type File struct {
	DeviceModel     string        `yaml:"device_model"`
	MaxWriteLength  int           `yaml:"max_write_length,omitempty"`
	Characteristics []Declaration `yaml:"characteristics"`
}

// ParseFile decodes a YAML profile document. Unknown keys are rejected.
func ParseFile(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse profile: document is empty")
		}
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if f.MaxWriteLength < 0 {
		return nil, fmt.Errorf("max_write_length must not be negative")
	}
	return &f, nil
}

// LoadFile reads and decodes a YAML profile from path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	f, err := ParseFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Profile builds the declared profile.
func (f *File) Profile() (*Profile, error) {
	return New(f.Characteristics)
}
