package profile

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Capability is the set of operations a declared characteristic supports.
type Capability uint8

const (
	WriteWithResponse Capability = 1 << iota
	WriteWithoutResponse
	Read
	Notify
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{WriteWithResponse, "write"},
	{WriteWithoutResponse, "write-without-response"},
	{Read, "read"},
	{Notify, "notify"},
}

// Has reports whether every bit of other is present in c.
func (c Capability) Has(other Capability) bool {
	return other != 0 && c&other == other
}

// CanWrite reports whether any write kind is declared.
func (c Capability) CanWrite() bool {
	return c&(WriteWithResponse|WriteWithoutResponse) != 0
}

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	parts := make([]string, 0, len(capabilityNames))
	for _, n := range capabilityNames {
		if c&n.cap != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseCapabilities parses capability names. Each argument may itself be a
// comma separated list ("read,notify"). Matching is case-insensitive and
// accepts "write-no-response" and "writewithoutresponse" as aliases.
func ParseCapabilities(names ...string) (Capability, error) {
	var c Capability
	for _, arg := range names {
		for _, raw := range strings.Split(arg, ",") {
			name := strings.ToLower(strings.TrimSpace(raw))
			switch name {
			case "":
				continue
			case "write", "write-with-response", "writewithresponse":
				c |= WriteWithResponse
			case "write-without-response", "write-no-response", "writewithoutresponse":
				c |= WriteWithoutResponse
			case "read":
				c |= Read
			case "notify", "indicate":
				c |= Notify
			default:
				return 0, fmt.Errorf("unknown capability %q", raw)
			}
		}
	}
	return c, nil
}

// UnmarshalYAML accepts either a sequence of names or a single comma separated scalar.
func (c *Capability) UnmarshalYAML(node *yaml.Node) error {
	var names []string
	switch node.Kind {
	case yaml.SequenceNode:
		if err := node.Decode(&names); err != nil {
			return err
		}
	case yaml.ScalarNode:
		names = []string{node.Value}
	default:
		return fmt.Errorf("line %d: capabilities must be a list or a string", node.Line)
	}

	parsed, err := ParseCapabilities(names...)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*c = parsed
	return nil
}

// MarshalYAML renders the set as a list of names.
func (c Capability) MarshalYAML() (interface{}, error) {
	if c == 0 {
		return []string{}, nil
	}
	return strings.Split(c.String(), ","), nil
}
