package gatt

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/monitor"
	"github.com/srg/blegatt/internal/profile"
)

// DefaultMaxWriteLength is the chunk size used when the configuration leaves it unset
// (the ATT payload of the default 23-byte MTU).
const DefaultMaxWriteLength = 20

// Identity names a peripheral. ID is the platform identifier; Name is informational.
type Identity struct {
	ID   string
	Name string
}

func (i Identity) String() string {
	if i.Name == "" {
		return i.ID
	}
	return fmt.Sprintf("%s (%s)", i.Name, i.ID)
}

// TimeoutHandler is told when a connection attempt outlives the connect timeout.
type TimeoutHandler interface {
	ConnectionTimedOut(s *Session)
}

// TimeoutHandlerFunc adapts a function to TimeoutHandler.
type TimeoutHandlerFunc func(s *Session)

func (f TimeoutHandlerFunc) ConnectionTimedOut(s *Session) { f(s) }

// Config describes one session.
type Config struct {
	Identity       Identity
	Profile        *profile.Profile
	DeviceModel    string
	MaxWriteLength int           // 0 uses DefaultMaxWriteLength
	ConnectTimeout time.Duration // 0 uses monitor.DefaultConnectTimeout
	Logger         *logrus.Logger
	TimeoutHandler TimeoutHandler
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Identity.ID) == "" {
		return fmt.Errorf("session identity requires an ID")
	}
	if c.Profile == nil {
		return fmt.Errorf("session %s requires a profile", c.Identity.ID)
	}
	if c.MaxWriteLength < 0 {
		return fmt.Errorf("max write length must not be negative")
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect timeout must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.MaxWriteLength == 0 {
		c.MaxWriteLength = DefaultMaxWriteLength
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = monitor.DefaultConnectTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}
