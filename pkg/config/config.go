package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Supported radio backends.
const (
	BackendGoBLE  = "go-ble"
	BackendTinyGo = "tinygo"
)

// Config holds the application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`
	Backend  string `yaml:"backend" default:"go-ble"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`
	RSSIInterval   time.Duration `yaml:"rssi_interval" default:"2s"`
	MaxWriteLength int           `yaml:"max_write_length" default:"20"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	// JournalSize is the capacity of the event journal; 0 disables it.
	JournalSize int `yaml:"journal_size" default:"256"`
}

// ReconnectConfig controls automatic reconnection after links the user did not close.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay" default:"1s"`
	MaxDelay    time.Duration `yaml:"max_delay" default:"30s"`
	MaxAttempts int           `yaml:"max_attempts" default:"0"` // 0 retries forever
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads path on top of the defaults. Keys missing from the file keep their default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	switch c.Backend {
	case BackendGoBLE, BackendTinyGo:
	default:
		return fmt.Errorf("unknown backend %q (expected %s or %s)", c.Backend, BackendGoBLE, BackendTinyGo)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.RSSIInterval <= 0 {
		return fmt.Errorf("rssi_interval must be positive, got %s", c.RSSIInterval)
	}
	if c.MaxWriteLength <= 0 {
		return fmt.Errorf("max_write_length must be positive, got %d", c.MaxWriteLength)
	}
	if c.JournalSize < 0 {
		return fmt.Errorf("journal_size must not be negative, got %d", c.JournalSize)
	}
	return c.Reconnect.Validate()
}

// Validate checks the backoff bounds.
func (r ReconnectConfig) Validate() error {
	if r.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be positive, got %s", r.BaseDelay)
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("reconnect.max_delay %s is shorter than base_delay %s", r.MaxDelay, r.BaseDelay)
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative, got %d", r.MaxAttempts)
	}
	return nil
}

// Delay returns the backoff before reconnect attempt n (0-based): BaseDelay·2^n capped at MaxDelay.
func (r ReconnectConfig) Delay(attempt int) time.Duration {
	d := r.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= r.MaxDelay/2 {
			return r.MaxDelay
		}
		d *= 2
	}
	if d > r.MaxDelay {
		return r.MaxDelay
	}
	return d
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
