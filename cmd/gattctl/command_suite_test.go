package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/profile"
	"github.com/srg/blegatt/internal/radio"
	"github.com/srg/blegatt/internal/testutils"
	"github.com/srg/blegatt/pkg/config"
	"github.com/stretchr/testify/suite"
)

const (
	testDeviceAddress = "00:00:00:00:00:01"

	testProfileYAML = `device_model: TH-2
max_write_length: 8
characteristics:
  - service: "180f"
    characteristic: "2a19"
    capabilities: [read, notify]
  - service: "1811"
    characteristic: "2a06"
    capabilities: [write]
`
)

// loopbackRadio answers every command through the attached sink, like a peripheral
// that exposes exactly the services it was built with.
type loopbackRadio struct {
	*testutils.FakeRadio

	mu       sync.Mutex
	services map[string][]string
	values   map[string][]byte
}

func newLoopbackRadio() *loopbackRadio {
	return &loopbackRadio{
		FakeRadio: testutils.NewFakeRadio(),
		services: map[string][]string{
			"180f": {"2a19"},
			"1811": {"2a06"},
		},
		values: map[string][]byte{},
	}
}

func (r *loopbackRadio) SetValue(char string, value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[strings.ToLower(char)] = value
}

func (r *loopbackRadio) emit(id string, fn func(radio.EventSink)) {
	if sink := r.Sink(id); sink != nil {
		go fn(sink)
	}
}

func (r *loopbackRadio) Connect(id string) error {
	if err := r.FakeRadio.Connect(id); err != nil {
		return err
	}
	r.emit(id, func(s radio.EventSink) { s.Connected() })
	return nil
}

func (r *loopbackRadio) CancelConnection(id string) error {
	if err := r.FakeRadio.CancelConnection(id); err != nil {
		return err
	}
	r.emit(id, func(s radio.EventSink) { s.Disconnected(radio.ReasonByUser) })
	return nil
}

func (r *loopbackRadio) DiscoverServices(id string) error {
	if err := r.FakeRadio.DiscoverServices(id); err != nil {
		return err
	}
	handles := testutils.Handles("180f", "1811")
	r.emit(id, func(s radio.EventSink) { s.ServicesDiscovered(handles, nil) })
	return nil
}

func (r *loopbackRadio) DiscoverCharacteristics(id string, service profile.Handle) error {
	if err := r.FakeRadio.DiscoverCharacteristics(id, service); err != nil {
		return err
	}
	chars := testutils.Handles(r.services[service.UUID()]...)
	r.emit(id, func(s radio.EventSink) { s.CharacteristicsDiscovered(service, chars, nil) })
	return nil
}

func (r *loopbackRadio) Write(id string, char profile.Handle, value []byte, kind radio.WriteKind) error {
	if err := r.FakeRadio.Write(id, char, value, kind); err != nil {
		return err
	}
	if kind == radio.WithResponse {
		r.emit(id, func(s radio.EventSink) { s.WriteCompleted(char.UUID(), nil) })
	}
	return nil
}

func (r *loopbackRadio) SetNotify(id string, char profile.Handle, enable bool) error {
	if err := r.FakeRadio.SetNotify(id, char, enable); err != nil {
		return err
	}
	r.emit(id, func(s radio.EventSink) { s.NotifyStateChanged(char.UUID(), enable, nil) })
	return nil
}

func (r *loopbackRadio) Read(id string, char profile.Handle) error {
	if err := r.FakeRadio.Read(id, char); err != nil {
		return err
	}
	r.mu.Lock()
	value := r.values[strings.ToLower(char.UUID())]
	r.mu.Unlock()
	r.emit(id, func(s radio.EventSink) { s.ValueUpdated(char.UUID(), value, nil) })
	return nil
}

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a polling test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs gattctl commands against a loopback radio.
type CommandTestSuite struct {
	suite.Suite

	Radio       *loopbackRadio
	ProfilePath string

	originalFactory func(*config.Config, *logrus.Logger) (radio.Radio, func(), error)
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalFactory = radioFactory
}

func (s *CommandTestSuite) TearDownSuite() {
	radioFactory = s.originalFactory
}

func (s *CommandTestSuite) SetupTest() {
	s.Radio = newLoopbackRadio()
	radioFactory = func(*config.Config, *logrus.Logger) (radio.Radio, func(), error) {
		return s.Radio, func() {}, nil
	}

	s.ProfilePath = filepath.Join(s.T().TempDir(), "profile.yaml")
	s.Require().NoError(os.WriteFile(s.ProfilePath, []byte(testProfileYAML), 0o600))

	// Reset command flags for proper isolation
	readText, readWatch = false, ""
	writeHex = false
	connectRSSI = ""
}

// ExecuteCommand runs the root command with args, returns stdout, stderr and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

// GlobalArgs are the persistent flags every test sets explicitly; cobra keeps flag
// values between executions.
func (s *CommandTestSuite) GlobalArgs() []string {
	return []string{
		"--profile", s.ProfilePath,
		"--log-level", "debug",
		"--backend", config.BackendGoBLE,
		"--timeout", "2s",
		"--journal", "",
		"--config", "",
	}
}
