package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blegatt/internal/central"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/journal"
	"github.com/srg/blegatt/internal/profile"
	"github.com/srg/blegatt/internal/radio"
	"github.com/srg/blegatt/internal/radio/goble"
	"github.com/srg/blegatt/internal/radio/tinygo"
	"github.com/srg/blegatt/pkg/config"
)

// radioFactory builds the configured backend; tests replace it.
var radioFactory = newRadio

func newRadio(cfg *config.Config, logger *logrus.Logger) (radio.Radio, func(), error) {
	switch cfg.Backend {
	case config.BackendGoBLE:
		r := goble.New(goble.WithLogger(logger))
		return r, r.Close, nil
	case config.BackendTinyGo:
		r := tinygo.New(nil, logger)
		return r, r.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// environment is everything a command needs to talk to one peripheral.
type environment struct {
	cfg         *config.Config
	logger      *logrus.Logger
	profile     *profile.File
	manager     *central.Manager
	journal     *journal.Journal
	journalPath string
	closeRadio  func()
}

// setupEnvironment loads the configuration and profile named by the global flags and
// starts the radio and session manager.
func setupEnvironment(cmd *cobra.Command) (*environment, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	profilePath, _ := cmd.Flags().GetString("profile")
	if profilePath == "" {
		return nil, ErrProfileRequired
	}
	prof, err := profile.LoadFile(profilePath)
	if err != nil {
		return nil, err
	}

	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())

	env := &environment{cfg: cfg, logger: logger, profile: prof}
	env.journalPath, _ = cmd.Flags().GetString("journal")

	var opts []central.Option
	if cfg.JournalSize > 0 {
		j, err := journal.New(uint32(cfg.JournalSize))
		if err != nil {
			return nil, err
		}
		env.journal = j
		opts = append(opts, central.WithJournal(j))
	}

	r, closeRadio, err := radioFactory(cfg, logger)
	if err != nil {
		return nil, err
	}
	env.closeRadio = closeRadio

	m, err := central.New(r, cfg, logger, opts...)
	if err != nil {
		closeRadio()
		return nil, err
	}
	env.manager = m
	return env, nil
}

// loadConfig reads --config when given and applies flag overrides on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Backend = backend
	}
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		cfg.ConnectTimeout = timeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Close shuts the manager and radio down and persists the journal if requested.
func (env *environment) Close() error {
	env.manager.Close()
	env.closeRadio()

	if env.journal == nil || env.journalPath == "" {
		return nil
	}
	f, err := os.OpenFile(env.journalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal %s: %w", env.journalPath, err)
	}
	defer f.Close()

	n, err := env.journal.Flush(f)
	if err != nil {
		return err
	}
	env.logger.WithFields(logrus.Fields{
		"path":    env.journalPath,
		"records": n,
	}).Debug("Journal written")
	return nil
}

// openSession connects to address and waits until the profile is discovered.
func (env *environment) openSession(ctx context.Context, address string) (*gatt.Session, error) {
	s, err := env.manager.OpenFile(gatt.Identity{ID: address}, env.profile)
	if err != nil {
		return nil, err
	}

	result := make(chan error, 1)
	report := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	id := s.Register(gatt.ObserverFuncs{
		OnConnectionState: func(_ *gatt.Session, state gatt.ConnectionState) {
			if state.Phase != gatt.Disconnected {
				return
			}
			switch state.Reason {
			case radio.ReasonTimeout:
				report(fmt.Errorf("connection to %s timed out after %s", address, env.cfg.ConnectTimeout))
			case radio.ReasonPoweredOff:
				report(radio.ErrBluetoothOff)
			default:
				report(fmt.Errorf("%w: %s", ErrConnectionLost, state))
			}
		},
		OnInitializeState: func(s *gatt.Session, state gatt.InitializeState) {
			switch state {
			case gatt.Initialized:
				report(nil)
			case gatt.Failed:
				report(s.InitializeError())
			}
		},
	}, false)
	defer s.Unregister(id)

	if err := env.manager.Connect(address); err != nil {
		return nil, err
	}

	select {
	case err := <-result:
		if err != nil {
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
