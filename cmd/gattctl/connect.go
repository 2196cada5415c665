package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blegatt/internal/gatt"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <device-address>",
	Short: "Connect and follow the session state",
	Long: fmt.Sprintf(`Connects to a peripheral, discovers the profile and prints every connection
and initialize state change until interrupted. Links lost to the system or a
radio power cycle are re-established automatically.

Examples:
  # Follow the session of a peripheral
  gattctl connect %s --profile uart.yaml

  # Also poll the signal strength
  gattctl connect %s --profile uart.yaml --rssi

  # Poll every 500ms
  gattctl connect %s --profile uart.yaml --rssi 500ms`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress),
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var connectRSSI string

func init() {
	connectCmd.Flags().StringVar(&connectRSSI, "rssi", "", "Poll RSSI at interval (e.g., 1s, 500ms); configured interval if no value given")
	connectCmd.Flags().Lookup("rssi").NoOptDefVal = "default"
}

func runConnect(cmd *cobra.Command, args []string) error {
	address := args[0]

	env, err := setupEnvironment(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = env.Close() }()

	rssiInterval, err := parseRSSIInterval(connectRSSI, env.cfg.RSSIInterval)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := newLineStream(ctx, cmd.OutOrStdout(), 0, env.logger)
	defer out.Close()

	return followSession(ctx, env, address, rssiInterval, out)
}

// followSession opens the session and streams its state changes until ctx is done.
func followSession(ctx context.Context, env *environment, address string, rssiInterval time.Duration, out *lineStream) error {
	s, err := env.manager.OpenFile(gatt.Identity{ID: address}, env.profile)
	if err != nil {
		return err
	}

	s.Register(gatt.ObserverFuncs{
		OnConnectionState: func(_ *gatt.Session, state gatt.ConnectionState) {
			out.WriteLine(formatEvent(time.Now(), "connection "+formatConnectionState(state)))
		},
		OnInitializeState: func(s *gatt.Session, state gatt.InitializeState) {
			line := "profile " + formatInitializeState(state)
			if state == gatt.Failed && s.InitializeError() != nil {
				line += ": " + FormatUserError(s.InitializeError())
			}
			out.WriteLine(formatEvent(time.Now(), line))

			if state == gatt.Initialized && rssiInterval > 0 {
				if err := s.StartRSSIPolling(rssiInterval); err != nil {
					out.WriteLine(formatEvent(time.Now(), "rssi polling unavailable: "+err.Error()))
				}
			}
		},
		OnRSSI: func(_ *gatt.Session, rssi int) {
			out.WriteLine(formatEvent(time.Now(), fmt.Sprintf("rssi %d dBm", rssi)))
		},
	}, false)

	if err := env.manager.Connect(address); err != nil {
		return err
	}

	<-ctx.Done()
	return ctx.Err()
}

// parseRSSIInterval maps the --rssi flag: empty disables polling, "default" uses the
// configured interval.
func parseRSSIInterval(flag string, configured time.Duration) (time.Duration, error) {
	switch flag {
	case "":
		return 0, nil
	case "default":
		return configured, nil
	}
	d, err := time.ParseDuration(flag)
	if err != nil {
		return 0, fmt.Errorf("invalid --rssi interval %q: %w", flag, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("--rssi interval must be positive, got %s", d)
	}
	return d, nil
}
