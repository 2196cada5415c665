package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blegatt/internal/gatt"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <char-uuid>",
	Short: "Read a characteristic value",
	Long: fmt.Sprintf(`Connects, discovers the profile and reads one characteristic declared in it.

Examples:
  # Read the battery level
  gattctl read %s 2a19 --profile battery.yaml

  # Print the value as text
  gattctl read %s 2a29 --profile device-info.yaml --text

  # Read every second until interrupted
  gattctl read %s 2a19 --profile battery.yaml --watch

  # Read every 250ms
  gattctl read %s 2a19 --profile battery.yaml --watch 250ms`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress),
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readText  bool
	readWatch string
)

func init() {
	readCmd.Flags().BoolVar(&readText, "text", false, "Print the value as a quoted string; hex by default")
	readCmd.Flags().StringVar(&readWatch, "watch", "", "Read repeatedly at interval (e.g., 1s, 500ms); default 1s if no value given")
	readCmd.Flags().Lookup("watch").NoOptDefVal = "1s"
}

func runRead(cmd *cobra.Command, args []string) error {
	address, char := args[0], args[1]

	var watchInterval time.Duration
	if readWatch != "" {
		var err error
		watchInterval, err = time.ParseDuration(readWatch)
		if err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
		if watchInterval <= 0 {
			return fmt.Errorf("watch interval must be positive, got %s", watchInterval)
		}
	}

	env, err := setupEnvironment(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = env.Close() }()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := env.openSession(ctx, address)
	if err != nil {
		return err
	}

	return readLoop(ctx, s, char, env.cfg.ConnectTimeout, watchInterval, cmd.OutOrStdout())
}

// readLoop reads char once, or every interval until ctx is done when interval is set.
func readLoop(ctx context.Context, s *gatt.Session, char string, timeout, interval time.Duration, out io.Writer) error {
	for {
		data, err := readValue(ctx, s, char, timeout)
		if err != nil {
			return err
		}
		if interval > 0 {
			_, _ = fmt.Fprintln(out, formatEvent(time.Now(), formatValue(data, readText)))
		} else {
			_, _ = fmt.Fprintln(out, formatValue(data, readText))
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// readValue issues one read and waits for its result, ctx or timeout.
func readValue(ctx context.Context, s *gatt.Session, char string, timeout time.Duration) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	s.Read(char, func(data []byte, err error) {
		ch <- result{data: data, err: err}
	})

	select {
	case r := <-ch:
		return r.data, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("read of %s timed out after %s", char, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
