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

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <char-uuid> <data>",
	Short: "Write to a characteristic",
	Long: fmt.Sprintf(`Connects, discovers the profile and writes data to one characteristic.

The write is acknowledged when the characteristic declares write, and sent
without response when it only declares write_without_response. Values longer
than the maximum write length are split into consecutive chunks.

Examples:
  # Write a string
  gattctl write %s 6e400002-b5a3-f393-e0a9-e50e24dcca9e "hello" --profile uart.yaml

  # Write hex data
  gattctl write %s 2a06 01 --hex --profile alert.yaml`, exampleDeviceAddress, exampleDeviceAddress),
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var writeHex bool

func init() {
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, char := args[0], args[1]

	data, err := parseData(args[2], writeHex)
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
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

	if err := writeValue(ctx, s, char, data, env.cfg.ConnectTimeout); err != nil {
		return err
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Write successful")
	return nil
}

// writeValue issues one write and waits for its result, ctx or timeout.
func writeValue(ctx context.Context, s *gatt.Session, char string, data []byte, timeout time.Duration) error {
	ch := make(chan error, 1)
	s.Write(char, data, func(err error) { ch <- err })

	select {
	case err := <-ch:
		if err != nil {
			return fmt.Errorf("failed to write characteristic: %w", err)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("write to %s timed out after %s", char, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
