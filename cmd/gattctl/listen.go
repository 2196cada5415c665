package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/reassembly"
)

// listenCmd represents the listen command
var listenCmd = &cobra.Command{
	Use:   "listen <device-address> <char-uuid>",
	Short: "Stream characteristic notifications",
	Long: fmt.Sprintf(`Connects, enables notifications on one characteristic and prints every packet
until interrupted.

Framing modes:
  none   - every notification is a packet (default)
  flags  - the first byte of each notification carries header and tail bits;
           fragments between a header and a tail are combined into one packet

Examples:
  # Print every notification
  gattctl listen %s 2a37 --profile heart-rate.yaml

  # Reassemble fragmented packets, dropping the flag byte
  gattctl listen %s 6e400003-b5a3-f393-e0a9-e50e24dcca9e --profile uart.yaml --framing flags --strip

  # Custom flag bits
  gattctl listen %s 6e400003-b5a3-f393-e0a9-e50e24dcca9e --profile uart.yaml --framing flags --header-mask 0x01 --tail-mask 0x02`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress),
	Args: cobra.ExactArgs(2),
	RunE: runListen,
}

var (
	listenFraming    string
	listenHeaderMask uint8
	listenTailMask   uint8
	listenStrip      bool
	listenText       bool
)

func init() {
	listenCmd.Flags().StringVar(&listenFraming, "framing", "none", "Packet framing: none or flags")
	listenCmd.Flags().Uint8Var(&listenHeaderMask, "header-mask", 0x80, "Flag byte bit marking the first fragment (flags framing)")
	listenCmd.Flags().Uint8Var(&listenTailMask, "tail-mask", 0x40, "Flag byte bit marking the last fragment (flags framing)")
	listenCmd.Flags().BoolVar(&listenStrip, "strip", false, "Remove the flag byte from each fragment (flags framing)")
	listenCmd.Flags().BoolVar(&listenText, "text", false, "Print packets as quoted strings; hex by default")
}

// parseFraming converts the CLI framing flags to a framer.
func parseFraming(mode string, header, tail uint8, strip bool) (reassembly.Framer, error) {
	switch strings.ToLower(mode) {
	case "none", "":
		return reassembly.Unframed, nil
	case "flags":
		if header == 0 || tail == 0 {
			return nil, fmt.Errorf("header and tail masks must be non-zero")
		}
		return reassembly.FlagByte{Header: header, Tail: tail, Strip: strip}, nil
	default:
		return nil, fmt.Errorf("invalid framing %q: use none or flags", mode)
	}
}

func runListen(cmd *cobra.Command, args []string) error {
	address, char := args[0], args[1]

	framer, err := parseFraming(listenFraming, listenHeaderMask, listenTailMask, listenStrip)
	if err != nil {
		return err
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

	out := newLineStream(ctx, cmd.OutOrStdout(), 0, env.logger)
	defer out.Close()

	fmt.Fprintf(cmd.ErrOrStderr(), "Listening to %s. Press Ctrl+C to stop...\n", char)
	return listen(ctx, s, char, framer, env.cfg.ConnectTimeout, out, env.logger)
}

// listen enables notifications and streams packets until ctx is done or the link drops.
func listen(ctx context.Context, s *gatt.Session, char string, framer reassembly.Framer, timeout time.Duration, out *lineStream, logger *logrus.Logger) error {
	lost := make(chan gatt.ConnectionState, 1)
	id := s.Register(gatt.ObserverFuncs{
		OnConnectionState: func(_ *gatt.Session, state gatt.ConnectionState) {
			if state.Phase != gatt.Disconnected {
				return
			}
			select {
			case lost <- state:
			default:
			}
		},
	}, false)
	defer s.Unregister(id)

	onData := func(data []byte, err error) {
		if err != nil {
			out.WriteLine(formatEvent(time.Now(), colorBad.Sprint("notification error: "+err.Error())))
			return
		}
		out.WriteLine(formatEvent(time.Now(), formatValue(data, listenText)))
	}
	if err := setNotify(ctx, s, char, true, framer, onData, timeout); err != nil {
		return err
	}

	select {
	case state := <-lost:
		return fmt.Errorf("%w: %s", ErrConnectionLost, state)
	case <-ctx.Done():
	}

	// The signal context is done; disabling gets its own deadline.
	if err := setNotify(context.Background(), s, char, false, nil, nil, timeout); err != nil {
		logger.WithField("error", err).Debug("Failed to disable notifications")
	}
	return ctx.Err()
}

// setNotify enables or disables notifications on char and waits for the result.
func setNotify(ctx context.Context, s *gatt.Session, char string, enable bool, framer reassembly.Framer, onData func([]byte, error), timeout time.Duration) error {
	ch := make(chan error, 1)
	s.Listen(char, enable, framer, func(_ bool, err error) { ch <- err }, onData)

	action := "enable"
	if !enable {
		action = "disable"
	}
	select {
	case err := <-ch:
		if err != nil {
			return fmt.Errorf("failed to %s notifications: %w", action, err)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%s notifications on %s timed out after %s", action, char, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
