package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const exampleDeviceAddress = "5C:F3:70:8A:1E:07"

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gattctl",
	Short: "GATT client for a single BLE peripheral",
	Long: `GATT client command-line tool built around a profile file that declares
the services and characteristics a peripheral must expose:

- Connect, discover the profile and follow the connection state
- Read and write declared characteristics
- Listen to notifications, reassembling fragmented packets

Example profile (profile.yaml):

  device_model: nRF52-UART
  max_write_length: 20
  characteristics:
    - service: 6e400001-b5a3-f393-e0a9-e50e24dcca9e
      characteristic: 6e400002-b5a3-f393-e0a9-e50e24dcca9e
      capabilities: [write-without-response]
    - service: 6e400001-b5a3-f393-e0a9-e50e24dcca9e
      characteristic: 6e400003-b5a3-f393-e0a9-e50e24dcca9e
      capabilities: [notify]`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("gattctl %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(listenCmd)

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringP("profile", "p", "", "Path to the YAML device profile (required)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the configuration")
	rootCmd.PersistentFlags().String("backend", "", "Radio backend (go-ble, tinygo); overrides the configuration")
	rootCmd.PersistentFlags().Duration("timeout", 0, "Connect timeout; overrides the configuration")
	rootCmd.PersistentFlags().String("journal", "", "Write the session event journal as JSON lines to this file on exit")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
