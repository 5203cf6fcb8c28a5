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

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "btmux",
	Short: "Bluetooth connection multiplexer",
	Long: `Bluetooth connection multiplexer that manages up to seven concurrent
device connections:

- Priority-based slot admission with preemption of less important devices
- Optimized and standard data paths with per-slot link statistics
- IoT command routing for smart appliances (power, temperature, mode, sensors)
- Adaptive link tuning driven by smoothed signal and duty-cycle estimates
- Deterministic multi-device simulation over an in-process loopback transport
- Live dashboard, JSON reports, and a Prometheus endpoint for simulation runs
- PTY bridge exposing one connection for serial-like access

Ideal for exercising multi-device contention and optimization behavior
without a radio.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		// Print user-friendly error message
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	// Add subcommands
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(bridgeCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Config file (YAML)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
