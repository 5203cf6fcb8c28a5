package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/btmux/internal/console"
	"github.com/srg/btmux/internal/sim"
	"github.com/srg/btmux/internal/transport/goble"
	"github.com/srg/btmux/pkg/bt"
	"github.com/srg/btmux/pkg/mux"
)

var (
	bridgeScenarioFlag string
	bridgeSymlinkFlag  string
	bridgeRadioFlag    bool
	bridgeVerboseFlag  bool
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge <device>",
	Short: "Expose one device connection as a PTY",
	Long: `Connect a device and expose its connection as a pseudo-terminal.
Bytes written to the PTY go to the device, bytes the device sends appear
on the PTY, so serial tools can talk to it directly.

By default the device comes from the scenario roster, named by its roster
name or address. With --radio the argument must be an address and the
connection is dialed over the BLE radio instead.`,
	Example: `  btmux bridge "Kitchen Fridge"
  btmux bridge C1:44:8E:20:BC:99 --symlink /tmp/fridge
  btmux bridge A8:11:7F:32:01:45 --radio
  screen $(btmux bridge "Sony XM4" 2>/dev/null | awk '{print $2}')`,
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

func init() {
	bridgeCmd.Flags().StringVarP(&bridgeScenarioFlag, "scenario", "s", "", "Scenario file (YAML), defaults to the embedded smart-home roster")
	bridgeCmd.Flags().StringVar(&bridgeSymlinkFlag, "symlink", "", "Create a stable symlink to the PTY at this path")
	bridgeCmd.Flags().BoolVar(&bridgeRadioFlag, "radio", false, "Dial the device over the BLE radio instead of the scenario loopback")
	bridgeCmd.Flags().BoolVar(&bridgeVerboseFlag, "verbose", false, "Enable verbose logging")
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return err
	}

	// Arguments are valid - silence usage for runtime errors
	cmd.SilenceUsage = true

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	var conn console.DeviceConn
	if bridgeRadioFlag {
		radioConn, cleanup, err := dialRadio(ctx, args[0], logger)
		if err != nil {
			return err
		}
		defer cleanup()
		conn = radioConn
	} else {
		sc, err := loadScenario(bridgeScenarioFlag, cfg)
		if err != nil {
			return err
		}
		runner, err := sim.NewRunner(sc, &sim.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer runner.Close()
		if err := runner.Setup(); err != nil {
			return err
		}
		rosterConn, err := runner.Conn(args[0])
		if err != nil {
			return err
		}
		conn = rosterConn
	}

	bridge, err := console.Attach(conn, &console.Options{
		Logger:      logger,
		SymlinkPath: bridgeSymlinkFlag,
	})
	if err != nil {
		return err
	}
	defer bridge.Close()

	fmt.Printf("PTY: %s\n", bridge.TTYName())
	if link := bridge.Symlink(); link != "" {
		fmt.Printf("Symlink: %s\n", link)
	}
	fmt.Fprintln(os.Stderr, "Press Ctrl+C to detach...")

	<-ctx.Done()

	st := bridge.Stats()
	fmt.Printf("Detached: %s to device, %s from device", formatBytes(st.ToDeviceBytes), formatBytes(st.FromDeviceBytes))
	if st.DroppedBytes > 0 {
		fmt.Printf(", %s dropped", formatBytes(st.DroppedBytes))
	}
	fmt.Println()
	return nil
}

// dialRadio connects to a real peripheral and admits it into a fresh
// multiplexer. The returned cleanup tears down both.
func dialRadio(ctx context.Context, target string, logger *logrus.Logger) (*mux.Conn, func(), error) {
	addr, err := bt.ParseAddr(target)
	if err != nil {
		return nil, nil, err
	}

	transport := goble.New(logger, nil)
	if err := transport.Connect(ctx, addr); err != nil {
		return nil, nil, err
	}

	m, err := mux.New(transport, &mux.Options{Logger: logger})
	if err != nil {
		_ = transport.Close()
		return nil, nil, err
	}

	conn, err := m.Connect(mux.ConnectRequest{Address: addr, Class: bt.ClassGeneric})
	if err != nil {
		_ = m.Close()
		_ = transport.Close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = m.Close()
		_ = transport.Close()
	}
	return conn, cleanup, nil
}
