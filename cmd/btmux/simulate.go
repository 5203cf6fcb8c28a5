package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/btmux"
	"github.com/srg/btmux/internal/metrics"
	"github.com/srg/btmux/internal/sim"
	"github.com/srg/btmux/pkg/config"
	"github.com/srg/btmux/pkg/mux"
)

var (
	simScenarioFlag string
	simCyclesFlag   int
	simTickFlag     time.Duration
	simSeedFlag     int64
	simFormatFlag   string
	simWatchFlag    bool
	simMetricsFlag  string
	simVerboseFlag  bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a scripted multi-device session",
	Long: `Run a scripted session against the connection multiplexer.

Devices from the scenario roster connect, exchange traffic, and receive
appliance commands over an in-process transport. Scripted steps can
disconnect, reconnect, reprioritize, or take devices offline mid-run.

Without --scenario the embedded smart-home roster is used.`,
	Example: `  btmux simulate
  btmux simulate --scenario office.yaml --cycles 50 --watch
  btmux simulate --seed 42 --format json
  btmux simulate --metrics-listen :9090`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVarP(&simScenarioFlag, "scenario", "s", "", "Scenario file (YAML), defaults to the embedded smart-home roster")
	simulateCmd.Flags().IntVar(&simCyclesFlag, "cycles", 0, "Override the scenario cycle count")
	simulateCmd.Flags().DurationVar(&simTickFlag, "tick", 0, "Override the scenario tick interval")
	simulateCmd.Flags().Int64Var(&simSeedFlag, "seed", 0, "Override the scenario random seed")
	simulateCmd.Flags().StringVarP(&simFormatFlag, "format", "f", "", "Output format (table, json)")
	simulateCmd.Flags().BoolVarP(&simWatchFlag, "watch", "w", false, "Redraw the connection table every cycle (table format only)")
	simulateCmd.Flags().StringVar(&simMetricsFlag, "metrics-listen", "", "Serve Prometheus metrics on this address during the run")
	simulateCmd.Flags().BoolVar(&simVerboseFlag, "verbose", false, "Enable verbose logging")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return err
	}

	format := simFormatFlag
	if format == "" {
		format = "table"
		if cfg != nil {
			format = cfg.OutputFormat
		}
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format: %s (valid: table, json)", format)
	}

	// Arguments are valid - silence usage for runtime errors
	cmd.SilenceUsage = true

	sc, err := loadScenario(simScenarioFlag, cfg)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("seed") {
		sc.Seed = simSeedFlag
	} else if cfg != nil && cfg.Seed != 0 {
		sc.Seed = cfg.Seed
	}

	opts := &sim.Options{Logger: logger}
	if simCyclesFlag > 0 {
		opts.Cycles = simCyclesFlag
	} else if cfg != nil {
		opts.Cycles = cfg.Cycles
	}
	if simTickFlag > 0 {
		opts.Tick = simTickFlag
	} else if cfg != nil {
		opts.Tick = cfg.Tick
	}

	// The exporter and dashboard are created after the runner, but the
	// cycle hook must be installed before. Both are nil-checked inside.
	var (
		dash     *dashboard
		exporter *metrics.Exporter
	)
	opts.OnCycle = func(rep sim.CycleReport) {
		if exporter != nil {
			for _, ev := range rep.Events {
				exporter.ObserveEvent(ev)
			}
			exporter.Observe()
		}
		if dash != nil {
			dash.render(rep)
		}
	}

	runner, err := sim.NewRunner(sc, opts)
	if err != nil {
		return err
	}
	defer runner.Close()

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

	metricsListen := simMetricsFlag
	if metricsListen == "" && cfg != nil {
		metricsListen = cfg.MetricsListen
	}
	if metricsListen != "" {
		exporter = metrics.New(runner.Mux(), &metrics.Options{
			Logger:  logger,
			Runtime: true,
		})
		exporter.Start(ctx, nil)
		defer exporter.Stop()
		go func() {
			if err := exporter.Serve(ctx, metricsListen); err != nil {
				logger.WithError(err).Error("Metrics endpoint failed")
			}
		}()
	}

	if format == "table" && simWatchFlag {
		dash = newDashboard(os.Stdout, sc.Name)
	}

	res, runErr := runner.Run(ctx)
	if res != nil {
		switch format {
		case "json":
			if err := printJSON(os.Stdout, res); err != nil {
				return err
			}
		default:
			printSummary(os.Stdout, res)
		}
	}
	return runErr
}

// loadScenario resolves the scenario document: explicit path first, then
// the config file's scenario, then the embedded default.
func loadScenario(path string, cfg *config.Config) (*sim.Scenario, error) {
	if path == "" && cfg != nil {
		path = cfg.Scenario
	}
	if path != "" {
		return sim.Load(path)
	}
	return sim.Parse([]byte(btmux.DefaultScenarioYAML))
}

func printJSON(w io.Writer, res *sim.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// printSummary renders the end-of-run report as a table.
func printSummary(w io.Writer, res *sim.Result) {
	fmt.Fprintf(w, "Scenario %s finished: %d cycles in %.1fs\n\n", res.Scenario, res.Cycles, res.ElapsedSeconds)

	writeConnectionTable(w, res.Connections, false)
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Traffic:\t%s written, %s read\n", formatBytes(res.BytesWritten), formatBytes(res.BytesRead))
	fmt.Fprintf(tw, "Commands:\t%d sent, %d replies\n", res.CommandsSent, res.CommandReplies)
	fmt.Fprintf(tw, "Connections:\t%d total, %d active, %d failed\n",
		res.Stats.TotalConnections, res.Stats.ActiveConnections, res.Stats.ConnectionFailures)
	fmt.Fprintf(tw, "Preemptions:\t%d\n", res.Stats.Preemptions)
	fmt.Fprintf(tw, "Optimizations:\t%d\n", res.Stats.OptimizationsApplied)
	if res.TrafficErrors > 0 || res.StepErrors > 0 {
		fmt.Fprintf(tw, "Errors:\t%d traffic, %d step\n", res.TrafficErrors, res.StepErrors)
	}
	tw.Flush()
}

// writeConnectionTable renders one row per occupied slot. Colorized signal
// readings are reserved for interactive terminals.
func writeConnectionTable(w io.Writer, records []mux.ConnectionRecord, colors bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tADDRESS\tCLASS\tPRIORITY\tSIGNAL\tTRAFFIC\tDUTY")
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, rec := range records {
		name := rec.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%.0f%%\n",
			name,
			rec.Address,
			rec.Class,
			rec.Priority,
			formatSignal(rec.SignalStrength, colors),
			formatBytes(rec.BytesTransferred),
			rec.DutyCycle*100,
		)
	}
	tw.Flush()
}

func formatSignal(dbm float64, colors bool) string {
	s := fmt.Sprintf("%.1f dBm", dbm)
	if !colors {
		return s
	}
	switch {
	case dbm < -80:
		return color.New(color.FgRed).Sprint(s)
	case dbm < -70:
		return color.New(color.FgYellow).Sprint(s)
	default:
		return color.New(color.FgGreen).Sprint(s)
	}
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// dashboard redraws the connection table as cycles complete. On a real
// terminal each frame clears the screen; when piped, frames append.
type dashboard struct {
	w        io.Writer
	scenario string
	isTTY    bool
	events   []mux.Event
}

func newDashboard(w io.Writer, scenario string) *dashboard {
	isTTY := false
	if f, ok := w.(*os.File); ok {
		isTTY = term.IsTerminal(int(f.Fd()))
	}
	return &dashboard{w: w, scenario: scenario, isTTY: isTTY}
}

const dashboardEventWindow = 5

func (d *dashboard) render(rep sim.CycleReport) {
	if d.isTTY {
		// Clear screen and move cursor to top
		fmt.Fprint(d.w, "\033[2J\033[H")
	}

	fmt.Fprintf(d.w, "Scenario: %s    Cycle %d/%d\n\n", d.scenario, rep.Cycle, rep.Cycles)
	writeConnectionTable(d.w, rep.Records, d.isTTY)

	fmt.Fprintf(d.w, "\nActive %d/%d    Traffic %s    Preemptions %d    Optimizations %d\n",
		rep.Stats.ActiveConnections,
		mux.MaxConnections,
		formatBytes(rep.Stats.TotalBytesTransferred),
		rep.Stats.Preemptions,
		rep.Stats.OptimizationsApplied,
	)

	d.events = append(d.events, rep.Events...)
	if len(d.events) > dashboardEventWindow {
		d.events = d.events[len(d.events)-dashboardEventWindow:]
	}
	if len(d.events) > 0 {
		fmt.Fprintln(d.w, "\nRecent events:")
		for _, ev := range d.events {
			fmt.Fprintf(d.w, "  %s  %-16s  %s", ev.Time.Format("15:04:05"), ev.Kind, ev.Name)
			if ev.Detail != "" {
				fmt.Fprintf(d.w, " (%s)", ev.Detail)
			}
			fmt.Fprintln(d.w)
		}
	}
	fmt.Fprintln(d.w)
}
