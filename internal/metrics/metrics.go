// Package metrics exports multiplexer statistics to Prometheus.
//
// The exporter owns a private registry. Gauges mirror the per-slot
// aggregates, which drop a device's traffic when it departs; counters
// follow the cumulative counters and never move backwards. A labelled
// counter tracks the lifecycle feed by event kind. Nothing in here
// touches the connection table directly.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/srg/btmux/internal/groutine"
	"github.com/srg/btmux/pkg/mux"
)

const (
	// DefaultInterval is how often the poll pump folds a snapshot into the
	// registry when Options.Interval is zero.
	DefaultInterval = time.Second

	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 3 * time.Second
)

// Source is the slice of the multiplexer the exporter reads.
type Source interface {
	Stats() mux.StatsSnapshot
}

// Options configure an Exporter.
type Options struct {
	// Logger for pump lifecycle messages. Silent when nil.
	Logger *logrus.Logger

	// Interval between statistics polls. DefaultInterval when zero.
	Interval time.Duration

	// Registry to install the collectors into. A private registry is
	// created when nil.
	Registry *prometheus.Registry

	// Runtime additionally registers the Go and process collectors.
	Runtime bool
}

// Exporter folds multiplexer statistics and lifecycle events into
// Prometheus collectors.
type Exporter struct {
	source   Source
	logger   *logrus.Entry
	registry *prometheus.Registry
	interval time.Duration

	activeConnections prometheus.Gauge
	slotBytes         prometheus.Gauge
	slotPackets       prometheus.Gauge
	uptimeSeconds     prometheus.Gauge

	connectionsTotal   prometheus.Counter
	failuresTotal      prometheus.Counter
	preemptionsTotal   prometheus.Counter
	optimizationsTotal prometheus.Counter
	eventsTotal        *prometheus.CounterVec

	mu     sync.Mutex
	last   mux.StatsSnapshot
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Exporter reading from source. The collectors are
// registered immediately; pumps start with Start.
func New(source Source, opts *Options) *Exporter {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if opts.Runtime {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	factory := promauto.With(registry)
	e := &Exporter{
		source:   source,
		logger:   logger.WithField("component", "metrics"),
		registry: registry,
		interval: interval,
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "btmux_active_connections",
			Help: "Occupied connection slots.",
		}),
		slotBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "btmux_slot_bytes_transferred",
			Help: "Bytes transferred across currently occupied slots.",
		}),
		slotPackets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "btmux_slot_packets_processed",
			Help: "Packets processed across currently occupied slots.",
		}),
		uptimeSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "btmux_uptime_seconds",
			Help: "Seconds since the multiplexer started.",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "btmux_connections_total",
			Help: "Admissions accepted since start.",
		}),
		failuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "btmux_connection_failures_total",
			Help: "Admissions rejected with the table full and no victim.",
		}),
		preemptionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "btmux_preemptions_total",
			Help: "Admissions that evicted a lower-importance occupant.",
		}),
		optimizationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "btmux_optimizations_applied_total",
			Help: "Optimization decisions applied to connections.",
		}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "btmux_events_total",
			Help: "Lifecycle feed events by kind.",
		}, []string{"kind"}),
	}

	// Materialize every kind up front so scrapes expose all series.
	for _, kind := range []mux.EventKind{
		mux.EventConnected,
		mux.EventDisconnected,
		mux.EventEvicted,
		mux.EventPriorityChanged,
		mux.EventParamsUpdated,
		mux.EventCommandSent,
	} {
		e.eventsTotal.WithLabelValues(string(kind))
	}
	return e
}

// Start launches the poll pump and the feed pump. The feed pump exits when
// events closes; both exit on Stop or ctx cancellation.
func (e *Exporter) Start(ctx context.Context, events <-chan mux.Event) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(2)
	groutine.Go(ctx, e.logger, "metrics-poll", func(ctx context.Context) {
		defer e.wg.Done()
		e.pollLoop(ctx)
	})
	groutine.Go(ctx, e.logger, "metrics-feed", func(ctx context.Context) {
		defer e.wg.Done()
		e.feedLoop(ctx, events)
	})
}

// Stop halts the pumps and waits for them. Safe when Start never ran.
func (e *Exporter) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Registry exposes the backing registry for embedding into a larger server.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled. The listen happens
// synchronously so an occupied port fails fast; serving and shutdown run in
// the background.
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	handler := http.NewServeMux()
	handler.Handle("/metrics", e.Handler())

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	groutine.Go(ctx, e.logger, "metrics-http-shutdown", func(ctx context.Context) {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	groutine.Go(ctx, e.logger, "metrics-http", func(context.Context) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.WithError(err).Warn("Metrics listener stopped")
		}
	})

	e.logger.WithField("addr", ln.Addr().String()).Info("Serving metrics")
	return nil
}

// ObserveEvent counts one lifecycle event. The feed pump calls this for
// every event it drains; callers consuming the feed themselves count
// events through it instead of passing a channel to Start.
func (e *Exporter) ObserveEvent(ev mux.Event) {
	e.eventsTotal.WithLabelValues(string(ev.Kind)).Inc()
}

// Observe folds one statistics snapshot into the collectors. The poll pump
// calls this every tick; callers without a pump may invoke it directly
// before a scrape.
func (e *Exporter) Observe() {
	s := e.source.Stats()

	e.mu.Lock()
	last := e.last
	e.last = s
	e.mu.Unlock()

	e.activeConnections.Set(float64(s.ActiveConnections))
	e.slotBytes.Set(float64(s.TotalBytesTransferred))
	e.slotPackets.Set(float64(s.TotalPacketsProcessed))
	e.uptimeSeconds.Set(s.UptimeSeconds)

	e.connectionsTotal.Add(counterDelta(last.TotalConnections, s.TotalConnections))
	e.failuresTotal.Add(counterDelta(last.ConnectionFailures, s.ConnectionFailures))
	e.preemptionsTotal.Add(counterDelta(last.Preemptions, s.Preemptions))
	e.optimizationsTotal.Add(counterDelta(last.OptimizationsApplied, s.OptimizationsApplied))
}

func (e *Exporter) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	e.Observe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Observe()
		}
	}
}

func (e *Exporter) feedLoop(ctx context.Context, events <-chan mux.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.ObserveEvent(ev)
		}
	}
}

// counterDelta clamps at zero so a snapshot from a restarted source can
// never drive a counter backwards.
func counterDelta(last, cur uint64) float64 {
	if cur <= last {
		return 0
	}
	return float64(cur - last)
}
