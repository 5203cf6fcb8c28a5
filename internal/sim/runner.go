package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/srg/btmux/internal/capability"
	"github.com/srg/btmux/internal/transport/loopback"
	"github.com/srg/btmux/pkg/bt"
	"github.com/srg/btmux/pkg/mux"
)

// Options configure a Runner beyond what the scenario document carries.
type Options struct {
	// Logger receives structured logs. Nil means silent.
	Logger *logrus.Logger

	// Cycles overrides the scenario cycle count when positive.
	Cycles int

	// Tick overrides the scenario inter-cycle delay when positive.
	Tick time.Duration

	// OnCycle is invoked after every completed cycle, from the Run
	// goroutine.
	OnCycle func(CycleReport)
}

// CycleReport is the state published after one cycle.
type CycleReport struct {
	Cycle   int                    `json:"cycle"`
	Cycles  int                    `json:"cycles"`
	Records []mux.ConnectionRecord `json:"connections"`
	Events  []mux.Event            `json:"events"`
	Stats   mux.StatsSnapshot      `json:"stats"`
}

// Result summarizes a finished run.
type Result struct {
	Scenario       string                 `json:"scenario"`
	Cycles         int                    `json:"cycles"`
	ElapsedSeconds float64                `json:"elapsed_seconds"`
	BytesWritten   uint64                 `json:"bytes_written"`
	BytesRead      uint64                 `json:"bytes_read"`
	CommandsSent   uint64                 `json:"commands_sent"`
	CommandReplies uint64                 `json:"command_replies"`
	TrafficErrors  uint64                 `json:"traffic_errors"`
	StepErrors     uint64                 `json:"step_errors"`
	EventCounts    map[string]uint64      `json:"event_counts"`
	Stats          mux.StatsSnapshot      `json:"stats"`
	Connections    []mux.ConnectionRecord `json:"connections"`
}

// handle pairs one roster entry with its loopback device and, while
// admitted, its live connection.
type handle struct {
	spec    *DeviceSpec
	dev     *loopback.Device
	conn    *mux.Conn
	nextCmd int
}

// trafficPlan is one device's work for the current cycle, drawn up front so
// the random sequence stays deterministic under concurrent delivery.
type trafficPlan struct {
	h    *handle
	size int
	env  *bt.Envelope
}

// Runner executes one scenario against a fresh multiplexer over the
// loopback transport. Runners are single-shot: create, run, close.
type Runner struct {
	scenario *Scenario
	logger   *logrus.Logger
	log      *logrus.Entry
	cycles   int
	tick     time.Duration
	onCycle  func(CycleReport)

	transport *loopback.Transport
	directory *capability.Directory
	m         *mux.Multiplexer
	rng       *rand.Rand

	order  []*handle
	byName map[string]*handle
	byAddr map[bt.Addr]*handle

	setupDone bool

	bytesWritten   atomic.Uint64
	bytesRead      atomic.Uint64
	commandsSent   atomic.Uint64
	commandReplies atomic.Uint64
	trafficErrors  atomic.Uint64
	stepErrors     atomic.Uint64
	eventTally     map[mux.EventKind]uint64
}

// NewRunner builds the loopback fabric, registers the roster in the
// capability directory, and starts a multiplexer over it. Nothing is
// admitted yet.
func NewRunner(sc *Scenario, opts *Options) (*Runner, error) {
	if sc == nil {
		return nil, fmt.Errorf("scenario is required")
	}
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}

	cycles := sc.Cycles
	if opts.Cycles > 0 {
		cycles = opts.Cycles
	}
	tick := sc.Tick
	if opts.Tick > 0 {
		tick = opts.Tick
	}
	seed := sc.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	r := &Runner{
		scenario:   sc,
		logger:     logger,
		log:        logger.WithField("component", "sim"),
		cycles:     cycles,
		tick:       tick,
		onCycle:    opts.OnCycle,
		transport:  loopback.New(logger),
		directory:  capability.NewDirectory(logger),
		rng:        rand.New(rand.NewSource(seed)),
		byName:     make(map[string]*handle, len(sc.Devices)),
		byAddr:     make(map[bt.Addr]*handle, len(sc.Devices)),
		eventTally: make(map[mux.EventKind]uint64),
	}

	for i := range sc.Devices {
		spec := &sc.Devices[i]
		devOpts := []loopback.DeviceOption{
			loopback.WithName(spec.Name),
			loopback.WithClass(spec.class),
		}
		if spec.Quality != nil {
			devOpts = append(devOpts, loopback.WithQuality(*spec.Quality))
		}
		if spec.Echo != nil && !*spec.Echo {
			devOpts = append(devOpts, loopback.WithEcho(false))
		}
		dev := r.transport.AddDevice(spec.addr, devOpts...)
		r.directory.Register(spec.addr, dev.Capabilities())

		h := &handle{spec: spec, dev: dev}
		r.order = append(r.order, h)
		r.byName[spec.Name] = h
		r.byAddr[spec.addr] = h
	}

	m, err := mux.New(r.transport, &mux.Options{
		Logger:   logger,
		Resolver: r.directory,
	})
	if err != nil {
		return nil, err
	}
	r.m = m
	return r, nil
}

// Mux exposes the multiplexer under simulation, for statistics exporters
// and console bridges.
func (r *Runner) Mux() *mux.Multiplexer {
	return r.m
}

// Scenario returns the document this runner executes.
func (r *Runner) Scenario() *Scenario {
	return r.scenario
}

// Conn resolves a roster device by name or address and returns its live
// connection handle.
func (r *Runner) Conn(key string) (*mux.Conn, error) {
	h := r.byName[key]
	if h == nil {
		if addr, err := bt.ParseAddr(key); err == nil {
			h = r.byAddr[addr]
		}
	}
	if h == nil {
		return nil, fmt.Errorf("no roster device %q", key)
	}
	if h.conn == nil {
		return nil, fmt.Errorf("device %q is not connected", key)
	}
	return h.conn, nil
}

// Setup admits the non-deferred roster in document order and applies the
// scenario parameter patch. Admission rejections are logged and counted,
// not returned: a roster wider than the table is a legitimate scenario.
func (r *Runner) Setup() error {
	if r.setupDone {
		return nil
	}
	r.setupDone = true

	if r.scenario.Params != nil {
		if _, err := r.m.SetParams(paramsPatch(r.scenario.Params)); err != nil {
			return err
		}
	}
	for _, h := range r.order {
		if h.spec.Deferred {
			continue
		}
		r.admit(h)
	}
	return nil
}

// Run executes the scenario cycles. A cancelled context stops the run and
// returns the partial result alongside the context error.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	if err := r.Setup(); err != nil {
		return nil, err
	}

	ran := 0
	var stopErr error
	for cycle := 1; cycle <= r.cycles; cycle++ {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}

		r.applySteps(cycle)
		r.runTraffic(ctx)

		report := CycleReport{
			Cycle:   cycle,
			Cycles:  r.cycles,
			Records: r.m.Connections(),
			Events:  r.drainEvents(),
			Stats:   r.m.Stats(),
		}
		if r.onCycle != nil {
			r.onCycle(report)
		}
		ran = cycle

		if cycle < r.cycles && !r.sleepTick(ctx) {
			stopErr = ctx.Err()
			break
		}
	}
	return r.result(start, ran), stopErr
}

// Close shuts the multiplexer down. The runner cannot be reused.
func (r *Runner) Close() error {
	return r.m.Close()
}

func (r *Runner) admit(h *handle) {
	conn, err := r.m.Connect(mux.ConnectRequest{
		Address:  h.spec.addr,
		Name:     h.spec.Name,
		Class:    h.spec.class,
		Priority: h.spec.priority,
	})
	if err != nil {
		r.stepErrors.Add(1)
		r.log.WithError(err).WithField("device", h.spec.Name).Warn("admission rejected")
		return
	}
	h.conn = conn
}

func (r *Runner) applySteps(cycle int) {
	for i := range r.scenario.Steps {
		st := &r.scenario.Steps[i]
		if st.At != cycle {
			continue
		}
		h := r.byName[st.Device]

		var err error
		switch st.Action {
		case ActionConnect:
			r.admit(h)
		case ActionDisconnect:
			err = r.m.Disconnect(h.spec.addr)
			h.conn = nil
		case ActionSetPriority:
			err = r.m.SetPriority(h.spec.addr, st.priority)
		case ActionOffline:
			h.dev.SetOffline(true)
		case ActionOnline:
			h.dev.SetOffline(false)
		}
		if err != nil {
			r.stepErrors.Add(1)
			r.log.WithError(err).WithFields(logrus.Fields{
				"action": st.Action,
				"device": st.Device,
				"cycle":  cycle,
			}).Warn("scenario step failed")
		}
	}
}

// buildPlans draws this cycle's traffic in roster order from the seeded
// generator. Handles whose slot was preempted since the last cycle are
// detected here and retired.
func (r *Runner) buildPlans() []trafficPlan {
	plans := make([]trafficPlan, 0, len(r.order))
	for _, h := range r.order {
		if h.conn == nil {
			continue
		}
		if _, err := r.m.Lookup(h.spec.addr); err != nil {
			h.conn = nil
			continue
		}

		plan := trafficPlan{h: h}
		if t := h.spec.Traffic; t.Max > 0 {
			plan.size = t.Min
			if spread := t.Max - t.Min; spread > 0 {
				plan.size += r.rng.Intn(spread + 1)
			}
		}
		if len(h.spec.commands) > 0 {
			cmd := h.spec.commands[h.nextCmd%len(h.spec.commands)]
			h.nextCmd++
			plan.env = r.envelope(cmd)
		}
		if plan.size == 0 && plan.env == nil {
			continue
		}
		plans = append(plans, plan)
	}
	return plans
}

// envelope fills command parameters from the seeded generator: plausible
// room temperatures, a small mode dial.
func (r *Runner) envelope(cmd bt.Command) *bt.Envelope {
	env := &bt.Envelope{Command: cmd}
	switch cmd {
	case bt.CmdSetTemperature:
		env.Param1 = int32(16 + r.rng.Intn(11))
	case bt.CmdSetMode:
		env.Param1 = int32(r.rng.Intn(4))
	}
	return env
}

func (r *Runner) runTraffic(ctx context.Context) {
	plans := r.buildPlans()
	g, gctx := errgroup.WithContext(ctx)
	for _, plan := range plans {
		plan := plan
		g.Go(func() error {
			r.deliver(gctx, plan)
			return nil
		})
	}
	_ = g.Wait()
}

// deliver pushes one plan through the data path: a write submitted until
// the path accepts it all, a drain of whatever the device echoed back, and
// the cycle's IoT command.
func (r *Runner) deliver(ctx context.Context, plan trafficPlan) {
	h := plan.h

	if plan.size > 0 {
		buf := make([]byte, plan.size)
		failed := false
		for len(buf) > 0 && ctx.Err() == nil {
			n, err := h.conn.Write(buf)
			if err != nil {
				r.trafficErrors.Add(1)
				r.log.WithError(err).WithField("device", h.spec.Name).Debug("write failed")
				failed = true
				break
			}
			if n == 0 {
				break
			}
			r.bytesWritten.Add(uint64(n))
			buf = buf[n:]
		}

		chunk := make([]byte, 4096)
		for !failed && ctx.Err() == nil {
			n, err := h.conn.Read(chunk)
			if err != nil {
				r.trafficErrors.Add(1)
				break
			}
			if n == 0 {
				break
			}
			r.bytesRead.Add(uint64(n))
		}
	}

	if plan.env != nil {
		reply, err := r.m.SendCommand(h.spec.addr, *plan.env)
		if err != nil {
			r.trafficErrors.Add(1)
			r.log.WithError(err).WithFields(logrus.Fields{
				"device":  h.spec.Name,
				"command": plan.env.Command.String(),
			}).Debug("command failed")
			return
		}
		r.commandsSent.Add(1)
		if len(reply) > 0 {
			r.commandReplies.Add(1)
		}
	}
}

func (r *Runner) drainEvents() []mux.Event {
	var evs []mux.Event
	for {
		select {
		case ev, ok := <-r.m.Events():
			if !ok {
				return evs
			}
			evs = append(evs, ev)
			r.eventTally[ev.Kind]++
		default:
			return evs
		}
	}
}

// sleepTick waits out the inter-cycle delay; false means the context ended
// first.
func (r *Runner) sleepTick(ctx context.Context) bool {
	if r.tick <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(r.tick)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *Runner) result(start time.Time, cycles int) *Result {
	tally := make(map[string]uint64, len(r.eventTally))
	for kind, n := range r.eventTally {
		tally[string(kind)] = n
	}
	return &Result{
		Scenario:       r.scenario.Name,
		Cycles:         cycles,
		ElapsedSeconds: time.Since(start).Seconds(),
		BytesWritten:   r.bytesWritten.Load(),
		BytesRead:      r.bytesRead.Load(),
		CommandsSent:   r.commandsSent.Load(),
		CommandReplies: r.commandReplies.Load(),
		TrafficErrors:  r.trafficErrors.Load(),
		StepErrors:     r.stepErrors.Load(),
		EventCounts:    tally,
		Stats:          r.m.Stats(),
		Connections:    r.m.Connections(),
	}
}

func paramsPatch(p *ParamsSpec) mux.ParamsPatch {
	return mux.ParamsPatch{
		Enabled:               p.Enabled,
		PredictiveConnect:     p.PredictiveConnect,
		BandwidthOptimization: p.BandwidthOptimization,
		PowerSaving:           p.PowerSaving,
		LatencyReduction:      p.LatencyReduction,
		LearningRate:          p.LearningRate,
		Interval:              p.Interval,
	}
}
