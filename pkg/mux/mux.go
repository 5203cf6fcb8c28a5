// Package mux implements the connection slot manager for a multi-device
// Bluetooth stack: a fixed table of seven slots with priority admission and
// eviction, a standard/optimized data-path dispatch, IoT command routing,
// and statistics aggregation.
//
// The multiplexer owns no radio. Byte movement goes through the injected
// Transport; everything else (admission, eviction, counters, hints) is local
// state under one exclusive table lock.
package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/btmux/internal/groutine"
	"github.com/srg/btmux/internal/predictor"
	"github.com/srg/btmux/pkg/bt"
)

// Options configure a Multiplexer. The zero value of every field has a
// working default.
type Options struct {
	// Logger receives structured logs. Nil means silent.
	Logger *logrus.Logger

	// Clock supplies admission timestamps and uptime. Nil means SystemClock.
	Clock Clock

	// Resolver normalizes declared device classes at admission. Nil skips
	// normalization.
	Resolver CapabilityResolver

	// Params are the initial optimization tunables. Nil means DefaultParams.
	Params *OptimizationParams

	// EventBuffer is the lifecycle feed capacity; oldest events are dropped
	// when the consumer lags. Non-positive means 64.
	EventBuffer int

	// HistorySize bounds the predictive-connect departure history.
	// Non-positive means predictor.DefaultHistorySize.
	HistorySize int
}

// Multiplexer is the connection slot manager. All methods are safe for
// concurrent use.
type Multiplexer struct {
	table     slotTable
	transport Transport
	clock     Clock
	resolver  CapabilityResolver
	history   *predictor.History
	feed      *eventFeed
	log       *logrus.Entry

	counters  counters
	startedAt time.Time

	paramsMu sync.RWMutex
	params   OptimizationParams

	stopCh    chan struct{}
	wakeCh    chan struct{}
	passDone  chan struct{}
	closeOnce sync.Once
}

// New creates a Multiplexer over the given transport and starts its periodic
// optimization pass.
func New(transport Transport, opts *Options) (*Multiplexer, error) {
	if transport == nil {
		return nil, invalidf("transport is required")
	}
	if opts == nil {
		opts = &Options{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}

	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	params := DefaultParams()
	if opts.Params != nil {
		params = *opts.Params
		if err := params.validate(); err != nil {
			return nil, err
		}
	}

	eventBuffer := opts.EventBuffer
	if eventBuffer <= 0 {
		eventBuffer = 64
	}

	m := &Multiplexer{
		transport: transport,
		clock:     clock,
		resolver:  opts.Resolver,
		history:   predictor.New(opts.HistorySize, logger),
		feed:      newEventFeed(eventBuffer),
		log:       logger.WithField("component", "mux"),
		startedAt: clock.Now(),
		params:    params,
		stopCh:    make(chan struct{}),
		wakeCh:    make(chan struct{}, 1),
		passDone:  make(chan struct{}),
	}

	groutine.Go(context.Background(), m.log, "optimizer-pass", m.passLoop)
	return m, nil
}

// Connect admits a device into the slot table per the priority admission
// policy. On success the returned handle carries the assigned slot; on a
// full table the least important occupant below the candidate's priority is
// preempted first, and with no such occupant the admission fails with
// ErrCapacityExceeded.
func (m *Multiplexer) Connect(req ConnectRequest) (*Conn, error) {
	if req.Address.IsZero() {
		return nil, invalidf("device address is required")
	}
	if !req.Class.Valid() {
		return nil, invalidf("unknown device class 0x%02X", uint8(req.Class))
	}
	if req.Priority != nil && !req.Priority.Valid() {
		return nil, invalidf("priority %d outside the closed set", uint8(*req.Priority))
	}

	class := req.Class
	iot := class.IsIoT()
	if req.IoT != nil {
		iot = *req.IoT
	}

	if m.resolver != nil {
		if caps, ok := m.resolver.Resolve(req.Address); ok {
			if caps.Class != class || caps.IoT != iot {
				m.log.WithFields(logrus.Fields{
					"address":   req.Address.String(),
					"declared":  class.String(),
					"directory": caps.Class.String(),
				}).Warn("normalizing declared device class to directory entry")
				class = caps.Class
				iot = caps.IoT
			}
		}
	}

	prio := class.DefaultPriority()
	if req.Priority != nil {
		prio = *req.Priority
	}

	rec := ConnectionRecord{
		Address:     req.Address,
		Name:        truncateName(req.Name),
		Class:       class,
		IoT:         iot,
		Priority:    prio,
		Connected:   true,
		ConnectedAt: m.clock.Now(),
		DutyCycle:   1.0,
	}

	params := m.currentParams()
	primed := false
	if params.Enabled && params.PredictiveConnect {
		if prof, ok := m.history.Recall(req.Address); ok {
			rec.SignalStrength = prof.Signal
			primed = true
		}
	}

	idx, evicted, err := m.table.admit(rec)
	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			m.counters.connectionFailures.Add(1)
			m.log.WithFields(logrus.Fields{
				"address":  req.Address.String(),
				"priority": prio.String(),
			}).Warn("admission rejected, table full")
		}
		return nil, err
	}

	m.counters.totalConnections.Add(1)
	if evicted != nil {
		m.counters.preemptions.Add(1)
		m.history.Remember(evicted.Address, predictor.Profile{
			Signal:   evicted.SignalStrength,
			Class:    evicted.Class,
			LastSeen: m.clock.Now(),
		})
		m.feed.publish(Event{
			Time:     m.clock.Now(),
			Kind:     EventEvicted,
			Address:  evicted.Address,
			Name:     evicted.Name,
			Class:    evicted.Class,
			Priority: evicted.Priority,
			Slot:     idx,
			Detail:   fmt.Sprintf("preempted by %s (%s)", req.Address, prio),
		})
	}
	if primed {
		m.counters.optimizations.Add(1)
	}

	m.log.WithFields(logrus.Fields{
		"address":  req.Address.String(),
		"name":     rec.Name,
		"class":    class.String(),
		"priority": prio.String(),
		"slot":     idx,
		"evicted":  evicted != nil,
	}).Info("device connected")

	m.feed.publish(Event{
		Time:     rec.ConnectedAt,
		Kind:     EventConnected,
		Address:  rec.Address,
		Name:     rec.Name,
		Class:    rec.Class,
		Priority: rec.Priority,
		Slot:     idx,
	})

	return &Conn{mux: m, addr: req.Address, idx: idx}, nil
}

// Disconnect vacates the slot held by addr and stores its departure profile
// for the predictive-connect assist.
func (m *Multiplexer) Disconnect(addr bt.Addr) error {
	rec, idx, err := m.table.remove(addr)
	if err != nil {
		return err
	}

	m.history.Remember(addr, predictor.Profile{
		Signal:   rec.SignalStrength,
		Class:    rec.Class,
		LastSeen: m.clock.Now(),
	})

	m.log.WithFields(logrus.Fields{
		"address": addr.String(),
		"slot":    idx,
		"bytes":   rec.BytesTransferred,
	}).Info("device disconnected")

	m.feed.publish(Event{
		Time:     m.clock.Now(),
		Kind:     EventDisconnected,
		Address:  addr,
		Name:     rec.Name,
		Class:    rec.Class,
		Priority: rec.Priority,
		Slot:     idx,
	})
	return nil
}

// SetPriority changes a connected device's priority in place. It does not
// re-run admission: a lowered priority only matters to future evictions.
func (m *Multiplexer) SetPriority(addr bt.Addr, prio bt.Priority) error {
	if !prio.Valid() {
		return invalidf("priority %d outside the closed set", uint8(prio))
	}
	rec, old, idx, err := m.table.setPriority(addr, prio)
	if err != nil {
		return err
	}
	if old != prio {
		m.feed.publish(Event{
			Time:     m.clock.Now(),
			Kind:     EventPriorityChanged,
			Address:  addr,
			Name:     rec.Name,
			Class:    rec.Class,
			Priority: prio,
			Slot:     idx,
			Detail:   fmt.Sprintf("%s to %s", old, prio),
		})
	}
	return nil
}

// Connections returns copies of all occupied slots in slot order.
func (m *Multiplexer) Connections() []ConnectionRecord {
	return m.table.snapshot()
}

// Lookup returns a copy of the record for addr.
func (m *Multiplexer) Lookup(addr bt.Addr) (ConnectionRecord, error) {
	_, rec, ok := m.table.lookup(addr)
	if !ok {
		return ConnectionRecord{}, notFoundf(addr)
	}
	return rec, nil
}

// Stats aggregates the statistics block from a fresh slot snapshot plus the
// cumulative counters.
func (m *Multiplexer) Stats() StatsSnapshot {
	return aggregate(m.table.snapshot(), &m.counters, m.startedAt, m.clock.Now())
}

// Params returns the current optimization tunables.
func (m *Multiplexer) Params() OptimizationParams {
	return m.currentParams()
}

// SetParams applies a full or partial parameter update and returns the
// effective tunables. Invalid values leave the current parameters untouched.
func (m *Multiplexer) SetParams(patch ParamsPatch) (OptimizationParams, error) {
	m.paramsMu.Lock()
	next := m.params.apply(patch)
	if err := next.validate(); err != nil {
		m.paramsMu.Unlock()
		return OptimizationParams{}, err
	}
	m.params = next
	m.paramsMu.Unlock()

	select {
	case m.wakeCh <- struct{}{}:
	default:
	}

	m.log.WithFields(logrus.Fields{
		"mode":     next.Mode().String(),
		"interval": next.Interval.String(),
	}).Info("optimization parameters updated")

	m.feed.publish(Event{
		Time:   m.clock.Now(),
		Kind:   EventParamsUpdated,
		Slot:   -1,
		Detail: fmt.Sprintf("mode %s, interval %s", next.Mode(), next.Interval),
	})
	return next, nil
}

// Events returns the lifecycle feed. The feed drops its oldest entries when
// the consumer lags; it closes when the multiplexer closes.
func (m *Multiplexer) Events() <-chan Event {
	return m.feed.channel()
}

// Close stops the periodic pass and closes the event feed. Safe to call
// more than once. Connections are not torn down; the table simply stops
// optimizing.
func (m *Multiplexer) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		<-m.passDone
		m.feed.close()
	})
	return nil
}

func (m *Multiplexer) currentParams() OptimizationParams {
	m.paramsMu.RLock()
	defer m.paramsMu.RUnlock()
	return m.params
}

// passLoop drives the periodic optimization pass. A params update wakes the
// loop so cadence changes apply immediately; interval zero parks it.
func (m *Multiplexer) passLoop(ctx context.Context) {
	defer close(m.passDone)
	for {
		params := m.currentParams()

		var timer *time.Timer
		var tick <-chan time.Time
		if params.Interval > 0 {
			timer = time.NewTimer(params.Interval)
			tick = timer.C
		}

		select {
		case <-m.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-m.wakeCh:
			if timer != nil {
				timer.Stop()
			}
		case <-tick:
			m.runPass(params)
		}
	}
}

// runPass re-derives the advisory hints for every occupied record from its
// priority and recent traffic. Each touched record counts as one applied
// optimization.
func (m *Multiplexer) runPass(params OptimizationParams) {
	if params.Mode() != ModeOptimized {
		return
	}
	touched := 0
	for _, ir := range m.table.occupied() {
		plan := planPass(params, ir.Rec)
		if !plan.touched {
			continue
		}
		if m.table.mutate(ir.Index, ir.Rec.Address, func(r *ConnectionRecord) {
			if params.LatencyReduction {
				r.SchedulingBoost = plan.boost
			}
			if plan.hasDuty {
				r.DutyCycle = plan.duty
			}
			r.passPackets = r.PacketsProcessed
		}) {
			m.counters.optimizations.Add(1)
			touched++
		}
	}
	if touched > 0 {
		m.log.WithField("records", touched).Debug("optimization pass applied")
	}
}
