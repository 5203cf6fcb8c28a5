package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/btmux/pkg/mux"
)

// scriptedSource replays a fixed sequence of snapshots, repeating the last.
type scriptedSource struct {
	mu    sync.Mutex
	steps []mux.StatsSnapshot
	next  int
}

func (s *scriptedSource) Stats() mux.StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return mux.StatsSnapshot{}
	}
	snap := s.steps[s.next]
	if s.next < len(s.steps)-1 {
		s.next++
	}
	return snap
}

func TestObserveSetsGaugesAndCounters(t *testing.T) {
	src := &scriptedSource{steps: []mux.StatsSnapshot{
		{
			TotalConnections:      5,
			ActiveConnections:     3,
			TotalBytesTransferred: 120,
			TotalPacketsProcessed: 6,
			OptimizationsApplied:  4,
			ConnectionFailures:    1,
			Preemptions:           2,
			UptimeSeconds:         30,
		},
		{
			TotalConnections:      6,
			ActiveConnections:     2,
			TotalBytesTransferred: 80,
			TotalPacketsProcessed: 4,
			OptimizationsApplied:  9,
			ConnectionFailures:    1,
			Preemptions:           2,
			UptimeSeconds:         31,
		},
	}}
	e := New(src, nil)

	e.Observe()
	assert.InDelta(t, 3, testutil.ToFloat64(e.activeConnections), 0.001)
	assert.InDelta(t, 120, testutil.ToFloat64(e.slotBytes), 0.001)
	assert.InDelta(t, 6, testutil.ToFloat64(e.slotPackets), 0.001)
	assert.InDelta(t, 5, testutil.ToFloat64(e.connectionsTotal), 0.001)

	e.Observe()
	assert.InDelta(t, 2, testutil.ToFloat64(e.activeConnections), 0.001, "gauge follows the snapshot down")
	assert.InDelta(t, 80, testutil.ToFloat64(e.slotBytes), 0.001)
	assert.InDelta(t, 6, testutil.ToFloat64(e.connectionsTotal), 0.001, "counter advances by the delta")
	assert.InDelta(t, 9, testutil.ToFloat64(e.optimizationsTotal), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(e.failuresTotal), 0.001)
	assert.InDelta(t, 2, testutil.ToFloat64(e.preemptionsTotal), 0.001)
	assert.InDelta(t, 31, testutil.ToFloat64(e.uptimeSeconds), 0.001)
}

func TestCounterNeverMovesBackwards(t *testing.T) {
	src := &scriptedSource{steps: []mux.StatsSnapshot{
		{TotalConnections: 10},
		{TotalConnections: 3},
	}}
	e := New(src, nil)

	e.Observe()
	e.Observe()

	assert.InDelta(t, 10, testutil.ToFloat64(e.connectionsTotal), 0.001)
}

func TestFeedPumpCountsEventsByKind(t *testing.T) {
	e := New(&scriptedSource{}, nil)
	events := make(chan mux.Event, 8)
	e.Start(context.Background(), events)
	defer e.Stop()

	events <- mux.Event{Kind: mux.EventConnected}
	events <- mux.Event{Kind: mux.EventConnected}
	events <- mux.Event{Kind: mux.EventEvicted}
	close(events)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(e.eventsTotal.WithLabelValues(string(mux.EventConnected))) == 2
	}, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 1, testutil.ToFloat64(e.eventsTotal.WithLabelValues(string(mux.EventEvicted))), 0.001)
	assert.Zero(t, testutil.ToFloat64(e.eventsTotal.WithLabelValues(string(mux.EventDisconnected))))
}

func TestHandlerExposesSeries(t *testing.T) {
	e := New(&scriptedSource{steps: []mux.StatsSnapshot{{ActiveConnections: 1}}}, nil)
	e.Observe()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	e.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "btmux_active_connections 1"))
	assert.True(t, strings.Contains(body, `btmux_events_total{kind="connected"} 0`),
		"every event kind is materialized before the first event")
}

func TestStopWithoutStart(t *testing.T) {
	e := New(&scriptedSource{}, nil)
	e.Stop()
}
