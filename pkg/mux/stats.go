package mux

import (
	"sync/atomic"
	"time"
)

// counters are the cumulative event counters. They are incremented at their
// event sites while the table guard happens to be held, but reads are plain
// atomics so reporting never touches the guard; values are eventually
// consistent with the table.
type counters struct {
	totalConnections   atomic.Uint64
	connectionFailures atomic.Uint64
	preemptions        atomic.Uint64
	optimizations      atomic.Uint64
}

// StatsSnapshot is the aggregated statistics block returned by Stats().
//
// ActiveConnections and the byte/packet totals are recomputed from the slot
// snapshot, so a departed device's traffic leaves the totals; the remaining
// counters are cumulative since start.
type StatsSnapshot struct {
	TotalConnections      uint64  `json:"total_connections"`
	ActiveConnections     uint64  `json:"active_connections"`
	TotalBytesTransferred uint64  `json:"total_bytes_transferred"`
	TotalPacketsProcessed uint64  `json:"total_packets_processed"`
	OptimizationsApplied  uint64  `json:"optimizations_applied"`
	ConnectionFailures    uint64  `json:"connection_failures"`
	Preemptions           uint64  `json:"preemptions"`
	UptimeSeconds         float64 `json:"uptime_seconds"`
}

// aggregate recomputes the reported statistics from a slot snapshot plus the
// cumulative counters.
func aggregate(snapshot []ConnectionRecord, c *counters, startedAt, now time.Time) StatsSnapshot {
	s := StatsSnapshot{
		TotalConnections:     c.totalConnections.Load(),
		OptimizationsApplied: c.optimizations.Load(),
		ConnectionFailures:   c.connectionFailures.Load(),
		Preemptions:          c.preemptions.Load(),
		UptimeSeconds:        now.Sub(startedAt).Seconds(),
	}
	for _, rec := range snapshot {
		if !rec.Connected {
			continue
		}
		s.ActiveConnections++
		s.TotalBytesTransferred += rec.BytesTransferred
		s.TotalPacketsProcessed += rec.PacketsProcessed
	}
	return s
}
