// Package ringchan provides a bounded channel-like buffer with
// overwrite-oldest semantics. Producers never block: when the buffer is
// full the oldest element is discarded to make room.
package ringchan

import "sync/atomic"

// RingChannel wraps a buffered channel so that slow consumers cost dropped
// elements instead of stalled producers. Readers either range over C() or
// call Receive/TryReceive when they want the Received counter maintained.
type RingChannel[T any] struct {
	ch    chan T
	stats Stats
}

// Stats tracks ring channel traffic. All counters are atomic.
type Stats struct {
	Sent     atomic.Int64
	Dropped  atomic.Int64
	Received atomic.Int64
}

// New creates a RingChannel with the given capacity. Capacity must be
// positive.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Reads through C bypass the
// Received counter.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest buffered element when full. Reports
// whether an element was discarded. Never blocks indefinitely.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	for {
		select {
		case rc.ch <- v:
			rc.stats.Sent.Add(1)
			return dropped
		default:
		}
		select {
		case <-rc.ch:
			rc.stats.Dropped.Add(1)
			dropped = true
		default:
			// consumer drained it first, retry the send
		}
	}
}

// TrySend inserts v only when there is room. Reports success.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.stats.Sent.Add(1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the channel is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.stats.Received.Add(1)
	}
	return v, ok
}

// TryReceive performs a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.stats.Received.Add(1)
		}
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int { return len(rc.ch) }

// Cap returns the buffer capacity.
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close closes the channel. Sending after Close panics; the owner must
// serialize Close against producers.
func (rc *RingChannel[T]) Close() { close(rc.ch) }

// Snapshot returns current counter values.
func (rc *RingChannel[T]) Snapshot() (sent, dropped, received int64) {
	return rc.stats.Sent.Load(), rc.stats.Dropped.Load(), rc.stats.Received.Load()
}
