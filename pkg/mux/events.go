package mux

import (
	"sync"
	"time"

	"github.com/srg/btmux/internal/ringchan"
	"github.com/srg/btmux/pkg/bt"
)

// EventKind labels a lifecycle event on the feed.
type EventKind string

const (
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventEvicted         EventKind = "evicted"
	EventPriorityChanged EventKind = "priority_changed"
	EventParamsUpdated   EventKind = "params_updated"
	EventCommandSent     EventKind = "command_sent"
)

// Event is one entry on the lifecycle feed. Slot is -1 when the event is not
// tied to a slot (parameter updates).
type Event struct {
	Time     time.Time      `json:"time"`
	Kind     EventKind      `json:"kind"`
	Address  bt.Addr        `json:"address,omitempty"`
	Name     string         `json:"name,omitempty"`
	Class    bt.DeviceClass `json:"class"`
	Priority bt.Priority    `json:"priority"`
	Slot     int            `json:"slot"`
	Detail   string         `json:"detail,omitempty"`
}

// eventFeed publishes events with drop-oldest semantics so a slow consumer
// never stalls the table. Publishing after Close is a no-op.
type eventFeed struct {
	ring   *ringchan.RingChannel[Event]
	mu     sync.RWMutex
	closed bool
}

func newEventFeed(capacity int) *eventFeed {
	return &eventFeed{ring: ringchan.New[Event](capacity)}
}

func (f *eventFeed) publish(ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	f.ring.Send(ev)
}

func (f *eventFeed) channel() <-chan Event {
	return f.ring.C()
}

func (f *eventFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.ring.Close()
}
