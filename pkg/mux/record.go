package mux

import (
	"time"

	"github.com/srg/btmux/pkg/bt"
)

// MaxConnections is the fixed slot-table capacity. The table never grows.
const MaxConnections = 7

// MaxNameLen bounds the stored device name, in bytes. Longer names are
// truncated on admission.
const MaxNameLen = 247

// ConnectionRecord is one slot of the connection table. An empty slot is the
// zero value; Connected doubles as the occupancy marker.
type ConnectionRecord struct {
	Address  bt.Addr        `json:"address"`
	Name     string         `json:"name,omitempty"`
	Class    bt.DeviceClass `json:"class"`
	IoT      bool           `json:"iot"`
	Priority bt.Priority    `json:"priority"`

	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connected_at"`

	BytesTransferred uint64  `json:"bytes_transferred"`
	PacketsProcessed uint64  `json:"packets_processed"`
	SignalStrength   float64 `json:"signal_strength"`

	// Advisory outputs of the optimization pass. SchedulingBoost raises
	// dispatch preference (0..3); DutyCycle throttles the radio (0..1].
	SchedulingBoost uint8   `json:"scheduling_boost"`
	DutyCycle       float64 `json:"duty_cycle"`

	// packets seen by the previous periodic pass, for idle detection
	passPackets uint64
}

// truncateName clips s to MaxNameLen bytes without splitting a rune.
func truncateName(s string) string {
	if len(s) <= MaxNameLen {
		return s
	}
	cut := MaxNameLen
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}

// ConnectRequest describes a device asking for a slot.
type ConnectRequest struct {
	Address bt.Addr        `json:"address"`
	Name    string         `json:"name,omitempty"`
	Class   bt.DeviceClass `json:"class"`

	// IoT overrides Class.IsIoT() when the capability directory knows
	// better; leave nil to derive from Class.
	IoT *bool `json:"iot,omitempty"`

	// Priority nil means "infer from Class".
	Priority *bt.Priority `json:"priority,omitempty"`
}
