package mux

import (
	"time"

	"github.com/srg/btmux/pkg/bt"
)

// Transport moves bytes between the multiplexer and a peer device. The
// multiplexer never holds the table guard across a Transport call.
//
// Implementations: the loopback transport for simulation and tests, the
// GATT adapter for real peripherals.
type Transport interface {
	// SendToDevice delivers one encoded IoT command frame and returns the
	// device's reply payload, if any.
	SendToDevice(addr bt.Addr, frame []byte) ([]byte, error)

	// Send pushes data-path bytes toward the device, returning how many
	// were accepted.
	Send(addr bt.Addr, p []byte) (int, error)

	// Recv pulls available data-path bytes from the device into p.
	Recv(addr bt.Addr, p []byte) (int, error)

	// LinkQuality reports the current link estimate in dBm when the
	// transport can measure it.
	LinkQuality(addr bt.Addr) (dbm float64, ok bool)
}

// Clock supplies admission timestamps and uptime. Tests inject a manual
// clock; production uses SystemClock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// CapabilityResolver answers what kind of device an address belongs to.
// Consulted only during admission, to normalize a candidate's declared
// class; a miss keeps the declaration.
type CapabilityResolver interface {
	Resolve(addr bt.Addr) (bt.Capabilities, bool)
}
