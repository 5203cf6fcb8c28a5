// Package bt holds the core Bluetooth domain types shared across the
// multiplexer: device addresses, device classes, priorities, and the IoT
// command envelope wire format.
package bt

import (
	"fmt"
	"strings"
)

// Addr is a 48-bit Bluetooth device address stored in the low bits of a
// uint64. The zero value means "no address" and never identifies a device.
type Addr uint64

const addrMask = 0xFFFFFFFFFFFF

// ParseAddr parses a textual device address. Accepted forms:
// "AA:BB:CC:DD:EE:FF", "AA-BB-CC-DD-EE-FF", or 12 bare hex digits.
func ParseAddr(s string) (Addr, error) {
	hex := strings.NewReplacer(":", "", "-", "").Replace(s)
	if len(hex) != 12 {
		return 0, fmt.Errorf("invalid device address %q: want 6 octets", s)
	}
	var a uint64
	for _, r := range hex {
		d, ok := hexDigit(r)
		if !ok {
			return 0, fmt.Errorf("invalid device address %q: bad hex digit %q", s, r)
		}
		a = a<<4 | uint64(d)
	}
	if a == 0 {
		return 0, fmt.Errorf("invalid device address %q: all-zero", s)
	}
	return Addr(a), nil
}

// MustParseAddr is ParseAddr that panics on error. For tests and fixtures.
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func hexDigit(r rune) (byte, bool) {
	switch {
	case r >= '0' && r <= '9':
		return byte(r - '0'), true
	case r >= 'a' && r <= 'f':
		return byte(r-'a') + 10, true
	case r >= 'A' && r <= 'F':
		return byte(r-'A') + 10, true
	}
	return 0, false
}

// IsZero reports whether the address is the "no address" zero value.
func (a Addr) IsZero() bool {
	return a&addrMask == 0
}

// String renders the canonical colon-separated upper-case form.
func (a Addr) String() string {
	v := uint64(a) & addrMask
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		byte(v>>40), byte(v>>32), byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// MarshalText implements encoding.TextMarshaler so addresses serialize in
// their canonical form.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Addr) UnmarshalText(text []byte) error {
	parsed, err := ParseAddr(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
