package mux

import (
	"fmt"

	"github.com/srg/btmux/pkg/bt"
)

// ErrorKind classifies multiplexer failures. Callers match kinds with
// errors.Is against the exported sentinels rather than inspecting strings.
type ErrorKind string

const (
	KindAlreadyConnected   ErrorKind = "already_connected"
	KindCapacityExceeded   ErrorKind = "capacity_exceeded"
	KindNotFound           ErrorKind = "not_found"
	KindConnectionNotFound ErrorKind = "connection_not_found"
	KindInvalidParameter   ErrorKind = "invalid_parameter"
	KindUnsupportedCommand ErrorKind = "unsupported_command"
	KindNotAnIoTDevice     ErrorKind = "not_an_iot_device"
	KindTransport          ErrorKind = "transport"
)

// Error is the typed error returned by every multiplexer operation.
type Error struct {
	Kind  ErrorKind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	default:
		return string(e.Kind)
	}
}

// Is matches any *Error carrying the same kind, so
// errors.Is(err, ErrCapacityExceeded) works regardless of message detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Unwrap exposes the transport cause for errors.As / errors.Is chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Kind-level sentinels for errors.Is matching.
var (
	// ErrAlreadyConnected: the candidate address already occupies a slot.
	ErrAlreadyConnected = &Error{Kind: KindAlreadyConnected}

	// ErrCapacityExceeded: the table is full and no occupant is evictable.
	ErrCapacityExceeded = &Error{Kind: KindCapacityExceeded}

	// ErrNotFound: the addressed device occupies no slot.
	ErrNotFound = &Error{Kind: KindNotFound}

	// ErrConnectionNotFound: a data-path or command operation raced a
	// disconnect; the slot no longer holds the addressed device.
	ErrConnectionNotFound = &Error{Kind: KindConnectionNotFound}

	// ErrInvalidParameter: a request field is outside its accepted domain.
	ErrInvalidParameter = &Error{Kind: KindInvalidParameter}

	// ErrUnsupportedCommand: the command code is outside the closed IoT set.
	ErrUnsupportedCommand = &Error{Kind: KindUnsupportedCommand}

	// ErrNotAnIoTDevice: the target slot holds a non-IoT device.
	ErrNotAnIoTDevice = &Error{Kind: KindNotAnIoTDevice}

	// ErrTransport: the transport sender failed; the cause is wrapped.
	ErrTransport = &Error{Kind: KindTransport}
)

func errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func invalidf(format string, args ...any) *Error {
	return errf(KindInvalidParameter, format, args...)
}

func notFoundf(addr bt.Addr) *Error {
	return errf(KindNotFound, "no connection for %s", addr)
}

func connNotFoundf(addr bt.Addr, slot int) *Error {
	return errf(KindConnectionNotFound, "slot %d no longer holds %s", slot, addr)
}

func transportErr(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindTransport, Msg: fmt.Sprintf(format, args...), Cause: cause}
}
