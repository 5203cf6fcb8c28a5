package main

import (
	"errors"
	"fmt"

	"github.com/srg/btmux/pkg/mux"
)

// FormatUserError converts internal errors into actionable messages.
// Errors without a known mapping pass through unchanged.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var muxErr *mux.Error
	if errors.As(err, &muxErr) {
		switch muxErr.Kind {
		case mux.KindAlreadyConnected:
			return fmt.Sprintf("%s (disconnect it first)", err.Error())
		case mux.KindCapacityExceeded:
			return fmt.Sprintf("%s (all slots are held by equal or higher priority devices)", err.Error())
		case mux.KindConnectionNotFound, mux.KindNotFound:
			return fmt.Sprintf("%s (check the device name or address)", err.Error())
		case mux.KindNotAnIoTDevice:
			return fmt.Sprintf("%s (commands work only for smart appliance classes)", err.Error())
		case mux.KindTransport:
			return fmt.Sprintf("%s (the device may be out of range or powered off)", err.Error())
		}
	}

	return err.Error()
}
