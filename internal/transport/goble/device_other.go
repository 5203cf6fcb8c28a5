//go:build !darwin

package goble

import (
	"errors"

	"github.com/go-ble/ble"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
var DeviceFactory = func() (ble.Device, error) {
	return nil, errors.New("goble: live BLE radio requires darwin")
}
