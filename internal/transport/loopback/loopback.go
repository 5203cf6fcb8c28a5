// Package loopback provides an in-process transport of emulated devices.
// Host writes bounce back (or sink), IoT envelopes execute against a small
// appliance state machine, and link quality is stable per address, so
// simulations and tests run without a radio.
package loopback

import (
	"fmt"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/btmux/pkg/bt"
)

func errOffline(addr bt.Addr) error {
	return fmt.Errorf("device %s is offline", addr)
}

// Transport is a loopback device fabric. It satisfies the multiplexer's
// transport contract; all methods are safe for concurrent use.
type Transport struct {
	devices *hashmap.Map[string, *Device]
	logger  *logrus.Entry
}

// New creates an empty loopback fabric.
func New(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Transport{
		devices: hashmap.New[string, *Device](),
		logger:  logger.WithField("component", "loopback"),
	}
}

// AddDevice registers an emulated device and returns its handle for
// scripting. Re-adding an address replaces the previous device.
func (t *Transport) AddDevice(addr bt.Addr, opts ...DeviceOption) *Device {
	dev := newDevice(addr, opts...)
	t.devices.Set(addr.String(), dev)
	t.logger.WithFields(logrus.Fields{
		"address": addr.String(),
		"name":    dev.Name(),
		"class":   dev.Class().String(),
	}).Debug("device registered")
	return dev
}

// RemoveDevice drops the emulated device at addr.
func (t *Transport) RemoveDevice(addr bt.Addr) {
	t.devices.Del(addr.String())
}

// Device returns the handle for addr.
func (t *Transport) Device(addr bt.Addr) (*Device, bool) {
	return t.devices.Get(addr.String())
}

// Devices returns a snapshot of all registered device handles.
func (t *Transport) Devices() []*Device {
	out := make([]*Device, 0, t.devices.Len())
	t.devices.Range(func(_ string, dev *Device) bool {
		out = append(out, dev)
		return true
	})
	return out
}

// SendToDevice delivers one encoded IoT command frame and returns the
// device's reply, if the command produces one.
func (t *Transport) SendToDevice(addr bt.Addr, frame []byte) ([]byte, error) {
	dev, ok := t.devices.Get(addr.String())
	if !ok {
		return nil, fmt.Errorf("no device at %s", addr)
	}
	var env bt.Envelope
	if err := env.UnmarshalBinary(frame); err != nil {
		return nil, fmt.Errorf("frame for %s: %w", addr, err)
	}
	return dev.command(env)
}

// Send pushes p toward the device. The whole buffer is accepted.
func (t *Transport) Send(addr bt.Addr, p []byte) (int, error) {
	dev, ok := t.devices.Get(addr.String())
	if !ok {
		return 0, fmt.Errorf("no device at %s", addr)
	}
	if err := dev.accept(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Recv pulls queued device bytes into p without blocking. Zero means the
// device has nothing pending.
func (t *Transport) Recv(addr bt.Addr, p []byte) (int, error) {
	dev, ok := t.devices.Get(addr.String())
	if !ok {
		return 0, fmt.Errorf("no device at %s", addr)
	}
	return dev.drain(p)
}

// LinkQuality reports the device's current RSSI in dBm.
func (t *Transport) LinkQuality(addr bt.Addr) (float64, bool) {
	dev, ok := t.devices.Get(addr.String())
	if !ok {
		return 0, false
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.offline {
		return 0, false
	}
	return dev.quality, true
}
