package loopback

import (
	"encoding/binary"
	"sync"

	"github.com/hedzr/go-ringbuf/v2/mpmc"

	"github.com/srg/btmux/pkg/bt"
)

const defaultRingSize = 256

// deviceState is the mutable appliance state an emulated peer exposes to IoT
// commands.
type deviceState struct {
	Power       bool
	Mode        int32
	Temperature int32
}

// Device is one emulated peer on the loopback transport. Outbound frames
// (device to host) sit in an overlapped ring, so a slow reader loses the
// oldest frames rather than blocking the device.
type Device struct {
	addr  bt.Addr
	name  string
	class bt.DeviceClass

	outbound mpmc.RichOverlappedRingBuffer[[]byte]

	mu      sync.Mutex
	state   deviceState
	pending []byte
	echo    bool
	offline bool
	quality float64

	bytesIn  uint64
	bytesOut uint64
	commands uint64
	overruns uint64
}

// DeviceOption tunes an emulated device at registration.
type DeviceOption func(*Device)

// WithName sets the advertised device name.
func WithName(name string) DeviceOption {
	return func(d *Device) { d.name = name }
}

// WithClass sets the device class the peer emulates.
func WithClass(class bt.DeviceClass) DeviceOption {
	return func(d *Device) { d.class = class }
}

// WithQuality sets the reported link quality in dBm.
func WithQuality(dbm float64) DeviceOption {
	return func(d *Device) { d.quality = dbm }
}

// WithEcho controls whether host writes bounce back to the host. Echo is on
// by default; a sink device turns it off.
func WithEcho(echo bool) DeviceOption {
	return func(d *Device) { d.echo = echo }
}

func newDevice(addr bt.Addr, opts ...DeviceOption) *Device {
	d := &Device{
		addr:     addr,
		name:     addr.String(),
		class:    bt.ClassGeneric,
		outbound: mpmc.NewOverlappedRingBuffer[[]byte](defaultRingSize),
		echo:     true,
		quality:  defaultQuality(addr),
	}
	d.state.Temperature = 21
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// defaultQuality derives a stable RSSI in the -80..-41 dBm band from the
// address, so unconfigured rosters still look plausible.
func defaultQuality(addr bt.Addr) float64 {
	return -80 + float64(uint64(addr)%40)
}

// Addr returns the device address.
func (d *Device) Addr() bt.Addr { return d.addr }

// Name returns the advertised name.
func (d *Device) Name() string { return d.name }

// Class returns the emulated device class.
func (d *Device) Class() bt.DeviceClass { return d.class }

// Capabilities describes the device for a capability directory.
func (d *Device) Capabilities() bt.Capabilities {
	return bt.Capabilities{Class: d.class, IoT: d.class.IsIoT()}
}

// SetOffline makes every transport operation against the device fail until
// it is brought back.
func (d *Device) SetOffline(offline bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offline = offline
}

// SetQuality updates the reported link quality in dBm.
func (d *Device) SetQuality(dbm float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quality = dbm
}

// State returns a copy of the appliance state.
func (d *Device) State() (power bool, mode, temperature int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Power, d.state.Mode, d.state.Temperature
}

// DeviceStats are the per-device traffic counters.
type DeviceStats struct {
	BytesIn  uint64
	BytesOut uint64
	Commands uint64
	Overruns uint64
}

// Stats returns a copy of the traffic counters.
func (d *Device) Stats() DeviceStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceStats{
		BytesIn:  d.bytesIn,
		BytesOut: d.bytesOut,
		Commands: d.commands,
		Overruns: d.overruns,
	}
}

// FeedHost queues device-initiated bytes for the host to read.
func (d *Device) FeedHost(data []byte) {
	if len(data) == 0 {
		return
	}
	d.enqueue(append([]byte(nil), data...))
}

func (d *Device) enqueue(frame []byte) {
	overwrites, err := d.outbound.EnqueueM(frame)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.overruns += uint64(overwrites)
	d.bytesOut += uint64(len(frame))
	d.mu.Unlock()
}

// accept consumes a host write. With echo on the bytes come back to the host.
func (d *Device) accept(p []byte) error {
	d.mu.Lock()
	if d.offline {
		d.mu.Unlock()
		return errOffline(d.addr)
	}
	d.bytesIn += uint64(len(p))
	echo := d.echo
	d.mu.Unlock()

	if echo {
		d.enqueue(append([]byte(nil), p...))
	}
	return nil
}

// drain moves queued outbound bytes into p, holding back the unread tail of
// a frame that did not fit.
func (d *Device) drain(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.offline {
		return 0, errOffline(d.addr)
	}

	n := 0
	for n < len(p) {
		if len(d.pending) == 0 {
			if d.outbound.IsEmpty() {
				break
			}
			frame, err := d.outbound.Dequeue()
			if err != nil {
				break
			}
			d.pending = frame
		}
		c := copy(p[n:], d.pending)
		d.pending = d.pending[c:]
		n += c
	}
	return n, nil
}

// command executes one decoded IoT envelope against the appliance state and
// builds the reply frame for query commands.
func (d *Device) command(env bt.Envelope) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.offline {
		return nil, errOffline(d.addr)
	}
	d.commands++
	d.bytesIn += uint64(bt.EnvelopeLen(len(env.Payload)))

	switch env.Command {
	case bt.CmdTurnOn:
		d.state.Power = true
	case bt.CmdTurnOff:
		d.state.Power = false
	case bt.CmdSetTemperature:
		d.state.Temperature = env.Param1
	case bt.CmdSetMode:
		d.state.Mode = env.Param1
	case bt.CmdGetStatus:
		reply := make([]byte, 9)
		if d.state.Power {
			reply[0] = 1
		}
		binary.BigEndian.PutUint32(reply[1:5], uint32(d.state.Mode))
		binary.BigEndian.PutUint32(reply[5:9], uint32(d.state.Temperature))
		return reply, nil
	case bt.CmdGetSensorData:
		reply := make([]byte, 8)
		binary.BigEndian.PutUint32(reply[0:4], uint32(d.state.Temperature))
		binary.BigEndian.PutUint32(reply[4:8], 45)
		return reply, nil
	}
	return nil, nil
}
