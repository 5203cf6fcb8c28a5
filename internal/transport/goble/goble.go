// Package goble adapts a live BLE radio to the multiplexer's transport
// contract. Each connected peer exposes a UART-style data service (one write
// characteristic, one notify characteristic) plus a vendor command
// characteristic that carries IoT envelopes; notifications land in a byte
// ring the host drains without blocking the radio callback.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/btmux/internal/groutine"
	"github.com/srg/btmux/pkg/bt"
)

const (
	// DefaultWriteChunkSize is the maximum number of bytes per write.
	// BLE 4.0/4.1 ATT_MTU of 23 bytes leaves 20 bytes of payload, so 20-byte
	// chunks stay compatible with every BLE version.
	DefaultWriteChunkSize = 20

	// DefaultWriteDelay paces consecutive chunks so the peripheral's receive
	// buffer keeps up.
	DefaultWriteDelay = 10 * time.Millisecond

	// DefaultConnectTimeout bounds dial plus profile discovery.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultRecvBuffer is the per-peer notification ring capacity in bytes.
	DefaultRecvBuffer = 4096
)

// UART-style data service layout plus the vendor command characteristic.
var (
	DataServiceUUID = ble.MustParse("6e400001b5a3f393e0a9e50e24dcca9e")
	WriteCharUUID   = ble.MustParse("6e400002b5a3f393e0a9e50e24dcca9e")
	NotifyCharUUID  = ble.MustParse("6e400003b5a3f393e0a9e50e24dcca9e")
	CommandCharUUID = ble.MustParse("6e400004b5a3f393e0a9e50e24dcca9e")
)

// peer is one dialed radio connection.
type peer struct {
	client  ble.Client
	write   *ble.Characteristic
	command *ble.Characteristic

	inbound *ringbuffer.RingBuffer
	dropped atomic.Uint64

	writeMu sync.Mutex
	gone    atomic.Bool
}

// Options tune the radio transport.
type Options struct {
	// ConnectTimeout bounds dial plus discovery. Zero means the default.
	ConnectTimeout time.Duration

	// RecvBuffer is the notification ring capacity per peer. Zero means the
	// default.
	RecvBuffer int
}

// Transport drives real BLE peers. Connect must succeed for an address
// before the multiplexer admits it; all methods are safe for concurrent use.
type Transport struct {
	logger         *logrus.Entry
	connectTimeout time.Duration
	recvBuffer     int

	mu    sync.RWMutex
	peers map[string]*peer
}

// New creates a radio transport. No radio contact happens until Connect.
func New(logger *logrus.Logger, opts *Options) *Transport {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	if opts == nil {
		opts = &Options{}
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	recvBuffer := opts.RecvBuffer
	if recvBuffer <= 0 {
		recvBuffer = DefaultRecvBuffer
	}
	return &Transport{
		logger:         logger.WithField("component", "goble"),
		connectTimeout: timeout,
		recvBuffer:     recvBuffer,
		peers:          make(map[string]*peer),
	}
}

// Connect dials addr, discovers the data service, and subscribes to its
// notify characteristic.
func (t *Transport) Connect(ctx context.Context, addr bt.Addr) error {
	key := addr.String()

	t.mu.RLock()
	_, exists := t.peers[key]
	t.mu.RUnlock()
	if exists {
		return fmt.Errorf("peer %s already dialed", addr)
	}

	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	dialCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	t.logger.WithField("address", key).Debug("dialing BLE device")
	client, err := ble.Dial(dialCtx, ble.NewAddr(key))
	if err != nil {
		return fmt.Errorf("failed to connect to device with address %q: %w", key, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("failed to cancel connection during discovery failure")
		}
		return fmt.Errorf("failed to discover profile: %w", err)
	}

	p := &peer{
		client:  client,
		inbound: ringbuffer.New(t.recvBuffer),
	}

	var notify *ble.Characteristic
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(DataServiceUUID) {
			continue
		}
		for _, char := range svc.Characteristics {
			switch {
			case char.UUID.Equal(WriteCharUUID):
				p.write = char
			case char.UUID.Equal(NotifyCharUUID):
				notify = char
			case char.UUID.Equal(CommandCharUUID):
				p.command = char
			}
		}
	}
	if p.write == nil || notify == nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("failed to cancel connection after missing characteristics")
		}
		return fmt.Errorf("device %s does not expose the data service", key)
	}

	err = client.Subscribe(notify, false, func(data []byte) {
		written, werr := p.inbound.Write(data)
		if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
			t.logger.WithField("error", werr).Warn("notification buffer write failed")
			return
		}
		if written < len(data) {
			p.dropped.Add(uint64(len(data) - written))
		}
	})
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("failed to cancel connection after subscribe failure")
		}
		return fmt.Errorf("failed to subscribe to notifications: %w", err)
	}

	// Platforms that surface link loss expose a Disconnected channel.
	if watcher, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), t.logger, "ble-link-watch", func(context.Context) {
			<-watcher.Disconnected()
			p.gone.Store(true)
			t.logger.WithField("address", key).Warn("radio reported link loss")
		})
	}

	t.mu.Lock()
	t.peers[key] = p
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"address":  key,
		"services": len(profile.Services),
	}).Info("BLE peer connected")
	return nil
}

// Disconnect tears down the radio link to addr.
func (t *Transport) Disconnect(addr bt.Addr) error {
	key := addr.String()

	t.mu.Lock()
	p, ok := t.peers[key]
	delete(t.peers, key)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no peer at %s", addr)
	}

	p.gone.Store(true)
	err := p.client.CancelConnection()
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": key,
			"error":   err,
		}).Warn("BLE peer disconnected with errors")
		return err
	}
	t.logger.WithField("address", key).Info("BLE peer disconnected")
	return nil
}

// Close disconnects every peer.
func (t *Transport) Close() error {
	t.mu.Lock()
	peers := t.peers
	t.peers = make(map[string]*peer)
	t.mu.Unlock()

	var firstErr error
	for key, p := range peers {
		p.gone.Store(true)
		if err := p.client.CancelConnection(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("disconnecting %s: %w", key, err)
		}
	}
	return firstErr
}

// Dropped reports notification bytes lost to a full ring for addr.
func (t *Transport) Dropped(addr bt.Addr) uint64 {
	p, err := t.peer(addr)
	if err != nil {
		return 0
	}
	return p.dropped.Load()
}

func (t *Transport) peer(addr bt.Addr) (*peer, error) {
	t.mu.RLock()
	p, ok := t.peers[addr.String()]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no peer at %s", addr)
	}
	if p.gone.Load() {
		return nil, fmt.Errorf("peer %s lost its link", addr)
	}
	return p, nil
}

// SendToDevice writes one IoT envelope frame to the command characteristic
// and reads the reply back for query commands.
func (t *Transport) SendToDevice(addr bt.Addr, frame []byte) ([]byte, error) {
	p, err := t.peer(addr)
	if err != nil {
		return nil, err
	}
	if p.command == nil {
		return nil, fmt.Errorf("device %s exposes no command characteristic", addr)
	}

	var env bt.Envelope
	if err := env.UnmarshalBinary(frame); err != nil {
		return nil, fmt.Errorf("frame for %s: %w", addr, err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.client.WriteCharacteristic(p.command, frame, false); err != nil {
		return nil, fmt.Errorf("failed to write command to %s: %w", addr, err)
	}

	switch env.Command {
	case bt.CmdGetStatus, bt.CmdGetSensorData:
		reply, err := p.client.ReadCharacteristic(p.command)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s reply from %s: %w", env.Command, addr, err)
		}
		return reply, nil
	}
	return nil, nil
}

// Send pushes p toward the device in paced ATT-sized chunks. The whole
// buffer is delivered or an error is returned.
func (t *Transport) Send(addr bt.Addr, data []byte) (int, error) {
	pr, err := t.peer(addr)
	if err != nil {
		return 0, err
	}

	pr.writeMu.Lock()
	defer pr.writeMu.Unlock()

	sent := 0
	for len(data) > 0 {
		n := len(data)
		if n > DefaultWriteChunkSize {
			n = DefaultWriteChunkSize
		}
		if err := pr.client.WriteCharacteristic(pr.write, data[:n], true); err != nil {
			return sent, fmt.Errorf("failed to write to %s: %w", addr, err)
		}
		sent += n
		data = data[n:]
		time.Sleep(DefaultWriteDelay)
	}
	return sent, nil
}

// Recv drains buffered notification bytes into p without blocking.
func (t *Transport) Recv(addr bt.Addr, p []byte) (int, error) {
	pr, err := t.peer(addr)
	if err != nil {
		return 0, err
	}
	n, err := pr.inbound.TryRead(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, fmt.Errorf("failed to read from %s: %w", addr, err)
	}
	return n, nil
}

// LinkQuality reports the peer's RSSI in dBm.
func (t *Transport) LinkQuality(addr bt.Addr) (float64, bool) {
	p, err := t.peer(addr)
	if err != nil {
		return 0, false
	}
	return float64(p.client.ReadRSSI()), true
}
