// Package console exposes a device connection as a pseudo-terminal. External
// programs open the slave side (or a symlink to it) and talk to the device
// with plain reads and writes; two pump loops shuttle bytes between the PTY
// master and the connection.
//
// Bytes headed to the device pass through a ring buffer, so a burst from the
// terminal is absorbed even while the connection accepts chunk-aligned
// partial writes. The device side is drained with a resubmit loop: a short
// write is not an error, the remainder goes back in.
package console

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/btmux/internal/groutine"
)

const (
	// DefaultDeviceBuffer is the ring capacity for bytes waiting on the
	// device, in bytes.
	DefaultDeviceBuffer = 4096

	// DefaultPollTimeoutMs bounds how long the pump loops wait for PTY
	// readiness before rechecking cancellation.
	DefaultPollTimeoutMs = 50

	// deviceIdleSleep paces the device read loop when the connection has
	// nothing pending.
	deviceIdleSleep = 5 * time.Millisecond
)

// DeviceConn is the connection surface the bridge pumps against. Write may
// accept fewer bytes than offered with a nil error; the bridge resubmits the
// remainder.
type DeviceConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Options configure Attach.
type Options struct {
	// Logger receives structured logs. Nil means silent.
	Logger *logrus.Logger

	// DeviceBuffer is the terminal-to-device ring capacity. Non-positive
	// means DefaultDeviceBuffer.
	DeviceBuffer int

	// PollTimeoutMs overrides the PTY poll timeout. Non-positive means
	// DefaultPollTimeoutMs.
	PollTimeoutMs int

	// SymlinkPath, when set, creates a stable symlink to the slave device
	// (e.g. /tmp/btmux-headset). Removed on Close.
	SymlinkPath string
}

// Stats are the bridge traffic counters.
type Stats struct {
	ToDeviceBytes   uint64
	FromDeviceBytes uint64
	DroppedBytes    uint64
}

// Bridge is a running PTY bridge. Close tears down the PTY pair and stops
// the pumps; the device connection itself is left open.
type Bridge struct {
	logger  *logrus.Entry
	conn    DeviceConn
	master  *os.File
	slave   *os.File
	ttyName string
	symlink string

	outbound      *ringbuffer.RingBuffer
	pollTimeoutMs int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	toDevice   atomic.Uint64
	fromDevice atomic.Uint64
	dropped    atomic.Uint64
}

// Attach creates a PTY pair and starts pumping between its master side and
// conn. The returned bridge reports the slave path via TTYName.
func Attach(conn DeviceConn, opts *Options) (*Bridge, error) {
	if conn == nil {
		return nil, fmt.Errorf("device connection is required")
	}
	if opts == nil {
		opts = &Options{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}

	bufSize := opts.DeviceBuffer
	if bufSize <= 0 {
		bufSize = DefaultDeviceBuffer
	}
	pollTimeout := opts.PollTimeoutMs
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeoutMs
	}

	master, slave, err := openRawPTY()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		logger:        logger.WithField("component", "console"),
		conn:          conn,
		master:        master,
		slave:         slave,
		ttyName:       slave.Name(),
		outbound:      ringbuffer.New(bufSize),
		pollTimeoutMs: pollTimeout,
		ctx:           ctx,
		cancel:        cancel,
	}

	if opts.SymlinkPath != "" {
		if err := os.Symlink(b.ttyName, opts.SymlinkPath); err != nil {
			cancel()
			_ = master.Close()
			_ = slave.Close()
			return nil, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.SymlinkPath, b.ttyName, err)
		}
		b.symlink = opts.SymlinkPath
	}

	b.wg.Add(2)
	groutine.Go(ctx, b.logger, "console-tty-pump", b.ttyPump)
	groutine.Go(ctx, b.logger, "console-device-pump", b.devicePump)

	b.logger.WithField("tty", b.ttyName).Info("console bridge attached")
	return b, nil
}

// openRawPTY creates a master/slave pair with the slave in raw mode and the
// master nonblocking, so the pump loops can poll it.
func openRawPTY() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY: %w", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, fmt.Errorf("failed to set %s to raw mode: %w", slave.Name(), err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, fmt.Errorf("failed to set PTY master nonblocking: %w", err)
	}
	return master, slave, nil
}

// TTYName returns the slave device path, e.g. /dev/pts/3.
func (b *Bridge) TTYName() string { return b.ttyName }

// Symlink returns the symlink path, empty if none was requested.
func (b *Bridge) Symlink() string { return b.symlink }

// Stats returns the current traffic counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		ToDeviceBytes:   b.toDevice.Load(),
		FromDeviceBytes: b.fromDevice.Load(),
		DroppedBytes:    b.dropped.Load(),
	}
}

// Close stops the pumps and releases the PTY pair. Safe to call more than
// once.
func (b *Bridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()

	// Closing the FDs turns blocked PTY I/O into EBADF so the pumps exit.
	if err := b.master.Close(); err != nil {
		b.logger.WithField("error", err).Warn("failed to close PTY master")
	}
	if err := b.slave.Close(); err != nil {
		b.logger.WithField("error", err).Warn("failed to close PTY slave")
	}

	if b.symlink != "" {
		if err := os.Remove(b.symlink); err != nil {
			b.logger.WithFields(logrus.Fields{
				"symlink": b.symlink,
				"error":   err,
			}).Warn("failed to remove tty symlink")
		}
	}

	b.wg.Wait()
	b.logger.Info("console bridge closed")
	return nil
}

// ttyPump moves bytes typed into the terminal toward the device: PTY master
// into the ring, then the ring into the connection.
func (b *Bridge) ttyPump(context.Context) {
	defer b.wg.Done()

	fd := int(b.master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	buf := make([]byte, 4096)
	chunk := make([]byte, 1024)

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		nReady, err := unix.Poll(pollFd, b.pollTimeoutMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			b.logger.WithField("error", err).Warn("tty pump poll error")
		}
		if nReady > 0 {
			n, err := b.master.Read(buf)
			if n > 0 {
				written, werr := b.outbound.Write(buf[:n])
				if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
					b.logger.WithField("error", werr).Warn("tty pump buffer error")
				}
				if written < n {
					b.dropped.Add(uint64(n - written))
					b.logger.WithField("dropped", n-written).Warn("terminal burst overflowed device buffer")
				}
			}
			if err != nil && !ignorablePTYError(err) {
				b.logger.WithField("error", err).Debug("tty pump exiting")
				return
			}
		}

		for {
			n, err := b.outbound.TryRead(chunk)
			if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
				break
			}
			if err := b.flushToDevice(chunk[:n]); err != nil {
				b.logger.WithField("error", err).Warn("device write failed, closing tty pump")
				return
			}
		}
	}
}

// flushToDevice resubmits until the connection has taken every byte.
func (b *Bridge) flushToDevice(data []byte) error {
	for len(data) > 0 {
		n, err := b.conn.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("device connection made no progress")
		}
		b.toDevice.Add(uint64(n))
		data = data[n:]
	}
	return nil
}

// devicePump moves bytes arriving from the device onto the terminal.
func (b *Bridge) devicePump(context.Context) {
	defer b.wg.Done()

	buf := make([]byte, 4096)
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		n, err := b.conn.Read(buf)
		if err != nil {
			b.logger.WithField("error", err).Warn("device read failed, closing device pump")
			return
		}
		if n == 0 {
			time.Sleep(deviceIdleSleep)
			continue
		}
		if err := b.writeToTTY(buf[:n]); err != nil {
			b.logger.WithField("error", err).Debug("device pump exiting")
			return
		}
		b.fromDevice.Add(uint64(n))
	}
}

// writeToTTY pushes data into the nonblocking master, polling for writability
// when the terminal side backs up.
func (b *Bridge) writeToTTY(data []byte) error {
	fd := int(b.master.Fd())
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}

	for len(data) > 0 {
		n, err := b.master.Write(data)
		if n > 0 {
			data = data[n:]
		}
		if err != nil {
			switch {
			case errors.Is(err, syscall.EINTR):
				continue
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
				if _, pollErr := unix.Poll(pollFd, b.pollTimeoutMs); pollErr != nil && !errors.Is(pollErr, syscall.EINTR) {
					b.logger.WithField("error", pollErr).Warn("device pump poll error")
				}
				continue
			default:
				return err
			}
		}
	}
	return nil
}

// ignorablePTYError reports whether a PTY read error is part of normal
// nonblocking operation rather than a reason to stop the pump.
func ignorablePTYError(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK) ||
		errors.Is(err, syscall.EINTR)
}
