package mux

import "github.com/srg/btmux/pkg/bt"

// Conn is the data-path handle for one admitted device. It pins the
// (slot, address) pair assigned at admission; every operation re-validates
// the pair under the table guard, so a handle that lost its slot to a
// racing disconnect fails with ErrConnectionNotFound instead of touching a
// re-admitted stranger.
type Conn struct {
	mux  *Multiplexer
	addr bt.Addr
	idx  int
}

// Addr returns the device address this handle was admitted with.
func (c *Conn) Addr() bt.Addr { return c.addr }

// Slot returns the table index assigned at admission.
func (c *Conn) Slot() int { return c.idx }

// Read pulls available bytes from the device into p through the active
// optimization policy. It may block until the transport has data. A zero
// return with nil error means nothing was available and nothing was counted.
func (c *Conn) Read(p []byte) (int, error) {
	return c.mux.transfer(c.idx, c.addr, p, dirRead)
}

// Write pushes bytes toward the device through the active optimization
// policy. With bandwidth coalescing enabled only whole ATT chunks are
// accepted, so n may be short of len(p) with a nil error; callers resubmit
// the remainder. This is socket-style partial-write behavior, not
// io.Writer behavior.
func (c *Conn) Write(p []byte) (int, error) {
	return c.mux.transfer(c.idx, c.addr, p, dirWrite)
}

// Close releases the slot. Equivalent to Disconnect(c.Addr()).
func (c *Conn) Close() error {
	return c.mux.Disconnect(c.addr)
}

// transfer runs one data-path operation. The transport call happens outside
// the table guard; counter and hint application re-checks the (slot,
// address) pair and refuses to touch a slot the device no longer holds.
func (m *Multiplexer) transfer(idx int, addr bt.Addr, p []byte, dir transferDir) (int, error) {
	rec, ok := m.table.view(idx, addr)
	if !ok {
		return 0, connNotFoundf(addr, idx)
	}
	if len(p) == 0 {
		return 0, nil
	}

	params := m.currentParams()
	mode := params.Mode()

	var (
		n    int
		plan transferPlan
	)
	switch dir {
	case dirWrite:
		plan = planTransfer(mode, params, rec, len(p), dirWrite)
		sent, err := m.transport.Send(addr, p[:plan.effective])
		if err != nil {
			return 0, transportErr(err, "write to %s", addr)
		}
		n = sent
	default:
		got, err := m.transport.Recv(addr, p)
		if err != nil {
			return 0, transportErr(err, "read from %s", addr)
		}
		if got == 0 {
			return 0, nil
		}
		plan = planTransfer(mode, params, rec, got, dirRead)
		n = plan.effective
	}

	sample, hasSample := m.transport.LinkQuality(addr)
	alpha := params.alpha()

	if !m.table.mutate(idx, addr, func(r *ConnectionRecord) {
		r.BytesTransferred += uint64(n)
		r.PacketsProcessed++
		if plan.boost && r.SchedulingBoost < maxSchedulingBoost {
			r.SchedulingBoost++
		}
		if plan.hasDuty {
			r.DutyCycle = plan.duty
		}
		if hasSample {
			r.SignalStrength = smooth(r.SignalStrength, sample, alpha)
		}
	}) {
		return 0, connNotFoundf(addr, idx)
	}

	if plan.optimized {
		m.counters.optimizations.Add(1)
	}
	return n, nil
}
