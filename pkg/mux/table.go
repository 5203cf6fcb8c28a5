package mux

import (
	"sync"

	"github.com/srg/btmux/pkg/bt"
)

// slotTable is the fixed seven-slot connection table. One exclusive lock
// covers every slot; there are no per-slot locks and no lock-free fast
// paths. All methods that touch slots take the lock, including reads that
// need a consistent view.
type slotTable struct {
	mu    sync.Mutex
	slots [MaxConnections]ConnectionRecord
}

// indexedRecord pairs a record copy with the slot it came from.
type indexedRecord struct {
	Index int
	Rec   ConnectionRecord
}

// lookup returns the slot index and a copy of the record for addr.
func (t *slotTable) lookup(addr bt.Addr) (int, ConnectionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.indexOf(addr); i >= 0 {
		return i, t.slots[i], true
	}
	return -1, ConnectionRecord{}, false
}

// snapshot copies every occupied record in slot order.
func (t *slotTable) snapshot() []ConnectionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ConnectionRecord, 0, MaxConnections)
	for i := range t.slots {
		if t.slots[i].Connected {
			out = append(out, t.slots[i])
		}
	}
	return out
}

// occupied is snapshot plus slot indices, for the periodic pass.
func (t *slotTable) occupied() []indexedRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]indexedRecord, 0, MaxConnections)
	for i := range t.slots {
		if t.slots[i].Connected {
			out = append(out, indexedRecord{Index: i, Rec: t.slots[i]})
		}
	}
	return out
}

// admit places the candidate record per the priority admission policy:
//
//  1. A duplicate address fails without touching the existing record.
//  2. Otherwise the lowest-indexed empty slot wins.
//  3. With a full table, the least important occupant strictly below the
//     candidate's priority is evicted: numerically highest priority value
//     first, oldest ConnectedAt among those, lowest index on a timestamp
//     tie.
//  4. No such occupant: the admission fails with CapacityExceeded.
//
// On success the returned index holds the candidate; evicted is non-nil
// when step 3 removed an occupant.
func (t *slotTable) admit(rec ConnectionRecord) (idx int, evicted *ConnectionRecord, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i := t.indexOf(rec.Address); i >= 0 {
		return -1, nil, errf(KindAlreadyConnected, "%s already in slot %d", rec.Address, i)
	}

	for i := range t.slots {
		if !t.slots[i].Connected {
			t.slots[i] = rec
			return i, nil, nil
		}
	}

	victim := t.victimFor(rec.Priority)
	if victim < 0 {
		return -1, nil, errf(KindCapacityExceeded,
			"all %d slots busy at priority %v or above", MaxConnections, rec.Priority)
	}
	old := t.slots[victim]
	t.slots[victim] = rec
	return victim, &old, nil
}

// victimFor picks the slot to evict for a candidate at prio, or -1 when
// every occupant is at least as important.
func (t *slotTable) victimFor(prio bt.Priority) int {
	victim := -1
	for i := range t.slots {
		rec := &t.slots[i]
		if !prio.Outranks(rec.Priority) {
			continue
		}
		if victim < 0 {
			victim = i
			continue
		}
		best := &t.slots[victim]
		switch {
		case rec.Priority > best.Priority:
			victim = i
		case rec.Priority == best.Priority && rec.ConnectedAt.Before(best.ConnectedAt):
			victim = i
		}
	}
	return victim
}

// remove vacates the slot held by addr and returns the departed record.
func (t *slotTable) remove(addr bt.Addr) (ConnectionRecord, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexOf(addr)
	if i < 0 {
		return ConnectionRecord{}, -1, notFoundf(addr)
	}
	old := t.slots[i]
	t.slots[i] = ConnectionRecord{}
	return old, i, nil
}

// view returns a copy of the slot at idx if it still holds addr.
func (t *slotTable) view(idx int, addr bt.Addr) (ConnectionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= MaxConnections {
		return ConnectionRecord{}, false
	}
	rec := t.slots[idx]
	if !rec.Connected || rec.Address != addr {
		return ConnectionRecord{}, false
	}
	return rec, true
}

// mutate applies fn to the slot at idx if it still holds addr. The
// (index, address) pair is re-checked under the lock so a mutation that
// raced a remove (and possibly a re-admission elsewhere) is refused.
func (t *slotTable) mutate(idx int, addr bt.Addr, fn func(*ConnectionRecord)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= MaxConnections {
		return false
	}
	rec := &t.slots[idx]
	if !rec.Connected || rec.Address != addr {
		return false
	}
	fn(rec)
	return true
}

// setPriority updates the priority in place and returns the previous value.
// Admission decisions already made are not revisited.
func (t *slotTable) setPriority(addr bt.Addr, prio bt.Priority) (ConnectionRecord, bt.Priority, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexOf(addr)
	if i < 0 {
		return ConnectionRecord{}, 0, -1, notFoundf(addr)
	}
	old := t.slots[i].Priority
	t.slots[i].Priority = prio
	return t.slots[i], old, i, nil
}

// indexOf must be called with the lock held.
func (t *slotTable) indexOf(addr bt.Addr) int {
	for i := range t.slots {
		if t.slots[i].Connected && t.slots[i].Address == addr {
			return i
		}
	}
	return -1
}
