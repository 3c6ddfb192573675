package hazard

import "sync/atomic"

// SlotState is the lifecycle of one protection slot.
type SlotState uint8

const (
	SlotFree SlotState = iota
	SlotReserved
	SlotActive
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotReserved:
		return "reserved"
	case SlotActive:
		return "active"
	default:
		return "unknown"
	}
}

// Slot is a single hazard pointer owned by one thread. The protected
// address lives in an atomic so a concurrent scan observes the
// publication made by Protect.
type Slot struct {
	ID       uint64
	ThreadID uint64

	state        SlotState
	addr         atomic.Uint64
	acquireNS    int64
	protectCount uint64
}

func newSlot(id, threadID uint64) *Slot {
	return &Slot{ID: id, ThreadID: threadID}
}

// protect publishes addr and marks the slot active. The caller must
// ensure this happens before dereferencing addr.
func (s *Slot) protect(addr uint64, nowNS int64) {
	s.addr.Store(addr)
	s.state = SlotActive
	s.acquireNS = nowNS
	s.protectCount++
}

func (s *Slot) release() {
	s.state = SlotFree
	s.addr.Store(0)
}

// IsProtecting reports whether the slot actively protects addr.
func (s *Slot) IsProtecting(addr uint64) bool {
	return s.state == SlotActive && s.addr.Load() == addr
}

// HoldDurationNS is zero for inactive slots.
func (s *Slot) HoldDurationNS(nowNS int64) int64 {
	if s.state != SlotActive {
		return 0
	}
	d := nowNS - s.acquireNS
	if d < 0 {
		return 0
	}
	return d
}

// State returns the slot lifecycle state.
func (s *Slot) State() SlotState { return s.state }

// ProtectCount reports how many times the slot has been armed.
func (s *Slot) ProtectCount() uint64 { return s.protectCount }

// RetiredNode is memory logically freed but not yet provably
// unreferenced.
type RetiredNode struct {
	Addr        uint64
	SizeBytes   uint64
	RetireEpoch uint64
	OwnerThread uint64
	RetireNS    int64
}
