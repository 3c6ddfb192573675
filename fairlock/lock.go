package fairlock

import (
	"sync"

	"fenrir/infra/sequence"
)

// Policy selects the waiter-ordering discipline. Closed set.
type Policy uint8

const (
	// PolicyFifo grants strictly in arrival order.
	PolicyFifo Policy = iota
	// PolicyTicket is FIFO with explicit ticket numbers.
	PolicyTicket
	// PolicyPriorityAging grants the highest effective priority;
	// AgeWaiters raises long waiters so nobody starves.
	PolicyPriorityAging
	// PolicyRwWriterPref favors waiting writers over new readers.
	PolicyRwWriterPref
)

func (p Policy) String() string {
	switch p {
	case PolicyFifo:
		return "fifo"
	case PolicyTicket:
		return "ticket"
	case PolicyPriorityAging:
		return "priority-aging"
	case PolicyRwWriterPref:
		return "rw-writer-pref"
	default:
		return "unknown"
	}
}

// HoldType distinguishes exclusive from shared acquisition.
type HoldType uint8

const (
	HoldExclusive HoldType = iota
	HoldShared
)

// DefaultStarvationThresholdNS flags waits longer than 100ms.
const DefaultStarvationThresholdNS = int64(100_000_000)

// Waiter is one blocked acquisition attempt.
type Waiter struct {
	ThreadID          uint64
	Hold              HoldType
	BasePriority      int32
	EffectivePriority int32
	Ticket            uint64
	EnqueueNS         int64
}

type holder struct {
	hold    HoldType
	sinceNS int64
}

// Stats aggregates wait and hold observations.
type Stats struct {
	Acquisitions     uint64
	Contentions      uint64
	Grants           uint64
	Cancellations    uint64
	StarvationEvents uint64
	TotalWaitNS      int64
	MaxWaitNS        int64
	TotalHoldNS      int64
}

// FairLock is a mutual-exclusion primitive with an explicit waiter
// queue. All operations serialize on one internal mutex: holder set,
// waiter queue and statistics always mutate as a unit.
type FairLock struct {
	mu sync.Mutex

	id           uint64
	policy       Policy
	holders      map[uint64]holder
	waiters      []*Waiter
	tickets      *sequence.Sequencer
	starvationNS int64
	stats        Stats
}

// New creates a lock with the given fairness policy.
func New(id uint64, policy Policy) *FairLock {
	return &FairLock{
		id:           id,
		policy:       policy,
		holders:      make(map[uint64]holder),
		tickets:      sequence.New(0),
		starvationNS: DefaultStarvationThresholdNS,
	}
}

// SetStarvationThreshold overrides the starvation flag threshold.
func (l *FairLock) SetStarvationThreshold(ns int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starvationNS = ns
}

// ID returns the lock identifier.
func (l *FairLock) ID() uint64 { return l.id }

// Policy returns the fairness policy.
func (l *FairLock) Policy() Policy { return l.policy }

// TryAcquire attempts an immediate acquisition. Exclusive succeeds
// only with no holders and no waiters (waiters would otherwise be
// overtaken); shared succeeds with no exclusive holder, and under
// RwWriterPref additionally no waiting writer.
func (l *FairLock) TryAcquire(threadID uint64, hold HoldType, priority int32, nowNS int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.compatibleLocked(threadID, hold, true) {
		return false
	}
	l.holders[threadID] = holder{hold: hold, sinceNS: nowNS}
	l.stats.Acquisitions++
	return true
}

// compatibleLocked checks whether a grant of hold to threadID is
// admissible against the current holder set. barging guards the
// fast path: an exclusive TryAcquire may not overtake queued waiters.
func (l *FairLock) compatibleLocked(threadID uint64, hold HoldType, barging bool) bool {
	if _, dup := l.holders[threadID]; dup {
		return false
	}
	if hold == HoldExclusive {
		if len(l.holders) > 0 {
			return false
		}
		if barging && len(l.waiters) > 0 {
			return false
		}
		return true
	}
	for _, h := range l.holders {
		if h.hold == HoldExclusive {
			return false
		}
	}
	if l.policy == PolicyRwWriterPref {
		for _, w := range l.waiters {
			if w.Hold == HoldExclusive {
				return false
			}
		}
	}
	return true
}

// Enqueue appends a waiter and returns its ticket. The caller blocks
// externally and is admitted later through GrantNext.
func (l *FairLock) Enqueue(threadID uint64, hold HoldType, priority int32, nowNS int64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := &Waiter{
		ThreadID:          threadID,
		Hold:              hold,
		BasePriority:      priority,
		EffectivePriority: priority,
		Ticket:            l.tickets.Next(),
		EnqueueNS:         nowNS,
	}
	l.waiters = append(l.waiters, w)
	l.stats.Contentions++
	return w.Ticket
}

// GrantNext promotes at most one waiter, chosen per policy, if it is
// compatible with the current holders. Returns the granted thread.
func (l *FairLock) GrantNext(nowNS int64) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.grantNextLocked(nowNS)
}

func (l *FairLock) grantNextLocked(nowNS int64) (uint64, bool) {
	idx := l.selectWaiterLocked()
	if idx < 0 {
		return 0, false
	}
	w := l.waiters[idx]
	if !l.compatibleLocked(w.ThreadID, w.Hold, false) {
		return 0, false
	}
	l.waiters = append(l.waiters[:idx], l.waiters[idx+1:]...)
	l.holders[w.ThreadID] = holder{hold: w.Hold, sinceNS: nowNS}

	wait := nowNS - w.EnqueueNS
	l.stats.Grants++
	l.stats.Acquisitions++
	l.stats.TotalWaitNS += wait
	if wait > l.stats.MaxWaitNS {
		l.stats.MaxWaitNS = wait
	}
	if wait > l.starvationNS {
		l.stats.StarvationEvents++
	}
	return w.ThreadID, true
}

// selectWaiterLocked picks the candidate index per policy.
func (l *FairLock) selectWaiterLocked() int {
	if len(l.waiters) == 0 {
		return -1
	}
	switch l.policy {
	case PolicyPriorityAging:
		best := 0
		for i, w := range l.waiters[1:] {
			if w.EffectivePriority > l.waiters[best].EffectivePriority {
				best = i + 1
			}
		}
		return best
	case PolicyRwWriterPref:
		for i, w := range l.waiters {
			if w.Hold == HoldExclusive {
				return i
			}
		}
		return 0
	default: // Fifo, Ticket: queue head
		return 0
	}
}

// Release removes a holder, accounts hold time and immediately
// attempts to grant the next waiter. Returns the newly granted thread,
// if any, and whether the release itself succeeded.
func (l *FairLock) Release(threadID uint64, nowNS int64) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holders[threadID]
	if !ok {
		return 0, false
	}
	delete(l.holders, threadID)
	l.stats.TotalHoldNS += nowNS - h.sinceNS
	granted, _ := l.grantNextLocked(nowNS)
	return granted, true
}

// AgeWaiters raises the effective priority of every waiter past half
// the starvation threshold by one step, bounding worst-case latency
// under PolicyPriorityAging.
func (l *FairLock) AgeWaiters(nowNS int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	aged := 0
	for _, w := range l.waiters {
		if nowNS-w.EnqueueNS > l.starvationNS/2 {
			w.EffectivePriority++
			aged++
		}
	}
	return aged
}

// Cancel removes a blocked waiter without disturbing the relative
// order of the rest. Caller-driven; the lock has no timers.
func (l *FairLock) Cancel(threadID uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.waiters {
		if w.ThreadID == threadID {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			l.stats.Cancellations++
			return true
		}
	}
	return false
}

// IsHolder reports whether threadID currently holds the lock.
func (l *FairLock) IsHolder(threadID uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.holders[threadID]
	return ok
}

// Holders returns the current holder set.
func (l *FairLock) Holders() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]uint64, 0, len(l.holders))
	for id := range l.holders {
		out = append(out, id)
	}
	return out
}

// WaiterCount reports the queue length.
func (l *FairLock) WaiterCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// Stats returns a point-in-time snapshot.
func (l *FairLock) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
