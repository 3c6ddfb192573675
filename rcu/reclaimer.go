package rcu

import (
	"sort"
	"sync"

	"fenrir/infra/sequence"
)

// Stats is a reclaimer-wide snapshot.
type Stats struct {
	RegisteredCPUs     int
	PeriodsStarted     uint64
	PeriodsCompleted   uint64
	PeriodsExpedited   uint64
	CallbacksPending   uint64
	CallbacksExecuted  uint64
	LastCompletedID    uint64
	LastCompletedDurNS int64
}

// Reclaimer drives grace periods over a set of registered CPUs.
//
// Read-side entry and exit touch only per-CPU atomics after the CPU
// lookup; registry mutations (InitCPU) are rare and serialized on the
// write lock. Grace-period transitions serialize on gpMu.
type Reclaimer struct {
	regMu sync.RWMutex
	cpus  map[uint64]*CpuState
	order []uint64

	gpMu    sync.Mutex
	current *GracePeriod
	seq     *sequence.Sequencer

	periodsCompleted uint64
	periodsExpedited uint64
	lastCompleted    GracePeriod
	cbExecuted       uint64
}

// NewReclaimer creates an empty reclaimer. CPUs must be registered
// with InitCPU before they participate in grace-period tracking.
func NewReclaimer() *Reclaimer {
	return &Reclaimer{
		cpus: make(map[uint64]*CpuState),
		seq:  sequence.New(0),
	}
}

// InitCPU registers a CPU. Returns false if the ID is already known.
func (r *Reclaimer) InitCPU(id uint64) bool {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	if _, ok := r.cpus[id]; ok {
		return false
	}
	r.cpus[id] = &CpuState{ID: id}
	r.order = append(r.order, id)
	sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })
	return true
}

func (r *Reclaimer) cpu(id uint64) *CpuState {
	r.regMu.RLock()
	c := r.cpus[id]
	r.regMu.RUnlock()
	return c
}

// ReadLock enters a read-side critical section on the given CPU.
// Sections nest; only the outermost entry publishes the read-side
// flag. Never blocks on grace-period machinery.
func (r *Reclaimer) ReadLock(cpuID uint64, nowNS int64) bool {
	c := r.cpu(cpuID)
	if c == nil {
		return false
	}
	if c.nesting.Add(1) == 1 {
		c.readSideSinceNS.Store(nowNS)
		// Publish after the timestamp so a stall scan never sees the
		// flag without its start time.
		c.inReadSide.Store(true)
	}
	return true
}

// ReadUnlock leaves a read-side section. The read-side flag clears
// only when the outermost section exits; the release-ordered store
// pairs with the acquire load in the completion check.
func (r *Reclaimer) ReadUnlock(cpuID uint64, nowNS int64) bool {
	c := r.cpu(cpuID)
	if c == nil || c.nesting.Load() == 0 {
		return false
	}
	if c.nesting.Add(-1) == 0 {
		c.inReadSide.Store(false)
	}
	_ = nowNS
	return true
}

// StartGracePeriod begins a new period. At most one period is in
// flight; a second start while one is active returns false.
func (r *Reclaimer) StartGracePeriod(flavor Flavor, nowNS int64) (uint64, bool) {
	r.gpMu.Lock()
	defer r.gpMu.Unlock()
	if r.current != nil && !r.current.State.Terminal() {
		return 0, false
	}
	r.current = &GracePeriod{
		ID:      r.seq.Next(),
		Flavor:  flavor,
		State:   GPStarted,
		StartNS: nowNS,
	}
	return r.current.ID, true
}

// ReportQuiescent records that the CPU passed a quiescent state and
// re-evaluates completion. Returns true when this report completed the
// current period.
func (r *Reclaimer) ReportQuiescent(cpuID uint64, nowNS int64) bool {
	c := r.cpu(cpuID)
	if c == nil {
		return false
	}
	c.quiescentCount.Add(1)
	c.lastQuiescentNS.Store(nowNS)

	r.gpMu.Lock()
	defer r.gpMu.Unlock()
	gp := r.current
	if gp == nil || gp.State.Terminal() {
		return false
	}
	gp.State = GPWaitingForReaders
	if !r.allQuiescentLocked() {
		return false
	}
	gp.State = GPCompleted
	gp.EndNS = nowNS
	r.periodsCompleted++
	r.lastCompleted = *gp
	return true
}

// allQuiescentLocked observes every CPU's read-side flag. The acquire
// load pairs with the release store in ReadUnlock, so the check never
// runs against stale per-CPU state.
func (r *Reclaimer) allQuiescentLocked() bool {
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	for _, id := range r.order {
		if r.cpus[id].inReadSide.Load() {
			return false
		}
	}
	return true
}

// Expedite diverts the current period to ForcedExpedited, terminating
// it immediately for urgent reclamation. The terminal state is kept
// distinct from Completed: callers that need the reader guarantee must
// not treat an expedited period as one.
func (r *Reclaimer) Expedite(nowNS int64) bool {
	r.gpMu.Lock()
	defer r.gpMu.Unlock()
	gp := r.current
	if gp == nil || gp.State.Terminal() {
		return false
	}
	gp.State = GPForcedExpedited
	gp.EndNS = nowNS
	r.periodsExpedited++
	r.lastCompleted = *gp
	return true
}

// CurrentPeriod returns a copy of the in-flight period, if any.
func (r *Reclaimer) CurrentPeriod() (GracePeriod, bool) {
	r.gpMu.Lock()
	defer r.gpMu.Unlock()
	if r.current == nil {
		return GracePeriod{}, false
	}
	return *r.current, true
}

// EnqueueCallback defers fn on the given CPU until the caller decides
// a grace period has made it safe to run.
func (r *Reclaimer) EnqueueCallback(cpuID uint64, fn func()) bool {
	c := r.cpu(cpuID)
	if c == nil || fn == nil {
		return false
	}
	r.gpMu.Lock()
	c.pending = append(c.pending, fn)
	r.gpMu.Unlock()
	return true
}

// ExecuteCallbacks runs up to max deferred callbacks on the CPU in
// enqueue order and returns how many ran. The caller is responsible
// for invoking this only after a completed grace period.
func (r *Reclaimer) ExecuteCallbacks(cpuID uint64, max int) int {
	c := r.cpu(cpuID)
	if c == nil || max <= 0 {
		return 0
	}
	r.gpMu.Lock()
	n := len(c.pending)
	if n > max {
		n = max
	}
	batch := c.pending[:n]
	c.pending = append([]func(){}, c.pending[n:]...)
	c.executed += uint64(n)
	r.cbExecuted += uint64(n)
	r.gpMu.Unlock()

	for _, fn := range batch {
		fn()
	}
	return n
}

// PendingCallbacks reports the queued callback count for one CPU.
func (r *Reclaimer) PendingCallbacks(cpuID uint64) int {
	c := r.cpu(cpuID)
	if c == nil {
		return 0
	}
	r.gpMu.Lock()
	defer r.gpMu.Unlock()
	return len(c.pending)
}

// DetectStalls returns the CPUs that have been continuously inside a
// read-side section for at least thresholdNS. Diagnostic only; a stall
// is not a failure.
func (r *Reclaimer) DetectStalls(nowNS, thresholdNS int64) []uint64 {
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	var stalled []uint64
	for _, id := range r.order {
		c := r.cpus[id]
		if !c.inReadSide.Load() {
			continue
		}
		if nowNS-c.readSideSinceNS.Load() >= thresholdNS {
			stalled = append(stalled, id)
		}
	}
	return stalled
}

// CPU exposes the state of one registered CPU for observability.
func (r *Reclaimer) CPU(id uint64) (*CpuState, bool) {
	c := r.cpu(id)
	return c, c != nil
}

// Stats returns a point-in-time snapshot.
func (r *Reclaimer) Stats() Stats {
	r.gpMu.Lock()
	defer r.gpMu.Unlock()
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	st := Stats{
		RegisteredCPUs:     len(r.cpus),
		PeriodsStarted:     r.seq.Current(),
		PeriodsCompleted:   r.periodsCompleted,
		PeriodsExpedited:   r.periodsExpedited,
		CallbacksExecuted:  r.cbExecuted,
		LastCompletedID:    r.lastCompleted.ID,
		LastCompletedDurNS: r.lastCompleted.DurationNS(),
	}
	for _, c := range r.cpus {
		st.CallbacksPending += uint64(len(c.pending))
	}
	return st
}
