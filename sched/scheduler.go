package sched

import (
	"sort"
	"sync"
)

// Default steal backoff bounds, nanoseconds.
const (
	DefaultBaseBackoffNS = 1_000
	DefaultMaxBackoffNS  = 1 << 20
)

// Stats is a scheduler-wide snapshot.
type Stats struct {
	Workers      int
	Queued       int
	Submitted    uint64
	Executed     uint64
	Steals       uint64
	FailedSteals uint64
}

// Scheduler owns the worker registry. Per-worker deques carry their own
// locks; registry-level operations serialize on the scheduler mutex.
type Scheduler struct {
	mu       sync.Mutex
	workers  map[uint64]*worker
	order    []uint64 // sorted worker IDs, for deterministic iteration
	strategy StealStrategy

	baseBackoffNS int64
	maxBackoffNS  int64

	submitted uint64
	executed  uint64
}

// New creates a scheduler with the given steal strategy.
func New(strategy StealStrategy) *Scheduler {
	return &Scheduler{
		workers:       make(map[uint64]*worker),
		strategy:      strategy,
		baseBackoffNS: DefaultBaseBackoffNS,
		maxBackoffNS:  DefaultMaxBackoffNS,
	}
}

// SetBackoff overrides the steal backoff bounds.
func (s *Scheduler) SetBackoff(baseNS, maxNS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseBackoffNS = baseNS
	s.maxBackoffNS = maxNS
}

// AddWorker registers a worker with a bounded deque. Returns false if
// the ID is already taken.
func (s *Scheduler) AddWorker(id uint64, numaNode int32, capacity int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[id]; ok {
		return false
	}
	s.workers[id] = &worker{
		id:       id,
		numaNode: numaNode,
		state:    WorkerIdle,
		dq:       newDeque(capacity),
		stats:    WorkerStats{BackoffNS: s.baseBackoffNS},
	}
	s.order = append(s.order, id)
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })
	return true
}

// RemoveWorker unregisters a worker and returns its unfinished items so
// the caller can re-submit them elsewhere. No item is dropped.
func (s *Scheduler) RemoveWorker(id uint64) ([]WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, false
	}
	w.state = WorkerShutdown
	items := w.dq.drainAll()
	delete(s.workers, id)
	for i, wid := range s.order {
		if wid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return items, true
}

// Submit pushes an item onto a specific worker's deque. Returns false
// when the worker is unknown or its deque is full; the caller decides
// backpressure policy.
func (s *Scheduler) Submit(workerID uint64, item WorkItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return false
	}
	// The push must stay under the registry lock: a concurrent
	// RemoveWorker drains the deque and drops the worker, and a push
	// after that drain would strand an accepted item.
	if !w.dq.pushTail(item) {
		return false
	}
	s.submitted++
	w.state = WorkerActive
	return true
}

// SubmitBalanced places an item on the shortest same-NUMA queue when
// the item has an affinity hint, else on the globally shortest queue.
// Equal lengths resolve to the lowest worker ID, keeping placement
// deterministic. Returns the chosen worker.
func (s *Scheduler) SubmitBalanced(item WorkItem) (uint64, bool) {
	s.mu.Lock()
	target := s.pickShortestLocked(item.Affinity)
	if target == nil {
		target = s.pickShortestLocked(NoAffinity)
	}
	s.mu.Unlock()
	if target == nil {
		return 0, false
	}
	if !s.Submit(target.id, item) {
		return 0, false
	}
	return target.id, true
}

// pickShortestLocked returns the worker with the shortest non-full
// deque, restricted to one NUMA node unless node is NoAffinity.
func (s *Scheduler) pickShortestLocked(node int32) *worker {
	var best *worker
	bestLen := 0
	for _, id := range s.order {
		w := s.workers[id]
		if node != NoAffinity && w.numaNode != node {
			continue
		}
		l := w.dq.len()
		if l >= w.dq.capacity() {
			continue
		}
		if best == nil || l < bestLen {
			best = w
			bestLen = l
		}
	}
	return best
}

// LocalPop pops from the owner end of the worker's own deque.
func (s *Scheduler) LocalPop(workerID uint64) (WorkItem, bool) {
	s.mu.Lock()
	w, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		return WorkItem{}, false
	}
	item, ok := w.dq.popTail()
	s.mu.Lock()
	if ok {
		w.stats.Executed++
		s.executed++
		w.state = WorkerActive
	} else {
		w.state = WorkerIdle
	}
	s.mu.Unlock()
	return item, ok
}

// TrySteal makes one steal attempt on behalf of thiefID and returns
// the stolen items; ownership passes to the caller. Victims are
// ranked by NUMA locality first, then by descending queue length. An
// empty result is an expected outcome: it doubles the thief's backoff
// (capped) and increments its failure counter. Success resets backoff
// to the base interval.
func (s *Scheduler) TrySteal(thiefID uint64, nowNS int64) []WorkItem {
	s.mu.Lock()
	thief, ok := s.workers[thiefID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	thief.state = WorkerStealing
	thief.stats.StealAttempts++
	victim := s.pickVictimLocked(thief)
	s.mu.Unlock()

	var stolen []WorkItem
	if victim != nil {
		n := s.strategy.stealCount(victim.dq.len(), thief.dq.len())
		stolen = victim.dq.drainHead(n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	thief.stats.LastStealNS = nowNS
	if len(stolen) == 0 {
		thief.stats.StealFailures++
		thief.stats.BackoffNS *= 2
		if thief.stats.BackoffNS > s.maxBackoffNS {
			thief.stats.BackoffNS = s.maxBackoffNS
		}
		thief.state = WorkerIdle
		return nil
	}
	thief.stats.StolenTo += uint64(len(stolen))
	victim.stats.StolenFrom += uint64(len(stolen))
	thief.stats.BackoffNS = s.baseBackoffNS
	thief.state = WorkerActive
	return stolen
}

// pickVictimLocked ranks candidates: same NUMA node first, then longer
// queues first, then lower ID. Returns nil when no other worker has
// queued items.
func (s *Scheduler) pickVictimLocked(thief *worker) *worker {
	var best *worker
	bestLocal := false
	bestLen := 0
	for _, id := range s.order {
		w := s.workers[id]
		if w.id == thief.id {
			continue
		}
		l := w.dq.len()
		if l == 0 {
			continue
		}
		local := w.numaNode == thief.numaNode
		switch {
		case best == nil:
		case local != bestLocal:
			if !local {
				continue
			}
		case l <= bestLen:
			continue
		}
		best, bestLocal, bestLen = w, local, l
	}
	return best
}

// QueueLen reports the deque length of one worker.
func (s *Scheduler) QueueLen(workerID uint64) (int, bool) {
	s.mu.Lock()
	w, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	return w.dq.len(), true
}

// WorkerStats returns a snapshot for one worker.
func (s *Scheduler) WorkerStats(workerID uint64) (WorkerStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return WorkerStats{}, false
	}
	return w.stats, true
}

// WorkerState returns the lifecycle state of one worker.
func (s *Scheduler) WorkerState(workerID uint64) (WorkerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return WorkerShutdown, false
	}
	return w.state, true
}

// Stats returns a scheduler-wide snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Workers:   len(s.workers),
		Submitted: s.submitted,
		Executed:  s.executed,
	}
	for _, id := range s.order {
		w := s.workers[id]
		st.Queued += w.dq.len()
		st.Steals += w.stats.StolenTo
		st.FailedSteals += w.stats.StealFailures
	}
	return st
}
