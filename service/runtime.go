// Package service composes the scheduler, reclaimers and locks into
// one runtime with a telemetry pipeline. The core packages stay pure
// and clock-free; the runtime supplies wall-clock timestamps, stages
// events through a lock-free ring and persists them to the journal,
// from where the broadcaster ships them to Kafka.
package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fenrir/config"
	"fenrir/fairlock"
	"fenrir/hazard"
	"fenrir/infra/kafka"
	"fenrir/infra/memory"
	"fenrir/journal"
	"fenrir/rcu"
	"fenrir/sched"
)

const eventRingSize = 1 << 12

// stealFailureAlertEvery journals every Nth consecutive-failure
// milestone per thief, so a worker that never finds victims shows up
// in telemetry without flooding the journal.
const stealFailureAlertEvery = 16

// Alerter publishes urgent alerts directly, bypassing the journal.
type Alerter interface {
	Send(ctx context.Context, key, value []byte) error
}

// Runtime owns every subsystem. Core operations delegate to the pure
// packages and stage a telemetry event on the way out.
type Runtime struct {
	cfg config.Config
	log *zap.Logger

	Sched  *sched.Scheduler
	Rcu    *rcu.Reclaimer
	Hazard *hazard.Domain

	lockMu  sync.Mutex
	locks   map[uint64]*fairlock.FairLock
	starved map[uint64]uint64 // lock ID -> starvation events already journaled

	// PriorityInheritance is not internally synchronized; every access
	// goes through piMu.
	piMu sync.Mutex
	pi   *fairlock.PriorityInheritance

	journal    *journal.Journal
	alerts     Alerter
	events     *memory.RetireRing
	eventPool  *memory.Pool[journal.Event]
	nowNS      func() int64
	lastDoneGP atomic.Uint64
}

// New builds a runtime from configuration. The journal directory is
// created on demand; Kafka is optional and nil-safe.
func New(cfg config.Config, log *zap.Logger) (*Runtime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	strategy, err := stealStrategy(cfg.Scheduler)
	if err != nil {
		return nil, err
	}

	j, err := journal.Open(cfg.Journal.Dir)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	rt := &Runtime{
		cfg:       cfg,
		log:       log,
		Sched:     sched.New(strategy),
		Rcu:       rcu.NewReclaimer(),
		Hazard:    hazard.NewDomain(1, cfg.Hazard.MaxSlotsPerThread),
		locks:     make(map[uint64]*fairlock.FairLock),
		starved:   make(map[uint64]uint64),
		pi:        fairlock.NewPriorityInheritance(piProtocol(cfg.Lock.PIProtocol)),
		journal:   j,
		events:    memory.NewRetireRing(eventRingSize),
		eventPool: memory.NewPool(func() *journal.Event { return new(journal.Event) }),
		nowNS:     func() int64 { return time.Now().UnixNano() },
	}
	rt.Sched.SetBackoff(cfg.Scheduler.BaseBackoffNS, cfg.Scheduler.MaxBackoffNS)
	rt.Hazard.SetScanThreshold(cfg.Hazard.ScanThreshold)

	if cfg.Kafka.Enabled {
		rt.alerts = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.AlertTopic)
	}
	return rt, nil
}

func stealStrategy(cfg config.Scheduler) (sched.StealStrategy, error) {
	switch cfg.Strategy {
	case "one":
		return sched.StealStrategy{Kind: sched.StealOne}, nil
	case "half":
		return sched.StealStrategy{Kind: sched.StealHalf}, nil
	case "batch":
		return sched.StealStrategy{Kind: sched.StealBatch, BatchSize: cfg.BatchSize}, nil
	case "adaptive":
		return sched.StealStrategy{Kind: sched.StealAdaptive}, nil
	default:
		return sched.StealStrategy{}, fmt.Errorf("steal strategy %q unknown", cfg.Strategy)
	}
}

// Journal exposes the outbox for the broadcaster.
func (rt *Runtime) Journal() *journal.Journal { return rt.journal }

// Lock returns the lock with the given ID, creating it with the
// configured policy on first use.
func (rt *Runtime) Lock(id uint64) *fairlock.FairLock {
	rt.lockMu.Lock()
	defer rt.lockMu.Unlock()
	l, ok := rt.locks[id]
	if !ok {
		l = fairlock.New(id, lockPolicy(rt.cfg.Lock.Policy))
		l.SetStarvationThreshold(rt.cfg.Lock.StarvationThreshold.Std().Nanoseconds())
		rt.locks[id] = l
	}
	return l
}

func lockPolicy(name string) fairlock.Policy {
	switch name {
	case "fifo":
		return fairlock.PolicyFifo
	case "priority-aging":
		return fairlock.PolicyPriorityAging
	case "rw-writer-pref":
		return fairlock.PolicyRwWriterPref
	default:
		return fairlock.PolicyTicket
	}
}

func piProtocol(name string) fairlock.InheritanceProtocol {
	switch name {
	case "direct":
		return fairlock.DirectInheritance
	case "immediate-ceiling":
		return fairlock.ImmediateCeiling
	default:
		return fairlock.TransitiveInheritance
	}
}

// GrantLock runs one grant attempt on a lock; starvation recorded by
// the grant is journaled.
func (rt *Runtime) GrantLock(lockID uint64) (uint64, bool) {
	l := rt.Lock(lockID)
	granted, ok := l.GrantNext(rt.nowNS())
	rt.noteStarvation(lockID, l)
	return granted, ok
}

// ReleaseLock releases a holder; the auto-grant that follows may also
// record starvation.
func (rt *Runtime) ReleaseLock(lockID, threadID uint64) (uint64, bool) {
	l := rt.Lock(lockID)
	granted, ok := l.Release(threadID, rt.nowNS())
	rt.noteStarvation(lockID, l)
	return granted, ok
}

// noteStarvation journals starvation events the lock recorded since
// the last check, once each.
func (rt *Runtime) noteStarvation(lockID uint64, l *fairlock.FairLock) {
	st := l.Stats()
	rt.lockMu.Lock()
	seen := rt.starved[lockID]
	if st.StarvationEvents > seen {
		rt.starved[lockID] = st.StarvationEvents
	}
	rt.lockMu.Unlock()
	if st.StarvationEvents > seen {
		rt.emit(journal.KindLockStarvation, "lock",
			fmt.Sprintf("lock=%d events=%d max_wait_ns=%d", lockID, st.StarvationEvents, st.MaxWaitNS))
	}
}

// RegisterTask adds a task to the priority-inheritance protocol.
func (rt *Runtime) RegisterTask(taskID uint64, priority int32) bool {
	rt.piMu.Lock()
	defer rt.piMu.Unlock()
	return rt.pi.RegisterTask(taskID, priority)
}

// RegisterResource adds a resource with its priority ceiling.
func (rt *Runtime) RegisterResource(resourceID uint64, ceiling int32) bool {
	rt.piMu.Lock()
	defer rt.piMu.Unlock()
	return rt.pi.RegisterResource(resourceID, ceiling)
}

// AcquireResource takes a resource through the priority-inheritance
// protocol; a boost walk that hits the chain depth limit is journaled.
func (rt *Runtime) AcquireResource(taskID, resourceID uint64) bool {
	rt.piMu.Lock()
	before := rt.pi.Stats().DepthLimitHits
	ok := rt.pi.Acquire(taskID, resourceID, rt.nowNS())
	hits := rt.pi.Stats().DepthLimitHits
	rt.piMu.Unlock()
	if hits > before {
		rt.emit(journal.KindPIDepthLimit, "lock",
			fmt.Sprintf("task=%d resource=%d hits=%d", taskID, resourceID, hits))
	}
	return ok
}

// ReleaseResource gives up a resource; the re-boost of the new owner
// can also hit the depth limit.
func (rt *Runtime) ReleaseResource(taskID, resourceID uint64) (uint64, bool) {
	rt.piMu.Lock()
	before := rt.pi.Stats().DepthLimitHits
	next, ok := rt.pi.Release(taskID, resourceID, rt.nowNS())
	hits := rt.pi.Stats().DepthLimitHits
	rt.piMu.Unlock()
	if hits > before {
		rt.emit(journal.KindPIDepthLimit, "lock",
			fmt.Sprintf("task=%d resource=%d hits=%d", taskID, resourceID, hits))
	}
	return next, ok
}

// TaskEffectivePriority reads a task's current effective priority.
func (rt *Runtime) TaskEffectivePriority(taskID uint64) (int32, bool) {
	rt.piMu.Lock()
	defer rt.piMu.Unlock()
	return rt.pi.EffectivePriority(taskID)
}

// SubmitWork places an item on the least-loaded compatible worker and
// stages a telemetry event.
func (rt *Runtime) SubmitWork(item sched.WorkItem) (uint64, bool) {
	item.CreatedNS = rt.nowNS()
	workerID, ok := rt.Sched.SubmitBalanced(item)
	if ok {
		rt.emit(journal.KindWorkSubmitted, "sched",
			fmt.Sprintf("item=%d worker=%d", item.ID, workerID))
	}
	return workerID, ok
}

// StealFor runs one steal attempt for the thief and reports what it
// took. Sustained failure streaks are journaled at every
// stealFailureAlertEvery milestone.
func (rt *Runtime) StealFor(thiefID uint64) []sched.WorkItem {
	items := rt.Sched.TrySteal(thiefID, rt.nowNS())
	if len(items) > 0 {
		rt.emit(journal.KindWorkStolen, "sched",
			fmt.Sprintf("thief=%d count=%d", thiefID, len(items)))
		return items
	}
	if st, ok := rt.Sched.WorkerStats(thiefID); ok &&
		st.StealFailures > 0 && st.StealFailures%stealFailureAlertEvery == 0 {
		rt.emit(journal.KindStealFailure, "sched",
			fmt.Sprintf("thief=%d failures=%d backoff_ns=%d", thiefID, st.StealFailures, st.BackoffNS))
	}
	return items
}

// DrainWorker removes a worker and returns its queued items.
func (rt *Runtime) DrainWorker(id uint64) ([]sched.WorkItem, bool) {
	items, ok := rt.Sched.RemoveWorker(id)
	if ok {
		rt.emit(journal.KindWorkerDrained, "sched",
			fmt.Sprintf("worker=%d drained=%d", id, len(items)))
	}
	return items, ok
}

// StartGracePeriod begins a classic grace period.
func (rt *Runtime) StartGracePeriod(flavor rcu.Flavor) (uint64, bool) {
	return rt.Rcu.StartGracePeriod(flavor, rt.nowNS())
}

// ReportQuiescent records a quiescent state. The completion of each
// grace period is journaled exactly once, even though the terminal
// period stays observable until the next one starts.
func (rt *Runtime) ReportQuiescent(cpuID uint64) bool {
	ok := rt.Rcu.ReportQuiescent(cpuID, rt.nowNS())
	if gp, have := rt.Rcu.CurrentPeriod(); have && gp.State.Terminal() {
		if prev := rt.lastDoneGP.Swap(gp.ID); prev != gp.ID {
			rt.emit(journal.KindGracePeriodDone, "rcu",
				fmt.Sprintf("gp=%d duration_ns=%d", gp.ID, gp.DurationNS()))
		}
	}
	return ok
}

// emit stages one event on the ring; the flush job persists it. A
// full ring drops the event and logs, never blocks.
func (rt *Runtime) emit(kind journal.Kind, source, detail string) {
	ev := rt.eventPool.Get()
	ev.Kind = kind
	ev.Source = source
	ev.Detail = detail
	ev.NowNS = rt.nowNS()
	if !rt.events.Enqueue(ev) {
		rt.eventPool.Put(ev)
		rt.log.Warn("event ring full, dropping", zap.Stringer("kind", kind))
	}
}

// FlushEvents drains staged events into the journal. Returns how many
// were persisted.
func (rt *Runtime) FlushEvents() int {
	n := 0
	for {
		v := rt.events.Dequeue()
		if v == nil {
			return n
		}
		ev := v.(*journal.Event)
		if _, err := rt.journal.Append(*ev); err != nil {
			rt.log.Error("journal append failed", zap.Error(err))
		} else {
			n++
		}
		*ev = journal.Event{}
		rt.eventPool.Put(ev)
	}
}

// CheckStalls runs one stall-detection pass: stalled CPUs are
// journaled and, when Kafka is wired, alerted directly.
func (rt *Runtime) CheckStalls(ctx context.Context) int {
	now := rt.nowNS()
	stalled := rt.Rcu.DetectStalls(now, rt.cfg.Rcu.StallThreshold.Std().Nanoseconds())
	for _, cpu := range stalled {
		detail := fmt.Sprintf("cpu=%d", cpu)
		rt.emit(journal.KindRcuStall, "rcu", detail)
		rt.log.Warn("rcu stall detected", zap.Uint64("cpu", cpu))
		if rt.alerts != nil {
			payload := journal.Encode(journal.Event{Kind: journal.KindRcuStall, Source: "rcu", Detail: detail, NowNS: now})
			if err := rt.alerts.Send(ctx, []byte("rcu-stall"), payload); err != nil {
				rt.log.Warn("alert send failed", zap.Error(err))
			}
		}
	}
	return len(stalled)
}

// AgeLocks ages the waiters of every lock once.
func (rt *Runtime) AgeLocks() int {
	now := rt.nowNS()
	rt.lockMu.Lock()
	locks := make([]*fairlock.FairLock, 0, len(rt.locks))
	for _, l := range rt.locks {
		locks = append(locks, l)
	}
	rt.lockMu.Unlock()

	aged := 0
	for _, l := range locks {
		aged += l.AgeWaiters(now)
	}
	return aged
}

// ScanHazards runs the threshold-gated domain scan and journals any
// reclamation.
func (rt *Runtime) ScanHazards() (uint64, uint64) {
	count, bytes := rt.Hazard.ScanAll()
	if count > 0 {
		rt.emit(journal.KindHazardReclaim, "hazard",
			fmt.Sprintf("count=%d bytes=%d", count, bytes))
	}
	return count, bytes
}

// Snapshot gathers cross-subsystem statistics as a plain map, ready
// for structured encoding at the API boundary.
func (rt *Runtime) Snapshot() map[string]any {
	ss := rt.Sched.Stats()
	rs := rt.Rcu.Stats()
	hs := rt.Hazard.Stats()
	return map[string]any{
		"sched": map[string]any{
			"workers":       ss.Workers,
			"queued":        ss.Queued,
			"submitted":     ss.Submitted,
			"executed":      ss.Executed,
			"steals":        ss.Steals,
			"failed_steals": ss.FailedSteals,
		},
		"rcu": map[string]any{
			"cpus":               rs.RegisteredCPUs,
			"periods_started":    rs.PeriodsStarted,
			"periods_completed":  rs.PeriodsCompleted,
			"periods_expedited":  rs.PeriodsExpedited,
			"callbacks_pending":  rs.CallbacksPending,
			"callbacks_executed": rs.CallbacksExecuted,
		},
		"hazard": map[string]any{
			"threads":         hs.Threads,
			"active_slots":    hs.ActiveSlots,
			"total_reclaims":  hs.TotalReclaims,
			"reclaimed_bytes": hs.ReclaimedBytes,
			"pending_retired": hs.PendingRetired,
		},
	}
}

// Run drives the maintenance loops until ctx is cancelled.
func (rt *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.tick(ctx, 10*time.Millisecond, func() { rt.FlushEvents() }) })
	g.Go(func() error {
		return rt.tick(ctx, rt.cfg.Rcu.StallThreshold.Std(), func() { rt.CheckStalls(ctx) })
	})
	g.Go(func() error {
		return rt.tick(ctx, rt.cfg.Lock.StarvationThreshold.Std()/2, func() { rt.AgeLocks() })
	})
	g.Go(func() error { return rt.tick(ctx, time.Second, func() { rt.ScanHazards() }) })
	return g.Wait()
}

func (rt *Runtime) tick(ctx context.Context, every time.Duration, fn func()) error {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}

// Close flushes staged events and releases the journal and producer.
func (rt *Runtime) Close() error {
	rt.FlushEvents()
	if c, ok := rt.alerts.(interface{ Close() error }); ok {
		c.Close()
	}
	return rt.journal.Close()
}
