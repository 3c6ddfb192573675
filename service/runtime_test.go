package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"fenrir/config"
	"fenrir/fairlock"
	"fenrir/journal"
	"fenrir/rcu"
	"fenrir/sched"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Journal.Dir = t.TempDir()
	rt, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestSubmitWorkJournalsEvent(t *testing.T) {
	rt := newRuntime(t)
	rt.Sched.AddWorker(1, 0, 8)

	workerID, ok := rt.SubmitWork(sched.WorkItem{ID: 100, Affinity: sched.NoAffinity})
	require.True(t, ok)
	assert.Equal(t, uint64(1), workerID)

	require.Equal(t, 1, rt.FlushEvents())
	var kinds []journal.Kind
	require.NoError(t, rt.Journal().ScanPending(func(ev journal.Event, _ journal.State) error {
		kinds = append(kinds, ev.Kind)
		return nil
	}))
	assert.Equal(t, []journal.Kind{journal.KindWorkSubmitted}, kinds)
}

func TestStealEmitsTelemetry(t *testing.T) {
	rt := newRuntime(t)
	rt.Sched.AddWorker(1, 0, 16)
	rt.Sched.AddWorker(2, 0, 16)
	for i := range uint64(6) {
		require.True(t, rt.Sched.Submit(1, sched.WorkItem{ID: i, Affinity: sched.NoAffinity}))
	}

	items := rt.StealFor(2)
	require.NotEmpty(t, items)

	rt.FlushEvents()
	found := false
	rt.Journal().ScanPending(func(ev journal.Event, _ journal.State) error {
		if ev.Kind == journal.KindWorkStolen {
			found = true
		}
		return nil
	})
	assert.True(t, found, "steal event not journaled")
}

func TestGracePeriodCompletionJournaled(t *testing.T) {
	rt := newRuntime(t)
	rt.Rcu.InitCPU(0)
	rt.Rcu.InitCPU(1)

	_, ok := rt.StartGracePeriod(rcu.FlavorPreempt)
	require.True(t, ok)
	rt.ReportQuiescent(0)
	rt.ReportQuiescent(1)

	rt.FlushEvents()
	done := false
	rt.Journal().ScanPending(func(ev journal.Event, _ journal.State) error {
		if ev.Kind == journal.KindGracePeriodDone {
			done = true
		}
		return nil
	})
	assert.True(t, done)
}

func countKind(t *testing.T, rt *Runtime, kind journal.Kind) int {
	t.Helper()
	rt.FlushEvents()
	n := 0
	require.NoError(t, rt.Journal().ScanPending(func(ev journal.Event, _ journal.State) error {
		if ev.Kind == kind {
			n++
		}
		return nil
	}))
	return n
}

func TestGracePeriodCompletionJournaledOnce(t *testing.T) {
	rt := newRuntime(t)
	rt.Rcu.InitCPU(0)

	_, ok := rt.StartGracePeriod(rcu.FlavorPreempt)
	require.True(t, ok)

	// The terminal period stays observable until the next one starts;
	// repeated quiescence reports must not re-journal its completion.
	rt.ReportQuiescent(0)
	rt.ReportQuiescent(0)
	rt.ReportQuiescent(0)

	assert.Equal(t, 1, countKind(t, rt, journal.KindGracePeriodDone))
}

func TestLockStarvationJournaled(t *testing.T) {
	rt := newRuntime(t)
	now := int64(0)
	rt.nowNS = func() int64 { return now }

	l := rt.Lock(5)
	require.True(t, l.TryAcquire(1, fairlock.HoldExclusive, 0, now))
	l.Enqueue(2, fairlock.HoldExclusive, 0, now)

	now = rt.cfg.Lock.StarvationThreshold.Std().Nanoseconds() + 1
	granted, ok := rt.ReleaseLock(5, 1)
	require.True(t, ok)
	require.Equal(t, uint64(2), granted)
	assert.Equal(t, 1, countKind(t, rt, journal.KindLockStarvation))

	// No new starvation, no new event.
	rt.GrantLock(5)
	assert.Equal(t, 1, countKind(t, rt, journal.KindLockStarvation))
}

func TestStealFailureStreakJournaled(t *testing.T) {
	rt := newRuntime(t)
	rt.Sched.AddWorker(1, 0, 8)

	for range stealFailureAlertEvery - 1 {
		require.Empty(t, rt.StealFor(1))
	}
	assert.Equal(t, 0, countKind(t, rt, journal.KindStealFailure))

	require.Empty(t, rt.StealFor(1))
	assert.Equal(t, 1, countKind(t, rt, journal.KindStealFailure))
}

func TestDeepBlockingChainJournaled(t *testing.T) {
	rt := newRuntime(t) // default protocol is transitive

	const chain = uint64(24)
	for i := uint64(1); i <= chain; i++ {
		require.True(t, rt.RegisterTask(i, 1))
		require.True(t, rt.RegisterResource(100+i, 0))
		require.True(t, rt.AcquireResource(i, 100+i))
	}
	for i := uint64(2); i <= chain; i++ {
		rt.AcquireResource(i, 100+i-1)
	}
	require.True(t, rt.RegisterTask(999, 50))
	rt.AcquireResource(999, 100+chain)

	assert.Greater(t, countKind(t, rt, journal.KindPIDepthLimit), 0)
}

func TestResourceHandoffThroughRuntime(t *testing.T) {
	rt := newRuntime(t)
	require.True(t, rt.RegisterTask(1, 1))
	require.True(t, rt.RegisterTask(2, 10))
	require.True(t, rt.RegisterResource(100, 0))

	require.True(t, rt.AcquireResource(1, 100))
	require.False(t, rt.AcquireResource(2, 100))

	eff, ok := rt.TaskEffectivePriority(1)
	require.True(t, ok)
	assert.Equal(t, int32(10), eff)

	next, ok := rt.ReleaseResource(1, 100)
	require.True(t, ok)
	assert.Equal(t, uint64(2), next)
}

type captureAlerter struct {
	keys [][]byte
}

func (c *captureAlerter) Send(_ context.Context, key, _ []byte) error {
	c.keys = append(c.keys, key)
	return nil
}

func TestStallDetectionAlerts(t *testing.T) {
	rt := newRuntime(t)
	alerts := &captureAlerter{}
	rt.alerts = alerts

	now := int64(0)
	rt.nowNS = func() int64 { return now }

	rt.Rcu.InitCPU(0)
	rt.Rcu.ReadLock(0, now)
	now = rt.cfg.Rcu.StallThreshold.Std().Nanoseconds() + 1

	require.Equal(t, 1, rt.CheckStalls(context.Background()))
	require.Len(t, alerts.keys, 1)
	assert.Equal(t, "rcu-stall", string(alerts.keys[0]))
}

func TestLockRegistrySharesInstances(t *testing.T) {
	rt := newRuntime(t)
	l1 := rt.Lock(7)
	l2 := rt.Lock(7)
	assert.Same(t, l1, l2)
	assert.NotSame(t, l1, rt.Lock(8))
}

func TestHazardScanJournalsReclaim(t *testing.T) {
	rt := newRuntime(t)
	rt.Hazard.SetScanThreshold(1)
	rt.Hazard.RegisterThread(1)
	rt.Hazard.Retire(1, 0xAAA, 32, 1, 1)

	count, bytes := rt.ScanHazards()
	assert.Equal(t, uint64(1), count)
	assert.Equal(t, uint64(32), bytes)

	rt.FlushEvents()
	found := false
	rt.Journal().ScanPending(func(ev journal.Event, _ journal.State) error {
		if ev.Kind == journal.KindHazardReclaim {
			found = true
		}
		return nil
	})
	assert.True(t, found)
}

func TestRunStopsOnCancel(t *testing.T) {
	rt := newRuntime(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop on cancel")
	}
}

func TestSnapshotShape(t *testing.T) {
	rt := newRuntime(t)
	rt.Sched.AddWorker(1, 0, 8)
	rt.Rcu.InitCPU(0)

	snap := rt.Snapshot()
	require.Contains(t, snap, "sched")
	require.Contains(t, snap, "rcu")
	require.Contains(t, snap, "hazard")
	schedStats := snap["sched"].(map[string]any)
	assert.Equal(t, 1, schedStats["workers"])
}
