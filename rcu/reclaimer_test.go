package rcu

import (
	"math/rand"
	"testing"
)

func TestGracePeriodWaitsForReaders(t *testing.T) {
	r := NewReclaimer()
	r.InitCPU(0)
	r.InitCPU(1)

	if _, ok := r.StartGracePeriod(FlavorPreempt, 100); !ok {
		t.Fatal("start failed")
	}
	r.ReadLock(1, 110)

	if r.ReportQuiescent(0, 120) {
		t.Fatal("period completed while CPU 1 is reading")
	}
	gp, _ := r.CurrentPeriod()
	if gp.State != GPWaitingForReaders {
		t.Fatalf("state = %v, want waiting-for-readers", gp.State)
	}

	r.ReadUnlock(1, 130)
	if !r.ReportQuiescent(1, 140) {
		t.Fatal("period should complete once all CPUs are quiescent")
	}
	gp, _ = r.CurrentPeriod()
	if gp.State != GPCompleted {
		t.Fatalf("state = %v, want completed", gp.State)
	}
	if gp.DurationNS() != 40 {
		t.Fatalf("duration = %d, want 40", gp.DurationNS())
	}
}

func TestReadSideNesting(t *testing.T) {
	r := NewReclaimer()
	r.InitCPU(0)

	r.ReadLock(0, 1)
	r.ReadLock(0, 2)
	r.ReadLock(0, 3)
	c, _ := r.CPU(0)
	if c.NestingDepth() != 3 {
		t.Fatalf("nesting = %d, want 3", c.NestingDepth())
	}

	r.ReadUnlock(0, 4)
	r.ReadUnlock(0, 5)
	if !c.InReadSide() {
		t.Fatal("flag cleared before outermost unlock")
	}
	r.ReadUnlock(0, 6)
	if c.InReadSide() {
		t.Fatal("flag still set after outermost unlock")
	}
	if r.ReadUnlock(0, 7) {
		t.Fatal("unbalanced unlock must fail")
	}
}

func TestSingleGracePeriodInFlight(t *testing.T) {
	r := NewReclaimer()
	r.InitCPU(0)

	id1, ok := r.StartGracePeriod(FlavorSched, 10)
	if !ok {
		t.Fatal("first start failed")
	}
	if _, ok := r.StartGracePeriod(FlavorSched, 11); ok {
		t.Fatal("second start must fail while one is active")
	}
	r.ReportQuiescent(0, 20)
	id2, ok := r.StartGracePeriod(FlavorSched, 30)
	if !ok || id2 != id1+1 {
		t.Fatalf("restart after completion: id=%d ok=%v, want id %d", id2, ok, id1+1)
	}
}

// Randomized interleavings: a period must never complete while any
// CPU is mid read-side section.
func TestCompletionNeverRacesReaders(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := range 200 {
		r := NewReclaimer()
		const cpus = 4
		for i := range uint64(cpus) {
			r.InitCPU(i)
		}
		r.StartGracePeriod(FlavorPreempt, 0)

		reading := make([]int, cpus)
		now := int64(1)
		for step := range 300 {
			cpu := uint64(rng.Intn(cpus))
			now++
			switch rng.Intn(3) {
			case 0:
				r.ReadLock(cpu, now)
				reading[cpu]++
			case 1:
				if reading[cpu] > 0 {
					r.ReadUnlock(cpu, now)
					reading[cpu]--
				}
			case 2:
				completed := r.ReportQuiescent(cpu, now)
				anyReading := false
				for _, n := range reading {
					if n > 0 {
						anyReading = true
					}
				}
				if completed && anyReading {
					t.Fatalf("trial %d step %d: completed with active readers %v",
						trial, step, reading)
				}
			}
			if gp, ok := r.CurrentPeriod(); ok && gp.State == GPCompleted {
				break
			}
		}
	}
}

func TestExpedite(t *testing.T) {
	r := NewReclaimer()
	r.InitCPU(0)
	r.StartGracePeriod(FlavorPolled, 10)
	r.ReadLock(0, 11)

	if !r.Expedite(20) {
		t.Fatal("expedite failed")
	}
	gp, _ := r.CurrentPeriod()
	if gp.State != GPForcedExpedited {
		t.Fatalf("state = %v, want forced-expedited", gp.State)
	}
	if gp.State == GPCompleted {
		t.Fatal("expedited period must not masquerade as completed")
	}
	if r.Expedite(30) {
		t.Fatal("expediting a terminal period must fail")
	}
}

func TestCallbacksAccounting(t *testing.T) {
	r := NewReclaimer()
	r.InitCPU(0)

	ran := 0
	for range 5 {
		r.EnqueueCallback(0, func() { ran++ })
	}
	if n := r.PendingCallbacks(0); n != 5 {
		t.Fatalf("pending = %d, want 5", n)
	}
	if n := r.ExecuteCallbacks(0, 3); n != 3 {
		t.Fatalf("executed = %d, want 3", n)
	}
	if ran != 3 {
		t.Fatalf("ran = %d, want 3", ran)
	}
	if n := r.ExecuteCallbacks(0, 10); n != 2 {
		t.Fatalf("executed = %d, want 2", n)
	}
	if n := r.PendingCallbacks(0); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
	if r.EnqueueCallback(42, func() {}) {
		t.Fatal("enqueue on unknown CPU must fail")
	}
}

func TestDetectStalls(t *testing.T) {
	r := NewReclaimer()
	r.InitCPU(0)
	r.InitCPU(1)
	r.InitCPU(2)

	r.ReadLock(0, 100)
	r.ReadLock(2, 900)

	stalled := r.DetectStalls(1000, 500)
	if len(stalled) != 1 || stalled[0] != 0 {
		t.Fatalf("stalled = %v, want [0]", stalled)
	}
}

func TestStatsSnapshot(t *testing.T) {
	r := NewReclaimer()
	r.InitCPU(0)
	r.StartGracePeriod(FlavorBh, 5)
	r.ReportQuiescent(0, 25)
	r.EnqueueCallback(0, func() {})

	st := r.Stats()
	if st.RegisteredCPUs != 1 || st.PeriodsCompleted != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.LastCompletedDurNS != 20 {
		t.Fatalf("last duration = %d, want 20", st.LastCompletedDurNS)
	}
	if st.CallbacksPending != 1 {
		t.Fatalf("pending = %d, want 1", st.CallbacksPending)
	}
}
