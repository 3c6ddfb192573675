package fairlock

import "testing"

func TestDirectInheritanceBoostsOwner(t *testing.T) {
	p := NewPriorityInheritance(DirectInheritance)
	p.RegisterTask(1, 1)  // low
	p.RegisterTask(2, 10) // high
	p.RegisterResource(100, 0)

	if !p.Acquire(1, 100, 0) {
		t.Fatal("uncontended acquire failed")
	}
	if p.Acquire(2, 100, 0) {
		t.Fatal("contended acquire reported success")
	}

	eff, _ := p.EffectivePriority(1)
	if eff != 10 {
		t.Fatalf("owner effective = %d, want boosted 10", eff)
	}

	next, ok := p.Release(1, 100, 0)
	if !ok || next != 2 {
		t.Fatalf("release handed resource to %d/%v, want 2", next, ok)
	}
	eff, _ = p.EffectivePriority(1)
	if eff != 1 {
		t.Fatalf("owner effective = %d after release, want base 1", eff)
	}
	if p.Owner(100) != 2 {
		t.Fatalf("owner = %d, want 2", p.Owner(100))
	}
}

func TestEffectiveNeverBelowBase(t *testing.T) {
	p := NewPriorityInheritance(DirectInheritance)
	p.RegisterTask(1, 5)
	p.RegisterTask(2, 3) // lower than owner's base
	p.RegisterResource(100, 0)

	p.Acquire(1, 100, 0)
	p.Acquire(2, 100, 0)

	// A lower-priority waiter must not drag the owner down.
	eff, _ := p.EffectivePriority(1)
	if eff != 5 {
		t.Fatalf("effective = %d, want base 5", eff)
	}
	p.Release(1, 100, 0)
	eff, _ = p.EffectivePriority(1)
	if eff != 5 {
		t.Fatalf("effective = %d after release, want base 5", eff)
	}
}

func TestBoostsTaggedPerResource(t *testing.T) {
	p := NewPriorityInheritance(DirectInheritance)
	p.RegisterTask(1, 1)
	p.RegisterTask(2, 8)
	p.RegisterTask(3, 10)
	p.RegisterResource(100, 0)
	p.RegisterResource(200, 0)

	p.Acquire(1, 100, 0)
	p.Acquire(1, 200, 0)
	p.Acquire(2, 100, 0) // boosts via 100 to 8
	p.Acquire(3, 200, 0) // boosts via 200 to 10

	eff, _ := p.EffectivePriority(1)
	if eff != 10 {
		t.Fatalf("effective = %d, want 10", eff)
	}

	// Dropping resource 200 strips only its boost; 100's survives.
	p.Release(1, 200, 0)
	eff, _ = p.EffectivePriority(1)
	if eff != 8 {
		t.Fatalf("effective = %d after partial release, want 8", eff)
	}
	p.Release(1, 100, 0)
	eff, _ = p.EffectivePriority(1)
	if eff != 1 {
		t.Fatalf("effective = %d after full release, want base 1", eff)
	}
}

func TestTransitiveChainPropagation(t *testing.T) {
	p := NewPriorityInheritance(TransitiveInheritance)
	p.RegisterTask(1, 1)
	p.RegisterTask(2, 2)
	p.RegisterTask(3, 10)
	p.RegisterResource(100, 0) // owned by 1
	p.RegisterResource(200, 0) // owned by 2

	p.Acquire(1, 100, 0)
	p.Acquire(2, 200, 0)
	p.Acquire(2, 100, 0) // 2 blocks on 100, boosts 1 to 2
	p.Acquire(3, 200, 0) // 3 blocks on 200: boost must reach 1 through 2

	eff2, _ := p.EffectivePriority(2)
	eff1, _ := p.EffectivePriority(1)
	if eff2 != 10 || eff1 != 10 {
		t.Fatalf("chain boost: task2=%d task1=%d, want both 10", eff2, eff1)
	}
}

func TestTransitiveDepthBounded(t *testing.T) {
	p := NewPriorityInheritance(TransitiveInheritance)
	const chain = maxChainDepth + 4
	for i := uint64(1); i <= chain; i++ {
		p.RegisterTask(i, 1)
		p.RegisterResource(100+i, 0)
		p.Acquire(i, 100+i, 0)
	}
	// Each task i blocks on the resource of i-1 forming a long chain.
	for i := uint64(2); i <= chain; i++ {
		p.Acquire(i, 100+i-1, 0)
	}
	p.RegisterTask(999, 50)
	p.Acquire(999, 100+chain, 0)

	if p.Stats().DepthLimitHits == 0 {
		t.Fatal("depth limit never hit on an over-long chain")
	}
}

func TestImmediateCeilingOnAcquire(t *testing.T) {
	p := NewPriorityInheritance(ImmediateCeiling)
	p.RegisterTask(1, 3)
	p.RegisterResource(100, 20)

	p.Acquire(1, 100, 0)
	eff, _ := p.EffectivePriority(1)
	if eff != 20 {
		t.Fatalf("effective = %d, want ceiling 20", eff)
	}
	p.Release(1, 100, 0)
	eff, _ = p.EffectivePriority(1)
	if eff != 3 {
		t.Fatalf("effective = %d after release, want base 3", eff)
	}
	if p.Stats().CeilingGrants != 1 {
		t.Fatalf("ceiling grants = %d, want 1", p.Stats().CeilingGrants)
	}
}

func TestReleaseGrantsHighestWaiter(t *testing.T) {
	p := NewPriorityInheritance(DirectInheritance)
	p.RegisterTask(1, 1)
	p.RegisterTask(2, 5)
	p.RegisterTask(3, 9)
	p.RegisterTask(4, 9)
	p.RegisterResource(100, 0)

	p.Acquire(1, 100, 0)
	p.Acquire(2, 100, 0)
	p.Acquire(3, 100, 0)
	p.Acquire(4, 100, 0)

	next, _ := p.Release(1, 100, 0)
	if next != 3 {
		t.Fatalf("granted %d, want first-queued highest-priority 3", next)
	}
	next, _ = p.Release(3, 100, 0)
	if next != 4 {
		t.Fatalf("granted %d, want 4", next)
	}
	next, _ = p.Release(4, 100, 0)
	if next != 2 {
		t.Fatalf("granted %d, want 2", next)
	}
}

func TestZeroIDRejectedAtRegistration(t *testing.T) {
	p := NewPriorityInheritance(DirectInheritance)
	if p.RegisterTask(0, 5) {
		t.Fatal("task ID 0 must be rejected")
	}
	if p.RegisterResource(0, 5) {
		t.Fatal("resource ID 0 must be rejected")
	}
}

func TestHoldAndBlockedDurations(t *testing.T) {
	p := NewPriorityInheritance(DirectInheritance)
	p.RegisterTask(1, 1)
	p.RegisterTask(2, 2)
	p.RegisterResource(100, 0)

	p.Acquire(1, 100, 10)
	p.Acquire(2, 100, 20) // blocks

	if got := p.OwnerHoldNS(100, 50); got != 40 {
		t.Fatalf("owner hold = %d, want 40", got)
	}
	if got := p.BlockedNS(2, 50); got != 30 {
		t.Fatalf("blocked = %d, want 30", got)
	}

	// Ownership transfer restamps the hold and clears the block.
	p.Release(1, 100, 60)
	if got := p.OwnerHoldNS(100, 100); got != 40 {
		t.Fatalf("new owner hold = %d, want 40", got)
	}
	if got := p.BlockedNS(2, 100); got != 0 {
		t.Fatalf("blocked after grant = %d, want 0", got)
	}
}

func TestReleaseValidation(t *testing.T) {
	p := NewPriorityInheritance(DirectInheritance)
	p.RegisterTask(1, 1)
	p.RegisterResource(100, 0)
	if _, ok := p.Release(1, 100, 0); ok {
		t.Fatal("release of unowned resource succeeded")
	}
	p.Acquire(1, 100, 0)
	if _, ok := p.Release(2, 100, 0); ok {
		t.Fatal("release by non-owner succeeded")
	}
	if p.Acquire(1, 100, 0) {
		t.Fatal("re-acquire by owner succeeded")
	}
}
