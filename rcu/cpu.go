package rcu

import "sync/atomic"

// CpuState is the per-CPU read-side bookkeeping. Only the owning CPU
// mutates nesting and the read-side flag; the grace-period machinery
// reads the flag with acquire ordering when checking completion.
type CpuState struct {
	ID uint64

	inReadSide      atomic.Bool
	nesting         atomic.Int32
	readSideSinceNS atomic.Int64

	quiescentCount  atomic.Uint64
	lastQuiescentNS atomic.Int64

	pending  []func()
	executed uint64
}

// InReadSide reports whether the CPU is currently inside a read-side
// section.
func (c *CpuState) InReadSide() bool {
	return c.inReadSide.Load()
}

// NestingDepth reports the current read-side reentry depth.
func (c *CpuState) NestingDepth() int32 {
	return c.nesting.Load()
}

// QuiescentCount reports how many quiescent states the CPU has passed.
func (c *CpuState) QuiescentCount() uint64 {
	return c.quiescentCount.Load()
}
