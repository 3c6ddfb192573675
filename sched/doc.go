// Package sched implements a NUMA-aware work-stealing scheduler.
//
// Each worker owns a bounded double-ended queue of work items. The
// owner pushes and pops at the tail; idle workers steal from the head
// of a victim's queue under a configurable strategy. The scheduler is
// deterministic: it performs no I/O, reads no clock, and every
// state-mutating operation takes the caller's timestamp.
package sched
