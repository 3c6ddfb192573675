// Package rcu tracks grace periods across registered CPUs.
//
// A CPU enters and leaves read-side critical sections with ReadLock and
// ReadUnlock; sections nest. A grace period completes only once every
// registered CPU has been observed outside a read-side section since
// the period began. Deferred callbacks are queued per CPU and executed
// in batches once the caller decides it is safe.
//
// The package performs no I/O and reads no clock; every mutating
// operation takes the caller's timestamp, which makes interleavings
// fully replayable in tests.
package rcu
