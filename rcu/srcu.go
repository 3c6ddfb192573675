package rcu

import "sync/atomic"

// SrcuDomain tracks readers for sleepable critical sections. Domains
// are independent of the global grace-period machinery: each carries
// only its own reader count, so a slow sleepable reader never delays
// the classic flavors.
type SrcuDomain struct {
	id      uint64
	readers atomic.Int64
	entered atomic.Uint64
	exited  atomic.Uint64
}

// NewSrcuDomain creates a domain with a caller-chosen ID.
func NewSrcuDomain(id uint64) *SrcuDomain {
	return &SrcuDomain{id: id}
}

func (d *SrcuDomain) ID() uint64 { return d.id }

// ReadLock enters a sleepable read-side section.
func (d *SrcuDomain) ReadLock() {
	d.readers.Add(1)
	d.entered.Add(1)
}

// ReadUnlock leaves a sleepable read-side section. Returns false on
// unbalanced unlock.
func (d *SrcuDomain) ReadUnlock() bool {
	for {
		cur := d.readers.Load()
		if cur == 0 {
			return false
		}
		if d.readers.CompareAndSwap(cur, cur-1) {
			d.exited.Add(1)
			return true
		}
	}
}

// ActiveReaders reports the current reader count.
func (d *SrcuDomain) ActiveReaders() int64 {
	return d.readers.Load()
}

// Quiescent reports whether the domain has no active readers.
func (d *SrcuDomain) Quiescent() bool {
	return d.readers.Load() == 0
}

// TotalEntered reports how many read-side sections ever began.
func (d *SrcuDomain) TotalEntered() uint64 {
	return d.entered.Load()
}
