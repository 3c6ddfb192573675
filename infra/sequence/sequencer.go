package sequence

import "sync/atomic"

// Sequencer issues strictly monotonic IDs.
// One instance backs one ID space: work items, grace periods,
// lock tickets and journal events each get their own.
type Sequencer struct {
	next atomic.Uint64
}

// New creates a sequencer whose first issued ID is start+1.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next returns the next ID.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued ID.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// Reset rewinds the sequencer. Only valid before concurrent use,
// e.g. when restoring the journal cursor at startup.
func (s *Sequencer) Reset(v uint64) {
	s.next.Store(v)
}
