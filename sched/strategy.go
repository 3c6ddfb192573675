package sched

// StealKind selects how many items a successful steal takes.
type StealKind uint8

const (
	// StealOne pops a single item from the victim's head.
	StealOne StealKind = iota
	// StealHalf drains the front half, at least one if non-empty.
	StealHalf
	// StealBatch drains up to BatchSize items.
	StealBatch
	// StealAdaptive steals half the difference between victim and
	// thief queue lengths.
	StealAdaptive
)

// StealStrategy is a closed set; no runtime extensibility.
type StealStrategy struct {
	Kind      StealKind
	BatchSize int // only meaningful for StealBatch
}

// stealCount returns how many items to take given victim and thief
// queue lengths. Zero means the steal fails.
func (s StealStrategy) stealCount(victimLen, thiefLen int) int {
	if victimLen == 0 {
		return 0
	}
	switch s.Kind {
	case StealOne:
		return 1
	case StealHalf:
		n := victimLen / 2
		if n == 0 {
			n = 1
		}
		return n
	case StealBatch:
		n := s.BatchSize
		if n < 1 {
			n = 1
		}
		if n > victimLen {
			n = victimLen
		}
		return n
	case StealAdaptive:
		n := (victimLen - thiefLen) / 2
		if n < 0 {
			n = 0
		}
		return n
	default:
		return 0
	}
}
