// Package journal is a durable outbox for runtime telemetry events.
// Events are appended as NEW, marked SENT when handed to the broker
// and ACKED once delivery is confirmed; the broadcaster replays
// anything not yet acked after a restart.
package journal

// Kind classifies a telemetry event.
type Kind uint32

const (
	KindUnknown Kind = iota
	KindWorkSubmitted
	KindWorkStolen
	KindWorkerDrained
	KindGracePeriodDone
	KindRcuStall
	KindHazardReclaim
	KindLockStarvation
	KindStealFailure
	KindPIDepthLimit
)

func (k Kind) String() string {
	switch k {
	case KindWorkSubmitted:
		return "work-submitted"
	case KindWorkStolen:
		return "work-stolen"
	case KindWorkerDrained:
		return "worker-drained"
	case KindGracePeriodDone:
		return "grace-period-done"
	case KindRcuStall:
		return "rcu-stall"
	case KindHazardReclaim:
		return "hazard-reclaim"
	case KindLockStarvation:
		return "lock-starvation"
	case KindStealFailure:
		return "steal-failure"
	case KindPIDepthLimit:
		return "pi-depth-limit"
	default:
		return "unknown"
	}
}

// Event is one telemetry record. Seq is assigned by the journal on
// append; Source names the emitting component, Detail is free-form.
type Event struct {
	Seq    uint64
	Kind   Kind
	Source string
	Detail string
	NowNS  int64
}
