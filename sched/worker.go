package sched

// WorkerState is the lifecycle state of a worker.
type WorkerState uint8

const (
	WorkerActive WorkerState = iota
	WorkerIdle
	WorkerStealing
	WorkerSleeping
	WorkerShutdown
)

func (s WorkerState) String() string {
	switch s {
	case WorkerActive:
		return "active"
	case WorkerIdle:
		return "idle"
	case WorkerStealing:
		return "stealing"
	case WorkerSleeping:
		return "sleeping"
	case WorkerShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// WorkerStats is a point-in-time snapshot of one worker's counters.
type WorkerStats struct {
	Executed      uint64 // items popped by the owner
	StolenFrom    uint64 // items other workers took from this one
	StolenTo      uint64 // items this worker took from others
	StealAttempts uint64
	StealFailures uint64
	BackoffNS     int64 // current steal backoff interval
	LastStealNS   int64
}

type worker struct {
	id       uint64
	numaNode int32
	state    WorkerState
	dq       *deque
	stats    WorkerStats
}
