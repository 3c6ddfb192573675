package rcu

// Flavor distinguishes grace-period domains.
type Flavor uint8

const (
	FlavorPreempt Flavor = iota
	FlavorBh
	FlavorSched
	FlavorSrcu
	FlavorTasks
	FlavorPolled
)

func (f Flavor) String() string {
	switch f {
	case FlavorPreempt:
		return "preempt"
	case FlavorBh:
		return "bh"
	case FlavorSched:
		return "sched"
	case FlavorSrcu:
		return "srcu"
	case FlavorTasks:
		return "tasks"
	case FlavorPolled:
		return "polled"
	default:
		return "unknown"
	}
}

// GracePeriodState is the lifecycle of one grace period.
// Completed and ForcedExpedited are terminal.
type GracePeriodState uint8

const (
	GPIdle GracePeriodState = iota
	GPStarted
	GPWaitingForReaders
	GPCompleted
	GPForcedExpedited
)

func (s GracePeriodState) String() string {
	switch s {
	case GPIdle:
		return "idle"
	case GPStarted:
		return "started"
	case GPWaitingForReaders:
		return "waiting-for-readers"
	case GPCompleted:
		return "completed"
	case GPForcedExpedited:
		return "forced-expedited"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s GracePeriodState) Terminal() bool {
	return s == GPCompleted || s == GPForcedExpedited
}

// GracePeriod is one tracked interval after which all pre-existing
// readers are guaranteed to have exited.
type GracePeriod struct {
	ID      uint64
	Flavor  Flavor
	State   GracePeriodState
	StartNS int64
	EndNS   int64
}

// DurationNS is zero until the period reaches a terminal state.
func (gp *GracePeriod) DurationNS() int64 {
	if !gp.State.Terminal() {
		return 0
	}
	return gp.EndNS - gp.StartNS
}
