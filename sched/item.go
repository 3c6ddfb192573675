package sched

// NoAffinity marks a work item with no NUMA preference.
const NoAffinity = int32(-1)

// WorkItem is a unit of schedulable work. An item is owned by exactly
// one worker deque at a time until popped or stolen.
type WorkItem struct {
	ID        uint64
	Priority  int32
	Affinity  int32 // preferred NUMA node, NoAffinity when unset
	Cost      uint64
	CreatedNS int64
}
