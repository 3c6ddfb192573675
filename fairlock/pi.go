package fairlock

import "sort"

// InheritanceProtocol selects how blocked high-priority tasks raise
// the priority of resource owners.
type InheritanceProtocol uint8

const (
	// DirectInheritance boosts only the immediate owner.
	DirectInheritance InheritanceProtocol = iota
	// TransitiveInheritance walks the blocking chain, boosting every
	// owner along it.
	TransitiveInheritance
	// ImmediateCeiling raises an acquirer straight to the resource
	// ceiling regardless of contention.
	ImmediateCeiling
)

func (p InheritanceProtocol) String() string {
	switch p {
	case DirectInheritance:
		return "direct"
	case TransitiveInheritance:
		return "transitive"
	case ImmediateCeiling:
		return "immediate-ceiling"
	default:
		return "unknown"
	}
}

// maxChainDepth bounds transitive boost propagation. Chains deeper
// than this indicate a cycle or a pathological dependency graph; the
// walk stops and the event is counted.
const maxChainDepth = 16

type boost struct {
	resource uint64
	priority int32
}

type piTask struct {
	id             uint64
	base           int32
	effective      int32
	boosts         []boost
	blockedOn      uint64 // resource ID, 0 when runnable
	blockedSinceNS int64
}

// recompute sets effective to the max of base and surviving boosts.
func (t *piTask) recompute() {
	eff := t.base
	for _, b := range t.boosts {
		if b.priority > eff {
			eff = b.priority
		}
	}
	t.effective = eff
}

func (t *piTask) dropBoosts(resource uint64) {
	kept := t.boosts[:0]
	for _, b := range t.boosts {
		if b.resource != resource {
			kept = append(kept, b)
		}
	}
	t.boosts = kept
	t.recompute()
}

type piResource struct {
	id         uint64
	ceiling    int32
	owner      uint64 // task ID, 0 when free
	acquiredNS int64
	waiters    []uint64
}

// PIStats counts protocol activity.
type PIStats struct {
	Boosts         uint64
	Unboosts       uint64
	DepthLimitHits uint64
	CeilingGrants  uint64
}

// PriorityInheritance tracks task priorities and resource ownership,
// propagating boosts so a low-priority owner cannot indefinitely delay
// a high-priority waiter.
type PriorityInheritance struct {
	protocol  InheritanceProtocol
	tasks     map[uint64]*piTask
	resources map[uint64]*piResource
	stats     PIStats
}

// NewPriorityInheritance creates an empty protocol instance. Not safe
// for concurrent use; callers serialize externally (the scheduler tick
// owns it).
func NewPriorityInheritance(protocol InheritanceProtocol) *PriorityInheritance {
	return &PriorityInheritance{
		protocol:  protocol,
		tasks:     make(map[uint64]*piTask),
		resources: make(map[uint64]*piResource),
	}
}

// RegisterTask adds a task with its base priority. ID 0 is reserved
// as the "no owner" sentinel and is rejected.
func (p *PriorityInheritance) RegisterTask(taskID uint64, priority int32) bool {
	if taskID == 0 {
		return false
	}
	if _, ok := p.tasks[taskID]; ok {
		return false
	}
	p.tasks[taskID] = &piTask{id: taskID, base: priority, effective: priority}
	return true
}

// RegisterResource adds a resource with its priority ceiling. The
// ceiling only matters under ImmediateCeiling. ID 0 is reserved as
// the "not blocked" sentinel and is rejected.
func (p *PriorityInheritance) RegisterResource(resourceID uint64, ceiling int32) bool {
	if resourceID == 0 {
		return false
	}
	if _, ok := p.resources[resourceID]; ok {
		return false
	}
	p.resources[resourceID] = &piResource{id: resourceID, ceiling: ceiling}
	return true
}

// Acquire attempts to take a resource. On success the task owns it
// (and under ImmediateCeiling runs at the ceiling). On contention the
// task is queued, the owner is boosted per protocol, and false is
// returned.
func (p *PriorityInheritance) Acquire(taskID, resourceID uint64, nowNS int64) bool {
	t, ok := p.tasks[taskID]
	if !ok {
		return false
	}
	r, ok := p.resources[resourceID]
	if !ok {
		return false
	}
	if r.owner == 0 {
		r.owner = taskID
		r.acquiredNS = nowNS
		if p.protocol == ImmediateCeiling && r.ceiling > t.effective {
			t.boosts = append(t.boosts, boost{resource: resourceID, priority: r.ceiling})
			t.recompute()
			p.stats.CeilingGrants++
		}
		return true
	}
	if r.owner == taskID {
		return false
	}
	r.waiters = append(r.waiters, taskID)
	t.blockedOn = resourceID
	t.blockedSinceNS = nowNS
	p.propagateBoost(resourceID, t.effective)
	return false
}

// Owner returns the current owner of a resource, zero when free.
func (p *PriorityInheritance) Owner(resourceID uint64) uint64 {
	r, ok := p.resources[resourceID]
	if !ok {
		return 0
	}
	return r.owner
}

// propagateBoost raises the owner of resourceID to at least prio and,
// under TransitiveInheritance, follows the owner's own blocking edge.
// The walk is iterative and depth-bounded.
func (p *PriorityInheritance) propagateBoost(resourceID uint64, prio int32) {
	for depth := 0; ; depth++ {
		if depth >= maxChainDepth {
			p.stats.DepthLimitHits++
			return
		}
		r, ok := p.resources[resourceID]
		if !ok || r.owner == 0 {
			return
		}
		owner, ok := p.tasks[r.owner]
		if !ok {
			return
		}
		if prio > owner.effective {
			owner.boosts = append(owner.boosts, boost{resource: resourceID, priority: prio})
			owner.recompute()
			p.stats.Boosts++
		}
		if p.protocol != TransitiveInheritance || owner.blockedOn == 0 {
			return
		}
		resourceID = owner.blockedOn
	}
}

// Release gives up a resource, strips the owner's boosts that were
// tagged with it, and hands the resource to the highest-effective-
// priority waiter. Returns the new owner, zero when the queue is
// empty.
func (p *PriorityInheritance) Release(taskID, resourceID uint64, nowNS int64) (uint64, bool) {
	r, ok := p.resources[resourceID]
	if !ok || r.owner != taskID {
		return 0, false
	}
	if owner, ok := p.tasks[taskID]; ok {
		before := owner.effective
		owner.dropBoosts(resourceID)
		if owner.effective < before {
			p.stats.Unboosts++
		}
	}
	r.owner = 0
	r.acquiredNS = 0
	if len(r.waiters) == 0 {
		return 0, true
	}

	// Highest effective priority wins; FIFO among equals.
	sort.SliceStable(r.waiters, func(i, j int) bool {
		return p.taskEffective(r.waiters[i]) > p.taskEffective(r.waiters[j])
	})
	next := r.waiters[0]
	r.waiters = r.waiters[1:]
	r.owner = next
	r.acquiredNS = nowNS
	if t, ok := p.tasks[next]; ok {
		t.blockedOn = 0
		t.blockedSinceNS = 0
		if p.protocol == ImmediateCeiling && r.ceiling > t.effective {
			t.boosts = append(t.boosts, boost{resource: resourceID, priority: r.ceiling})
			t.recompute()
			p.stats.CeilingGrants++
		}
	}
	// Waiters still queued boost the new owner.
	for _, w := range r.waiters {
		p.propagateBoost(resourceID, p.taskEffective(w))
	}
	return next, true
}

func (p *PriorityInheritance) taskEffective(taskID uint64) int32 {
	if t, ok := p.tasks[taskID]; ok {
		return t.effective
	}
	return 0
}

// OwnerHoldNS reports how long the current owner has held the
// resource, zero when free.
func (p *PriorityInheritance) OwnerHoldNS(resourceID uint64, nowNS int64) int64 {
	r, ok := p.resources[resourceID]
	if !ok || r.owner == 0 {
		return 0
	}
	d := nowNS - r.acquiredNS
	if d < 0 {
		return 0
	}
	return d
}

// BlockedNS reports how long a task has been blocked, zero when
// runnable.
func (p *PriorityInheritance) BlockedNS(taskID uint64, nowNS int64) int64 {
	t, ok := p.tasks[taskID]
	if !ok || t.blockedOn == 0 {
		return 0
	}
	d := nowNS - t.blockedSinceNS
	if d < 0 {
		return 0
	}
	return d
}

// EffectivePriority returns a task's current effective priority.
func (p *PriorityInheritance) EffectivePriority(taskID uint64) (int32, bool) {
	t, ok := p.tasks[taskID]
	if !ok {
		return 0, false
	}
	return t.effective, true
}

// BasePriority returns a task's base priority.
func (p *PriorityInheritance) BasePriority(taskID uint64) (int32, bool) {
	t, ok := p.tasks[taskID]
	if !ok {
		return 0, false
	}
	return t.base, true
}

// Stats returns the protocol counters.
func (p *PriorityInheritance) Stats() PIStats { return p.stats }
