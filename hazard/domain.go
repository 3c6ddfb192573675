package hazard

import (
	"sort"
	"sync"
)

// DefaultScanThreshold is the retired-list length beyond which ScanAll
// considers a thread worth scanning.
const DefaultScanThreshold = 64

// ThreadStats is a per-thread counter snapshot.
type ThreadStats struct {
	TotalProtects  uint64
	TotalRetires   uint64
	TotalReclaims  uint64
	ReclaimedBytes uint64
	ScanCount      uint64
	RetiredCount   int
	RetiredBytes   uint64
}

type threadCtx struct {
	id       uint64
	slots    []*Slot
	retired  []RetiredNode
	maxSlots int
	stats    ThreadStats
}

// acquireSlot reuses a free slot or allocates one under the limit.
func (t *threadCtx) acquireSlot() (uint64, bool) {
	for _, s := range t.slots {
		if s.state == SlotFree {
			s.state = SlotReserved
			return s.ID, true
		}
	}
	if len(t.slots) < t.maxSlots {
		s := newSlot(uint64(len(t.slots)), t.id)
		s.state = SlotReserved
		t.slots = append(t.slots, s)
		return s.ID, true
	}
	return 0, false
}

func (t *threadCtx) slot(id uint64) *Slot {
	for _, s := range t.slots {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// activeProtections appends the thread's protected addresses to dst.
func (t *threadCtx) activeProtections(dst map[uint64]struct{}) {
	for _, s := range t.slots {
		if s.state == SlotActive {
			dst[s.addr.Load()] = struct{}{}
		}
	}
}

// Stats is a domain-wide snapshot.
type Stats struct {
	Threads        int
	Slots          int
	ActiveSlots    int
	TotalProtects  uint64
	TotalRetires   uint64
	TotalReclaims  uint64
	ReclaimedBytes uint64
	PendingRetired int
	PendingBytes   uint64
}

// Domain manages the hazard pointers of all registered threads.
// Operations serialize on one internal mutex; the per-slot atomics
// carry the publication ordering between protect and scan.
type Domain struct {
	mu sync.Mutex

	id                uint64
	maxSlotsPerThread int
	scanThreshold     int
	threads           map[uint64]*threadCtx
	order             []uint64
	currentEpoch      uint64
}

// NewDomain creates a domain. maxSlotsPerThread bounds slot allocation
// per registered thread.
func NewDomain(id uint64, maxSlotsPerThread int) *Domain {
	if maxSlotsPerThread < 1 {
		maxSlotsPerThread = 1
	}
	return &Domain{
		id:                id,
		maxSlotsPerThread: maxSlotsPerThread,
		scanThreshold:     DefaultScanThreshold,
		threads:           make(map[uint64]*threadCtx),
	}
}

// SetScanThreshold overrides the ScanAll amortization threshold.
func (d *Domain) SetScanThreshold(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 1 {
		n = 1
	}
	d.scanThreshold = n
}

// RegisterThread adds a thread to the domain. Returns false if the ID
// is already registered.
func (d *Domain) RegisterThread(threadID uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.threads[threadID]; ok {
		return false
	}
	d.threads[threadID] = &threadCtx{id: threadID, maxSlots: d.maxSlotsPerThread}
	d.order = append(d.order, threadID)
	sort.Slice(d.order, func(i, j int) bool { return d.order[i] < d.order[j] })
	return true
}

// UnregisterThread removes a thread and returns its still-retired
// nodes so the caller can hand them to a surviving thread. The
// thread's active protections vanish with it; callers must release
// slots before unregistering.
func (d *Domain) UnregisterThread(threadID uint64) []RetiredNode {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.threads[threadID]
	if !ok {
		return nil
	}
	delete(d.threads, threadID)
	for i, id := range d.order {
		if id == threadID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return t.retired
}

// AcquireSlot reserves a protection slot for the thread. Returns false
// when the per-thread slot pool is exhausted.
func (d *Domain) AcquireSlot(threadID uint64) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.threads[threadID]
	if !ok {
		return 0, false
	}
	return t.acquireSlot()
}

// Protect arms a slot with an address. The publication happens before
// Protect returns; the protecting thread may dereference addr only
// after that.
func (d *Domain) Protect(threadID, slotID, addr uint64, nowNS int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.threads[threadID]
	if !ok {
		return false
	}
	s := t.slot(slotID)
	if s == nil {
		return false
	}
	s.protect(addr, nowNS)
	t.stats.TotalProtects++
	return true
}

// ReleaseSlot returns a slot to the free pool.
func (d *Domain) ReleaseSlot(threadID, slotID uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.threads[threadID]
	if !ok {
		return false
	}
	s := t.slot(slotID)
	if s == nil {
		return false
	}
	s.release()
	return true
}

// Retire appends an address to the owning thread's retired list. The
// memory stays untouched until a scan proves it unprotected.
func (d *Domain) Retire(threadID, addr, size, epoch uint64, nowNS int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.threads[threadID]
	if !ok {
		return false
	}
	t.retired = append(t.retired, RetiredNode{
		Addr:        addr,
		SizeBytes:   size,
		RetireEpoch: epoch,
		OwnerThread: threadID,
		RetireNS:    nowNS,
	})
	t.stats.TotalRetires++
	return true
}

// collectProtectedLocked gathers the union of protected addresses
// across every thread in the domain. Skipping any thread here would
// reclaim memory another thread still dereferences.
func (d *Domain) collectProtectedLocked() map[uint64]struct{} {
	protected := make(map[uint64]struct{})
	for _, id := range d.order {
		d.threads[id].activeProtections(protected)
	}
	return protected
}

// Scan filters one thread's retired list against the domain-wide
// protected set, reclaiming everything unprotected. Returns the
// reclaimed count and byte total.
func (d *Domain) Scan(threadID uint64) (uint64, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanLocked(threadID)
}

func (d *Domain) scanLocked(threadID uint64) (uint64, uint64) {
	t, ok := d.threads[threadID]
	if !ok {
		return 0, 0
	}
	protected := d.collectProtectedLocked()
	t.stats.ScanCount++

	var count, bytes uint64
	kept := t.retired[:0]
	for _, node := range t.retired {
		if _, held := protected[node.Addr]; held {
			kept = append(kept, node)
			continue
		}
		count++
		bytes += node.SizeBytes
	}
	t.retired = kept
	t.stats.TotalReclaims += count
	t.stats.ReclaimedBytes += bytes
	return count, bytes
}

// ScanAll scans every thread whose retired list exceeds the scan
// threshold, amortizing scan cost across retire bursts.
func (d *Domain) ScanAll() (uint64, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var count, bytes uint64
	for _, id := range d.order {
		if len(d.threads[id].retired) < d.scanThreshold {
			continue
		}
		c, b := d.scanLocked(id)
		count += c
		bytes += b
	}
	return count, bytes
}

// AdvanceEpoch bumps the domain epoch used to tag retirements.
func (d *Domain) AdvanceEpoch() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.currentEpoch++
	return d.currentEpoch
}

// Epoch returns the current domain epoch.
func (d *Domain) Epoch() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentEpoch
}

// ThreadCount reports how many threads are registered.
func (d *Domain) ThreadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.threads)
}

// ThreadStats returns the counter snapshot for one thread.
func (d *Domain) ThreadStats(threadID uint64) (ThreadStats, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.threads[threadID]
	if !ok {
		return ThreadStats{}, false
	}
	st := t.stats
	st.RetiredCount = len(t.retired)
	for _, n := range t.retired {
		st.RetiredBytes += n.SizeBytes
	}
	return st, true
}

// Stats returns a domain-wide snapshot.
func (d *Domain) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	var st Stats
	st.Threads = len(d.threads)
	for _, id := range d.order {
		t := d.threads[id]
		st.Slots += len(t.slots)
		for _, s := range t.slots {
			if s.state == SlotActive {
				st.ActiveSlots++
			}
		}
		st.TotalProtects += t.stats.TotalProtects
		st.TotalRetires += t.stats.TotalRetires
		st.TotalReclaims += t.stats.TotalReclaims
		st.ReclaimedBytes += t.stats.ReclaimedBytes
		st.PendingRetired += len(t.retired)
		for _, n := range t.retired {
			st.PendingBytes += n.SizeBytes
		}
	}
	return st
}
