package sched

import "sync"

// deque is a bounded double-ended work queue. The owning worker pushes
// and pops at the tail, thieves pop at the head. Both ends share one
// short critical section: when a single item remains, owner and thief
// contend for the same element and the mutex arbitrates.
type deque struct {
	mu   sync.Mutex
	buf  []WorkItem
	head uint64 // next steal position
	tail uint64 // next push position
	capa uint64 // logical capacity, <= len(buf)
}

func newDeque(capacity int) *deque {
	if capacity < 1 {
		capacity = 1
	}
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &deque{
		buf:  make([]WorkItem, size),
		capa: uint64(capacity),
	}
}

func (d *deque) mask() uint64 { return uint64(len(d.buf)) - 1 }

// pushTail appends at the owner end. Returns false when full.
func (d *deque) pushTail(item WorkItem) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tail-d.head >= d.capa {
		return false
	}
	d.buf[d.tail&d.mask()] = item
	d.tail++
	return true
}

// popTail removes from the owner end.
func (d *deque) popTail() (WorkItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tail == d.head {
		return WorkItem{}, false
	}
	d.tail--
	i := d.tail & d.mask()
	item := d.buf[i]
	d.buf[i] = WorkItem{}
	return item, true
}

// popHead removes from the thief end.
func (d *deque) popHead() (WorkItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.popHeadLocked()
}

func (d *deque) popHeadLocked() (WorkItem, bool) {
	if d.tail == d.head {
		return WorkItem{}, false
	}
	i := d.head & d.mask()
	item := d.buf[i]
	d.buf[i] = WorkItem{}
	d.head++
	return item, true
}

// drainHead removes up to n items from the thief end, preserving order.
func (d *deque) drainHead(n int) []WorkItem {
	if n <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	avail := int(d.tail - d.head)
	if avail == 0 {
		return nil
	}
	if n > avail {
		n = avail
	}
	out := make([]WorkItem, 0, n)
	for range n {
		item, _ := d.popHeadLocked()
		out = append(out, item)
	}
	return out
}

// drainAll empties the deque, oldest first.
func (d *deque) drainAll() []WorkItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]WorkItem, 0, d.tail-d.head)
	for {
		item, ok := d.popHeadLocked()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}

func (d *deque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.tail - d.head)
}

func (d *deque) capacity() int { return int(d.capa) }
