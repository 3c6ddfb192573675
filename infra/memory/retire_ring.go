package memory

import "sync/atomic"

// RetireRing is a lock-free SPSC ring buffer. The single producer is
// the service write path, the single consumer the flush job.
type RetireRing struct {
	head  uint64
	_pad1 [56]byte
	tail  uint64
	_pad2 [56]byte
	buf   []any
	mask  uint64
}

func NewRetireRing(size uint64) *RetireRing {
	if size&(size-1) != 0 {
		panic("RetireRing size must be power of two")
	}
	return &RetireRing{
		buf:  make([]any, size),
		mask: size - 1,
	}
}

// Enqueue is producer-side only. Returns false when the ring is full.
func (r *RetireRing) Enqueue(v any) bool {
	h := r.head
	t := atomic.LoadUint64(&r.tail)
	if h-t == uint64(len(r.buf)) {
		return false
	}
	r.buf[h&r.mask] = v
	atomic.StoreUint64(&r.head, h+1)
	return true
}

// Dequeue is consumer-side only. Returns nil when the ring is empty.
func (r *RetireRing) Dequeue() any {
	t := r.tail
	h := atomic.LoadUint64(&r.head)
	if t == h {
		return nil
	}
	v := r.buf[t&r.mask]
	r.buf[t&r.mask] = nil
	atomic.StoreUint64(&r.tail, t+1)
	return v
}

// Len reports the number of buffered entries. Approximate under
// concurrent use.
func (r *RetireRing) Len() uint64 {
	return atomic.LoadUint64(&r.head) - atomic.LoadUint64(&r.tail)
}
