// Package queue implements the bounded lock-free structures used on the
// data path: the per-subscriber delivery queue (a Vyukov-style bounded
// MPMC ring of relative pointers) and the index-based free list used by
// the memory pool allocator.
//
// Both structures avoid heap allocation after construction and never take
// an OS lock; they are safe to share between processes mapped into the
// same segment because they operate purely on atomics over a fixed-size
// array, with no internal pointers.
package queue

import (
	"sync/atomic"

	"shmbus/internal/relptr"
)

// OverflowPolicy controls what tryPush does when a Ring is at capacity.
type OverflowPolicy int

const (
	// RejectNew refuses the incoming element; the caller keeps it (and is
	// responsible for its refcount) on a Full result.
	RejectNew OverflowPolicy = iota
	// DiscardOldest evicts the queue's oldest element to make room; the
	// evicted element is handed back to the caller so it can release the
	// reference count it held.
	DiscardOldest
)

type slot struct {
	seq   atomic.Uint64
	value relptr.Ptr
}

// Ring is a bounded queue of relptr.Ptr values. Capacity is fixed at
// construction and rounded to the next power of two so slot indices can be
// computed with a mask instead of a modulo.
//
// Ring implements the Vyukov bounded MPMC queue algorithm: each slot
// carries a sequence number that producers and consumers use to claim it
// without ever blocking. DiscardOldest is layered on top: when a push finds
// the queue full it first forces a single-slot pop of the current head
// (the oldest element) and returns the evicted value to the caller, then
// retries its own push. This keeps both operations lock-free (some
// producer or consumer always makes progress) though not strictly
// wait-free under adversarial concurrent eviction.
type Ring struct {
	mask   uint64
	policy OverflowPolicy
	slots  []slot

	head atomic.Uint64 // next slot index to pop
	tail atomic.Uint64 // next slot index to push

	overflowed atomic.Bool // set when a push discards an element; Overflowed reports and clears it
}

// PushResult is returned by TryPush.
type PushResult int

const (
	// Pushed means the value was enqueued with no eviction.
	Pushed PushResult = iota
	// PushedEvicted means the value was enqueued after evicting the oldest
	// element (DiscardOldest policy only); Evicted holds the evicted value.
	PushedEvicted
	// Full means the queue was at capacity and the value was rejected
	// (RejectNew policy only).
	Full
)

func nextPow2(n int) uint64 {
	if n < 1 {
		n = 1
	}
	p := uint64(1)
	for p < uint64(n) {
		p <<= 1
	}
	return p
}

// NewRing builds a Ring with room for at least capacity elements.
func NewRing(capacity int, policy OverflowPolicy) *Ring {
	size := nextPow2(capacity)
	r := &Ring{
		mask:   size - 1,
		policy: policy,
		slots:  make([]slot, size),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// Capacity returns the number of slots backing the ring (a power of two,
// possibly larger than the capacity requested at construction).
func (r *Ring) Capacity() int {
	return len(r.slots)
}

// Len is observational and may be racy under concurrent pushes/pops.
func (r *Ring) Len() int {
	h := r.head.Load()
	t := r.tail.Load()
	if t < h {
		return 0
	}
	return int(t - h)
}

// Snapshot returns up to n of the most recently pushed, not-yet-evicted
// elements still resident in the ring, oldest first. It is a non-consuming
// peek intended for history replay to a newly connected subscriber; unlike
// TryPush/TryPop it is not linearizable with concurrent pushes (a push or
// eviction racing with Snapshot may or may not be reflected), so callers
// that need a point-in-time-consistent replay should call it while holding
// whatever lock serializes pushes to this ring (the publisher port does).
func (r *Ring) Snapshot(n int) []relptr.Ptr {
	tail := r.tail.Load()
	head := r.head.Load()
	count := int(tail - head)
	if count < 0 {
		count = 0
	}
	if n > count {
		n = count
	}
	if n <= 0 {
		return nil
	}
	start := tail - uint64(n)
	out := make([]relptr.Ptr, 0, n)
	for i := start; i != tail; i++ {
		s := &r.slots[i&r.mask]
		if s.seq.Load() == i+1 {
			out = append(out, s.value)
		}
	}
	return out
}

// TryPush attempts to enqueue v. See PushResult for the possible outcomes.
func (r *Ring) TryPush(v relptr.Ptr) (PushResult, relptr.Ptr) {
	var evicted relptr.Ptr
	didEvict := false

	for {
		tail := r.tail.Load()
		s := &r.slots[tail&r.mask]
		seq := s.seq.Load()
		diff := int64(seq) - int64(tail)

		switch {
		case diff == 0:
			if r.tail.CompareAndSwap(tail, tail+1) {
				s.value = v
				s.seq.Store(tail + 1)
				if didEvict {
					return PushedEvicted, evicted
				}
				return Pushed, relptr.Ptr{}
			}
			// lost the race for this slot, retry
		case diff < 0:
			// queue appears full from this producer's viewpoint.
			if r.policy == RejectNew {
				return Full, relptr.Ptr{}
			}
			if !didEvict {
				if v, ok := r.tryEvictOldest(); ok {
					evicted = v
					didEvict = true
					r.overflowed.Store(true)
				}
			}
			// Whether or not this attempt evicted anything, loop back and
			// retry the push; a concurrent consumer may have freed a slot.
		default:
			// Another producer is ahead of us; retry with the fresh tail.
		}
	}
}

// tryEvictOldest pops the current head slot regardless of who would
// normally consume it, used only by DiscardOldest pushes. Returns ok=false
// if there was nothing to evict (a concurrent consumer got there first).
func (r *Ring) tryEvictOldest() (relptr.Ptr, bool) {
	for {
		head := r.head.Load()
		s := &r.slots[head&r.mask]
		seq := s.seq.Load()
		diff := int64(seq) - int64(head+1)
		switch {
		case diff == 0:
			if r.head.CompareAndSwap(head, head+1) {
				v := s.value
				s.seq.Store(head + r.mask + 1)
				return v, true
			}
		case diff < 0:
			return relptr.Ptr{}, false
		default:
			// stale read, retry
		}
	}
}

// TryPop dequeues the oldest element. ok is false when the queue is empty.
func (r *Ring) TryPop() (v relptr.Ptr, ok bool) {
	return r.tryEvictOldest()
}

// Overflowed reports whether the ring has discarded an element since the
// last call to Overflowed, clearing the flag as it reports it — matching
// the subscriber port's "surface the overflow flag once then clear it"
// contract.
func (r *Ring) Overflowed() bool {
	return r.overflowed.Swap(false)
}
