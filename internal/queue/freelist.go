package queue

import "sync/atomic"

// IndexFreeList is a lock-free Treiber stack of block indices, used by
// MemPool to hand out and reclaim fixed-size blocks without ever locking.
// Entries are tagged with a generation counter packed into the high bits
// of the head word so that a classic ABA (pop A, pop B, push A, pop A
// again with a stale CAS) cannot corrupt the free list: every successful
// pop or push bumps the tag, so a racing CAS with a stale head value is
// guaranteed to fail even if the same index cycles back to the top.
type IndexFreeList struct {
	// next[i] holds the index of the entry below i in the stack, or
	// noNext if i is the bottom entry. Indices are block indices into the
	// owning pool's block array, 0-based.
	next []uint32

	// head packs (tag uint32 << 32 | index uint32). index == emptyIndex
	// means the stack is empty.
	head atomic.Uint64
}

const emptyIndex uint32 = ^uint32(0)

func packHead(tag, index uint32) uint64 {
	return uint64(tag)<<32 | uint64(index)
}

func unpackHead(h uint64) (tag, index uint32) {
	return uint32(h >> 32), uint32(h)
}

// NewIndexFreeList builds a free list pre-populated with indices
// [0, count), all initially free.
func NewIndexFreeList(count int) *IndexFreeList {
	fl := &IndexFreeList{next: make([]uint32, count)}
	if count == 0 {
		fl.head.Store(packHead(0, emptyIndex))
		return fl
	}
	for i := range fl.next {
		if i == count-1 {
			fl.next[i] = emptyIndex
		} else {
			fl.next[i] = uint32(i + 1)
		}
	}
	fl.head.Store(packHead(0, 0))
	return fl
}

// Acquire pops an index off the free list. ok is false when empty.
func (fl *IndexFreeList) Acquire() (index uint32, ok bool) {
	for {
		h := fl.head.Load()
		tag, idx := unpackHead(h)
		if idx == emptyIndex {
			return 0, false
		}
		newHead := packHead(tag+1, fl.next[idx])
		if fl.head.CompareAndSwap(h, newHead) {
			return idx, true
		}
	}
}

// Release pushes index back onto the free list. The caller must guarantee
// index is not already free (double-free is a fatal invariant violation
// enforced by the pool, not by IndexFreeList itself).
func (fl *IndexFreeList) Release(index uint32) {
	for {
		h := fl.head.Load()
		tag, idx := unpackHead(h)
		fl.next[index] = idx
		newHead := packHead(tag+1, index)
		if fl.head.CompareAndSwap(h, newHead) {
			return
		}
	}
}

// Len walks the free list and counts its entries. Observational only —
// racy under concurrent Acquire/Release, intended for stats/debugging.
func (fl *IndexFreeList) Len() int {
	h := fl.head.Load()
	_, idx := unpackHead(h)
	n := 0
	for idx != emptyIndex && n <= len(fl.next) {
		n++
		idx = fl.next[idx]
	}
	return n
}
