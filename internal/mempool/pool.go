// Package mempool implements the free-list block allocator over a
// contiguous, equally-sized-block array (MemPool) and the composite of
// several such pools of increasing block size (MePoo).
//
// Pools never grow after construction and never fall back to a larger
// pool on exhaustion, by design (spec: bounded-latency requirement).
package mempool

import (
	"errors"
	"fmt"
	"unsafe"

	"shmbus/internal/queue"
	"shmbus/internal/relptr"
)

// ErrOutOfChunks is returned when a pool is exhausted, and by
// MePoo.GetChunk when the one tier it selects is exhausted or no tier
// fits the request.
var ErrOutOfChunks = errors.New("mempool: out of chunks")

// Pool is a free-list allocator over blockCount blocks of blockSize bytes
// each, starting at baseOffset within its segment.
//
// Claim and release are lock-free (IndexFreeList is a Treiber stack);
// GetChunk is wait-free on success and returns ErrOutOfChunks, not a
// blocking wait, when the free list is empty.
type Pool struct {
	blockSize  uint32
	blockCount uint32
	base       unsafe.Pointer
	segment    relptr.SegmentID

	free *queue.IndexFreeList
}

// NewPool constructs a Pool over blockCount blocks of blockSize bytes
// starting at base, which must point at a region of at least
// blockSize*blockCount bytes within segment.
func NewPool(segment relptr.SegmentID, base unsafe.Pointer, blockSize, blockCount uint32) *Pool {
	if blockSize == 0 || blockCount == 0 {
		panic("mempool: blockSize and blockCount must be non-zero")
	}
	return &Pool{
		blockSize:  blockSize,
		blockCount: blockCount,
		base:       base,
		segment:    segment,
		free:       queue.NewIndexFreeList(int(blockCount)),
	}
}

// BlockSize returns the fixed block size of this pool.
func (p *Pool) BlockSize() uint32 { return p.blockSize }

// BlockCount returns the total number of blocks in this pool.
func (p *Pool) BlockCount() uint32 { return p.blockCount }

// Segment returns the id of the segment this pool's blocks live in.
func (p *Pool) Segment() relptr.SegmentID { return p.segment }

// BaseAddr returns the process-local address of this pool's first block,
// for computing relative pointers into its segment.
func (p *Pool) BaseAddr() unsafe.Pointer { return p.base }

// GetChunk claims a free block and returns its process-local address.
// Returns ErrOutOfChunks if the pool is exhausted.
func (p *Pool) GetChunk() (unsafe.Pointer, error) {
	idx, ok := p.free.Acquire()
	if !ok {
		return nil, ErrOutOfChunks
	}
	return p.blockAddr(idx), nil
}

// FreeChunk returns a previously claimed block to the pool. It validates
// that block lies within this pool's range and is block-aligned; either
// violation is a fatal invariant breach (memory corruption or a
// programmer bug), so FreeChunk panics rather than returning an error.
func (p *Pool) FreeChunk(block unsafe.Pointer) {
	idx, err := p.indexOf(block)
	if err != nil {
		panic(fmt.Sprintf("mempool: %v", err))
	}
	p.free.Release(idx)
}

func (p *Pool) blockAddr(idx uint32) unsafe.Pointer {
	return unsafe.Add(p.base, uintptr(idx)*uintptr(p.blockSize))
}

func (p *Pool) indexOf(block unsafe.Pointer) (uint32, error) {
	off := uintptr(block) - uintptr(p.base)
	span := uintptr(p.blockSize) * uintptr(p.blockCount)
	if uintptr(block) < uintptr(p.base) || off >= span {
		return 0, fmt.Errorf("block %p outside pool range [%p, %p)", block, p.base, unsafe.Add(p.base, span))
	}
	if off%uintptr(p.blockSize) != 0 {
		return 0, fmt.Errorf("block %p is not block-aligned (blockSize=%d)", block, p.blockSize)
	}
	return uint32(off / uintptr(p.blockSize)), nil
}

// ChunkCount returns the total block count. Observational.
func (p *Pool) ChunkCount() int { return int(p.blockCount) }

// UsedChunkCount returns the number of blocks currently claimed.
// Observational and may be racy under concurrent claim/release.
func (p *Pool) UsedChunkCount() int {
	return int(p.blockCount) - p.free.Len()
}
