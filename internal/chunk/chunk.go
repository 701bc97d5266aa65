// Package chunk implements the fixed-layout ChunkHeader and ChunkManagement
// records prepended to every user payload, and the reference-counted
// lifecycle that ties a payload block's lifetime to the number of ports
// and samples currently holding it.
//
// A chunk is really two pool-allocated blocks: the payload block (header +
// user data, from whichever MePoo tier fits the request) and a management
// block (a fixed-size ChunkManagement record, from a dedicated small pool).
// Splitting them keeps ChunkHeader exactly payload-pool-sized regardless of
// how large the atomic refcount bookkeeping grows, and lets a block be
// freed the instant its refcount hits zero without waiting on the
// management pool to have room.
package chunk

import (
	"sync/atomic"
	"unsafe"

	"shmbus/internal/mempool"
	"shmbus/internal/relptr"
)

// Header is the fixed-layout record at the start of every payload block.
// Field order and widths are part of the wire contract: any process that
// has the owning segment mapped can reinterpret raw bytes as a Header.
type Header struct {
	TotalSize      uint32
	PayloadSize    uint32
	PayloadAlign   uint32
	PayloadOffset  uint32
	OriginID       uint64
	Sequence       uint64
	TimestampNanos int64
	Management     relptr.Ptr // back-pointer to this chunk's Management record
}

const headerSize = uint32(unsafe.Sizeof(Header{}))

// Management is the auxiliary record tracking a chunk's reference count and
// the back-pointers needed to free it. It lives in its own small-block
// pool so ChunkHeader stays exactly payload-sized.
type Management struct {
	HeaderPtr  relptr.Ptr       // cross-process handle to this chunk's Header
	headerLoc  unsafe.Pointer   // *Header, valid in the allocating process
	OriginTier relptr.SegmentID // segment owning the payload pool's blocks
	OriginPool unsafe.Pointer   // *mempool.Pool the payload block came from; process-local
	ManagedBy  unsafe.Pointer   // *mempool.Pool this Management record itself came from
	refcount   atomic.Int64
}

// managementBlockSize is the fixed size of the pool tier that must host
// Management records.
const managementBlockSize = uint32(unsafe.Sizeof(Management{}))

// ManagementBlockSize reports the block size a MePoo tier must provide to
// host ChunkManagement records, for use when a segment builder sizes the
// dedicated management pool.
func ManagementBlockSize() uint32 { return managementBlockSize }

// RequiredBlockSize computes the padded, header-inclusive size a payload
// pool tier must be able to hold for a loan of payloadSize bytes aligned to
// payloadAlign.
func RequiredBlockSize(payloadSize, payloadAlign uint32) uint32 {
	if payloadAlign == 0 {
		payloadAlign = 1
	}
	offset := alignUp(headerSize, payloadAlign)
	return offset + payloadSize
}

func alignUp(n, align uint32) uint32 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// Chunk is the process-local handle returned by Loan. It bundles the
// resolved Header with its Management record so callers don't have to
// reconstruct the relationship on every access.
type Chunk struct {
	Header *Header
	Mgmt   *Management
}

// Payload returns the writable user-payload slice of the chunk.
func (c *Chunk) Payload() []byte {
	base := unsafe.Pointer(c.Header)
	p := unsafe.Add(base, uintptr(c.Header.PayloadOffset))
	return unsafe.Slice((*byte)(p), c.Header.PayloadSize)
}

// FromPayload recovers a chunk's Header from a pointer to the start of its
// user payload, by subtracting offsetToHeader (the header's recorded
// PayloadOffset).
func FromPayload(payload unsafe.Pointer, offsetToHeader uint32) *Header {
	return (*Header)(unsafe.Add(payload, -uintptr(offsetToHeader)))
}

// Loan allocates a payload block from payloadPool sized to hold
// payloadSize bytes aligned to payloadAlign, and a Management record from
// mgmtPool, wires them together, writes the Header in place, and returns a
// Chunk with refcount 1 (held by the loaning caller).
func Loan(payloadPool *mempool.MePoo, mgmtPool *mempool.Pool, originID uint64, sequence uint64, nowNanos int64, payloadSize, payloadAlign uint32) (*Chunk, error) {
	required := RequiredBlockSize(payloadSize, payloadAlign)
	tier, block, err := payloadPool.GetChunk(required)
	if err != nil {
		return nil, err
	}

	mgmtBlock, err := mgmtPool.GetChunk()
	if err != nil {
		tier.FreeChunk(blockBase(block))
		return nil, err
	}

	hdr := (*Header)(blockBase(block))
	offset := alignUp(headerSize, max1(payloadAlign))
	*hdr = Header{
		TotalSize:      uint32(len(block)),
		PayloadSize:    payloadSize,
		PayloadAlign:   max1(payloadAlign),
		PayloadOffset:  offset,
		OriginID:       originID,
		Sequence:       sequence,
		TimestampNanos: nowNanos,
	}

	mgmt := (*Management)(mgmtBlock)
	*mgmt = Management{
		HeaderPtr:  relptr.MakePtr(tier.Segment(), tier.BaseAddr(), blockBase(block)),
		headerLoc:  unsafe.Pointer(hdr),
		OriginTier: tier.Segment(),
		OriginPool: unsafe.Pointer(tier),
		ManagedBy:  unsafe.Pointer(mgmtPool),
	}
	mgmt.refcount.Store(1)
	hdr.Management = relptr.MakePtr(mgmtPool.Segment(), mgmtPool.BaseAddr(), mgmtBlock)

	c := &Chunk{Header: hdr, Mgmt: mgmt}
	return c, nil
}

func max1(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	return n
}

func blockBase(b []byte) unsafe.Pointer { return unsafe.Pointer(unsafe.SliceData(b)) }

// IncrementRefCount bumps the chunk's refcount by one. Relaxed ordering is
// sufficient: the caller already holds a valid reference (it is the
// precondition for calling this at all), so there is no happens-before
// relationship this increment needs to establish with other memory.
func IncrementRefCount(m *Management) {
	m.refcount.Add(1)
}

// DecrementRefCount releases one reference. On the transition to zero it
// returns the payload block to its origin pool and the Management record
// to its own pool, in that order: the Management record must die last
// because it is what the payload block's pool pointer is read from.
//
// Returns true if this call performed the release (transitioned 1 -> 0).
func DecrementRefCount(m *Management) bool {
	remaining := m.refcount.Add(-1)
	if remaining < 0 {
		panic("chunk: refcount underflow")
	}
	if remaining != 0 {
		return false
	}

	originPool := (*mempool.Pool)(m.OriginPool)
	managedBy := (*mempool.Pool)(m.ManagedBy)

	originPool.FreeChunk(m.headerLoc)
	managedBy.FreeChunk(unsafe.Pointer(m))
	return true
}

// ResolveHeader dereferences m.HeaderPtr against reg to recover the
// chunk's Header. Used by a subscriber that reached a Management record
// through the delivery queue (a relptr.Ptr, resolved against its own
// registered segment mappings) rather than a freshly loaned Chunk handle.
func ResolveHeader(reg *relptr.Registry, m *Management) *Header {
	return relptr.Get[Header](reg, m.HeaderPtr)
}

// RefCount reports the current reference count. Observational.
func RefCount(m *Management) int64 { return m.refcount.Load() }
