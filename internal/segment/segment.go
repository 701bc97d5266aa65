// Package segment builds the shared memory regions a MePooConfig
// describes: one segment per access group, laid out back-to-back with a
// fixed-layout header followed by each configured pool's blocks, mapped
// once at broker startup and never resized.
package segment

import (
	"encoding/binary"
	"fmt"

	"shmbus/internal/chunk"
	"shmbus/internal/mempool"
	"shmbus/internal/relptr"
)

// magic identifies a shmbus segment header; version bumps on any
// incompatible layout change.
var magic = [4]byte{'s', 'h', 'm', 'B'}

const headerVersion = 1

// PoolSpec is one entry of a MePooConfig: a block size/count pair that
// will become one Pool within a segment.
type PoolSpec struct {
	BlockSize  uint32
	BlockCount uint32
}

// poolAlign is the alignment every pool's base offset is rounded up to
// within a segment, generous enough for any payload alignment this
// transport is expected to carry (cache-line sized).
const poolAlign = 64

// headerSize is the fixed-layout region at the start of every segment:
// magic, version, total size, pool count. Per-pool descriptors
// immediately follow, each a fixed {blockSize, blockCount, baseOffset}
// record, before the first pool's blocks begin.
const headerSize = 4 + 4 + 8 + 4

const descriptorSize = 4 + 4 + 8 // blockSize, blockCount, baseOffset

// Segment is one mapped shared-memory region backing all the pools of a
// single access group.
type Segment struct {
	Name        string
	AccessGroup string
	ID          relptr.SegmentID

	mapping []byte
	pools   []*mempool.Pool
	mePoo   *mempool.MePoo
	mgmt    *mempool.Pool
}

// MePoo returns the composed pool-of-pools for this segment's payload
// blocks.
func (s *Segment) MePoo() *mempool.MePoo { return s.mePoo }

// ManagementPool returns this segment's dedicated ChunkManagement pool
// (spec §4.3), the one every chunk.Loan call within this access group
// draws its Management record from.
func (s *Segment) ManagementPool() *mempool.Pool { return s.mgmt }

// Size returns the total mapped size in bytes.
func (s *Segment) Size() uintptr { return uintptr(len(s.mapping)) }

// Close unmaps the segment's backing memory. Callers must ensure no pool
// in this segment is in use before calling Close; per spec §4.8 segments
// are created once at broker startup and torn down only at broker
// shutdown.
func (s *Segment) Close() error {
	return munmap(s.mapping)
}

// Build lays out specs back-to-back inside a freshly allocated mapping for
// one access group, writes the segment header and pool descriptor table,
// constructs a mempool.Pool per spec bound to its slice of the mapping,
// and registers the segment with reg under id.
//
// Invariant (spec §4.8): total segment size = sum(align(blockSize_i) *
// blockCount_i) + metadata header; no overcommit, no resize.
//
// managementCount sizes an additional pool tier, laid out after specs and
// not part of the returned Segment's MePoo, reserved exclusively for
// ChunkManagement records (spec §4.3).
func Build(reg *relptr.Registry, id relptr.SegmentID, name, accessGroup string, specs []PoolSpec, managementCount uint32) (*Segment, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("segment: %s: at least one pool spec required", name)
	}
	if managementCount == 0 {
		return nil, fmt.Errorf("segment: %s: managementCount must be > 0", name)
	}

	allSpecs := make([]PoolSpec, 0, len(specs)+1)
	allSpecs = append(allSpecs, specs...)
	allSpecs = append(allSpecs, PoolSpec{BlockSize: chunk.ManagementBlockSize(), BlockCount: managementCount})

	descriptorTableSize := len(allSpecs) * descriptorSize
	offset := uint64(headerSize + descriptorTableSize)
	offset = alignUp64(offset, poolAlign)

	type laid struct {
		spec   PoolSpec
		offset uint64
	}
	layout := make([]laid, 0, len(allSpecs))
	for _, spec := range allSpecs {
		layout = append(layout, laid{spec: spec, offset: offset})
		offset += uint64(spec.BlockSize) * uint64(spec.BlockCount)
		offset = alignUp64(offset, poolAlign)
	}
	totalSize := offset

	mapping, err := mmapAnon(uintptr(totalSize))
	if err != nil {
		return nil, fmt.Errorf("segment: %s: %w", name, err)
	}

	writeHeader(mapping, totalSize, layout)

	base := baseAddr(mapping)
	reg.Register(id, base, uintptr(len(mapping)))

	pools := make([]*mempool.Pool, 0, len(layout))
	for _, l := range layout {
		blockBase := addPtr(base, uintptr(l.offset))
		pools = append(pools, mempool.NewPool(id, blockBase, l.spec.BlockSize, l.spec.BlockCount))
	}

	payloadPools := pools[:len(pools)-1]
	mgmtPool := pools[len(pools)-1]

	return &Segment{
		Name:        name,
		AccessGroup: accessGroup,
		ID:          id,
		mapping:     mapping,
		pools:       payloadPools,
		mePoo:       mempool.NewMePoo(payloadPools),
		mgmt:        mgmtPool,
	}, nil
}

func writeHeader(mapping []byte, totalSize uint64, layout []struct {
	spec   PoolSpec
	offset uint64
}) {
	copy(mapping[0:4], magic[:])
	binary.LittleEndian.PutUint32(mapping[4:8], headerVersion)
	binary.LittleEndian.PutUint64(mapping[8:16], totalSize)
	binary.LittleEndian.PutUint32(mapping[16:20], uint32(len(layout)))

	pos := headerSize
	for _, l := range layout {
		binary.LittleEndian.PutUint32(mapping[pos:pos+4], l.spec.BlockSize)
		binary.LittleEndian.PutUint32(mapping[pos+4:pos+8], l.spec.BlockCount)
		binary.LittleEndian.PutUint64(mapping[pos+8:pos+16], l.offset)
		pos += descriptorSize
	}
}

// ReadHeader parses a segment's header and descriptor table back out of
// its raw bytes, as a client would after mapping the segment read-only
// during handshake.
func ReadHeader(mapping []byte) (totalSize uint64, specs []PoolSpec, offsets []uint64, err error) {
	if len(mapping) < headerSize {
		return 0, nil, nil, fmt.Errorf("segment: mapping too small for header")
	}
	var gotMagic [4]byte
	copy(gotMagic[:], mapping[0:4])
	if gotMagic != magic {
		return 0, nil, nil, fmt.Errorf("segment: bad magic %x", gotMagic)
	}
	version := binary.LittleEndian.Uint32(mapping[4:8])
	if version != headerVersion {
		return 0, nil, nil, fmt.Errorf("segment: unsupported version %d", version)
	}
	totalSize = binary.LittleEndian.Uint64(mapping[8:16])
	poolCount := binary.LittleEndian.Uint32(mapping[16:20])

	pos := headerSize
	for i := uint32(0); i < poolCount; i++ {
		if pos+descriptorSize > len(mapping) {
			return 0, nil, nil, fmt.Errorf("segment: descriptor table truncated")
		}
		blockSize := binary.LittleEndian.Uint32(mapping[pos : pos+4])
		blockCount := binary.LittleEndian.Uint32(mapping[pos+4 : pos+8])
		off := binary.LittleEndian.Uint64(mapping[pos+8 : pos+16])
		specs = append(specs, PoolSpec{BlockSize: blockSize, BlockCount: blockCount})
		offsets = append(offsets, off)
		pos += descriptorSize
	}
	return totalSize, specs, offsets, nil
}

func alignUp64(n uint64, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
