package mempool

import (
	"fmt"
	"sort"
)

// PoolConfig describes one block-size tier of a MePoo, before the backing
// memory has been carved out of a segment.
type PoolConfig struct {
	BlockSize  uint32
	BlockCount uint32
}

// MePoo (memory pool of pools) composes several Pool tiers of increasing
// block size. GetChunk always picks the smallest tier whose block size can
// hold the request and never spills over into a larger tier on exhaustion:
// a caller that needs a 200-byte block but finds the 256-byte tier
// exhausted gets ErrOutOfChunks even if the 4096-byte tier has room. This
// keeps per-tier exhaustion behavior predictable instead of letting a burst
// of small allocations silently eat a scarce large-block tier.
type MePoo struct {
	// tiers is sorted ascending by BlockSize.
	tiers []*Pool
}

// NewMePoo composes pools already constructed by a segment builder (each
// carved out of segment-backed memory ahead of time) into size-ordered
// tiers. It panics if two pools share the same block size, since that
// would make tier selection ambiguous.
func NewMePoo(pools []*Pool) *MePoo {
	tiers := make([]*Pool, len(pools))
	copy(tiers, pools)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].blockSize < tiers[j].blockSize })
	for i := 1; i < len(tiers); i++ {
		if tiers[i].blockSize == tiers[i-1].blockSize {
			panic(fmt.Sprintf("mempool: duplicate tier block size %d", tiers[i].blockSize))
		}
	}
	return &MePoo{tiers: tiers}
}

// GetChunk claims a block from the smallest tier whose BlockSize is >=
// requiredSize (the caller's fully padded, header-inclusive size). Returns
// ErrOutOfChunks if no tier is large enough, or the chosen tier is
// exhausted.
func (m *MePoo) GetChunk(requiredSize uint32) (*Pool, []byte, error) {
	tier := m.selectTier(requiredSize)
	if tier == nil {
		return nil, nil, fmt.Errorf("%w: no tier fits %d bytes", ErrOutOfChunks, requiredSize)
	}
	block, err := tier.GetChunk()
	if err != nil {
		return nil, nil, err
	}
	return tier, unsafeSlice(block, tier.blockSize), nil
}

// selectTier returns the smallest tier able to hold requiredSize, or nil.
func (m *MePoo) selectTier(requiredSize uint32) *Pool {
	// tiers is short (a handful of size classes); linear scan beats the
	// bookkeeping of a binary search here.
	for _, t := range m.tiers {
		if t.blockSize >= requiredSize {
			return t
		}
	}
	return nil
}

// Tiers returns the pool tiers in ascending block-size order, for
// diagnostics reporting.
func (m *MePoo) Tiers() []*Pool {
	out := make([]*Pool, len(m.tiers))
	copy(out, m.tiers)
	return out
}

// FreeChunk returns block to tier, the *Pool that GetChunk returned
// alongside it; it is equivalent to calling tier.FreeChunk on the block's
// address.
func (m *MePoo) FreeChunk(tier *Pool, block []byte) {
	tier.FreeChunk(sliceUnsafe(block))
}
