// Package diag builds a read-only snapshot of a running broker's state
// for the (out-of-scope) inspection tool or an operator script: pool
// occupancy, the live port registry, and process CPU/memory (spec
// §4.11). Every Snapshot call walks live broker state under the caller's
// dispatch-thread lock discipline (spec §4.7); nothing here is ever on
// the loan/send/take/release fast path.
package diag

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"shmbus/internal/portgraph"
	"shmbus/internal/segment"
	"shmbus/internal/sysmetrics"
)

// PoolStats is one mempool tier's occupancy, for one segment.
type PoolStats struct {
	BlockSize  uint32 `msgpack:"blockSize"`
	BlockCount int    `msgpack:"blockCount"`
	Used       int    `msgpack:"used"`
}

// SegmentStats is one access group's segment: its size and every pool
// tier it carries, including the dedicated ChunkManagement pool.
type SegmentStats struct {
	Name           string      `msgpack:"name"`
	AccessGroup    string      `msgpack:"accessGroup"`
	SizeBytes      uint64      `msgpack:"sizeBytes"`
	PayloadPools   []PoolStats `msgpack:"payloadPools"`
	ManagementPool PoolStats   `msgpack:"managementPool"`
}

// PortStats is one publisher or subscriber port's diagnostic view.
type PortStats struct {
	Handle          string `msgpack:"handle"`
	Owner           string `msgpack:"owner"`
	Service         string `msgpack:"service"`
	Instance        string `msgpack:"instance"`
	Event           string `msgpack:"event"`
	State           string `msgpack:"state"`
	ConnectionCount int    `msgpack:"connectionCount,omitempty"`
	QueueCapacity   int    `msgpack:"queueCapacity,omitempty"`
}

// ProcessStats is process-wide resource usage, via internal/sysmetrics.
type ProcessStats struct {
	CPUPercent  float64 `msgpack:"cpuPercent"`
	MemoryInUse int64   `msgpack:"memoryInUseBytes"`
}

// Snapshot is the full diagnostic view of a running broker at one instant.
type Snapshot struct {
	TakenAt     time.Time      `msgpack:"takenAt"`
	Segments    []SegmentStats `msgpack:"segments"`
	Publishers  []PortStats    `msgpack:"publishers"`
	Subscribers []PortStats    `msgpack:"subscribers"`
	Process     ProcessStats   `msgpack:"process"`
}

// Build assembles a Snapshot from a segment manager and a port graph. now
// is injected so tests get a deterministic TakenAt.
func Build(segs *segment.Manager, graph *portgraph.Graph, now time.Time) Snapshot {
	snap := Snapshot{TakenAt: now}

	for _, s := range segs.Segments() {
		stats := SegmentStats{
			Name:        s.Name,
			AccessGroup: s.AccessGroup,
			SizeBytes:   uint64(s.Size()),
		}
		for _, tier := range s.MePoo().Tiers() {
			stats.PayloadPools = append(stats.PayloadPools, PoolStats{
				BlockSize:  tier.BlockSize(),
				BlockCount: tier.ChunkCount(),
				Used:       tier.UsedChunkCount(),
			})
		}
		if mgmt := s.ManagementPool(); mgmt != nil {
			stats.ManagementPool = PoolStats{
				BlockSize:  mgmt.BlockSize(),
				BlockCount: mgmt.ChunkCount(),
				Used:       mgmt.UsedChunkCount(),
			}
		}
		snap.Segments = append(snap.Segments, stats)
	}

	pubs, subs := graph.Snapshot()
	for _, p := range pubs {
		snap.Publishers = append(snap.Publishers, PortStats{
			Handle:          p.Handle.String(),
			Owner:           string(p.Owner),
			Service:         p.Descriptor.Service,
			Instance:        p.Descriptor.Instance,
			Event:           p.Descriptor.Event,
			State:           p.State,
			ConnectionCount: p.ConnectionCount,
		})
	}
	for _, s := range subs {
		snap.Subscribers = append(snap.Subscribers, PortStats{
			Handle:        s.Handle.String(),
			Owner:         string(s.Owner),
			Service:       s.Descriptor.Service,
			Instance:      s.Descriptor.Instance,
			Event:         s.Descriptor.Event,
			State:         s.State,
			QueueCapacity: s.QueueCapacity,
		})
	}

	snap.Process = ProcessStats{
		CPUPercent:  sysmetrics.CPUPercent(),
		MemoryInUse: sysmetrics.MemoryInuse(),
	}
	return snap
}

// Encode msgpack-encodes a Snapshot, the wire format the (excluded)
// inspection tool consumes.
func Encode(snap Snapshot) ([]byte, error) {
	return msgpack.Marshal(snap)
}

// Decode parses a msgpack-encoded Snapshot.
func Decode(data []byte) (Snapshot, error) {
	var snap Snapshot
	err := msgpack.Unmarshal(data, &snap)
	return snap, err
}
