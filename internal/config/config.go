// Package config declaratively describes a broker's MePoo pool geometry
// and tuning knobs (spec §6's "Configuration recognised by the broker"),
// persists them as JSON, and hot-reloads the non-pool-geometry subset of
// them on file change.
package config

import "time"

// PoolSpec is one {size, count} pair of a MePooConfig entry.
type PoolSpec struct {
	Size  uint32 `json:"size"`
	Count uint32 `json:"count"`
}

// AccessGroupConfig is one segment's worth of pools, named by access
// group (spec §4.8's "one shared segment per access group").
type AccessGroupConfig struct {
	Name  string     `json:"name"`
	Pools []PoolSpec `json:"pools"`

	// ManagementPoolCount sizes the dedicated small-block pool each
	// segment carries for ChunkManagement records (spec §4.3's "lives in
	// a dedicated small-block pool so that ChunkHeaders remain
	// payload-sized"). It bounds the number of chunks that may be
	// simultaneously in flight within this access group, independent of
	// how many payload blocks each individual payload pool holds.
	ManagementPoolCount uint32 `json:"managementPoolCount"`
}

// Config is the broker's full configuration as read from disk: pool
// geometry (immutable after the segment manager starts, per the "no
// dynamic growth" non-goal) plus the broker tuning knobs that may be
// hot-reloaded.
type Config struct {
	AccessGroups []AccessGroupConfig `json:"accessGroups"`

	DiscoveryIntervalMs  int `json:"discoveryIntervalMs"`
	KeepAliveThresholdMs int `json:"keepAliveThresholdMs"`
	PortPoolCapacity     int `json:"portPoolCapacity"`
	MaxPublishers        int `json:"maxPublishers"`
	MaxSubscribers       int `json:"maxSubscribers"`
}

// Tunables is the hot-reloadable subset of Config: everything except pool
// geometry.
type Tunables struct {
	DiscoveryInterval  time.Duration
	KeepAliveThreshold time.Duration
	PortPoolCapacity   int
	MaxPublishers      int
	MaxSubscribers     int
}

// Tunables extracts the hot-reloadable knobs from c.
func (c Config) Tunables() Tunables {
	return Tunables{
		DiscoveryInterval:  time.Duration(c.DiscoveryIntervalMs) * time.Millisecond,
		KeepAliveThreshold: time.Duration(c.KeepAliveThresholdMs) * time.Millisecond,
		PortPoolCapacity:   c.PortPoolCapacity,
		MaxPublishers:      c.MaxPublishers,
		MaxSubscribers:     c.MaxSubscribers,
	}
}

// sameAccessGroups reports whether a and b describe identical pool
// geometry, order-sensitively (access groups and their pool lists are
// laid out into segments in declaration order, so a reorder is itself a
// geometry change).
func sameAccessGroups(a, b []AccessGroupConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || len(a[i].Pools) != len(b[i].Pools) || a[i].ManagementPoolCount != b[i].ManagementPoolCount {
			return false
		}
		for j := range a[i].Pools {
			if a[i].Pools[j] != b[i].Pools[j] {
				return false
			}
		}
	}
	return true
}
