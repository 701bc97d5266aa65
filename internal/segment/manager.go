package segment

import (
	"fmt"
	"sort"

	"shmbus/internal/relptr"
)

// GroupSpec describes the pools belonging to one access group, as parsed
// from the broker's MePooConfig (spec §4.8, §6).
type GroupSpec struct {
	AccessGroup     string
	Pools           []PoolSpec
	ManagementCount uint32
}

// Manager owns every segment the broker built at startup, one per access
// group, and the registry every one of them is registered against.
type Manager struct {
	reg      *relptr.Registry
	segments map[string]*Segment
	nextID   relptr.SegmentID
}

// NewManager builds one Segment per group in groups, assigning segment
// ids in ascending order starting at 1 (0 is relptr's reserved null
// segment). Group names must be unique.
func NewManager(reg *relptr.Registry, groups []GroupSpec) (*Manager, error) {
	sorted := make([]GroupSpec, len(groups))
	copy(sorted, groups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AccessGroup < sorted[j].AccessGroup })

	m := &Manager{reg: reg, segments: make(map[string]*Segment, len(groups))}
	var id relptr.SegmentID = 1
	for _, g := range sorted {
		if _, exists := m.segments[g.AccessGroup]; exists {
			m.closeAll()
			return nil, fmt.Errorf("segment: duplicate access group %q", g.AccessGroup)
		}
		name := fmt.Sprintf("shmbus-%s", g.AccessGroup)
		seg, err := Build(reg, id, name, g.AccessGroup, g.Pools, g.ManagementCount)
		if err != nil {
			m.closeAll()
			return nil, err
		}
		m.segments[g.AccessGroup] = seg
		id++
	}
	return m, nil
}

// Segment returns the segment built for the given access group, or nil if
// no such group was configured.
func (m *Manager) Segment(accessGroup string) *Segment {
	return m.segments[accessGroup]
}

// Registry returns the relative-pointer registry every managed segment is
// registered against, so callers constructing ports against these
// segments resolve pointers the same way.
func (m *Manager) Registry() *relptr.Registry {
	return m.reg
}

// SegmentByID returns the segment with the given id, or nil if none
// matches. Used to resolve a REG_APP reply's SegmentDescriptor.ID back to
// the mapped segment it names.
func (m *Manager) SegmentByID(id uint32) *Segment {
	for _, s := range m.segments {
		if uint32(s.ID) == id {
			return s
		}
	}
	return nil
}

// Segments returns every managed segment, for publishing to clients
// during handshake.
func (m *Manager) Segments() []*Segment {
	out := make([]*Segment, 0, len(m.segments))
	for _, s := range m.segments {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close tears down every managed segment. Per spec §4.8/§6, this only
// happens at broker shutdown.
func (m *Manager) Close() error {
	return m.closeAll()
}

func (m *Manager) closeAll() error {
	var firstErr error
	for _, s := range m.segments {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
