//go:build linux || darwin

package segment

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mmapAnon allocates an anonymous, shared mapping of size bytes. Shared
// (not private-copy-on-write) matters for any future fork-based deployment
// where a child must observe a parent's writes. This implementation never
// maps the same segment from a second OS process — every client runs
// in-process with the broker (see internal/broker's SegmentResolver) — so
// there is no named /dev/shm file path here; see DESIGN.md's
// internal/segment entry for why that path was scoped out rather than
// half-wired.
func mmapAnon(size uintptr) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("segment: zero-size mapping requested")
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return b, nil
}
