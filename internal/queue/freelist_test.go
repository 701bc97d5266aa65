package queue

import (
	"sync"
	"testing"
)

func TestFreeListAcquireAllThenEmpty(t *testing.T) {
	fl := NewIndexFreeList(3)
	seen := make(map[uint32]bool)
	for i := 0; i < 3; i++ {
		idx, ok := fl.Acquire()
		if !ok {
			t.Fatalf("acquire %d: unexpectedly empty", i)
		}
		if seen[idx] {
			t.Fatalf("duplicate index %d", idx)
		}
		seen[idx] = true
	}
	if _, ok := fl.Acquire(); ok {
		t.Fatal("expected empty free list after acquiring all entries")
	}
}

func TestFreeListReleaseThenAcquire(t *testing.T) {
	fl := NewIndexFreeList(2)
	a, _ := fl.Acquire()
	b, _ := fl.Acquire()
	fl.Release(a)
	got, ok := fl.Acquire()
	if !ok || got != a {
		t.Fatalf("got (%d,%v), want (%d,true)", got, ok, a)
	}
	fl.Release(b)
	fl.Release(got)
	if fl.Len() != 2 {
		t.Fatalf("Len()=%d, want 2", fl.Len())
	}
}

func TestFreeListNoDoubleAllocationUnderConcurrency(t *testing.T) {
	const n = 2000
	fl := NewIndexFreeList(n)

	var mu sync.Mutex
	held := make(map[uint32]bool)
	var wg sync.WaitGroup
	errCh := make(chan error, n)

	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				idx, ok := fl.Acquire()
				if !ok {
					return
				}
				mu.Lock()
				if held[idx] {
					errCh <- errBadIndex(idx)
				}
				held[idx] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
	if len(held) != n {
		t.Fatalf("acquired %d distinct indices, want %d", len(held), n)
	}
}

type errBadIndex uint32

func (e errBadIndex) Error() string { return "index acquired twice" }
