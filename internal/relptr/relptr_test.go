package relptr

import (
	"testing"
	"unsafe"
)

func TestRegisterResolveRoundTrip(t *testing.T) {
	buf := make([]byte, 4096)
	base := unsafe.Pointer(&buf[0])

	r := NewRegistry()
	r.Register(SegmentID(1), base, uintptr(len(buf)))

	var want uint32 = 0xCAFEBABE
	*(*uint32)(unsafe.Pointer(&buf[128])) = want

	p := Ptr{Segment: 1, Offset: 128}
	got := Get[uint32](r, p)
	if *got != want {
		t.Fatalf("got %#x, want %#x", *got, want)
	}
}

func TestFromAddr(t *testing.T) {
	buf := make([]byte, 256)
	base := unsafe.Pointer(&buf[0])

	r := NewRegistry()
	r.Register(SegmentID(7), base, uintptr(len(buf)))

	addr := unsafe.Pointer(&buf[40])
	p, err := r.FromAddr(addr)
	if err != nil {
		t.Fatal(err)
	}
	if p.Segment != 7 || p.Offset != 40 {
		t.Fatalf("got %+v, want segment=7 offset=40", p)
	}
}

func TestFromAddrUnregistered(t *testing.T) {
	r := NewRegistry()
	var x int
	if _, err := r.FromAddr(unsafe.Pointer(&x)); err == nil {
		t.Fatal("expected error for address outside any registered segment")
	}
}

func TestNullPointer(t *testing.T) {
	r := NewRegistry()
	if !Null.IsNull() {
		t.Fatal("Null.IsNull() should be true")
	}
	if got := Get[int](r, Null); got != nil {
		t.Fatalf("Get on null pointer should return nil, got %v", got)
	}
}

func TestGetPanicsOnUnregisteredSegment(t *testing.T) {
	r := NewRegistry()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic resolving unregistered segment")
		}
	}()
	Get[int](r, Ptr{Segment: 99, Offset: 0})
}

func TestGetPanicsOnOutOfRangeOffset(t *testing.T) {
	buf := make([]byte, 16)
	r := NewRegistry()
	r.Register(SegmentID(1), unsafe.Pointer(&buf[0]), uintptr(len(buf)))

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic resolving out-of-range offset")
		}
	}()
	Get[int](r, Ptr{Segment: 1, Offset: 1000})
}

func TestUnregisterMakesResolveFail(t *testing.T) {
	buf := make([]byte, 16)
	r := NewRegistry()
	tok := r.Register(SegmentID(3), unsafe.Pointer(&buf[0]), uintptr(len(buf)))
	r.Unregister(tok)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic resolving a pointer after Unregister")
		}
	}()
	Get[int](r, Ptr{Segment: 3, Offset: 0})
}
