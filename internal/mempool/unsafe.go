package mempool

import "unsafe"

// unsafeSlice views a raw block pointer as a []byte of length n without
// copying. The returned slice is only valid as long as the backing segment
// stays mapped.
func unsafeSlice(p unsafe.Pointer, n uint32) []byte {
	return unsafe.Slice((*byte)(p), n)
}

// sliceUnsafe is the inverse of unsafeSlice: recovers the block's base
// pointer from a slice previously produced by it.
func sliceUnsafe(b []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(b))
}
