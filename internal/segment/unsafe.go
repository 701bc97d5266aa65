package segment

import "unsafe"

func baseAddr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(b))
}

func addPtr(base unsafe.Pointer, off uintptr) unsafe.Pointer {
	return unsafe.Add(base, off)
}
