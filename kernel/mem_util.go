package kernel

import (
	"reflect"
	"unsafe"
)

// overlay returns a byte slice that aliases the size bytes starting at addr.
// The caller must guarantee that the region is mapped and writable.
func overlay(addr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(size),
		Cap:  int(size),
	}))
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of a plain byte loop it doubles the filled prefix with log2(size) copy
// calls, which the runtime turns into wide moves.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := overlay(addr, size)
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst. The regions must not overlap.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	copy(overlay(dst, size), overlay(src, size))
}
