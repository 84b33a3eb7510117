package vmm

import (
	"taros/kernel/mm"
	"unsafe"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the generated page table entry pointers
	// so the mapping code can be properly tested. When compiling the
	// kernel this function will be automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pteAt reinterprets the linear address produced by an EntryWalker as a
// live page table entry.
func pteAt(entryAddr uintptr) *pageTableEntry {
	return (*pageTableEntry)(ptePtrFn(entryAddr))
}

// EntryWalker knows how to locate page table entries in linear memory.
// EntryAddr returns the linear address of the page table entry that
// translates virtAddr at the given page level. Level 0 corresponds to an
// entry in the top-most (PML4) table while level pageLevels-1 corresponds
// to an entry in the final page table.
//
// Implementations only guarantee that the returned address is
// dereferenceable when every table above the requested level is already
// present. The mapping code maintains this by descending one level at a
// time and installing missing tables before it moves deeper.
type EntryWalker interface {
	EntryAddr(virtAddr uintptr, level uint8) uintptr
}

// RecursiveWalker locates page table entries through a self-referential
// slot installed in the top-most page table. Looping a virtual address
// through the recursive slot once per remaining level makes the MMU
// resolve the entry itself so no physical memory window is required.
type RecursiveWalker struct {
	// Slot is the index of the self-referential entry in the top-most
	// page table.
	Slot uintptr
}

// EntryAddr returns the linear address of the page table entry for
// virtAddr at the given level.
//
// Each round trims the lowest-level index off the address by shifting it
// right by one index width, strips the sign extension, the top-level
// index and the entry-offset bits, and substitutes the recursive slot
// (sign-extended) as the new top-level index. Applying the round
// pageLevels-level times walks the address up to the desired entry.
func (w RecursiveWalker) EntryAddr(virtAddr uintptr, level uint8) uintptr {
	slotBits := uintptr(int64(uint64(w.Slot)<<55) >> 16)

	addr := virtAddr
	for round := pageLevels - level; round > 0; round-- {
		addr = (addr>>pageLevelBits[0])&^(canonicalHigherHalf|pml4IndexMask|7) | slotBits
	}

	return addr
}

// OffsetWalker locates page table entries through a window that maps all
// physical memory at a fixed linear offset. Root holds the physical frame
// of the top-most page table.
type OffsetWalker struct {
	// Offset is the linear address at which physical address 0 is
	// mapped. An identity mapping uses a zero offset.
	Offset uintptr

	// Root is the physical frame of the top-most page table.
	Root mm.Frame
}

// EntryAddr returns the linear address of the page table entry for
// virtAddr at the given level. The walker descends from the root table
// reading each branch entry through the physical memory window.
func (w OffsetWalker) EntryAddr(virtAddr uintptr, level uint8) uintptr {
	tableAddr := w.Offset + w.Root.Address()
	for l := uint8(0); ; l++ {
		entryAddr := tableAddr + (entryIndex(virtAddr, l) << mm.PointerShift)
		if l == level {
			return entryAddr
		}

		tableAddr = w.Offset + pteAt(entryAddr).Frame().Address()
	}
}

// entryIndex extracts the bits of a virtual address that index into the
// page table at the given level.
func entryIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}
