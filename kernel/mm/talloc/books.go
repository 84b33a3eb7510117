package talloc

import (
	"math/bits"
	"unsafe"
)

// The books (bitmap, free-list sentinels, availability mask) are the
// authoritative allocation state and are always mutated together under
// the allocator lock.
//
// The bitmap holds one bit per buddy pair per granularity, laid out as
// 01223333_44444444_... from granularity 0 up, pairs ordered from low to
// high relative address. A clear bit means the pair is homogeneous (both
// or neither allocated); a set bit means exactly one of the pair is
// allocated. Registering or unregistering either buddy therefore always
// toggles the pair's bit.

// granularity returns the level whose block size is the given power of
// two: 0 for a full virtual-arena-sized block, maxGranularity for the
// smallest block.
func (a *Allocator) granularity(size uintptr) uint {
	return uint(bits.LeadingZeros64(uint64(size)) - a.virtSizeLZ)
}

// blockSize returns the inverse of granularity.
func (a *Allocator) blockSize(g uint) uintptr {
	return a.virtSize >> g
}

// bitmapOffset returns the bit position recording the buddy status of
// the block at addr. addr is absolute; size must be nonzero. Both halves
// of a pair map to the same bit.
func (a *Allocator) bitmapOffset(addr, size uintptr) uintptr {
	rel := addr - a.virtBase
	return (a.virtSize + rel) >> (log2(size) + 1)
}

func (a *Allocator) readBit(off uintptr) bool {
	return a.bitmap[off>>6]&(1<<(off&63)) != 0
}

func (a *Allocator) toggleBit(off uintptr) {
	a.bitmap[off>>6] ^= 1 << (off & 63)
}

// isLowerBuddy reports whether the block at addr is the low half of its
// buddy pair. Pairing is relative to the virtual base, so arenas whose
// real base is only page-aligned still pair correctly.
func (a *Allocator) isLowerBuddy(addr, size uintptr) bool {
	return (addr-a.virtBase)&size == 0
}

// nodeAt returns the list node stored at the start of the block with the
// given arena address, translated through the access base.
func (a *Allocator) nodeAt(addr uintptr) *Node {
	return (*Node)(unsafe.Pointer(a.mem + (addr - a.arena.Base)))
}

// blockAddr is the inverse of nodeAt.
func (a *Allocator) blockAddr(n *Node) uintptr {
	return a.arena.Base + (uintptr(unsafe.Pointer(n)) - a.mem)
}

// addBlock registers the block at addr as free at granularity g: links a
// node into the front of g's list, marks g available and toggles the
// pair bit. off must be bitmapOffset(addr, blockSize(g)).
func (a *Allocator) addBlock(g uint, off, addr uintptr) {
	a.avails |= 1 << g

	sentinel := &a.llists[g]
	a.nodeAt(addr).insert(sentinel, sentinel.next)

	a.toggleBit(off)
	a.freeBytes += a.blockSize(g)
}

// removeBlock unregisters a specific free block. off must be
// bitmapOffset for the block n describes at granularity g.
func (a *Allocator) removeBlock(g uint, off uintptr, n *Node) {
	if n.prev == n.next {
		// last block in the list
		a.avails &^= 1 << g
	}

	n.remove()
	a.toggleBit(off)
	a.freeBytes -= a.blockSize(g)
}

// removeBlockHead pops the first free block of granularity g and returns
// its arena address. g's list must be nonempty (avails bit set).
func (a *Allocator) removeBlockHead(g uint, size uintptr) uintptr {
	sentinel := &a.llists[g]
	if sentinel.prev == sentinel.next {
		a.avails &^= 1 << g
	}

	n := sentinel.next
	addr := a.blockAddr(n)
	n.remove()

	a.toggleBit(a.bitmapOffset(addr, size))
	a.freeBytes -= size
	return addr
}
