package talloc

import (
	"math/bits"

	"taros/kernel"
	"taros/kernel/sync"
)

// ErrOutOfMemory signals exhaustion. It is the only recoverable error
// the allocator produces; everything else is a contract violation and
// fatal.
var ErrOutOfMemory = &kernel.Error{Module: "talloc", Message: "out of memory"}

var (
	errStorageLen   = &kernel.Error{Module: "talloc", Message: "free list or bitmap storage has the wrong length"}
	errZeroSize     = &kernel.Error{Module: "talloc", Message: "block size must be nonzero"}
	errSpanBounds   = &kernel.Error{Module: "talloc", Message: "span extends outside the arena"}
	errSpanAlign    = &kernel.Error{Module: "talloc", Message: "span is not aligned to the smallest block"}
	errResizeCover  = &kernel.Error{Module: "talloc", Message: "resized arena must contain the current arena"}
	errResizeWindow = &kernel.Error{Module: "talloc", Message: "resized arena must keep the same access window"}
	errResizeOrigin = &kernel.Error{Module: "talloc", Message: "resized arena origin is incompatible with the current origin"}
	errResizeSmlst  = &kernel.Error{Module: "talloc", Message: "smallest block cannot change on resize"}
)

// Allocator is a buddy page/heap allocator over a single arena. It only
// hands out power-of-two sized, size-aligned blocks and stores zero
// per-allocation metadata: callers must remember the size they asked
// for. All public operations hold the allocator lock for their duration.
//
// The allocator addresses blocks by their arena coordinate, which may
// wrap the address space and need not be dereferenceable at its own
// value. mem is the linear address at which the byte at arena.Base can
// actually be read and written; free-list nodes are stored inside the
// managed blocks through that window.
type Allocator struct {
	lock sync.Spinlock

	arena Arena
	mem   uintptr

	// Coordinate origin and size of the power-of-two virtual superset.
	virtBase   uintptr
	virtSize   uintptr
	virtSizeLZ int

	avails    uintptr
	llists    []Node
	bitmap    []uint64
	freeBytes uintptr
}

// Stats is a point-in-time snapshot of allocator occupancy.
type Stats struct {
	FreeBytes uintptr
	ArenaSize uintptr
}

// New constructs an allocator over the given arena. mem is the linear
// address at which arena.Base is accessible. freelists and bitmap are
// caller-supplied backing storage sized per FreeListLen and BitmapWords;
// the constructor zeroes them.
//
// A fresh allocator starts fully reserved: nothing is allocatable until
// Release hands memory over. This keeps an arena safe to describe before
// its memory is known to be usable.
func New(arena Arena, mem uintptr, freelists []Node, bitmap []uint64) *Allocator {
	arena.Validate()

	if len(freelists) != FreeListLen(arena.Size, arena.SmallestBlock) ||
		len(bitmap) != BitmapWords(arena.Size, arena.SmallestBlock) {
		panicFn(errStorageLen)
	}

	for i := range freelists {
		freelists[i].initSelf()
	}
	for i := range bitmap {
		bitmap[i] = 0
	}

	virtSize := arena.virtSize()
	return &Allocator{
		arena:      arena,
		mem:        mem,
		virtBase:   arena.virtBase(),
		virtSize:   virtSize,
		virtSizeLZ: bits.LeadingZeros64(uint64(virtSize)),
		llists:     freelists,
		bitmap:     bitmap,
	}
}

// Arena returns the arena this allocator manages.
func (a *Allocator) Arena() Arena {
	return a.arena
}

// Stats returns current occupancy counters.
func (a *Allocator) Stats() Stats {
	a.lock.Acquire()
	s := Stats{FreeBytes: a.freeBytes, ArenaSize: a.arena.Size}
	a.lock.Release()
	return s
}

// BlockSize folds an arbitrary (size, align) request into the block size
// class the allocator trades in: a power of two at least as large as the
// request, the alignment and the smallest block.
func (a *Allocator) BlockSize(size, align uintptr) uintptr {
	if size == 0 {
		panicFn(errZeroSize)
	}
	return prevPow2(nextPow2(size) | align | a.arena.SmallestBlock)
}

// Alloc returns the arena address of a free block of exactly the given
// size. size must be a power of two not smaller than the smallest block
// (see BlockSize). Exhaustion is reported, never fatal.
func (a *Allocator) Alloc(size uintptr) (uintptr, *kernel.Error) {
	a.lock.Acquire()
	addr, err := a.alloc(size)
	a.lock.Release()
	return addr, err
}

func (a *Allocator) alloc(size uintptr) (uintptr, *kernel.Error) {
	if size > a.arena.Size {
		return 0, ErrOutOfMemory
	}

	g := a.granularity(size)
	if a.avails&(1<<g) != 0 {
		return a.removeBlockHead(g, size), nil
	}

	// No exact fit; find the smallest available block strictly larger
	// (the highest set availability bit below g).
	larger := a.avails & (1<<g - 1)
	if larger == 0 {
		return 0, ErrOutOfMemory
	}

	lg := log2(larger)
	lsize := a.blockSize(lg)
	base := a.removeBlockHead(lg, lsize)

	// Split progressively, registering each high half and keeping the
	// low half for the caller.
	hiSize := lsize >> 1
	for hg := lg + 1; hg <= g; hg++ {
		hiBase := base + hiSize
		a.addBlock(hg, a.bitmapOffset(hiBase, hiSize), hiBase)
		hiSize >>= 1
	}

	return base, nil
}

// Dealloc returns a block to the allocator, coalescing with its buddy at
// every granularity where the buddy is also free. size must be the block
// size the allocation was granted (see BlockSize); mismatches corrupt
// the books.
func (a *Allocator) Dealloc(addr, size uintptr) {
	a.lock.Acquire()
	a.dealloc(addr, size)
	a.lock.Release()
}

func (a *Allocator) dealloc(addr, size uintptr) {
	g := a.granularity(size)
	off := a.bitmapOffset(addr, size)

	for a.readBit(off) {
		// Pair is heterogeneous, so the buddy is free: absorb it.
		var buddy, parent uintptr
		if a.isLowerBuddy(addr, size) {
			buddy, parent = addr+size, addr
		} else {
			buddy, parent = addr-size, addr-size
		}

		a.removeBlock(g, off, a.nodeAt(buddy))

		size <<= 1
		addr = parent
		g--
		off = a.bitmapOffset(addr, size)
	}

	a.addBlock(g, off, addr)
}

// Grow resizes an allocation upward. It grows in place when addr is the
// low buddy at every granularity up to the target and each of those
// buddies is free; the eligibility check runs first and mutates nothing,
// so a failed grow leaves the books untouched. Otherwise it relocates
// via alloc+copy+dealloc and reports exhaustion only if the fresh
// allocation fails.
func (a *Allocator) Grow(addr, oldSize, newSize uintptr) (uintptr, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	if newSize == oldSize {
		return addr, nil
	}

	og := a.granularity(oldSize)
	ng := a.granularity(newSize)

	size := oldSize
	off := a.bitmapOffset(addr, size)
	for g := og; g > ng; g-- {
		if !a.isLowerBuddy(addr, size) || !a.readBit(off) {
			return a.relocate(addr, oldSize, newSize)
		}
		size <<= 1
		off = a.bitmapOffset(addr, size)
	}

	// Every buddy on the way up is free; commit by claiming them.
	size = oldSize
	for g := og; g > ng; g-- {
		a.removeBlock(g, a.bitmapOffset(addr, size), a.nodeAt(addr+size))
		size <<= 1
	}

	return addr, nil
}

func (a *Allocator) relocate(addr, oldSize, newSize uintptr) (uintptr, *kernel.Error) {
	newAddr, err := a.alloc(newSize)
	if err != nil {
		return 0, err
	}

	kernel.Memcopy(a.mem+(addr-a.arena.Base), a.mem+(newAddr-a.arena.Base), oldSize)
	a.dealloc(addr, oldSize)
	return newAddr, nil
}

// Shrink resizes an allocation downward in place, registering the freed
// tail as a chain of progressively smaller blocks. It always succeeds
// and always returns the same address.
func (a *Allocator) Shrink(addr, oldSize, newSize uintptr) {
	a.lock.Acquire()
	defer a.lock.Release()

	if newSize == oldSize {
		return
	}

	og := a.granularity(oldSize)
	ng := a.granularity(newSize)

	hiSize := oldSize >> 1
	for hg := og + 1; hg <= ng; hg++ {
		hiBase := addr + hiSize
		a.addBlock(hg, a.bitmapOffset(hiBase, hiSize), hiBase)
		hiSize >>= 1
	}
}

// Reserve removes the half-open span [base, end) from the allocatable
// pool before it has ever been handed out. The span must be wholly
// covered by currently free blocks (a boot-sequencing precondition, not
// checked) and smallest-block aligned; see BoundReserved.
func (a *Allocator) Reserve(base, end uintptr) {
	a.lock.Acquire()
	defer a.lock.Release()

	rs, re := a.checkSpan(base, end)
	if rs == re {
		return
	}

	// Free blocks inside the span are at least as aligned as its edges,
	// so granularities finer than the edge alignment hold nothing of
	// interest.
	finest := a.edgeGranularity(rs)
	if g := a.edgeGranularity(re); g > finest {
		finest = g
	}

	blockSize := a.virtSize
	for g := uint(0); g <= finest && g < uint(len(a.llists)); g++ {
		sentinel := &a.llists[g]
		for n := sentinel.next; n != sentinel; {
			next := n.next
			rb := a.blockAddr(n) - a.virtBase
			racme := rb + blockSize

			if rs <= rb && racme <= re {
				// Wholly contained; claim outright.
				a.removeBlock(g, a.bitmapOffsetRel(rb, blockSize), n)
				if rs == rb && re == racme {
					return
				}
			} else {
				first := rb < rs && rs < racme
				last := rb < re && re < racme

				if first || last {
					a.removeBlock(g, a.bitmapOffsetRel(rb, blockSize), n)
				}

				if first {
					// Re-register the uncovered low remainder.
					pos, delta := rb, rs-rb
					for delta > 0 {
						bs := prevPow2(delta)
						delta -= bs
						a.addBlock(a.granularity(bs), a.bitmapOffsetRel(pos, bs), a.virtBase+pos)
						pos += bs
					}
				}

				if last {
					// Re-register the uncovered high remainder.
					acme, delta := racme, racme-re
					for delta > 0 {
						bs := prevPow2(delta)
						delta -= bs
						acme -= bs
						a.addBlock(a.granularity(bs), a.bitmapOffsetRel(acme, bs), a.virtBase+acme)
					}
				}

				if first && last {
					return
				}
			}

			n = next
		}
		blockSize >>= 1
	}
}

// Release hands the half-open span [base, end) to the allocator,
// tiling it with boundary-aligned blocks and deallocating each through
// the normal coalescing path. The span must be wholly reserved and its
// memory readable and writable; see BoundAvailable.
func (a *Allocator) Release(base, end uintptr) {
	a.lock.Acquire()
	defer a.lock.Release()

	rs, re := a.checkSpan(base, end)

	pos := rs
	ascending := true
	for {
		var bs uintptr
		if ascending {
			if pos == 0 {
				bs = a.virtSize
			} else {
				bs = uintptr(1) << uint(bits.TrailingZeros64(uint64(pos)))
			}

			if pos+bs > re {
				ascending = false
				continue
			}
		} else {
			delta := re - pos
			if delta < a.arena.SmallestBlock {
				break
			}
			bs = prevPow2(delta)
		}

		a.dealloc(a.virtBase+pos, bs)
		pos += bs
	}
}

// BoundAvailable converts an arbitrary byte region into a half-open,
// smallest-block-aligned span conservatively: the result never reaches
// outside the region. Use before releasing raw memory-map entries.
func (a *Allocator) BoundAvailable(base, size uintptr) (uintptr, uintptr) {
	sbm1 := a.arena.SmallestBlock - 1
	lo := (base + sbm1) &^ sbm1
	hi := (base + size) &^ sbm1
	if hi-lo > size {
		// Region too small to contain a block.
		hi = lo
	}
	return lo, hi
}

// BoundReserved converts an arbitrary byte region into a half-open,
// smallest-block-aligned span liberally: the result always covers the
// region. Use before reserving spans that must not leak back out.
func (a *Allocator) BoundReserved(base, size uintptr) (uintptr, uintptr) {
	sbm1 := a.arena.SmallestBlock - 1
	return base &^ sbm1, (base + size + sbm1) &^ sbm1
}

// Resize moves the books into new storage describing a larger arena that
// contains the current one. Existing allocations survive untouched and
// newly covered memory starts reserved. Resize itself never allocates;
// the caller supplies the new sentinel and bitmap storage.
func (a *Allocator) Resize(arena Arena, mem uintptr, freelists []Node, bitmap []uint64) {
	a.lock.Acquire()
	defer a.lock.Release()

	arena.Validate()
	if arena.SmallestBlock != a.arena.SmallestBlock {
		panicFn(errResizeSmlst)
	}
	if len(freelists) != FreeListLen(arena.Size, arena.SmallestBlock) ||
		len(bitmap) != BitmapWords(arena.Size, arena.SmallestBlock) {
		panicFn(errStorageLen)
	}

	// The new arena must contain the old and keep the same linear
	// window so that node pointers already written into free blocks
	// stay valid.
	off := a.arena.Base - arena.Base
	if off+a.arena.Size > arena.Size {
		panicFn(errResizeCover)
	}
	if mem-arena.Base != a.mem-a.arena.Base {
		panicFn(errResizeWindow)
	}

	newVirtSize := arena.virtSize()
	newVirtBase := arena.virtBase()
	originShift := a.virtBase - newVirtBase
	if originShift&(a.virtSize-1) != 0 {
		// Buddy pairing would change under the new origin.
		panicFn(errResizeOrigin)
	}

	gdiff := uint(log2(newVirtSize) - log2(a.virtSize))

	for i := range freelists {
		freelists[i].initSelf()
	}
	for g := range a.llists {
		freelists[uint(g)+gdiff].takeOver(&a.llists[g])
	}

	for i := range bitmap {
		bitmap[i] = 0
	}
	for g := uint(0); g < uint(len(a.llists)); g++ {
		size := a.blockSize(g)
		oldStart := a.virtSize >> (log2(size) + 1)
		width := oldStart
		if width == 0 {
			width = 1
		}
		newStart := (newVirtSize + originShift) >> (log2(size) + 1)
		copyBits(bitmap, newStart, a.bitmap, oldStart, width)
	}

	a.arena = arena
	a.mem = mem
	a.virtBase = newVirtBase
	a.virtSize = newVirtSize
	a.virtSizeLZ = bits.LeadingZeros64(uint64(newVirtSize))
	a.avails <<= gdiff
	a.llists = freelists
	a.bitmap = bitmap
}

// checkSpan validates a span against the arena and returns its bounds
// relative to the virtual base.
func (a *Allocator) checkSpan(base, end uintptr) (uintptr, uintptr) {
	rs := base - a.virtBase
	re := end - a.virtBase
	ra := a.arena.Base - a.virtBase

	if rs > re || rs < ra || re > ra+a.arena.Size {
		panicFn(errSpanBounds)
	}
	if (rs|re)&(a.arena.SmallestBlock-1) != 0 {
		panicFn(errSpanAlign)
	}

	return rs, re
}

// edgeGranularity returns the finest granularity whose blocks can abut a
// span edge at relative address rel.
func (a *Allocator) edgeGranularity(rel uintptr) uint {
	if rel == 0 {
		return 0
	}
	size := uintptr(1) << uint(bits.TrailingZeros64(uint64(rel)))
	if size >= a.virtSize {
		return 0
	}
	return a.granularity(size)
}

// bitmapOffsetRel is bitmapOffset for an already virtual-base-relative
// address.
func (a *Allocator) bitmapOffsetRel(rel, size uintptr) uintptr {
	return (a.virtSize + rel) >> (log2(size) + 1)
}

// copyBits copies n bits between word slices at arbitrary bit offsets.
func copyBits(dst []uint64, dstOff uintptr, src []uint64, srcOff, n uintptr) {
	if (dstOff|srcOff)&63 == 0 {
		for n >= 64 {
			dst[dstOff>>6] = src[srcOff>>6]
			dstOff += 64
			srcOff += 64
			n -= 64
		}
	}

	for i := uintptr(0); i < n; i++ {
		s, d := srcOff+i, dstOff+i
		bit := src[s>>6] >> (s & 63) & 1
		dst[d>>6] = dst[d>>6]&^(1<<(d&63)) | bit<<(d&63)
	}
}
