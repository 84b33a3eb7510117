package pmm

import (
	"reflect"
	"taros/kernel"
	"taros/kernel/kfmt"
	"taros/kernel/mm"
	"taros/kernel/mm/talloc"
	"unsafe"
)

const (
	// bootHeapSize is the amount of physical memory carved out of the
	// frame allocator to seed the kernel heap during bring-up.
	bootHeapSize = uintptr(2) << 20
)

var (
	// frameAllocator is the buddy allocator that manages physical memory
	// once Init completes. Its arena coordinates are physical addresses
	// which early boot code keeps identity-mapped, so bookkeeping storage
	// and allocated frames can be accessed directly.
	frameAllocator *talloc.Allocator

	errNoUsableRegions = &kernel.Error{Module: "pmm", Message: "memory map contains no available regions"}
	errNoBookkeeping   = &kernel.Error{Module: "pmm", Message: "no available memory region can hold the allocator bookkeeping"}
)

// MemoryRegion describes one entry of the firmware-provided physical
// memory map. Base and Size need not be page-aligned; Available marks
// memory the kernel may use.
type MemoryRegion struct {
	Base      uintptr
	Size      uintptr
	Available bool
}

func (r MemoryRegion) end() uintptr {
	return r.Base + r.Size
}

func (r MemoryRegion) typeName() string {
	if r.Available {
		return "available"
	}
	return "reserved"
}

// Init sets up the kernel physical memory allocation sub-system using
// the memory map reported by the boot loader. It shapes a buddy
// allocator arena over the physical address space, releases the
// available regions into it while keeping the kernel image and the
// allocator's own bookkeeping block reserved, then registers the frame
// allocator and the kernel heap.
func Init(regions []MemoryRegion, kernelStart, kernelEnd uintptr) *kernel.Error {
	printMemoryMap(regions, kernelStart, kernelEnd)

	arena, err := sizeArena(regions)
	if err != nil {
		return err
	}

	booksBase, booksEnd, err := placeBookkeeping(regions, kernelStart, kernelEnd, arena)
	if err != nil {
		return err
	}

	freeLists := nodeSlice(booksBase, talloc.FreeListLen(arena.Size, arena.SmallestBlock))
	bitmap := wordSlice(booksBase+uintptr(len(freeLists))*unsafe.Sizeof(talloc.Node{}), talloc.BitmapWords(arena.Size, arena.SmallestBlock))

	alloc := talloc.New(arena, arena.Base, freeLists, bitmap)

	// Hand the available regions over, leaving holes around the kernel
	// image and the bookkeeping block. Released blocks receive free list
	// nodes at their base addresses, so neither span may ever enter the
	// free pool, not even transiently.
	exclusions := [2][2]uintptr{
		boundedHole(alloc, kernelStart, kernelEnd),
		boundedHole(alloc, booksBase, booksEnd),
	}

	for _, region := range regions {
		if !region.Available {
			continue
		}

		lo, hi := alloc.BoundAvailable(region.Base, region.Size)
		releaseOutside(alloc, lo, hi, exclusions)
	}

	stats := alloc.Stats()
	kfmt.Printf("[pmm] arena: 0x%x - 0x%x, free: %dKb\n", uint64(arena.Base), uint64(arena.Base+arena.Size), uint64(mm.Size(stats.FreeBytes)/mm.Kb))

	frameAllocator = alloc
	mm.SetFrameAllocator(allocFrame)

	return setupKernelHeap(alloc)
}

// allocFrame satisfies page allocation requests using the physical
// frame allocator. Blocks of exactly one page are always page-aligned.
func allocFrame() (mm.Frame, *kernel.Error) {
	addr, err := frameAllocator.Alloc(mm.PageSize)
	if err != nil {
		return mm.InvalidFrame, err
	}

	return mm.FrameFromAddress(addr), nil
}

// printMemoryMap logs the memory map reported by the boot loader
// together with the kernel image placement.
func printMemoryMap(regions []MemoryRegion, kernelStart, kernelEnd uintptr) {
	kfmt.Printf("[pmm] system memory map:\n")

	var totalFree mm.Size
	for _, region := range regions {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", uint64(region.Base), uint64(region.end()), uint64(region.Size), region.typeName())
		if region.Available {
			totalFree += mm.Size(region.Size)
		}
	}

	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x\n", uint64(kernelStart), uint64(kernelEnd))
}

// sizeArena shapes a page-granularity arena that spans every region in
// the memory map. A freshly constructed allocator treats the whole
// arena as reserved, so covering holes and reserved regions is safe;
// they are simply never released.
func sizeArena(regions []MemoryRegion) (talloc.Arena, *kernel.Error) {
	var base, end uintptr

	found := false
	for _, region := range regions {
		if !region.Available {
			continue
		}
		if !found || region.Base < base {
			base = region.Base
		}
		if region.end() > end {
			end = region.end()
		}
		found = true
	}

	if !found {
		return talloc.Arena{}, errNoUsableRegions
	}

	base &^= mm.PageSize - 1
	arena := talloc.Arena{
		Base:          base,
		Size:          end - base,
		SmallestBlock: mm.PageSize,
	}

	return arena.AlignedShrink(talloc.AlignBase), nil
}

// placeBookkeeping finds room for the allocator's free list sentinels
// and bitmap inside an available region, skipping the kernel image.
func placeBookkeeping(regions []MemoryRegion, kernelStart, kernelEnd uintptr, arena talloc.Arena) (uintptr, uintptr, *kernel.Error) {
	nodeSize := unsafe.Sizeof(talloc.Node{})
	booksBytes := uintptr(talloc.FreeListLen(arena.Size, arena.SmallestBlock))*nodeSize +
		uintptr(talloc.BitmapWords(arena.Size, arena.SmallestBlock))*8

	for _, region := range regions {
		if !region.Available {
			continue
		}

		start := region.Base
		if start < kernelEnd && region.end() > kernelStart {
			// Region overlaps the kernel image; place the
			// bookkeeping right after it.
			if kernelEnd > start {
				start = kernelEnd
			}
		}

		// Node storage dictates the strictest alignment.
		start = (start + nodeSize - 1) &^ (nodeSize - 1)
		if start >= region.Base && start+booksBytes <= region.end() {
			return start, start + booksBytes, nil
		}
	}

	return 0, 0, errNoBookkeeping
}

// boundedHole converts a byte span that must stay reserved into a
// smallest-block-aligned exclusion window, bounded liberally so no part
// of it can leak out of the allocator. The window is clamped to the
// arena.
func boundedHole(alloc *talloc.Allocator, base, end uintptr) [2]uintptr {
	arena := alloc.Arena()

	lo, hi := alloc.BoundReserved(base, end-base)
	if lo < arena.Base {
		lo = arena.Base
	}
	if arenaEnd := arena.Base + arena.Size; hi > arenaEnd {
		hi = arenaEnd
	}
	if lo > hi {
		lo = hi
	}

	return [2]uintptr{lo, hi}
}

// releaseOutside releases the span [lo, hi) minus the exclusion
// windows. At most two exclusions split the span into three parts, so
// the scratch space is statically sized and the function never
// allocates.
func releaseOutside(alloc *talloc.Allocator, lo, hi uintptr, exclusions [2][2]uintptr) {
	var spans [4][2]uintptr
	spans[0] = [2]uintptr{lo, hi}
	count := 1

	for _, excl := range exclusions {
		var split [4][2]uintptr
		splitCount := 0

		for _, span := range spans[:count] {
			if excl[1] <= span[0] || excl[0] >= span[1] {
				split[splitCount] = span
				splitCount++
				continue
			}

			if excl[0] > span[0] {
				split[splitCount] = [2]uintptr{span[0], excl[0]}
				splitCount++
			}
			if excl[1] < span[1] {
				split[splitCount] = [2]uintptr{excl[1], span[1]}
				splitCount++
			}
		}

		spans, count = split, splitCount
	}

	for _, span := range spans[:count] {
		if span[0] != span[1] {
			alloc.Release(span[0], span[1])
		}
	}
}

// setupKernelHeap carves a block out of the frame allocator and builds
// the fine-grained allocator that backs the mm heap entry points. The
// heap's bookkeeping lives at the head of the block with the arena
// covering the remainder.
func setupKernelHeap(alloc *talloc.Allocator) *kernel.Error {
	heapBase, err := alloc.Alloc(bootHeapSize)
	if err != nil {
		return err
	}

	nodeSize := unsafe.Sizeof(talloc.Node{})
	freeLists := nodeSlice(heapBase, talloc.FreeListLen(bootHeapSize, talloc.MinSmallestBlock))
	bitmap := wordSlice(heapBase+uintptr(len(freeLists))*nodeSize, talloc.BitmapWords(bootHeapSize, talloc.MinSmallestBlock))
	booksBytes := uintptr(len(freeLists))*nodeSize + uintptr(len(bitmap))*8

	arena := talloc.Arena{
		Base:          heapBase + booksBytes,
		Size:          bootHeapSize - booksBytes,
		SmallestBlock: talloc.MinSmallestBlock,
	}.AlignedShrink(talloc.AlignEnd)

	heap := talloc.New(arena, arena.Base, freeLists, bitmap)
	heap.Release(arena.Base, arena.Base+arena.Size)
	mm.SetKernelHeap(heap)

	kfmt.Printf("[pmm] kernel heap: %d bytes at 0x%x\n", uint64(arena.Size), uint64(arena.Base))
	return nil
}

func nodeSlice(base uintptr, entries int) []talloc.Node {
	return *(*[]talloc.Node)(unsafe.Pointer(&reflect.SliceHeader{
		Data: base,
		Len:  entries,
		Cap:  entries,
	}))
}

func wordSlice(base uintptr, entries int) []uint64 {
	return *(*[]uint64)(unsafe.Pointer(&reflect.SliceHeader{
		Data: base,
		Len:  entries,
		Cap:  entries,
	}))
}
