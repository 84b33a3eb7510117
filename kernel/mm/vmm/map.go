package vmm

import (
	"taros/kernel"
	"taros/kernel/cpu"
	"taros/kernel/kfmt"
	"taros/kernel/mm"
)

// PageGetterFn supplies fresh physical frames for new page tables. The
// returned frames must be accessible through the EntryWalker in use,
// either because physical memory is identity-mapped during early boot or
// because the frames fall inside an already-mapped physical window.
type PageGetterFn = mm.FrameAllocatorFn

var (
	panicFn = kfmt.Panic

	// flushTLBEntryFn is used by tests to override calls to FlushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	errMapAlignment = &kernel.Error{Module: "vmm", Message: "virtual base, end and physical base must be aligned to the mapped page size"}
)

// Map4K maps the virtual address range [virtAddr, endAddr) to the
// physical range starting at physAddr using 4K leaf entries. Branch
// entries created along the way carry FlagPresent, FlagRW and the branch
// flags; leaf entries carry FlagPresent and the leaf flags. Missing page
// tables are sourced from getPage, zeroed and installed as branches.
//
// Existing mappings inside the range are replaced, including huge
// mappings that need to be demoted to a finer granularity. The caller
// must ensure getPage does not re-enter the mapper and that EFER.NXE is
// enabled when leaf flags include FlagNoExecute.
func Map4K(virtAddr, endAddr, physAddr uintptr, branch, leaf PageTableEntryFlag, getPage PageGetterFn, walker EntryWalker) (Mapping, *kernel.Error) {
	return mapRange(virtAddr, endAddr, physAddr, branch, leaf, pageLevels-1, getPage, walker)
}

// Map2M is Map4K with 2M huge-page leaf entries installed one level
// above the final page table.
func Map2M(virtAddr, endAddr, physAddr uintptr, branch, leaf PageTableEntryFlag, getPage PageGetterFn, walker EntryWalker) (Mapping, *kernel.Error) {
	return mapRange(virtAddr, endAddr, physAddr, branch, leaf, pageLevels-2, getPage, walker)
}

// Map1G is Map4K with 1G huge-page leaf entries installed two levels
// above the final page table.
func Map1G(virtAddr, endAddr, physAddr uintptr, branch, leaf PageTableEntryFlag, getPage PageGetterFn, walker EntryWalker) (Mapping, *kernel.Error) {
	return mapRange(virtAddr, endAddr, physAddr, branch, leaf, pageLevels-3, getPage, walker)
}

// mapRange installs leaf entries at leafLevel for every page in
// [virtAddr, endAddr). The (virtAddr, endAddr, physAddr) triple must be
// aligned to the leaf page size. An exhausted page getter aborts the
// walk leaving the already-installed entries in place.
//
// The range comparisons use inequality instead of ordering so a range
// abutting the top of the address space terminates correctly when the
// advancing cursor wraps to zero.
func mapRange(virtAddr, endAddr, physAddr uintptr, branch, leaf PageTableEntryFlag, leafLevel uint8, getPage PageGetterFn, walker EntryWalker) (Mapping, *kernel.Error) {
	pageSize := uintptr(1) << pageLevelShifts[leafLevel]
	if (virtAddr|endAddr|physAddr)&(pageSize-1) != 0 {
		panicFn(errMapAlignment)
	}

	mapping := Mapping{Base: virtAddr, End: endAddr, PageSize: pageSize}

	for ; virtAddr != endAddr; virtAddr, physAddr = virtAddr+pageSize, physAddr+pageSize {
		for level := uint8(0); level < leafLevel; level++ {
			pte := pteAt(walker.EntryAddr(virtAddr, level))
			if pte.HasFlags(FlagPresent) && !pte.HasFlags(FlagHugePage) {
				continue
			}

			// The next table is either missing or shadowed by a
			// huge mapping that must be demoted; install a fresh
			// zeroed table in its place.
			tableFrame, err := getPage()
			if err != nil {
				return mapping, err
			}

			*pte = 0
			pte.SetFrame(tableFrame)
			pte.SetFlags(FlagPresent | FlagRW | branch)
			clearTable(walker, virtAddr, level+1)
		}

		pte := pteAt(walker.EntryAddr(virtAddr, leafLevel))
		*pte = 0
		pte.SetFrame(mm.FrameFromAddress(physAddr))
		pte.SetFlags(FlagPresent | leaf)
		if leafLevel != pageLevels-1 {
			pte.SetFlags(FlagHugePage)
		}
		flushTLBEntryFn(virtAddr)
	}

	return mapping, nil
}

// clearTable zeroes the page table that holds the entries for virtAddr
// at the given level. The branch entry above it must already be
// installed so the walker can reach the table.
func clearTable(walker EntryWalker, virtAddr uintptr, level uint8) {
	tableAddr := walker.EntryAddr(virtAddr, level) - (entryIndex(virtAddr, level) << mm.PointerShift)
	for i := uintptr(0); i < mm.PageSize>>mm.PointerShift; i++ {
		*pteAt(tableAddr + (i << mm.PointerShift)) = 0
	}
}
