package vmm

import "taros/kernel"

// Translate returns the physical address that corresponds to the
// supplied virtual address or ErrInvalidMapping if the virtual address
// is not mapped. Huge mappings resolve at the level where the huge leaf
// is installed.
func Translate(virtAddr uintptr, walker EntryWalker) (uintptr, *kernel.Error) {
	for level := uint8(0); level < pageLevels; level++ {
		pte := pteAt(walker.EntryAddr(virtAddr, level))
		if !pte.HasFlags(FlagPresent) {
			return 0, ErrInvalidMapping
		}

		if level == pageLevels-1 || pte.HasFlags(FlagHugePage) {
			pageSize := uintptr(1) << pageLevelShifts[level]
			return pte.Frame().Address() + (virtAddr & (pageSize - 1)), nil
		}
	}

	return 0, ErrInvalidMapping
}
