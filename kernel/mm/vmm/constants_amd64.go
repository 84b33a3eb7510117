package vmm

const (
	// pageLevels indicates the number of page table levels supported by
	// the amd64 architecture.
	pageLevels = 4

	// ptePhysPageMask is a mask that allows us to extract the physical
	// memory address pointed to by a page table entry. For this
	// particular architecture, bits 12-51 contain the physical memory
	// address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// canonicalHigherHalf contains the sign-extension bits of a canonical
	// 48-bit virtual address. Any address whose bit 47 is set must also
	// have bits 48-63 set.
	canonicalHigherHalf = uintptr(0xffff800000000000)

	// pml4IndexMask selects the virtual address bits that index into the
	// top-most page table.
	pml4IndexMask = uintptr(0x0000ff8000000000)
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. For the amd64 architecture each page
	// level uses 9 bits which amounts to 512 entries per table.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page
	// table component of a virtual address. Level 0 corresponds to the
	// top-most (PML4) table.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set on non-final entries that map a 2M or 1G page
	// directly instead of pointing to a finer-grained table.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute = 1 << 63
)
