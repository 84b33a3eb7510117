package vmm

// Mapping records a virtual address range established by one of the Map
// functions together with the leaf page size used to build it. The
// mapper keeps no record of its own; the caller owns the mapping and is
// responsible for not mapping overlapping ranges concurrently.
type Mapping struct {
	// Base is the first virtual address covered by the mapping.
	Base uintptr

	// End is the virtual address one past the last mapped byte. An End
	// of zero denotes a range abutting the top of the address space.
	End uintptr

	// PageSize is the leaf page size the range was mapped with.
	PageSize uintptr
}

// NumPages returns the number of leaf pages the mapping spans.
func (m Mapping) NumPages() uintptr {
	return (m.End - m.Base) / m.PageSize
}

// VisitPages invokes visitFn with the base virtual address of each leaf
// page in the mapping. The visit stops early if visitFn returns false.
func (m Mapping) VisitPages(visitFn func(pageAddr uintptr) bool) {
	for addr := m.Base; addr != m.End; addr += m.PageSize {
		if !visitFn(addr) {
			return
		}
	}
}
