package mm

import (
	"taros/kernel"
	"taros/kernel/kfmt"
	"taros/kernel/mm/talloc"
)

// The global kernel heap. Its arena coordinates are linear addresses, so
// values returned by Alloc can be dereferenced directly.
var kernelHeap *talloc.Allocator

var (
	panicFn = kfmt.Panic

	errNoHeap = &kernel.Error{Module: "mm", Message: "kernel heap is not registered"}
)

// SetKernelHeap registers the allocator that backs the kernel's dynamic
// memory entry points. The allocator's arena must be identity-addressed:
// its access window must equal its base.
func SetKernelHeap(heap *talloc.Allocator) {
	kernelHeap = heap
}

// Alloc carves a block of at least size bytes aligned to align out of
// the kernel heap. The granted block is the power-of-two class the heap
// trades in; pass the same (size, align) pair to Free.
func Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	heap := heapOrDie()
	return heap.Alloc(heap.BlockSize(size, align))
}

// AllocZeroed is Alloc followed by zeroing the requested bytes.
func AllocZeroed(size, align uintptr) (uintptr, *kernel.Error) {
	addr, err := Alloc(size, align)
	if err != nil {
		return 0, err
	}

	kernel.Memset(addr, 0, size)
	return addr, nil
}

// Realloc resizes an allocation previously obtained with (oldSize,
// align). Growing may relocate the contents; shrinking never does.
// A failed grow leaves the original allocation intact.
func Realloc(addr, oldSize, align, newSize uintptr) (uintptr, *kernel.Error) {
	heap := heapOrDie()

	oldBlock := heap.BlockSize(oldSize, align)
	newBlock := heap.BlockSize(newSize, align)

	switch {
	case newBlock > oldBlock:
		return heap.Grow(addr, oldBlock, newBlock)
	case newBlock < oldBlock:
		heap.Shrink(addr, oldBlock, newBlock)
	}
	return addr, nil
}

// Free returns an allocation to the kernel heap. size and align must
// match the values the block was allocated with.
func Free(addr, size, align uintptr) {
	heap := heapOrDie()
	heap.Dealloc(addr, heap.BlockSize(size, align))
}

func heapOrDie() *talloc.Allocator {
	if kernelHeap == nil {
		panicFn(errNoHeap)
	}
	return kernelHeap
}
