package talloc

import (
	"math/bits"

	"taros/kernel"
	"taros/kernel/kfmt"
)

const (
	// MaxArenaSize is the limit imposed by the 48-bit linear address space.
	MaxArenaSize = uintptr(1) << 48

	// MinSmallestBlock is the size of an intrusive list node on 64-bit
	// addressing; free blocks must be able to hold one.
	MinSmallestBlock = uintptr(16)

	// arenaAlignShift caps the alignment demanded of an arena edge at one
	// native page. No allocation is larger than the arena and no practical
	// type needs more than page alignment.
	arenaAlignShift = 12
)

// panicFn is overridden by tests that exercise fatal paths.
var panicFn = kfmt.Panic

var (
	errArenaSize      = &kernel.Error{Module: "talloc", Message: "arena size must be in (0, 1<<48]"}
	errSmallestBlock  = &kernel.Error{Module: "talloc", Message: "smallest block must be a power of two >= 16 and <= arena size"}
	errArenaDeadSpace = &kernel.Error{Module: "talloc", Message: "arena size must be a multiple of the smallest block"}
	errArenaAlign     = &kernel.Error{Module: "talloc", Message: "arena base or end must satisfy the required alignment"}
	errArenaShrink    = &kernel.Error{Module: "talloc", Message: "arena cannot be shrunk to a valid shape"}
)

// AlignPref selects which arena edge AlignedShrink preserves as the
// aligned coordinate origin.
type AlignPref int

const (
	// AlignBase trims the base up to the alignment boundary.
	AlignBase AlignPref = iota
	// AlignEnd trims the end down to the alignment boundary.
	AlignEnd
)

// Arena describes a half-open, byte-addressed span [Base, Base+Size) of
// the address space to be managed. The span may wrap around the top of
// the address space; all relative arithmetic on it is modular.
type Arena struct {
	Base          uintptr
	Size          uintptr
	SmallestBlock uintptr
}

// alignMask returns the low-bit mask for the alignment required of an
// arena edge: the smaller of floor(log2(size)) and one page worth of bits.
func alignMask(size uintptr) uintptr {
	shift := log2(size)
	if shift > arenaAlignShift {
		shift = arenaAlignShift
	}
	return (uintptr(1) << shift) - 1
}

// checkSizes verifies the (size, smallest block) pair that both the pure
// sizing helpers and Validate agree on.
func checkSizes(size, smallestBlock uintptr) {
	if size == 0 || size > MaxArenaSize {
		panicFn(errArenaSize)
	}
	if smallestBlock&(smallestBlock-1) != 0 || smallestBlock < MinSmallestBlock || smallestBlock > size {
		panicFn(errSmallestBlock)
	}
}

// Validate asserts that the arena is legally shaped. Violations are
// programmer error and fatal.
func (a Arena) Validate() {
	checkSizes(a.Size, a.SmallestBlock)

	if a.Size&(a.SmallestBlock-1) != 0 {
		panicFn(errArenaDeadSpace)
	}

	mask := alignMask(a.Size)
	if a.Base&mask != 0 && (a.Base+a.Size)&mask != 0 {
		panicFn(errArenaAlign)
	}
}

// AlignedShrink trims the arena into a legally shaped one: the preferred
// edge is trimmed to the required alignment boundary and the opposite
// edge is trimmed to drop any fractional smallest-block remainder. The
// result is a fixed point: shrinking it again changes nothing. Arenas
// that cannot be shrunk to validity are fatal.
func (a Arena) AlignedShrink(pref AlignPref) Arena {
	base, size := a.Base, a.Size
	if size == 0 || a.SmallestBlock == 0 {
		panicFn(errArenaShrink)
	}

	mask := alignMask(size)
	if pref == AlignBase {
		aligned := (base + mask) &^ mask
		delta := aligned - base
		if delta >= size {
			panicFn(errArenaShrink)
		}
		base = aligned
		size = (size - delta) &^ (a.SmallestBlock - 1)
	} else {
		end := base + size
		delta := end & mask
		if delta >= size {
			panicFn(errArenaShrink)
		}
		size -= delta
		rem := size & (a.SmallestBlock - 1)
		base += rem
		size -= rem
	}

	if size < a.SmallestBlock {
		panicFn(errArenaShrink)
	}

	out := Arena{Base: base, Size: size, SmallestBlock: a.SmallestBlock}
	out.Validate()
	return out
}

// end returns the address one past the arena, wrapping modulo the
// address width.
func (a Arena) end() uintptr {
	return a.Base + a.Size
}

// virtSize returns the next power of two of the arena size: the size of
// the hypothetical aligned superset used for all bit arithmetic.
func (a Arena) virtSize() uintptr {
	return nextPow2(a.Size)
}

// virtBase returns the coordinate origin for granularity and bitmap
// math. When only the arena end is aligned the origin sits below the
// real base so that the end coincides with the virtual end.
func (a Arena) virtBase() uintptr {
	if a.Base&alignMask(a.Size) == 0 {
		return a.Base
	}
	return a.end() - a.virtSize()
}

// FreeListLen returns the number of free-list sentinels, one per
// granularity, required to manage an arena of the given shape. Usable
// before construction for static sizing.
func FreeListLen(size, smallestBlock uintptr) int {
	checkSizes(size, smallestBlock)
	return int(log2(nextPow2(size))-log2(smallestBlock)) + 1
}

// BitmapWords returns the number of 64-bit words of buddy bitmap
// required to manage an arena of the given shape.
func BitmapWords(size, smallestBlock uintptr) int {
	words := (1 << uint(FreeListLen(size, smallestBlock))) / 64
	if words == 0 {
		words = 1
	}
	return words
}

// log2 returns floor(log2(v)). v must be nonzero.
func log2(v uintptr) uint {
	return uint(bits.Len64(uint64(v))) - 1
}

// prevPow2 returns the largest power of two not greater than v. v must
// be nonzero.
func prevPow2(v uintptr) uintptr {
	return uintptr(1) << log2(v)
}

// nextPow2 returns the smallest power of two not less than v. v must be
// nonzero and not exceed 1<<63.
func nextPow2(v uintptr) uintptr {
	return uintptr(1) << uint(bits.Len64(uint64(v-1)))
}
