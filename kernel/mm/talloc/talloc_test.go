package talloc

import (
	"runtime"
	"testing"
	"unsafe"
)

// testEnv backs a fabricated arena with a Go buffer so that the
// allocator can write list nodes into the blocks it manages.
type testEnv struct {
	a   *Allocator
	mem uintptr
}

func newTestEnv(t *testing.T, arena Arena) *testEnv {
	t.Helper()

	buf := make([]byte, int(arena.Size)+16)
	t.Cleanup(func() { runtime.KeepAlive(buf) })

	mem := (uintptr(unsafe.Pointer(&buf[0])) + 15) &^ 15
	freelists := make([]Node, FreeListLen(arena.Size, arena.SmallestBlock))
	bitmap := make([]uint64, BitmapWords(arena.Size, arena.SmallestBlock))

	return &testEnv{a: New(arena, mem, freelists, bitmap), mem: mem}
}

// bytesAt exposes the backing bytes of an arena block.
func (e *testEnv) bytesAt(addr, size uintptr) []byte {
	off := addr - e.a.Arena().Base
	return (*(*[1 << 20]byte)(unsafe.Pointer(e.mem)))[off : off+size]
}

func (e *testEnv) releaseAll() {
	arena := e.a.Arena()
	e.a.Release(arena.Base, arena.Base+arena.Size)
}

func (e *testEnv) mustAlloc(t *testing.T, size uintptr) uintptr {
	t.Helper()
	addr, err := e.a.Alloc(size)
	if err != nil {
		t.Fatalf("expected alloc(%#x) to succeed; got %v", size, err)
	}
	return addr
}

func basicArena() Arena {
	return Arena{Base: 0x10000, Size: 0x10000, SmallestBlock: 0x10}
}

func TestNewStartsFullyReserved(t *testing.T) {
	env := newTestEnv(t, basicArena())

	if _, err := env.a.Alloc(0x10); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory before any release; got %v", err)
	}
}

func TestAllocSplitAndCoalesce(t *testing.T) {
	env := newTestEnv(t, basicArena())
	env.releaseAll()

	first := env.mustAlloc(t, 0x1000)
	if exp := uintptr(0x10000); first != exp {
		t.Fatalf("expected first alloc at %#x; got %#x", exp, first)
	}

	second := env.mustAlloc(t, 0x1000)
	if exp := uintptr(0x11000); second != exp {
		t.Fatalf("expected second alloc at %#x; got %#x", exp, second)
	}

	env.a.Dealloc(first, 0x1000)
	env.a.Dealloc(second, 0x1000)

	// the pair must have coalesced back into one parent
	if got := env.mustAlloc(t, 0x2000); got != first {
		t.Fatalf("expected coalesced alloc at %#x; got %#x", first, got)
	}
}

func TestExhaustion(t *testing.T) {
	env := newTestEnv(t, basicArena())
	env.releaseAll()

	for i := 0; i < 4096; i++ {
		if _, err := env.a.Alloc(0x10); err != nil {
			t.Fatalf("expected alloc %d of 4096 to succeed; got %v", i+1, err)
		}
	}

	if _, err := env.a.Alloc(0x10); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory once the arena is consumed; got %v", err)
	}
}

func TestReserveExcludesSpan(t *testing.T) {
	env := newTestEnv(t, basicArena())
	env.releaseAll()

	env.a.Reserve(0x10400, 0x10800)

	var count int
	for {
		addr, err := env.a.Alloc(0x400)
		if err != nil {
			break
		}
		count++

		if addr >= 0x10400 && addr < 0x10800 {
			t.Fatalf("expected reserved span to never be handed out; got %#x", addr)
		}
	}

	// 64KiB minus the reserved 1KiB leaves 63 blocks
	if exp := 63; count != exp {
		t.Fatalf("expected %d allocations; got %d", exp, count)
	}
}

func TestReserveReleaseInverse(t *testing.T) {
	env := newTestEnv(t, basicArena())
	env.releaseAll()

	env.a.Reserve(0x10400, 0x10800)
	env.a.Release(0x10400, 0x10800)

	// the arena must be allocation-equivalent to its fresh state
	if got := env.mustAlloc(t, 0x10000); got != 0x10000 {
		t.Fatalf("expected full arena alloc at 0x10000; got %#x", got)
	}
}

func TestGrow(t *testing.T) {
	t.Run("in place", func(t *testing.T) {
		env := newTestEnv(t, basicArena())
		env.releaseAll()

		addr := env.mustAlloc(t, 0x1000)

		got, err := env.a.Grow(addr, 0x1000, 0x2000)
		if err != nil {
			t.Fatalf("expected grow to succeed; got %v", err)
		}
		if got != addr {
			t.Fatalf("expected in-place grow at %#x; got %#x", addr, got)
		}

		// the claimed buddy must no longer be allocatable at 0x11000
		next := env.mustAlloc(t, 0x1000)
		if next == addr+0x1000 {
			t.Fatalf("expected %#x to be claimed by grow", addr+0x1000)
		}
	})

	t.Run("relocate preserves contents", func(t *testing.T) {
		env := newTestEnv(t, basicArena())
		env.releaseAll()

		addr := env.mustAlloc(t, 0x1000)
		env.mustAlloc(t, 0x1000) // consume the buddy

		data := env.bytesAt(addr, 0x1000)
		for i := range data {
			data[i] = byte(i)
		}

		got, err := env.a.Grow(addr, 0x1000, 0x2000)
		if err != nil {
			t.Fatalf("expected grow to succeed; got %v", err)
		}
		if got == addr {
			t.Fatal("expected grow to relocate when the buddy is taken")
		}

		moved := env.bytesAt(got, 0x1000)
		for i := range moved {
			if moved[i] != byte(i) {
				t.Fatalf("expected relocated byte %d to be %#x; got %#x", i, byte(i), moved[i])
			}
		}
	})

	t.Run("failed grow mutates nothing", func(t *testing.T) {
		env := newTestEnv(t, basicArena())
		env.releaseAll()

		addr := env.mustAlloc(t, 0x8000)
		env.mustAlloc(t, 0x8000)

		if _, err := env.a.Grow(addr, 0x8000, 0x10000); err != ErrOutOfMemory {
			t.Fatalf("expected ErrOutOfMemory; got %v", err)
		}

		// both original blocks must still be intact and freeable
		env.a.Dealloc(addr, 0x8000)
		if got := env.mustAlloc(t, 0x8000); got != addr {
			t.Fatalf("expected %#x to be allocatable again; got %#x", addr, got)
		}
	})
}

func TestShrink(t *testing.T) {
	env := newTestEnv(t, basicArena())
	env.releaseAll()

	addr := env.mustAlloc(t, 0x4000)
	env.a.Shrink(addr, 0x4000, 0x1000)

	// the freed tail becomes allocatable
	if got := env.mustAlloc(t, 0x2000); got != addr+0x2000 {
		t.Fatalf("expected freed tail at %#x; got %#x", addr+0x2000, got)
	}
	if got := env.mustAlloc(t, 0x1000); got != addr+0x1000 {
		t.Fatalf("expected freed tail at %#x; got %#x", addr+0x1000, got)
	}
}

func TestDeallocAllocIdempotence(t *testing.T) {
	env := newTestEnv(t, basicArena())
	env.releaseAll()

	env.mustAlloc(t, 0x100)
	addr := env.mustAlloc(t, 0x40)

	env.a.Dealloc(addr, 0x40)
	if got := env.mustAlloc(t, 0x40); got != addr {
		t.Fatalf("expected alloc after dealloc to return %#x; got %#x", addr, got)
	}
}

func TestBuddyRoundTrip(t *testing.T) {
	orders := []struct {
		descr string
		swap  bool
	}{
		{"low buddy first", false},
		{"high buddy first", true},
	}

	for _, order := range orders {
		t.Run(order.descr, func(t *testing.T) {
			env := newTestEnv(t, basicArena())
			env.releaseAll()

			low := env.mustAlloc(t, 0x1000)
			high := env.mustAlloc(t, 0x1000)

			if order.swap {
				env.a.Dealloc(high, 0x1000)
				env.a.Dealloc(low, 0x1000)
			} else {
				env.a.Dealloc(low, 0x1000)
				env.a.Dealloc(high, 0x1000)
			}

			if got := env.mustAlloc(t, 0x2000); got != low {
				t.Fatalf("expected coalesced parent at %#x; got %#x", low, got)
			}
		})
	}
}

func TestBounds(t *testing.T) {
	env := newTestEnv(t, basicArena())

	t.Run("available shrinks inward", func(t *testing.T) {
		lo, hi := env.a.BoundAvailable(0x10408, 0x28)
		if lo != 0x10410 || hi != 0x10430 {
			t.Fatalf("expected [0x10410, 0x10430); got [%#x, %#x)", lo, hi)
		}

		// regions smaller than a block vanish
		lo, hi = env.a.BoundAvailable(0x10408, 0x8)
		if lo != hi {
			t.Fatalf("expected an empty span; got [%#x, %#x)", lo, hi)
		}
	})

	t.Run("reserved expands outward", func(t *testing.T) {
		// [0x10408, 0x10430) rounds the base down; the end is already
		// block aligned and must not move
		lo, hi := env.a.BoundReserved(0x10408, 0x28)
		if lo != 0x10400 || hi != 0x10430 {
			t.Fatalf("expected [0x10400, 0x10430); got [%#x, %#x)", lo, hi)
		}

		lo, hi = env.a.BoundReserved(0x10408, 0x29)
		if lo != 0x10400 || hi != 0x10440 {
			t.Fatalf("expected [0x10400, 0x10440); got [%#x, %#x)", lo, hi)
		}
	})

	t.Run("aligned spans are fixed points", func(t *testing.T) {
		lo, hi := env.a.BoundAvailable(0x10400, 0x400)
		if lo != 0x10400 || hi != 0x10800 {
			t.Fatalf("expected [0x10400, 0x10800); got [%#x, %#x)", lo, hi)
		}
		lo, hi = env.a.BoundReserved(0x10400, 0x400)
		if lo != 0x10400 || hi != 0x10800 {
			t.Fatalf("expected [0x10400, 0x10800); got [%#x, %#x)", lo, hi)
		}
	})
}

func TestWrapAroundArena(t *testing.T) {
	base := ^uintptr(0) - 0x7fff // arena straddles the address wrap
	env := newTestEnv(t, Arena{Base: base, Size: 0x10000, SmallestBlock: 0x10})
	env.releaseAll()

	first := env.mustAlloc(t, 0x8000)
	if first != base {
		t.Fatalf("expected first alloc at %#x; got %#x", base, first)
	}

	second := env.mustAlloc(t, 0x8000)
	if exp := base + 0x8000; second != exp {
		t.Fatalf("expected second alloc to wrap to %#x; got %#x", exp, second)
	}

	// blocks on both sides of the wrap boundary must coalesce
	env.a.Dealloc(first, 0x8000)
	env.a.Dealloc(second, 0x8000)

	if got := env.mustAlloc(t, 0x10000); got != base {
		t.Fatalf("expected full coalesce at %#x; got %#x", base, got)
	}
}

func TestEndAlignedArena(t *testing.T) {
	// base is unaligned; the end provides the coordinate origin
	env := newTestEnv(t, Arena{Base: 0x10080, Size: 0xff80, SmallestBlock: 0x10})
	env.releaseAll()

	addr := env.mustAlloc(t, 0x8000)
	if exp := uintptr(0x18000); addr != exp {
		t.Fatalf("expected the size-aligned block at %#x; got %#x", exp, addr)
	}

	env.a.Dealloc(addr, 0x8000)
	if got := env.mustAlloc(t, 0x8000); got != addr {
		t.Fatalf("expected alloc after dealloc to return %#x; got %#x", addr, got)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, basicArena())

	if s := env.a.Stats(); s.FreeBytes != 0 || s.ArenaSize != 0x10000 {
		t.Fatalf("expected a fully reserved arena; got %+v", s)
	}

	env.releaseAll()
	if s := env.a.Stats(); s.FreeBytes != 0x10000 {
		t.Fatalf("expected 0x10000 free bytes; got %#x", s.FreeBytes)
	}

	env.mustAlloc(t, 0x1000)
	if s := env.a.Stats(); s.FreeBytes != 0xf000 {
		t.Fatalf("expected 0xf000 free bytes; got %#x", s.FreeBytes)
	}
}

func TestBlockSize(t *testing.T) {
	env := newTestEnv(t, basicArena())

	specs := []struct {
		size, align, exp uintptr
	}{
		{1, 0, 0x10},
		{0x10, 0, 0x10},
		{0x11, 0, 0x20},
		{0x1000, 0, 0x1000},
		{0x30, 0x40, 0x40},
		{0x5, 0x1000, 0x1000},
	}

	for _, spec := range specs {
		if got := env.a.BlockSize(spec.size, spec.align); got != spec.exp {
			t.Errorf("expected BlockSize(%#x, %#x) = %#x; got %#x", spec.size, spec.align, spec.exp, got)
		}
	}
}

func TestResize(t *testing.T) {
	// the new arena covers [0x10000, 0x20000); the old one its upper half
	buf := make([]byte, 0x10000+16)
	defer runtime.KeepAlive(buf)
	mem := (uintptr(unsafe.Pointer(&buf[0])) + 15) &^ 15

	oldArena := Arena{Base: 0x18000, Size: 0x8000, SmallestBlock: 0x10}
	a := New(oldArena, mem+0x8000,
		make([]Node, FreeListLen(oldArena.Size, oldArena.SmallestBlock)),
		make([]uint64, BitmapWords(oldArena.Size, oldArena.SmallestBlock)))

	a.Release(0x18000, 0x20000)

	held, err := a.Alloc(0x1000)
	if err != nil || held != 0x18000 {
		t.Fatalf("expected alloc at 0x18000; got %#x, %v", held, err)
	}

	newArena := Arena{Base: 0x10000, Size: 0x10000, SmallestBlock: 0x10}
	a.Resize(newArena, mem,
		make([]Node, FreeListLen(newArena.Size, newArena.SmallestBlock)),
		make([]uint64, BitmapWords(newArena.Size, newArena.SmallestBlock)))

	// surviving free state: the old arena minus the held block
	tail, err := a.Alloc(0x4000)
	if err != nil || tail != 0x1c000 {
		t.Fatalf("expected alloc at 0x1c000 after resize; got %#x, %v", tail, err)
	}

	// newly covered memory starts reserved until released
	if _, err := a.Alloc(0x8000); err != ErrOutOfMemory {
		t.Fatalf("expected new memory to start reserved; got %v", err)
	}

	a.Release(0x10000, 0x18000)
	fresh, err := a.Alloc(0x8000)
	if err != nil || fresh != 0x10000 {
		t.Fatalf("expected alloc at 0x10000 after release; got %#x, %v", fresh, err)
	}

	// returning everything must coalesce across the old arena boundary
	a.Dealloc(held, 0x1000)
	a.Dealloc(tail, 0x4000)
	a.Dealloc(fresh, 0x8000)

	full, err := a.Alloc(0x10000)
	if err != nil || full != 0x10000 {
		t.Fatalf("expected full arena alloc at 0x10000; got %#x, %v", full, err)
	}
}

func TestSpanViolations(t *testing.T) {
	env := newTestEnv(t, basicArena())
	env.releaseAll()

	t.Run("misaligned span", func(t *testing.T) {
		expectFatal(t, errSpanAlign, func() { env.a.Reserve(0x10408, 0x10800) })
	})

	t.Run("span outside arena", func(t *testing.T) {
		expectFatal(t, errSpanBounds, func() { env.a.Release(0xf000, 0x10800) })
	})
}

func TestNewStorageLenViolation(t *testing.T) {
	arena := basicArena()
	expectFatal(t, errStorageLen, func() {
		New(arena, 0, make([]Node, 1), make([]uint64, 1))
	})
}
