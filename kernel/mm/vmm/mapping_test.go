package vmm

import "testing"

func TestMappingNumPages(t *testing.T) {
	specs := []struct {
		mapping Mapping
		exp     uintptr
	}{
		{Mapping{Base: 0x20000000, End: 0x20003000, PageSize: 0x1000}, 3},
		{Mapping{Base: 0x40000000, End: 0x40400000, PageSize: 0x200000}, 2},
		{Mapping{Base: 0x20000000, End: 0x20000000, PageSize: 0x1000}, 0},
		// range abutting the top of the address space
		{Mapping{Base: ^uintptr(0) - 0x1fff, End: 0, PageSize: 0x1000}, 2},
	}

	for specIndex, spec := range specs {
		if got := spec.mapping.NumPages(); got != spec.exp {
			t.Errorf("[spec %d] expected NumPages to return %d; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestMappingVisitPages(t *testing.T) {
	t.Run("visits each page base", func(t *testing.T) {
		m := Mapping{Base: 0x20000000, End: 0x20003000, PageSize: 0x1000}

		var visited []uintptr
		m.VisitPages(func(pageAddr uintptr) bool {
			visited = append(visited, pageAddr)
			return true
		})

		exp := []uintptr{0x20000000, 0x20001000, 0x20002000}
		if len(visited) != len(exp) {
			t.Fatalf("expected %d pages to be visited; got %d", len(exp), len(visited))
		}
		for i, pageAddr := range exp {
			if visited[i] != pageAddr {
				t.Errorf("[page %d] expected address %x; got %x", i, pageAddr, visited[i])
			}
		}
	})

	t.Run("stops early", func(t *testing.T) {
		m := Mapping{Base: 0x20000000, End: 0x20003000, PageSize: 0x1000}

		visitCount := 0
		m.VisitPages(func(pageAddr uintptr) bool {
			visitCount++
			return false
		})

		if exp := 1; visitCount != exp {
			t.Errorf("expected visit to stop after %d page; got %d", exp, visitCount)
		}
	})

	t.Run("terminates when the range wraps to zero", func(t *testing.T) {
		m := Mapping{Base: ^uintptr(0) - 0x1fff, End: 0, PageSize: 0x1000}

		visitCount := 0
		m.VisitPages(func(pageAddr uintptr) bool {
			visitCount++
			return true
		})

		if exp := 2; visitCount != exp {
			t.Errorf("expected %d pages to be visited; got %d", exp, visitCount)
		}
	})
}
