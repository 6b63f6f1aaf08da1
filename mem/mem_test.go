package mem

import "testing"

func TestPhysAllocFree(t *testing.T) {
	phys := Phys_init(8)
	if got := phys.Pgcount(); got != 8 {
		t.Fatalf("expected 8 free frames, got %d", got)
	}

	var pas []Pa_t
	for i := 0; i < 8; i++ {
		pg, pa, ok := phys.Refpg_new()
		if !ok {
			t.Fatalf("allocation %d failed", i)
		}
		if pa&PGOFFSET != 0 {
			t.Fatalf("frame %x not page aligned", pa)
		}
		for _, b := range pg {
			if b != 0 {
				t.Fatalf("frame %x not zeroed", pa)
			}
		}
		pas = append(pas, pa)
	}
	if _, _, ok := phys.Refpg_new(); ok {
		t.Fatalf("allocation beyond arena succeeded")
	}

	for _, pa := range pas {
		if !phys.Refdown(pa) {
			t.Fatalf("refdown of %x did not free", pa)
		}
	}
	if got := phys.Pgcount(); got != 8 {
		t.Fatalf("expected all frames free, got %d", got)
	}
}

func TestRefcounts(t *testing.T) {
	phys := Phys_init(4)
	_, pa, ok := phys.Refpg_new()
	if !ok {
		t.Fatal("alloc failed")
	}
	if got := phys.Refcnt(pa); got != 1 {
		t.Fatalf("fresh frame refcnt = %d", got)
	}
	phys.Refup(pa)
	if phys.Refdown(pa) {
		t.Fatal("frame freed while referenced")
	}
	if !phys.Refdown(pa) {
		t.Fatal("frame not freed at zero")
	}
}

func TestDmapWritesStick(t *testing.T) {
	phys := Phys_init(4)
	_, pa, _ := phys.Refpg_new()
	pg := phys.Dmap(pa)
	pg[123] = 0xab
	if got := phys.Dmap8(pa + 123)[0]; got != 0xab {
		t.Fatalf("Dmap8 read %#x", got)
	}
}

func TestPteEncoding(t *testing.T) {
	for _, pa := range []Pa_t{0, 0x1000, 0x7ff000, 0x40000000} {
		pte := Pa2pte(pa) | PTE_V | PTE_R | PTE_PG
		if got := Pte2pa(pte); got != pa {
			t.Fatalf("pa %#x round-tripped to %#x", pa, got)
		}
		if got := Pteflags(pte); got != PTE_V|PTE_R|PTE_PG {
			t.Fatalf("flags %#x", got)
		}
	}
	if PTE_PG&PTE_FLAGMASK == 0 {
		t.Fatal("paged-out bit must live in the flag bits")
	}
	if PTE_PG == PTE_V {
		t.Fatal("paged-out bit collides with valid")
	}
}

func TestLayout(t *testing.T) {
	seen := map[uintptr]bool{}
	for n := 0; n < 32; n++ {
		ks := Kstack(n)
		if ks >= TRAMPOLINE || ks%uintptr(PGSIZE) != 0 {
			t.Fatalf("kstack %d = %#x", n, ks)
		}
		if seen[ks] {
			t.Fatalf("kstack %d collides", n)
		}
		seen[ks] = true
	}
	va := uintptr(0x12345678) &^ uintptr(PGSIZE-1)
	for lvl := 0; lvl < 3; lvl++ {
		px := Px(lvl, va)
		if px < 0 || px > 511 {
			t.Fatalf("Px(%d) = %d", lvl, px)
		}
	}
	if Pgroundup(1) != uintptr(PGSIZE) || Pgrounddown(uintptr(PGSIZE)+5) != uintptr(PGSIZE) {
		t.Fatal("page rounding broken")
	}
}
