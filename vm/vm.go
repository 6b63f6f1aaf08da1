// Package vm implements the Sv39 three-level page table of a user process.
// A page table owns its page-table pages; leaf frames are owned by whoever
// mapped them. Callers serialize mutations per process (the process lock, or
// single-threaded stretches like exec).
package vm

import (
	"rvkern/defs"
	"rvkern/mem"
)

// Pagetable_t is the root of one process's Sv39 page table.
type Pagetable_t struct {
	root mem.Pa_t
}

// Uvmcreate allocates an empty user page table. It returns false when out
// of memory.
func Uvmcreate() (*Pagetable_t, bool) {
	_, p_pg, ok := mem.Physmem.Refpg_new()
	if !ok {
		return nil, false
	}
	return &Pagetable_t{root: p_pg}, true
}

// Walk returns the address of the leaf PTE for va, allocating intermediate
// page-table pages iff alloc is set. It returns nil when a needed level is
// absent (alloc clear) or cannot be allocated.
//
// The risc-v Sv39 scheme has three levels of page-table pages. A page-table
// page contains 512 64-bit PTEs. A 64-bit virtual address is split into
// five fields:
//   39..63 -- must be zero.
//   30..38 -- 9 bits of level-2 index.
//   21..29 -- 9 bits of level-1 index.
//   12..20 -- 9 bits of level-0 index.
//    0..11 -- 12 bits of byte offset within the page.
func (pt *Pagetable_t) Walk(va uintptr, alloc bool) *mem.Pte_t {
	if va >= mem.MAXVA {
		panic("walk")
	}
	pm := mem.Physmem.Dmappmap(pt.root)
	for level := 2; level > 0; level-- {
		pte := &pm[mem.Px(level, va)]
		if *pte&mem.PTE_V != 0 {
			pm = mem.Physmem.Dmappmap(mem.Pte2pa(*pte))
		} else {
			if !alloc {
				return nil
			}
			_, p_pg, ok := mem.Physmem.Refpg_new()
			if !ok {
				return nil
			}
			*pte = mem.Pa2pte(p_pg) | mem.PTE_V
			pm = mem.Physmem.Dmappmap(p_pg)
		}
	}
	return &pm[mem.Px(0, va)]
}

// Walkaddr looks up va and returns the physical address it maps, or 0 when
// the leaf is absent, invalid, or not user-accessible.
func (pt *Pagetable_t) Walkaddr(va uintptr) mem.Pa_t {
	if va >= mem.MAXVA {
		return 0
	}
	pte := pt.Walk(va, false)
	if pte == nil {
		return 0
	}
	if *pte&mem.PTE_V == 0 {
		return 0
	}
	if *pte&mem.PTE_U == 0 {
		return 0
	}
	return mem.Pte2pa(*pte)
}

// Mappages installs leaf PTEs mapping [va, va+size) to physical memory
// starting at pa. va and size need not be page aligned. It returns false if
// a needed page-table page could not be allocated and panics if any leaf is
// already valid.
func (pt *Pagetable_t) Mappages(va uintptr, size int, pa mem.Pa_t, perm mem.Pte_t) bool {
	if size == 0 {
		panic("mappages: size")
	}
	a := mem.Pgrounddown(va)
	last := mem.Pgrounddown(va + uintptr(size) - 1)
	for {
		pte := pt.Walk(a, true)
		if pte == nil {
			return false
		}
		if *pte&mem.PTE_V != 0 {
			panic("mappages: remap")
		}
		*pte = mem.Pa2pte(pa) | perm | mem.PTE_V
		if a == last {
			break
		}
		a += uintptr(mem.PGSIZE)
		pa += mem.Pa_t(mem.PGSIZE)
	}
	return true
}

// Uvmunmap removes npages of mappings starting at va. va must be page
// aligned and every page must be either mapped or tagged paged-out. Frames
// of present mappings are freed when dofree is set; paged-out entries have
// no frame and are simply cleared.
func (pt *Pagetable_t) Uvmunmap(va uintptr, npages int, dofree bool) {
	if va%uintptr(mem.PGSIZE) != 0 {
		panic("uvmunmap: not aligned")
	}
	for a := va; a < va+uintptr(npages*mem.PGSIZE); a += uintptr(mem.PGSIZE) {
		pte := pt.Walk(a, false)
		if pte == nil {
			panic("uvmunmap: walk")
		}
		if *pte&mem.PTE_V == 0 && *pte&mem.PTE_PG == 0 {
			panic("uvmunmap: not mapped")
		}
		if *pte&mem.PTE_V != 0 && mem.Pteflags(*pte) == mem.PTE_V {
			panic("uvmunmap: not a leaf")
		}
		if dofree && *pte&mem.PTE_V != 0 {
			mem.Physmem.Refdown(mem.Pte2pa(*pte))
		}
		*pte = 0
	}
}

// Uvmalloc grows the mapped region from oldsz to newsz, allocating zeroed
// frames with PTE_R|PTE_U|xperm. onmap, if non-nil, runs after each new
// page is installed; the pager uses it to account the page and evict when
// the resident cap is hit. It returns the new size, or 0 on allocation
// failure after rolling back.
func (pt *Pagetable_t) Uvmalloc(oldsz, newsz uintptr, xperm mem.Pte_t, onmap func(va uintptr)) uintptr {
	if newsz < oldsz {
		return oldsz
	}
	oldsz = mem.Pgroundup(oldsz)
	for a := oldsz; a < newsz; a += uintptr(mem.PGSIZE) {
		_, p_pg, ok := mem.Physmem.Refpg_new()
		if !ok {
			pt.Uvmdealloc(a, oldsz)
			return 0
		}
		if !pt.Mappages(a, mem.PGSIZE, p_pg, mem.PTE_R|mem.PTE_U|xperm) {
			mem.Physmem.Refdown(p_pg)
			pt.Uvmdealloc(a, oldsz)
			return 0
		}
		if onmap != nil {
			onmap(a)
		}
	}
	return newsz
}

// Uvmdealloc shrinks the mapped region from oldsz to newsz and returns the
// new size.
func (pt *Pagetable_t) Uvmdealloc(oldsz, newsz uintptr) uintptr {
	if newsz >= oldsz {
		return oldsz
	}
	if mem.Pgroundup(newsz) < mem.Pgroundup(oldsz) {
		npages := int((mem.Pgroundup(oldsz) - mem.Pgroundup(newsz)) / uintptr(mem.PGSIZE))
		pt.Uvmunmap(mem.Pgroundup(newsz), npages, true)
	}
	return newsz
}

// freewalk recursively frees page-table pages. All leaf mappings must have
// been removed already.
func freewalk(p_pm mem.Pa_t) {
	pm := mem.Physmem.Dmappmap(p_pm)
	for i := range pm {
		pte := pm[i]
		if pte&mem.PTE_V != 0 && pte&(mem.PTE_R|mem.PTE_W|mem.PTE_X) == 0 {
			freewalk(mem.Pte2pa(pte))
			pm[i] = 0
		} else if pte&mem.PTE_V != 0 {
			panic("freewalk: leaf")
		}
	}
	mem.Physmem.Refdown(p_pm)
}

// Uvmfree unmaps and frees sz bytes of user memory, then frees the
// page-table pages themselves.
func (pt *Pagetable_t) Uvmfree(sz uintptr) {
	if sz > 0 {
		pt.Uvmunmap(0, int(mem.Pgroundup(sz)/uintptr(mem.PGSIZE)), true)
	}
	freewalk(pt.root)
	pt.root = 0
}

// Uvmcopy duplicates sz bytes of this page table into new. Present leaves
// get a fresh frame with the parent's contents; leaves tagged paged-out are
// reproduced in the child with the same flag pattern (no PTE_V, PTE_PG set)
// and no frame — the child re-faults them in on first touch. Returns an
// error after rolling the child back.
func (pt *Pagetable_t) Uvmcopy(new *Pagetable_t, sz uintptr) defs.Err_t {
	var i uintptr
	for i = 0; i < sz; i += uintptr(mem.PGSIZE) {
		pte := pt.Walk(i, false)
		if pte == nil {
			panic("uvmcopy: pte should exist")
		}
		if *pte&mem.PTE_V == 0 {
			if *pte&mem.PTE_PG == 0 {
				panic("uvmcopy: page not present")
			}
			npte := new.Walk(i, true)
			if npte == nil {
				goto err
			}
			*npte = mem.Pteflags(*pte)
			continue
		}
		{
			pa := mem.Pte2pa(*pte)
			flags := mem.Pteflags(*pte)
			dst, p_pg, ok := mem.Physmem.Refpg_new()
			if !ok {
				goto err
			}
			*dst = *mem.Physmem.Dmap(pa)
			if !new.Mappages(i, mem.PGSIZE, p_pg, flags&^mem.PTE_V) {
				mem.Physmem.Refdown(p_pg)
				goto err
			}
		}
	}
	return 0

err:
	if i > 0 {
		new.Uvmunmap(0, int(i/uintptr(mem.PGSIZE)), true)
	}
	return -defs.ENOMEM
}

// Uvmclear strips user access from the page holding va, leaving the
// mapping itself in place.
func (pt *Pagetable_t) Uvmclear(va uintptr) {
	pte := pt.Walk(va, false)
	if pte == nil {
		panic("uvmclear")
	}
	*pte &^= mem.PTE_U
}
