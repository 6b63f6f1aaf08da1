package mem

import (
	"rvkern/defs"
	"rvkern/util"
)

// MAXVA is one beyond the highest usable Sv39 virtual address. Sv39 leaves
// the sign-extended top half to the kernel; user addresses stay below this.
const MAXVA uintptr = 1 << (9 + 9 + 9 + PGSHIFT - 1)

// TRAMPOLINE occupies the highest page of the virtual address space.
const TRAMPOLINE uintptr = MAXVA - uintptr(PGSIZE)

// Kstack returns the fixed kernel stack virtual address of global kernel
// thread slot n. Each stack is one page with an unmapped guard page below.
func Kstack(n int) uintptr {
	return TRAMPOLINE - uintptr((n)+1)*2*uintptr(PGSIZE)
}

// Kstackslot maps a (process index, thread slot) pair to its global kernel
// stack slot number.
func Kstackslot(procidx, slot int) int {
	return procidx*defs.NKT + slot
}

// Px extracts the level'th 9-bit page-table index from a virtual address.
func Px(level int, va uintptr) int {
	return int((va >> (PGSHIFT + 9*uint(level))) & 0x1ff)
}

// Pgroundup aligns a size or address up to the next page boundary.
func Pgroundup(v uintptr) uintptr {
	return util.Roundup(v, uintptr(PGSIZE))
}

// Pgrounddown aligns an address down to its page boundary.
func Pgrounddown(v uintptr) uintptr {
	return util.Rounddown(v, uintptr(PGSIZE))
}
