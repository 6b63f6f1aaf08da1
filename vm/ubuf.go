package vm

import (
	"rvkern/defs"
	"rvkern/mem"
	"rvkern/util"
)

// Copyout copies len(src) bytes from the kernel into user virtual address
// dstva. It fails with EFAULT when any destination page is absent or not
// user-accessible.
func (pt *Pagetable_t) Copyout(dstva uintptr, src []uint8) defs.Err_t {
	for len(src) > 0 {
		va0 := mem.Pgrounddown(dstva)
		pa0 := pt.Walkaddr(va0)
		if pa0 == 0 {
			return -defs.EFAULT
		}
		n := util.Min(mem.PGSIZE-int(dstva-va0), len(src))
		dst := mem.Physmem.Dmap8(pa0 + mem.Pa_t(dstva-va0))
		copy(dst, src[:n])
		src = src[n:]
		dstva = va0 + uintptr(mem.PGSIZE)
	}
	return 0
}

// Copyin copies len(dst) bytes from user virtual address srcva into the
// kernel.
func (pt *Pagetable_t) Copyin(dst []uint8, srcva uintptr) defs.Err_t {
	for len(dst) > 0 {
		va0 := mem.Pgrounddown(srcva)
		pa0 := pt.Walkaddr(va0)
		if pa0 == 0 {
			return -defs.EFAULT
		}
		n := util.Min(mem.PGSIZE-int(srcva-va0), len(dst))
		src := mem.Physmem.Dmap8(pa0 + mem.Pa_t(srcva-va0))
		copy(dst, src[:n])
		dst = dst[n:]
		srcva = va0 + uintptr(mem.PGSIZE)
	}
	return 0
}

// Copyinstr copies a NUL terminated string of at most max bytes from user
// memory. It returns the string without the terminator.
func (pt *Pagetable_t) Copyinstr(srcva uintptr, max int) (string, defs.Err_t) {
	ret := make([]uint8, 0, util.Min(max, 64))
	for max > 0 {
		va0 := mem.Pgrounddown(srcva)
		pa0 := pt.Walkaddr(va0)
		if pa0 == 0 {
			return "", -defs.EFAULT
		}
		n := util.Min(mem.PGSIZE-int(srcva-va0), max)
		src := mem.Physmem.Dmap8(pa0 + mem.Pa_t(srcva-va0))
		for i := 0; i < n; i++ {
			if src[i] == 0 {
				return string(ret), 0
			}
			ret = append(ret, src[i])
		}
		max -= n
		srcva = va0 + uintptr(mem.PGSIZE)
	}
	return "", -defs.ENAMETOOLONG
}

// Userbuf_t is a cursor over a span of user memory, used by syscall paths
// that copy in or out in pieces.
type Userbuf_t struct {
	pt     *Pagetable_t
	userva uintptr
	len    int
	off    int
}

// Mkuserbuf returns a Userbuf_t over [userva, userva+len).
func (pt *Pagetable_t) Mkuserbuf(userva uintptr, len int) *Userbuf_t {
	return &Userbuf_t{pt: pt, userva: userva, len: len}
}

// Remain reports how many bytes the cursor has left.
func (ub *Userbuf_t) Remain() int {
	return ub.len - ub.off
}

// Uiowrite copies src to the cursor position, advancing it. It returns the
// bytes written and an error if the destination is unmapped.
func (ub *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := util.Min(len(src), ub.Remain())
	if n == 0 {
		return 0, 0
	}
	if err := ub.pt.Copyout(ub.userva+uintptr(ub.off), src[:n]); err != 0 {
		return 0, err
	}
	ub.off += n
	return n, 0
}

// Uioread fills dst from the cursor position, advancing it.
func (ub *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	n := util.Min(len(dst), ub.Remain())
	if n == 0 {
		return 0, 0
	}
	if err := ub.pt.Copyin(dst[:n], ub.userva+uintptr(ub.off)); err != 0 {
		return 0, err
	}
	ub.off += n
	return n, 0
}
