// Package swap implements the per-process pager: a hard cap of
// MAX_PSYC_PAGES RAM-resident user pages, a same-sized swap file, and a
// pluggable victim-selection policy. Processes with pid <= 2 never get a
// pager; their memory is ordinary kernel-managed RAM.
//
// A pager's tables are mutated only with the owning process's lock held, or
// while the process is single threaded.
package swap

import (
	"sync"

	"rvkern/defs"
	"rvkern/mem"
	"rvkern/stats"
	"rvkern/vm"
)

// Descriptor states.
const (
	SUNUSED = iota
	SUSED
)

// Pagedesc_t describes one user page tracked by the pager, either resident
// or parked in the swap file.
type Pagedesc_t struct {
	Va      uintptr
	State   int
	Ctime   int    // creation order, monotone across the kernel
	Counter uint32 // policy access counter
	Off     int    // byte offset in the swap file, stable per slot
}

// Pager_t holds the paging state of one process.
type Pager_t struct {
	pid     defs.Pid_t
	pt      *vm.Pagetable_t
	sf      *Swapfile_t
	pol     Policy_i
	phymem  [defs.MAX_PSYC_PAGES]Pagedesc_t
	swapped [defs.MAX_PSYC_PAGES]Pagedesc_t
	buf     mem.Bytepg_t // bounce buffer for swap-file reads
}

// global creation-time counter; initialized lazily on first use.
var (
	timelock sync.Mutex
	nexttime int
)

func creationtime() int {
	timelock.Lock()
	if nexttime == 0 {
		nexttime = 1
	}
	t := nexttime
	nexttime++
	timelock.Unlock()
	return t
}

// Mkpager creates the paging state for a process, including its swap file.
// pol must be non-nil; callers disable paging by not making a pager.
func Mkpager(pid defs.Pid_t, pt *vm.Pagetable_t, pol Policy_i) *Pager_t {
	if pol == nil {
		panic("mkpager: no policy")
	}
	return &Pager_t{
		pid: pid,
		pt:  pt,
		sf:  Mkswapfile(pid),
		pol: pol,
	}
}

// Destroy releases the swap file. The page table is torn down by the
// process exit path, not here.
func (pg *Pager_t) Destroy() {
	pg.sf.Close()
}

// Residentcount returns how many resident descriptors are in use.
func (pg *Pager_t) Residentcount() int {
	n := 0
	for i := range pg.phymem {
		if pg.phymem[i].State == SUSED {
			n++
		}
	}
	return n
}

// Swappedcount returns how many swap-file slots are in use.
func (pg *Pager_t) Swappedcount() int {
	n := 0
	for i := range pg.swapped {
		if pg.swapped[i].State == SUSED {
			n++
		}
	}
	return n
}

// Resident reports whether va is tracked as a resident page.
func (pg *Pager_t) Resident(va uintptr) bool {
	for i := range pg.phymem {
		if pg.phymem[i].State == SUSED && pg.phymem[i].Va == va {
			return true
		}
	}
	return false
}

// Swapped reports whether va is tracked as paged out.
func (pg *Pager_t) Swapped(va uintptr) bool {
	for i := range pg.swapped {
		if pg.swapped[i].State == SUSED && pg.swapped[i].Va == va {
			return true
		}
	}
	return false
}

func (pg *Pager_t) space_phymem() int {
	for i := range pg.phymem {
		if pg.phymem[i].State == SUNUSED {
			return i
		}
	}
	return -1
}

func (pg *Pager_t) space_swapfile() int {
	for i := range pg.swapped {
		if pg.swapped[i].State == SUNUSED {
			return i
		}
	}
	// both tables full: the process outgrew RAM and swap together
	panic("no more memory")
}

// evict writes the policy's victim out to swap slot sfidx, marks its PTE
// paged-out, frees its frame, and returns the freed resident slot.
func (pg *Pager_t) evict(sfidx int) int {
	victim := pg.pol.Pick(pg)
	if victim < 0 || pg.phymem[victim].State != SUSED {
		panic("no page to swap")
	}
	va := pg.phymem[victim].Va
	pa := pg.pt.Walkaddr(va)
	if pa == 0 {
		panic("evict: victim not mapped")
	}
	if err := pg.sf.Writepage(sfidx, mem.Physmem.Dmap(pa)); err != nil {
		panic(err)
	}
	sd := &pg.swapped[sfidx]
	sd.Va = va
	sd.Off = sfidx * mem.PGSIZE
	sd.State = SUSED

	pte := pg.pt.Walk(va, false)
	if pte == nil {
		panic("evict: victim pte")
	}
	*pte |= mem.PTE_PG
	*pte &^= mem.PTE_V
	mem.Physmem.Refdown(pa)

	pg.phymem[victim].State = SUNUSED
	stats.Kstats.Swapouts.Inc()
	return victim
}

// register records va as resident in slot idx.
func (pg *Pager_t) register(idx int, va uintptr) {
	d := &pg.phymem[idx]
	d.State = SUSED
	d.Va = va
	d.Ctime = creationtime()
	d.Counter = pg.pol.Initcounter()
	d.Off = idx * mem.PGSIZE
}

// Onalloc accounts a page just mapped by the allocation path. When the
// resident cap is already met, a victim is pushed out first and its slot is
// reused.
func (pg *Pager_t) Onalloc(va uintptr) {
	idx := pg.space_phymem()
	if idx == -1 {
		sfidx := pg.space_swapfile()
		idx = pg.evict(sfidx)
	}
	pg.register(idx, va)
}

// Faultin resolves a page fault on a leaf whose PTE_PG bit is set: the page
// contents come back from the swap file into a fresh frame and the PTE is
// made valid again. A paged-out leaf with no swap slot (inherited across
// fork, which does not duplicate pager state) faults in as a zero page.
func (pg *Pager_t) Faultin(va uintptr, pte *mem.Pte_t) {
	va = mem.Pgrounddown(va)
	_, pa, ok := mem.Physmem.Refpg_new()
	if !ok {
		panic("faultin: out of frames")
	}

	// read the faulted page out of its slot first; an eviction below may
	// reuse the slot it frees
	pg.readswap(va)
	idx := pg.space_phymem()
	if idx == -1 {
		sfidx := pg.space_swapfile()
		idx = pg.evict(sfidx)
	}
	pg.register(idx, va)

	dst := mem.Physmem.Dmap(pa)
	*dst = pg.buf
	*pte = mem.Pa2pte(pa) | mem.PTE_R | mem.PTE_W | mem.PTE_X | mem.PTE_U | mem.PTE_V
	stats.Kstats.Swapins.Inc()
}

// readswap fills the bounce buffer with va's page from the swap file and
// releases its slot. Misses leave the buffer zeroed.
func (pg *Pager_t) readswap(va uintptr) {
	for i := range pg.swapped {
		sd := &pg.swapped[i]
		if sd.State == SUSED && sd.Va == va {
			if err := pg.sf.Readpage(i, &pg.buf); err != nil {
				panic(err)
			}
			sd.State = SUNUSED
			sd.Va = 0
			return
		}
	}
	pg.buf = mem.Bytepg_t{}
}

// Drop forgets va in both descriptor tables; the unmap path calls it before
// clearing the leaf.
func (pg *Pager_t) Drop(va uintptr) {
	for i := range pg.phymem {
		if pg.phymem[i].State == SUSED && pg.phymem[i].Va == va {
			pg.phymem[i].State = SUNUSED
			pg.phymem[i].Va = 0
		}
	}
	for i := range pg.swapped {
		if pg.swapped[i].State == SUSED && pg.swapped[i].Va == va {
			pg.swapped[i].State = SUNUSED
			pg.swapped[i].Va = 0
		}
	}
}

// Tick runs the policy's per-tick work.
func (pg *Pager_t) Tick() {
	pg.pol.Tick(pg)
}
