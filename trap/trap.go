// Package trap is the glue between the simulated machine and the kernel:
// timer interrupts preempt the running kernel thread, page faults are
// routed to the pager or kill the faulting thread, and user-mode memory
// accesses go through the software MMU here.
package trap

import (
	"fmt"
	"time"

	"rvkern/mem"
	"rvkern/proc"
	"rvkern/stats"
)

// scause values, as the hardware would deliver them.
const (
	// ScauseTimer is a supervisor timer interrupt.
	ScauseTimer uint64 = 1<<63 | 5
	// ScauseInstrPage, ScauseLoadPage and ScauseStorePage are page-fault
	// exceptions.
	ScauseInstrPage uint64 = 12
	ScauseLoadPage  uint64 = 13
	ScauseStorePage uint64 = 15
)

// Usertrap dispatches a trap taken while kt was in user mode. Page faults
// on a leaf carrying the paged-out tag are recoverable; every other fault
// kills the thread and this function does not return to it.
func Usertrap(kt *proc.Kthread_t, scause uint64, stval uintptr) {
	switch scause {
	case ScauseTimer:
		proc.Yield(kt)
	case ScauseInstrPage, ScauseLoadPage, ScauseStorePage:
		if !pagefault(kt, stval) {
			p := kt.Proc()
			fmt.Printf("usertrap: pid %d tid %d: segfault va %#x\n",
				p.Pid(), kt.Tid(), stval)
			proc.Kthread_exit(kt, -1)
		}
	default:
		fmt.Printf("usertrap: unexpected scause %#x\n", scause)
		proc.Kthread_exit(kt, -1)
	}
}

// pagefault resolves a fault at va if its leaf is tagged paged-out and the
// process has a pager; anything else is a real segfault.
func pagefault(kt *proc.Kthread_t, va uintptr) bool {
	p := kt.Proc()
	p.Lock()
	defer p.Unlock()
	pte := p.Pagetable().Walk(va, false)
	if pte == nil {
		return false
	}
	if *pte&mem.PTE_V != 0 {
		// another thread of the process resolved this fault first
		return true
	}
	if *pte&mem.PTE_PG == 0 || p.Pager() == nil {
		return false
	}
	stats.Kstats.Pgfaults.Inc()
	p.Pager().Faultin(va, pte)
	return true
}

// Poll is a kernel-mode checkpoint: a thread marked killed exits here, and
// a pending timer tick preempts. User loops call it the way compiled code
// would cross a trap boundary.
func Poll(kt *proc.Kthread_t) {
	if proc.Kthread_killed(kt) || kt.Proc().Killed() {
		proc.Kthread_exit(kt, -1)
	}
	if proc.Preempted(kt) {
		Usertrap(kt, ScauseTimer, 0)
	}
}

// access translates va through the process page table, faulting in the
// page if needed. It returns the frame bytes of the page holding va. The
// accessed (and, for writes, dirty) bit is set the way the MMU would. A
// translation that cannot be repaired kills the thread.
func access(kt *proc.Kthread_t, va uintptr, write bool) []uint8 {
	p := kt.Proc()
	for {
		p.Lock()
		pte := p.Pagetable().Walk(va, false)
		if pte != nil && *pte&mem.PTE_V != 0 && *pte&mem.PTE_U != 0 {
			*pte |= mem.PTE_A
			if write {
				*pte |= mem.PTE_D
			}
			pg := mem.Physmem.Dmap(mem.Pte2pa(*pte))
			p.Unlock()
			return pg[:]
		}
		p.Unlock()
		cause := ScauseLoadPage
		if write {
			cause = ScauseStorePage
		}
		Usertrap(kt, cause, va)
	}
}

// Peek is a simulated user-mode load of one byte.
func Peek(kt *proc.Kthread_t, va uintptr) uint8 {
	pg := access(kt, va, false)
	return pg[va&uintptr(mem.PGOFFSET)]
}

// Poke is a simulated user-mode store of one byte.
func Poke(kt *proc.Kthread_t, va uintptr, b uint8) {
	pg := access(kt, va, true)
	pg[va&uintptr(mem.PGOFFSET)] = b
}

// Touch performs a read access for its side effects only.
func Touch(kt *proc.Kthread_t, va uintptr) {
	access(kt, va, false)
}

// Startclock drives the kernel clock at the given period and returns a
// stop function. Each beat is one timer interrupt.
func Startclock(d time.Duration) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(d)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				proc.Clockintr()
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}
