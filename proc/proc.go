// Package proc implements processes, kernel threads, and the CPU
// scheduler. Processes live in a fixed arena and are identified by index;
// every cross-reference (thread to process, child to parent) is an index,
// never an owning handle.
package proc

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"rvkern/defs"
	"rvkern/mem"
	"rvkern/stats"
	"rvkern/swap"
	"rvkern/vm"
)

// Process states.
const (
	UNUSED int32 = iota
	USED
	ZOMBIE
)

// Proc_t is one process table entry.
type Proc_t struct {
	sync.Mutex // guards killed, xstate, sz, pagetable, pager, cfs fields

	nexttid defs.Tid_t
	tidlock sync.Mutex

	state  atomic.Int32
	killed bool
	xstate int
	pid    defs.Pid_t

	kthread [defs.NKT]Kthread_t
	basetf  [defs.NKT]Trapframe_t

	// Wait_lock must be held when using this
	parenti int

	sz    uintptr
	pt    *vm.Pagetable_t
	pager *swap.Pager_t
	name  string

	exitmsg [defs.EXITMSGLEN]byte

	ps_priority  int
	cfs_priority int
	rtime        int
	stime        int
	retime       int

	index int
}

var (
	proctable [defs.NPROC]Proc_t
	pidlock   sync.Mutex
	nextpid   defs.Pid_t
	initproci int

	// Swappolicy is the victim-selection policy installed at boot; nil
	// disables paging for every process.
	Swappolicy swap.Policy_i
)

// Image_t is a loadable program: exec replaces the address space with Sz
// bytes of fresh memory and enters Main. It stands in for the ELF loader of
// a kernel with a filesystem.
type Image_t struct {
	Name string
	Sz   uintptr
	Main Entry_t
}

func (p *Proc_t) stateget() int32 {
	return p.state.Load()
}

// Stateget returns the process state.
func (p *Proc_t) Stateget() int32 {
	return p.stateget()
}

// Pid returns the process id.
func (p *Proc_t) Pid() defs.Pid_t {
	return p.pid
}

// Sz returns the process size in bytes.
func (p *Proc_t) Sz() uintptr {
	p.Lock()
	sz := p.sz
	p.Unlock()
	return sz
}

// Pagetable returns the process's page table.
func (p *Proc_t) Pagetable() *vm.Pagetable_t {
	return p.pt
}

// Pager returns the process's pager, nil when paging is off or pid <= 2.
func (p *Proc_t) Pager() *swap.Pager_t {
	return p.pager
}

// Xstate returns the recorded exit status of a zombie.
func (p *Proc_t) Xstate() int {
	p.Lock()
	x := p.xstate
	p.Unlock()
	return x
}

// Exitmsg returns the recorded exit message of a zombie.
func (p *Proc_t) Exitmsg() string {
	p.Lock()
	defer p.Unlock()
	for i, c := range p.exitmsg {
		if c == 0 {
			return string(p.exitmsg[:i])
		}
	}
	return string(p.exitmsg[:])
}

// Killed reads the process kill flag.
func (p *Proc_t) Killed() bool {
	p.Lock()
	k := p.killed
	p.Unlock()
	return k
}

// Kinit initializes the machine: npages physical frames, the process
// arena, and the paging policy (nil for none). It must run before any
// process is created and resets all previous state.
func Kinit(npages int, pol swap.Policy_i) {
	mem.Phys_init(npages)
	Swappolicy = pol
	nextpid = 1
	initproci = -1
	ticks = 0
	for i := range proctable {
		p := &proctable[i]
		p.index = i
		p.parenti = -1
		p.state.Store(UNUSED)
		kthreadinit(p)
	}
}

func pidalloc() defs.Pid_t {
	pidlock.Lock()
	pid := nextpid
	nextpid++
	pidlock.Unlock()
	return pid
}

// allocproc claims an unused process slot: fresh pid, page table, pager
// for pid > 2 when paging is on, and the main thread slot. The main thread
// is returned with its slot lock held, in state TUSED.
func allocproc() (*Proc_t, *Kthread_t) {
	for i := range proctable {
		p := &proctable[i]
		p.Lock()
		if p.stateget() != UNUSED {
			p.Unlock()
			continue
		}
		pt, ok := vm.Uvmcreate()
		if !ok {
			p.Unlock()
			return nil, nil
		}
		p.pid = pidalloc()
		p.nexttid = 1
		p.sz = 0
		p.killed = false
		p.xstate = 0
		p.exitmsg = [defs.EXITMSGLEN]byte{}
		p.parenti = -1
		p.pt = pt
		p.pager = nil
		if Swappolicy != nil && p.pid > 2 {
			p.pager = swap.Mkpager(p.pid, pt, Swappolicy)
		}
		p.ps_priority = 5
		p.cfs_priority = 1
		p.rtime = 0
		p.stime = 0
		p.retime = 0
		p.state.Store(USED)
		p.Unlock()

		kt := allocthread(p)
		if kt == nil {
			panic("allocproc: fresh proc has no thread slot")
		}
		return p, kt
	}
	return nil, nil
}

// freeproc returns a dead process to the arena. Wait_lock must be held.
// Locking every thread slot doubles as the barrier that the last thread
// has really switched off its CPU.
func freeproc(p *Proc_t) {
	for i := range p.kthread {
		kt := &p.kthread[i]
		kt.Lock()
		freekthread(kt)
		kt.Unlock()
	}
	if p.pager != nil {
		p.pager.Destroy()
		p.pager = nil
	}
	if p.pt != nil {
		p.pt.Uvmfree(p.sz)
		p.pt = nil
	}
	p.sz = 0
	p.pid = 0
	p.name = ""
	p.parenti = -1
	p.killed = false
	p.state.Store(UNUSED)
}

// Newproc creates a runnable process executing entry. The caller owns no
// reference; the process is reaped by its parent's wait, or by Reap for a
// parentless process.
func Newproc(name string, entry Entry_t) *Proc_t {
	p, kt := allocproc()
	if p == nil {
		return nil
	}
	p.name = name
	kt.entry = entry
	kt.tf.Epc = uint64(funcpc(entry))
	kt.tstate = TRUNNABLE
	kt.Unlock()
	return p
}

// Userinit creates the init process. Children of exiting processes are
// reparented to it.
func Userinit(entry Entry_t) *Proc_t {
	p := Newproc("init", entry)
	if p == nil {
		panic("userinit")
	}
	if p.pid != 1 {
		panic("userinit: not first")
	}
	initproci = p.index
	return p
}

// Fork creates a child process whose memory is a copy of the caller's.
// Present pages are duplicated; paged-out leaves are reproduced as
// paged-out without pager state, so the child re-faults them as zero
// pages. The child's main thread runs entry (the simulation's stand-in for
// returning 0 from fork). Returns the child pid or -1.
func Fork(kt *Kthread_t, entry Entry_t) defs.Pid_t {
	p := kt.Proc()
	np, nkt := allocproc()
	if np == nil {
		return -1
	}
	p.Lock()
	sz := p.sz
	p.Unlock()
	if p.pt.Uvmcopy(np.pt, sz) != 0 {
		freekthread(nkt)
		nkt.Unlock()
		Wait_lock.Lock()
		freeproc(np)
		Wait_lock.Unlock()
		return -1
	}
	np.sz = sz
	np.name = p.name
	np.ps_priority = p.ps_priority
	np.cfs_priority = p.cfs_priority

	*nkt.tf = *kt.tf
	nkt.tf.A0 = 0
	nkt.tf.Epc = uint64(funcpc(entry))
	nkt.entry = entry

	Wait_lock.Lock()
	np.parenti = p.index
	Wait_lock.Unlock()

	nkt.tstate = TRUNNABLE
	pid := np.pid
	nkt.Unlock()
	stats.Kstats.Forks.Inc()
	return pid
}

// reparent hands p's children to init. Wait_lock must be held.
func reparent(p *Proc_t) {
	for i := range proctable {
		cp := &proctable[i]
		if cp.parenti == p.index {
			cp.parenti = initproci
			if initproci >= 0 {
				wakeup1(&proctable[initproci], nil)
			}
		}
	}
}

// Exit terminates the whole process: every other thread is killed and
// joined, the pager and swap file are released, children are reparented,
// and the parent is woken. msg (up to EXITMSGLEN bytes) is delivered to
// the parent's wait. Never returns.
func Exit(kt *Kthread_t, status int, msg string) {
	p := kt.Proc()
	if p.index == initproci {
		panic("init exiting")
	}
	Kill_all_other_threads(kt)

	// single threaded from here on
	if p.pager != nil {
		p.pager.Destroy()
		p.pager = nil
	}
	p.exitmsg = [defs.EXITMSGLEN]byte{}
	copy(p.exitmsg[:], msg)
	stats.Kstats.Procexits.Inc()

	Wait_lock.Lock()
	reparent(p)
	if p.parenti >= 0 {
		wakeup1(&proctable[p.parenti], kt)
	}
	p.Lock()
	p.xstate = status
	p.state.Store(ZOMBIE)
	p.Unlock()

	kt.Lock()
	kt.xstate = status
	kt.tstate = TZOMBIE
	Wait_lock.Unlock()
	schedexit(kt)
	panic("zombie exit")
}

// Wait blocks until a child exits, copies its exit status (4 bytes) to
// statusva and its exit message to msgva (each if non-zero), frees the
// child, and returns its pid. Returns -1 with no children, on a kill, or
// when a copy-out fails.
func Wait(kt *Kthread_t, statusva, msgva uintptr) defs.Pid_t {
	p := kt.Proc()
	Wait_lock.Lock()
	for {
		havekids := false
		for pi := range proctable {
			cp := &proctable[pi]
			if cp == p || cp.parenti != p.index {
				continue
			}
			havekids = true
			if cp.stateget() != ZOMBIE {
				continue
			}
			pid := cp.pid
			if statusva != 0 {
				var b [4]uint8
				binary.LittleEndian.PutUint32(b[:], uint32(int32(cp.xstate)))
				if err := p.pt.Copyout(statusva, b[:]); err != 0 {
					Wait_lock.Unlock()
					return -1
				}
			}
			if msgva != 0 {
				if err := p.pt.Copyout(msgva, cp.exitmsg[:]); err != 0 {
					Wait_lock.Unlock()
					return -1
				}
			}
			freeproc(cp)
			Wait_lock.Unlock()
			return pid
		}
		if !havekids || p.Killed() {
			Wait_lock.Unlock()
			return -1
		}
		Sleep(kt, p, &Wait_lock)
	}
}

// Reap frees a parentless zombie, standing in for init's wait loop in
// configurations that run without an init process.
func Reap(p *Proc_t) bool {
	Wait_lock.Lock()
	defer Wait_lock.Unlock()
	if p.stateget() != ZOMBIE || p.parenti != -1 {
		return false
	}
	freeproc(p)
	return true
}

// Growproc adjusts the process size by n bytes, the sbrk backend. Growth
// allocates zeroed pages (accounted by the pager for pid > 2); shrinking
// unmaps, freeing frames and forgetting pager entries. Returns the old
// break, or an error with the break unchanged.
func Growproc(kt *Kthread_t, n int) (uintptr, defs.Err_t) {
	p := kt.Proc()
	p.Lock()
	defer p.Unlock()
	sz := p.sz
	old := sz
	if n > 0 {
		var onmap func(uintptr)
		if p.pager != nil {
			onmap = func(va uintptr) { p.pager.Onalloc(va) }
		}
		sz = p.pt.Uvmalloc(sz, sz+uintptr(n), mem.PTE_W, onmap)
		if sz == 0 {
			return 0, -defs.ENOMEM
		}
	} else if n < 0 {
		newsz := sz + uintptr(n)
		if p.pager != nil {
			for va := mem.Pgroundup(newsz); va < mem.Pgroundup(sz); va += uintptr(mem.PGSIZE) {
				p.pager.Drop(va)
			}
		}
		sz = p.pt.Uvmdealloc(sz, newsz)
	}
	p.sz = sz
	return old, 0
}

// Memsize returns the process size in bytes.
func Memsize(kt *Kthread_t) int {
	return int(kt.Proc().Sz())
}

// Getproc finds a live process by pid.
func Getproc(pid defs.Pid_t) *Proc_t {
	for i := range proctable {
		p := &proctable[i]
		p.Lock()
		if p.stateget() != UNUSED && p.pid == pid {
			p.Unlock()
			return p
		}
		p.Unlock()
	}
	return nil
}

// Kill marks the process with the given pid killed and promotes its
// sleeping threads so they notice.
func Kill(pid defs.Pid_t) int {
	for i := range proctable {
		p := &proctable[i]
		p.Lock()
		if p.stateget() == USED && p.pid == pid {
			p.killed = true
			for j := range p.kthread {
				kt := &p.kthread[j]
				kt.Lock()
				if kt.tstate == TSLEEPING {
					kt.tstate = TRUNNABLE
				}
				kt.Unlock()
			}
			p.Unlock()
			return 0
		}
		p.Unlock()
	}
	return -1
}

// Exec replaces the calling process's program: all other threads are
// killed and joined, a fresh address space of img.Sz bytes (and fresh
// pager state) replaces the old one, and img.Main runs on the calling
// thread. On success it never returns; it returns an error only when the
// new address space cannot be built, leaving the old address space in
// place. The other threads have already been killed and joined by then.
func Exec(kt *Kthread_t, img Image_t) defs.Err_t {
	p := kt.Proc()
	Kill_all_other_threads(kt)

	npt, ok := vm.Uvmcreate()
	if !ok {
		return -defs.ENOMEM
	}
	var npg *swap.Pager_t
	if Swappolicy != nil && p.pid > 2 {
		npg = swap.Mkpager(p.pid, npt, Swappolicy)
	}
	var onmap func(uintptr)
	if npg != nil {
		onmap = func(va uintptr) { npg.Onalloc(va) }
	}
	sz := npt.Uvmalloc(0, img.Sz, mem.PTE_W|mem.PTE_X, onmap)
	if sz == 0 && img.Sz > 0 {
		if npg != nil {
			npg.Destroy()
		}
		npt.Uvmfree(0)
		return -defs.ENOMEM
	}

	p.Lock()
	oldpt, oldsz, oldpg := p.pt, p.sz, p.pager
	p.pt = npt
	p.sz = sz
	p.pager = npg
	p.name = img.Name
	p.Unlock()

	if oldpg != nil {
		oldpg.Destroy()
	}
	oldpt.Uvmfree(oldsz)

	kt.tf.Epc = uint64(funcpc(img.Main))
	kt.tf.Sp = uint64(sz)
	img.Main(kt)
	Exit(kt, 0, "")
	panic("exec returned")
}

// cfstick updates the CFS accounting of p for one tick. The process lock
// is held.
func (p *Proc_t) cfstick() {
	running, runnable, sleeping := false, false, false
	for i := range p.kthread {
		kt := &p.kthread[i]
		kt.Lock()
		switch kt.tstate {
		case TRUNNING:
			running = true
		case TRUNNABLE:
			runnable = true
		case TSLEEPING:
			sleeping = true
		}
		kt.Unlock()
	}
	switch {
	case running:
		p.rtime++
	case runnable:
		p.retime++
	case sleeping:
		p.stime++
	}
}

// Set_ps_priority sets the caller's process scheduling priority, 1..10.
func Set_ps_priority(kt *Kthread_t, n int) int {
	if n < 1 || n > 10 {
		return -1
	}
	p := kt.Proc()
	p.Lock()
	p.ps_priority = n
	p.Unlock()
	return 0
}

// Set_cfs_priority sets the caller's CFS decay priority, 0..2.
func Set_cfs_priority(kt *Kthread_t, n int) int {
	if n < 0 || n > 2 {
		return -1
	}
	p := kt.Proc()
	p.Lock()
	p.cfs_priority = n
	p.Unlock()
	return 0
}

// Get_cfs_stats writes {cfs_priority, rtime, stime, retime} as four bytes
// to the caller's address va. Returns -1 for an unknown pid or a failed
// copy-out.
func Get_cfs_stats(kt *Kthread_t, pid defs.Pid_t, va uintptr) int {
	tp := Getproc(pid)
	if tp == nil {
		return -1
	}
	tp.Lock()
	b := [4]uint8{
		uint8(tp.cfs_priority),
		uint8(tp.rtime),
		uint8(tp.stime),
		uint8(tp.retime),
	}
	tp.Unlock()
	if err := kt.Proc().pt.Copyout(va, b[:]); err != 0 {
		return -1
	}
	return 0
}
