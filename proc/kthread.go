package proc

import (
	"encoding/binary"
	"sync"

	"rvkern/defs"
	"rvkern/mem"
	"rvkern/stats"
)

// Kernel thread states.
const (
	TUNUSED = iota
	TUSED
	TSLEEPING
	TRUNNABLE
	TRUNNING
	TZOMBIE
)

// Entry_t is the body a kernel thread executes once scheduled, the
// simulation's stand-in for the user program counter in the trap frame.
type Entry_t func(kt *Kthread_t)

// Trapframe_t holds the user-mode register state saved on a trap. One trap
// frame per thread slot lives in the process's base-trapframes page.
type Trapframe_t struct {
	Epc uint64
	Ra  uint64
	Sp  uint64
	A0  uint64
}

// Kthread_t is one kernel thread slot of a process. A slot's fields are
// mutated only under its own lock; kstack and the trap frame pointer are
// fixed by slot index at kthreadinit and never change.
type Kthread_t struct {
	sync.Mutex
	tstate int
	tid    defs.Tid_t
	killed bool
	xstate int
	chanp  any
	ctx    Context_t
	tf     *Trapframe_t
	kstack uintptr
	proci  int
	slot   int
	cpu    *Cpu_t
	// set once under the slot lock when first dispatched
	started bool
	entry   Entry_t
	lastgen int64
}

// Proc returns the owning process. The back-reference is the slot's index
// into the process table, never an owning handle.
func (kt *Kthread_t) Proc() *Proc_t {
	return &proctable[kt.proci]
}

// Tid returns the thread id, 0 for an unused slot.
func (kt *Kthread_t) Tid() defs.Tid_t {
	return kt.tid
}

// Kstack returns the slot's fixed kernel stack virtual address.
func (kt *Kthread_t) Kstack() uintptr {
	return kt.kstack
}

// Trapframe returns the slot's trap frame.
func (kt *Kthread_t) Trapframe() *Trapframe_t {
	return kt.tf
}

// kthreadinit runs once per process slot at boot: slot locks, fixed kernel
// stack addresses, and the back-reference to the owning process.
func kthreadinit(p *Proc_t) {
	for i := range p.kthread {
		kt := &p.kthread[i]
		kt.tstate = TUNUSED
		kt.proci = p.index
		kt.slot = i
		kt.kstack = mem.Kstack(mem.Kstackslot(p.index, i))
		kt.ctx.init()
	}
}

// alloctid hands out the next thread id of p. Ids are monotone, unique
// within the process, and never recycled.
func alloctid(p *Proc_t) defs.Tid_t {
	p.tidlock.Lock()
	tid := p.nexttid
	p.nexttid++
	p.tidlock.Unlock()
	return tid
}

// allocthread claims the first unused slot of p: fresh tid, state TUSED,
// trap frame wired to the slot's entry of the base-trapframes page, context
// reset to enter forkret on the slot's kernel stack. The slot is returned
// with its lock held, or nil when every slot is taken.
func allocthread(p *Proc_t) *Kthread_t {
	for i := range p.kthread {
		kt := &p.kthread[i]
		kt.Lock()
		if kt.tstate == TUNUSED {
			kt.tid = alloctid(p)
			kt.tstate = TUSED
			kt.tf = &p.basetf[i]
			*kt.tf = Trapframe_t{}
			kt.ctx.Ra = funcpc(forkret)
			kt.ctx.Sp = kt.kstack + uintptr(mem.PGSIZE)
			kt.started = false
			kt.entry = nil
			return kt
		}
		kt.Unlock()
	}
	return nil
}

// freekthread resets a joined slot for reuse. kstack and the trap frame
// pointer are slot-invariant and deliberately left alone.
func freekthread(kt *Kthread_t) {
	kt.killed = false
	kt.xstate = 0
	kt.chanp = nil
	kt.tid = 0
	kt.entry = nil
	kt.tstate = TUNUSED
}

// run is the backing goroutine of a thread slot's current occupant. It
// parks until the scheduler dispatches the thread for the first time.
func (kt *Kthread_t) run() {
	<-kt.ctx.resume
	forkret(kt)
	if kt.entry != nil {
		kt.entry(kt)
	}
	Kthread_exit(kt, 0)
}

// forkret is a new thread's first landing: it still holds the slot lock the
// scheduler acquired to dispatch it.
func forkret(kt *Kthread_t) {
	kt.Unlock()
}

// Kthread_create starts a new kernel thread of the calling thread's process
// running start on the given user stack. The only accepted stack size is
// KTHREAD_STACK_SIZE. It returns the new thread id, or -1 when no slot is
// free or the stack size is wrong.
func Kthread_create(kt *Kthread_t, start Entry_t, stack uintptr, stacksize int) defs.Tid_t {
	if stacksize != defs.KTHREAD_STACK_SIZE {
		return -1
	}
	p := kt.Proc()
	p.Lock()
	nt := allocthread(p)
	if nt == nil {
		p.Unlock()
		return -1
	}
	p.Unlock()

	nt.tf.Epc = uint64(funcpc(start))
	nt.tf.Sp = uint64(stack) + uint64(stacksize)
	nt.entry = start
	nt.tstate = TRUNNABLE
	tid := nt.tid
	nt.Unlock()
	return tid
}

// Kthread_kill marks the thread with the given tid in the calling thread's
// process as killed, promoting it out of sleep so it can notice. The victim
// acts on the flag at its next kernel-mode check.
func Kthread_kill(kt *Kthread_t, tid defs.Tid_t) int {
	if tid <= 0 {
		return -1
	}
	p := kt.Proc()
	p.Lock()
	defer p.Unlock()
	for i := range p.kthread {
		t := &p.kthread[i]
		t.Lock()
		if t.tid == tid && t.tstate != TUNUSED {
			t.killed = true
			if t.tstate == TSLEEPING {
				t.tstate = TRUNNABLE
			}
			t.Unlock()
			stats.Kstats.Tkills.Inc()
			return 0
		}
		t.Unlock()
	}
	return -1
}

// Kthread_killed reads the kill flag under the slot lock.
func Kthread_killed(kt *Kthread_t) bool {
	kt.Lock()
	k := kt.killed
	kt.Unlock()
	return k
}

// otherslive reports whether any slot besides kt holds a live thread.
func otherslive(p *Proc_t, kt *Kthread_t) bool {
	for i := range p.kthread {
		t := &p.kthread[i]
		if t == kt {
			continue
		}
		t.Lock()
		live := t.tstate != TUNUSED && t.tstate != TZOMBIE
		t.Unlock()
		if live {
			return true
		}
	}
	return false
}

// Kthread_exit terminates the calling thread, recording status for a
// joiner. The last live thread of a process takes the whole process down
// instead. The process state is not touched for a plain thread exit. This
// function never returns.
//
// Joiners sleep on the slot with Wait_lock as their condition lock, so the
// wakeup happens with Wait_lock held and TZOMBIE is published before
// Wait_lock is released; a woken joiner cannot recheck the slot earlier.
// The slot lock is held across the final switch so the slot cannot be
// freed and reused until this thread is truly off its CPU.
func Kthread_exit(kt *Kthread_t, status int) {
	p := kt.Proc()
	if !otherslive(p, kt) {
		Exit(kt, status, "")
	}
	Wait_lock.Lock()
	wakeup1(kt, kt)
	kt.Lock()
	kt.xstate = status
	kt.tstate = TZOMBIE
	Wait_lock.Unlock()
	schedexit(kt)
	panic("zombie exit")
}

// Kthread_join blocks until the thread with the given tid terminates, then
// stores its exit status at user address statusva (if non-zero) and
// releases the slot. Self-join, an unknown tid, a slot someone else already
// joined, a kill of the joiner, and a failed copy-out all return -1.
func Kthread_join(kt *Kthread_t, tid defs.Tid_t, statusva uintptr) int {
	return joinslot(kt, tid, statusva, true)
}

// joinslot implements join. The teardown paths (exec, exit) join with
// honorkill clear: the caller is often already doomed itself and must still
// wait out its victims before tearing shared state down.
func joinslot(kt *Kthread_t, tid defs.Tid_t, statusva uintptr, honorkill bool) int {
	if kt.tid == tid {
		return -1
	}
	p := kt.Proc()
	Wait_lock.Lock()
	var target *Kthread_t
	for i := range p.kthread {
		t := &p.kthread[i]
		t.Lock()
		if t.tid == tid && t.tstate != TUNUSED {
			target = t
		}
		t.Unlock()
		if target != nil {
			break
		}
	}
	if target == nil {
		Wait_lock.Unlock()
		return -1
	}
	for {
		target.Lock()
		st := target.tstate
		xst := target.xstate
		curtid := target.tid
		target.Unlock()
		if st == TUNUSED || curtid != tid {
			// lost a race with another joiner; the slot may already
			// belong to a new thread
			Wait_lock.Unlock()
			return -1
		}
		if st == TZOMBIE {
			if statusva != 0 {
				var b [4]uint8
				binary.LittleEndian.PutUint32(b[:], uint32(int32(xst)))
				if err := p.pt.Copyout(statusva, b[:]); err != 0 {
					Wait_lock.Unlock()
					return -1
				}
			}
			target.Lock()
			freekthread(target)
			target.Unlock()
			Wait_lock.Unlock()
			return 0
		}
		if honorkill && Kthread_killed(kt) {
			Wait_lock.Unlock()
			return -1
		}
		Sleep(kt, target, &Wait_lock)
	}
}

// Kill_all_other_threads dooms every other thread of the calling thread's
// process and joins each in turn. exec and exit run it to become single
// threaded.
func Kill_all_other_threads(kt *Kthread_t) {
	p := kt.Proc()
	for i := range p.kthread {
		t := &p.kthread[i]
		if t == kt {
			continue
		}
		t.Lock()
		if t.tstate == TUNUSED {
			t.Unlock()
			continue
		}
		tid := t.tid
		t.killed = true
		if t.tstate == TSLEEPING {
			t.tstate = TRUNNABLE
		}
		t.Unlock()
		joinslot(kt, tid, 0, false)
	}
}
