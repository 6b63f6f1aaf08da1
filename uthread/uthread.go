// Package uthread is a cooperative user-level thread library. All threads
// of the table run inside one kernel thread; the scheduler always picks the
// runnable thread with the strictly greatest priority, breaking ties by the
// lowest slot index. Nothing here takes a lock: exactly one user thread
// (or the start_all caller) runs at any time.
package uthread

import (
	"unsafe"

	"rvkern/defs"
)

// Priority_t orders user threads; higher runs first.
type Priority_t int

const (
	LOW Priority_t = iota
	MEDIUM
	HIGH
)

// User thread states.
const (
	FREE = iota
	RUNNABLE
	RUNNING
)

// Uthread_t is one slot of the thread table, with its stack embedded.
type Uthread_t struct {
	state    int
	priority Priority_t
	ctx      Context_t
	ustack   [defs.STACK_SIZE]byte
	entry    func()
	started  bool
	index    int
}

var (
	uthreads [defs.MAX_UTHREADS]Uthread_t
	mythread *Uthread_t
	mainctx  Context_t
	inited   bool
)

func uthreadinit() {
	mainctx.init()
	for i := range uthreads {
		uthreads[i].state = FREE
		uthreads[i].index = i
		uthreads[i].ctx.init()
	}
	inited = true
}

// uscheduler picks the runnable thread with the strictly greatest
// priority; ascending scan order makes the lowest index win ties. The
// running thread is not RUNNABLE and so never competes.
func uscheduler() *Uthread_t {
	var best *Uthread_t
	for i := range uthreads {
		t := &uthreads[i]
		if t.state != RUNNABLE {
			continue
		}
		if best == nil || t.priority > best.priority {
			best = t
		}
	}
	return best
}

// dispatch hands control to t, spawning its backing goroutine on first
// run.
func dispatch(t *Uthread_t) {
	if !t.started {
		t.started = true
		go func() {
			<-t.ctx.resume
			t.entry()
			Uthread_exit()
		}()
	}
}

// Uthread_create installs start in a free slot at the given priority. The
// context is set up so the first switch enters start with the stack
// pointer at the top of the slot's embedded stack. Returns -1 when the
// table is full.
func Uthread_create(start func(), priority Priority_t) int {
	if !inited {
		uthreadinit()
	}
	for i := range uthreads {
		t := &uthreads[i]
		if t.state != FREE {
			continue
		}
		t.ctx.Ra = funcpc(start)
		t.ctx.Sp = uintptr(unsafe.Pointer(&t.ustack[0])) + uintptr(defs.STACK_SIZE)
		t.entry = start
		t.started = false
		t.priority = priority
		t.state = RUNNABLE
		return 0
	}
	return -1
}

// Uthread_yield hands the processor to the best runnable thread. When the
// caller is the only runnable thread it simply keeps running.
func Uthread_yield() {
	next := uscheduler()
	if next == nil {
		return
	}
	cur := mythread
	cur.state = RUNNABLE
	next.state = RUNNING
	mythread = next
	dispatch(next)
	Uswtch(&cur.ctx, &next.ctx)
}

// Uthread_exit frees the calling thread and switches away for good. When
// the last thread exits, control returns to the Uthread_start_all caller.
func Uthread_exit() {
	cur := mythread
	cur.state = FREE
	next := uscheduler()
	if next == nil {
		mythread = nil
		uswtchexit(&mainctx)
	}
	next.state = RUNNING
	mythread = next
	dispatch(next)
	uswtchexit(&next.ctx)
}

// Uthread_start_all hands control to the highest-priority runnable thread
// and does not return until every thread has exited. Calling it before any
// create fails with -1.
func Uthread_start_all() int {
	if !inited {
		return -1
	}
	next := uscheduler()
	if next == nil {
		return -1
	}
	next.state = RUNNING
	mythread = next
	dispatch(next)
	Uswtch(&mainctx, &next.ctx)
	return 0
}

// Uthread_set_priority sets the calling thread's priority and returns the
// previous one.
func Uthread_set_priority(priority Priority_t) Priority_t {
	prev := mythread.priority
	mythread.priority = priority
	return prev
}

// Uthread_get_priority returns the calling thread's priority.
func Uthread_get_priority() Priority_t {
	return mythread.priority
}

// Uthread_self returns the running thread.
func Uthread_self() *Uthread_t {
	return mythread
}

// Priority returns t's priority.
func (t *Uthread_t) Priority() Priority_t {
	return t.priority
}

// State returns t's scheduling state.
func (t *Uthread_t) State() int {
	return t.state
}
