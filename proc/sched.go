package proc

import (
	"runtime"
	"sync"
	"sync/atomic"

	"rvkern/stats"
)

// Cpu_t is one logical CPU: the thread it is running and the scheduler
// context to switch back into.
type Cpu_t struct {
	num    int
	thread *Kthread_t
	ctx    Context_t
}

var (
	cpuset   []*Cpu_t
	cpuwg    sync.WaitGroup
	halted   atomic.Bool
	schedgen atomic.Int64
)

// ticks is the global timer, guarded by Tickslock. Sleepers on the timer
// use the counter's address as their channel.
var (
	Tickslock sync.Mutex
	ticks     int
)

// Wait_lock is the process-global lock: it orders parent/child teardown
// and join/exit handoff, and sits above every other lock.
var Wait_lock sync.Mutex

// Startcpus brings n scheduler loops online.
func Startcpus(n int) {
	halted.Store(false)
	cpuset = nil
	for i := 0; i < n; i++ {
		cpu := &Cpu_t{num: i}
		cpu.ctx.init()
		cpuset = append(cpuset, cpu)
		cpuwg.Add(1)
		go scheduler(cpu)
	}
}

// Stopcpus halts the scheduler loops and waits for them. Each loop stops at
// the start of its next pass over the process table, whether or not threads
// are still runnable.
func Stopcpus() {
	halted.Store(true)
	cpuwg.Wait()
}

// scheduler is the per-CPU dispatch loop: find a runnable thread, run it
// until it switches back, repeat. The slot lock is acquired here and
// released either by the thread (forkret, or after its own sched returns)
// or below once the thread has switched out.
func scheduler(cpu *Cpu_t) {
	defer cpuwg.Done()
	for {
		if halted.Load() {
			return
		}
		ran := false
		for pi := range proctable {
			p := &proctable[pi]
			if p.stateget() != USED {
				continue
			}
			for i := range p.kthread {
				kt := &p.kthread[i]
				kt.Lock()
				if kt.tstate == TRUNNABLE {
					kt.tstate = TRUNNING
					kt.cpu = cpu
					cpu.thread = kt
					if !kt.started {
						kt.started = true
						go kt.run()
					}
					stats.Kstats.Swtch.Inc()
					Swtch(&cpu.ctx, &kt.ctx)
					cpu.thread = nil
					ran = true
				}
				kt.Unlock()
			}
		}
		if !ran {
			runtime.Gosched()
		}
	}
}

// sched switches back to this CPU's scheduler. The slot lock must be held
// and the thread must already have left TRUNNING.
func sched(kt *Kthread_t) {
	if kt.tstate == TRUNNING {
		panic("sched running")
	}
	Swtch(&kt.ctx, &kt.cpu.ctx)
}

// schedexit is sched for a thread that will never run again; the backing
// goroutine terminates instead of parking.
func schedexit(kt *Kthread_t) {
	if kt.tstate != TZOMBIE {
		panic("schedexit: not a zombie")
	}
	swtchexit(&kt.cpu.ctx)
}

// Yield gives up the CPU for one scheduling round.
func Yield(kt *Kthread_t) {
	kt.Lock()
	kt.tstate = TRUNNABLE
	sched(kt)
	kt.Unlock()
}

// Sleep atomically releases the condition lock lk and parks the thread on
// chanp. It reacquires lk before returning. Wakeups match channels by
// identity.
func Sleep(kt *Kthread_t, chanp any, lk *sync.Mutex) {
	kt.Lock()
	lk.Unlock()
	kt.chanp = chanp
	kt.tstate = TSLEEPING
	sched(kt)
	kt.chanp = nil
	kt.Unlock()
	lk.Lock()
}

// wakeup1 makes every thread sleeping on chanp runnable, skipping skip
// (whose lock the caller may hold).
func wakeup1(chanp any, skip *Kthread_t) {
	for pi := range proctable {
		p := &proctable[pi]
		if p.stateget() != USED {
			continue
		}
		for i := range p.kthread {
			kt := &p.kthread[i]
			if kt == skip {
				continue
			}
			kt.Lock()
			if kt.tstate == TSLEEPING && kt.chanp == chanp {
				kt.tstate = TRUNNABLE
			}
			kt.Unlock()
		}
	}
}

// Wakeup makes every thread sleeping on chanp runnable. It must be called
// with the condition lock of the sleepers held.
func Wakeup(chanp any) {
	wakeup1(chanp, nil)
}

// Clockintr is the timer interrupt: it runs per-process CFS accounting and
// pager aging, advances the tick counter, wakes timed sleepers, and tells
// running threads to yield at their next checkpoint. Accounting comes
// before the wakeup so that threads asleep on the timer count as sleeping.
func Clockintr() {
	for pi := range proctable {
		p := &proctable[pi]
		if p.stateget() != USED {
			continue
		}
		p.Lock()
		p.cfstick()
		if p.pager != nil {
			p.pager.Tick()
		}
		p.Unlock()
	}

	Tickslock.Lock()
	ticks++
	Wakeup(&ticks)
	Tickslock.Unlock()

	schedgen.Add(1)
	stats.Kstats.Ticks.Inc()
}

// Ticksget returns the current tick count.
func Ticksget() int {
	Tickslock.Lock()
	t := ticks
	Tickslock.Unlock()
	return t
}

// Preempted reports whether a tick has fired since the thread's last
// checkpoint, consuming the event.
func Preempted(kt *Kthread_t) bool {
	g := schedgen.Load()
	if g != kt.lastgen {
		kt.lastgen = g
		return true
	}
	return false
}

// Sys_sleep parks the calling thread until n ticks have elapsed, aborting
// with -1 when the thread or its process is killed.
func Sys_sleep(kt *Kthread_t, n int) int {
	Tickslock.Lock()
	t0 := ticks
	for ticks-t0 < n {
		if Kthread_killed(kt) || kt.Proc().Killed() {
			Tickslock.Unlock()
			return -1
		}
		Sleep(kt, &ticks, &Tickslock)
	}
	Tickslock.Unlock()
	return 0
}
