package trap_test

import (
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvkern/defs"
	"rvkern/mem"
	"rvkern/proc"
	"rvkern/stats"
	"rvkern/swap"
	"rvkern/trap"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "rvkern-trap")
	if err != nil {
		panic(err)
	}
	swap.Swapdir = dir
	pol, _ := swap.Mkpolicy("SCFIFO")
	proc.Kinit(8192, pol)
	proc.Startcpus(2)
	stopclock := trap.Startclock(2 * time.Millisecond)

	// burn the two pager-exempt pids the way init and the shell would
	for i := 0; i < 2; i++ {
		p := proc.Newproc("boot", func(kt *proc.Kthread_t) {})
		waitgone(p)
		proc.Reap(p)
	}

	code := m.Run()
	stopclock()
	proc.Stopcpus()
	os.RemoveAll(dir)
	os.Exit(code)
}

func waitgone(p *proc.Proc_t) {
	for p.Stateget() != proc.ZOMBIE {
		time.Sleep(200 * time.Microsecond)
	}
}

func runproc(t *testing.T, entry proc.Entry_t) *proc.Proc_t {
	t.Helper()
	p := proc.Newproc(t.Name(), entry)
	require.NotNil(t, p)
	deadline := time.Now().Add(30 * time.Second)
	for p.Stateget() != proc.ZOMBIE {
		if time.Now().After(deadline) {
			t.Fatalf("process %d did not finish", p.Pid())
		}
		time.Sleep(200 * time.Microsecond)
	}
	return p
}

func TestDemandPagingRoundtrip(t *testing.T) {
	const pages = defs.MAX_PSYC_PAGES + 4
	rng := rand.New(rand.NewSource(7))
	want := make([]byte, pages)
	rng.Read(want)

	var hadpager bool
	var evicted int
	mismatches := -1
	p := runproc(t, func(kt *proc.Kthread_t) {
		p := kt.Proc()
		hadpager = p.Pager() != nil
		base, err := proc.Growproc(kt, pages*mem.PGSIZE)
		if err != 0 {
			proc.Exit(kt, -1, "sbrk")
		}
		for i := 0; i < pages; i++ {
			trap.Poke(kt, base+uintptr(i*mem.PGSIZE)+17, want[i])
			trap.Poll(kt)
		}
		// over-cap allocation must have pushed someone out
		p.Lock()
		for i := 0; i < pages; i++ {
			pte := p.Pagetable().Walk(base+uintptr(i*mem.PGSIZE), false)
			if *pte&mem.PTE_PG != 0 {
				evicted++
			}
		}
		p.Unlock()
		mismatches = 0
		for i := 0; i < pages; i++ {
			if trap.Peek(kt, base+uintptr(i*mem.PGSIZE)+17) != want[i] {
				mismatches++
			}
			trap.Poll(kt)
		}
		proc.Exit(kt, 0, "")
	})
	assert.True(t, hadpager, "pid > 2 must run with a pager")
	assert.Greater(t, evicted, 0, "allocating past the cap must evict")
	assert.Zero(t, mismatches, "swap round trip must be bit-identical")
	assert.Equal(t, 0, p.Xstate())
	proc.Reap(p)
}

func TestSegfaultKillsThread(t *testing.T) {
	before := stats.Kstats.Pgfaults.Read()
	p := runproc(t, func(kt *proc.Kthread_t) {
		trap.Poke(kt, uintptr(1<<30), 1)
		proc.Exit(kt, 0, "unreachable")
	})
	assert.Equal(t, -1, p.Xstate(), "segfault kills the offending thread")
	assert.Equal(t, before, stats.Kstats.Pgfaults.Read(),
		"a fault without the paged-out tag is not a page fault to recover")
	proc.Reap(p)
}

func TestFaultAccounting(t *testing.T) {
	p := runproc(t, func(kt *proc.Kthread_t) {
		base, _ := proc.Growproc(kt, (defs.MAX_PSYC_PAGES+1)*mem.PGSIZE)
		before := stats.Kstats.Pgfaults.Read()
		// one page went out during allocation; touching it faults once
		var out uintptr
		p := kt.Proc()
		p.Lock()
		for i := 0; i <= defs.MAX_PSYC_PAGES; i++ {
			va := base + uintptr(i*mem.PGSIZE)
			if *p.Pagetable().Walk(va, false)&mem.PTE_PG != 0 {
				out = va
				break
			}
		}
		p.Unlock()
		trap.Touch(kt, out)
		if stats.Kstats.Pgfaults.Read() != before+1 {
			proc.Exit(kt, -1, "fault not counted")
		}
		proc.Exit(kt, 0, "")
	})
	assert.Equal(t, 0, p.Xstate())
	proc.Reap(p)
}

func TestConcurrentFaulting(t *testing.T) {
	const pages = defs.MAX_PSYC_PAGES + 8
	p := runproc(t, func(kt *proc.Kthread_t) {
		base, err := proc.Growproc(kt, pages*mem.PGSIZE)
		if err != 0 {
			proc.Exit(kt, -1, "sbrk")
		}
		stack, _ := proc.Growproc(kt, defs.KTHREAD_STACK_SIZE)
		walker := func(kt *proc.Kthread_t) {
			for i := 0; i < pages; i++ {
				trap.Touch(kt, base+uintptr(i*mem.PGSIZE))
				trap.Poll(kt)
			}
			proc.Kthread_exit(kt, 0)
		}
		var tids []defs.Tid_t
		for i := 0; i < 3; i++ {
			tid := proc.Kthread_create(kt, walker, stack, defs.KTHREAD_STACK_SIZE)
			if tid < 0 {
				proc.Exit(kt, -1, "create")
			}
			tids = append(tids, tid)
		}
		bad := 0
		for _, tid := range tids {
			if proc.Kthread_join(kt, tid, 0) != 0 {
				bad++
			}
		}
		proc.Exit(kt, bad, "")
	})
	assert.Equal(t, 0, p.Xstate(), "page faulting must be reentrant across threads")
	proc.Reap(p)
}

func TestTimerPreemptsAtPoll(t *testing.T) {
	p := runproc(t, func(kt *proc.Kthread_t) {
		start := proc.Ticksget()
		for proc.Ticksget()-start < 3 {
			trap.Poll(kt)
		}
		proc.Exit(kt, 0, "")
	})
	assert.Equal(t, 0, p.Xstate())
	proc.Reap(p)
}
