// Command rvkern boots the simulated kernel, runs a paging and threading
// workload under the selected replacement policy, and optionally exports
// the kernel counters over HTTP for scraping.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"rvkern/defs"
	"rvkern/mem"
	"rvkern/proc"
	"rvkern/stats"
	"rvkern/swap"
	"rvkern/trap"
)

var (
	swapAlgo = kingpin.Flag("swap-algo", "Page replacement policy.").
			Default("SCFIFO").Enum("NONE", "NFUA", "LAPA", "SCFIFO")
	cpuCount = kingpin.Flag("cpus", "Scheduler loops to run.").
			Default("2").Int()
	memPages = kingpin.Flag("mem-pages", "Physical frames in the arena.").
			Default("4096").Int()
	tickEvery = kingpin.Flag("tick", "Timer interrupt period.").
			Default("10ms").Duration()
	listenAddr = kingpin.Flag("listen-address", "Serve /metrics here; empty disables.").
			Default("").String()
	demoProcs = kingpin.Flag("procs", "Demo worker processes to fork.").
			Default("4").Int()
)

func main() {
	kingpin.Parse()

	pol, ok := swap.Mkpolicy(*swapAlgo)
	if !ok {
		log.Fatalf("unknown policy %q", *swapAlgo)
	}
	proc.Kinit(*memPages, pol)
	proc.Startcpus(*cpuCount)
	stopclock := trap.Startclock(*tickEvery)

	done := make(chan struct{})
	proc.Userinit(func(kt *proc.Kthread_t) {
		initmain(kt, done)
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-done
		cancel()
		return nil
	})
	if *listenAddr != "" {
		reg := mkregistry()
		srv := &http.Server{Addr: *listenAddr}
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
		g.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}

	stopclock()
	proc.Stopcpus()

	k := &stats.Kstats
	fmt.Printf("swtch %d ticks %d pgfaults %d swapins %d swapouts %d forks %d exits %d\n",
		k.Swtch.Read(), k.Ticks.Read(), k.Pgfaults.Read(), k.Swapins.Read(),
		k.Swapouts.Read(), k.Forks.Read(), k.Procexits.Read())
}

func mkregistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	k := &stats.Kstats
	for _, c := range []struct {
		name string
		help string
		ctr  *stats.Counter_t
	}{
		{"rvkern_context_switches_total", "Thread dispatches.", &k.Swtch},
		{"rvkern_ticks_total", "Timer interrupts.", &k.Ticks},
		{"rvkern_page_faults_total", "Page faults taken.", &k.Pgfaults},
		{"rvkern_swapins_total", "Pages read from swap.", &k.Swapins},
		{"rvkern_swapouts_total", "Pages evicted to swap.", &k.Swapouts},
		{"rvkern_forks_total", "Processes forked.", &k.Forks},
		{"rvkern_proc_exits_total", "Processes exited.", &k.Procexits},
	} {
		ctr := c.ctr
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: c.name,
			Help: c.help,
		}, func() float64 { return float64(ctr.Read()) }))
	}
	return reg
}

// initmain is pid 1: it forks a quiet pid 2 so the demo workers land on
// pids with pagers, runs the workers, then stays around reaping orphans.
func initmain(kt *proc.Kthread_t, done chan struct{}) {
	proc.Fork(kt, func(kt *proc.Kthread_t) {
		proc.Exit(kt, 0, "")
	})
	proc.Wait(kt, 0, 0)

	for i := 0; i < *demoProcs; i++ {
		if proc.Fork(kt, demomain) < 0 {
			log.Printf("init: fork failed")
		}
	}
	for i := 0; i < *demoProcs; i++ {
		proc.Wait(kt, 0, 0)
	}
	close(done)
	for {
		if proc.Wait(kt, 0, 0) < 0 {
			proc.Sys_sleep(kt, 10)
		}
	}
}

// demomain grows past the resident cap, verifies its memory survives the
// round trip through the swap file, and exercises thread create/join.
func demomain(kt *proc.Kthread_t) {
	const pages = defs.MAX_PSYC_PAGES + 4
	base, err := proc.Growproc(kt, pages*mem.PGSIZE)
	if err != 0 {
		proc.Exit(kt, -1, "sbrk failed")
	}
	stack, err := proc.Growproc(kt, defs.KTHREAD_STACK_SIZE)
	if err != 0 {
		proc.Exit(kt, -1, "sbrk failed")
	}

	pid := uint8(kt.Proc().Pid())
	for i := 0; i < pages; i++ {
		va := base + uintptr(i*mem.PGSIZE)
		trap.Poke(kt, va, pid^uint8(i))
		trap.Poll(kt)
	}

	tid := proc.Kthread_create(kt, func(kt *proc.Kthread_t) {
		// rewalk the pages backwards, faulting evicted ones back in
		for i := pages - 1; i >= 0; i-- {
			va := base + uintptr(i*mem.PGSIZE)
			trap.Touch(kt, va)
			trap.Poll(kt)
		}
		proc.Kthread_exit(kt, 0)
	}, stack, defs.KTHREAD_STACK_SIZE)
	if tid < 0 {
		proc.Exit(kt, -1, "kthread_create failed")
	}
	if proc.Kthread_join(kt, tid, 0) < 0 {
		proc.Exit(kt, -1, "join failed")
	}

	for i := 0; i < pages; i++ {
		va := base + uintptr(i*mem.PGSIZE)
		if got := trap.Peek(kt, va); got != pid^uint8(i) {
			proc.Exit(kt, -1, "memory corrupted")
		}
		trap.Poll(kt)
	}
	proc.Sys_sleep(kt, 1)
	proc.Exit(kt, 0, "ok")
}
