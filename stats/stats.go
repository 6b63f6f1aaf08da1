// Package stats collects kernel event counters. Counters are cheap atomic
// adds on the hot paths; readers get a consistent-enough snapshot for
// monitoring and tests.
package stats

import "sync/atomic"

// Counter_t is an atomically updated event counter.
type Counter_t int64

// Inc adds one to the counter.
func (c *Counter_t) Inc() {
	atomic.AddInt64((*int64)(c), 1)
}

// Read returns the current value.
func (c *Counter_t) Read() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Kstats_t groups the kernel wide counters.
type Kstats_t struct {
	Swtch     Counter_t // context switches into user threads of the kernel
	Ticks     Counter_t // timer interrupts observed
	Pgfaults  Counter_t // page faults taken
	Swapins   Counter_t // pages read back from swap files
	Swapouts  Counter_t // pages evicted to swap files
	Tkills    Counter_t // kernel threads killed
	Forks     Counter_t
	Procexits Counter_t
}

// Kstats is the live counter set.
var Kstats Kstats_t
