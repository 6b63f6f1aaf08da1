package swap

import (
	"math/bits"

	"rvkern/mem"
)

// Policy_i selects eviction victims among a process's resident pages. One
// policy instance is installed for the whole kernel at boot; clearing
// accessed bits and aging counters are policy-local side effects.
type Policy_i interface {
	Name() string
	// Initcounter is the access counter a freshly resident page starts with.
	Initcounter() uint32
	// Pick returns the index into the resident table of the victim. Only
	// USED descriptors may be returned.
	Pick(pg *Pager_t) int
	// Tick runs on every timer tick with the process lock held.
	Tick(pg *Pager_t)
}

// Mkpolicy maps a configuration name to a policy. "NONE" returns nil,
// which disables paging entirely.
func Mkpolicy(name string) (Policy_i, bool) {
	switch name {
	case "NONE":
		return nil, true
	case "NFUA":
		return nfua_t{}, true
	case "LAPA":
		return lapa_t{}, true
	case "SCFIFO":
		return scfifo_t{}, true
	}
	return nil, false
}

// agecounters implements the shared NFU aging step: every resident page
// whose accessed bit is set has its counter shifted right with the MSB set,
// then the bit is cleared.
func agecounters(pg *Pager_t) {
	for i := range pg.phymem {
		d := &pg.phymem[i]
		if d.State != SUSED {
			continue
		}
		pte := pg.pt.Walk(d.Va, false)
		if pte == nil || *pte&mem.PTE_V == 0 {
			continue
		}
		if *pte&mem.PTE_A != 0 {
			*pte &^= mem.PTE_A
			d.Counter = d.Counter>>1 | 1<<31
		}
	}
}

// nfua_t evicts the page with the smallest aged access counter.
type nfua_t struct{}

func (nfua_t) Name() string        { return "NFUA" }
func (nfua_t) Initcounter() uint32 { return 0 }
func (nfua_t) Tick(pg *Pager_t)    { agecounters(pg) }

func (nfua_t) Pick(pg *Pager_t) int {
	victim := -1
	var min uint32
	for i := range pg.phymem {
		d := &pg.phymem[i]
		if d.State != SUSED {
			continue
		}
		if victim == -1 || d.Counter < min {
			victim = i
			min = d.Counter
		}
	}
	return victim
}

// lapa_t evicts the page whose counter has the fewest one bits.
type lapa_t struct{}

func (lapa_t) Name() string        { return "LAPA" }
func (lapa_t) Initcounter() uint32 { return 0xffffffff }
func (lapa_t) Tick(pg *Pager_t)    { agecounters(pg) }

func (lapa_t) Pick(pg *Pager_t) int {
	victim := -1
	min := 0
	for i := range pg.phymem {
		d := &pg.phymem[i]
		if d.State != SUSED {
			continue
		}
		ones := bits.OnesCount32(d.Counter)
		if victim == -1 || ones < min {
			victim = i
			min = ones
		}
	}
	return victim
}

// scfifo_t is second-chance FIFO: the oldest resident page is selected
// unless its accessed bit is set, in which case the bit is cleared and the
// page is re-inserted as newest.
type scfifo_t struct{}

func (scfifo_t) Name() string        { return "SCFIFO" }
func (scfifo_t) Initcounter() uint32 { return 0 }
func (scfifo_t) Tick(pg *Pager_t)    {}

func (scfifo_t) Pick(pg *Pager_t) int {
	for {
		victim := -1
		min := 0
		for i := range pg.phymem {
			d := &pg.phymem[i]
			if d.State != SUSED {
				continue
			}
			if victim == -1 || d.Ctime < min {
				victim = i
				min = d.Ctime
			}
		}
		if victim == -1 {
			return -1
		}
		pte := pg.pt.Walk(pg.phymem[victim].Va, false)
		if pte != nil && *pte&mem.PTE_A != 0 {
			*pte &^= mem.PTE_A
			pg.phymem[victim].Ctime = creationtime()
			continue
		}
		return victim
	}
}
