package swap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rvkern/defs"
	"rvkern/mem"
	"rvkern/vm"
)

func mkpagertest(t *testing.T, polname string) (*Pager_t, *vm.Pagetable_t) {
	t.Helper()
	Swapdir = t.TempDir()
	mem.Phys_init(2048)
	pol, ok := Mkpolicy(polname)
	require.True(t, ok)
	require.NotNil(t, pol)
	pt, ok := vm.Uvmcreate()
	require.True(t, ok)
	pg := Mkpager(5, pt, pol)
	t.Cleanup(pg.Destroy)
	return pg, pt
}

// allocpage mimics the allocation path: map a fresh frame and account it.
func allocpage(t *testing.T, pg *Pager_t, pt *vm.Pagetable_t, va uintptr) {
	t.Helper()
	_, pa, ok := mem.Physmem.Refpg_new()
	require.True(t, ok)
	require.True(t, pt.Mappages(va, mem.PGSIZE, pa,
		mem.PTE_R|mem.PTE_W|mem.PTE_X|mem.PTE_U))
	pg.Onalloc(va)
}

func setaccessed(t *testing.T, pt *vm.Pagetable_t, va uintptr) {
	t.Helper()
	pte := pt.Walk(va, false)
	require.NotNil(t, pte)
	*pte |= mem.PTE_A
}

func vaof(i int) uintptr { return uintptr(i * mem.PGSIZE) }

func TestResidentCap(t *testing.T) {
	pg, pt := mkpagertest(t, "SCFIFO")
	n := defs.MAX_PSYC_PAGES + 4
	for i := 0; i < n; i++ {
		allocpage(t, pg, pt, vaof(i))
		assert.LessOrEqual(t, pg.Residentcount(), defs.MAX_PSYC_PAGES)
		assert.LessOrEqual(t, pg.Swappedcount(), defs.MAX_PSYC_PAGES)
	}
	assert.Equal(t, defs.MAX_PSYC_PAGES, pg.Residentcount())
	assert.Equal(t, 4, pg.Swappedcount())

	// every page is exactly one of resident or swapped
	for i := 0; i < n; i++ {
		pte := pt.Walk(vaof(i), false)
		require.NotNil(t, pte)
		valid := *pte&mem.PTE_V != 0
		paged := *pte&mem.PTE_PG != 0
		assert.NotEqual(t, valid, paged, "page %d: V=%v PG=%v", i, valid, paged)
		assert.Equal(t, valid, pg.Resident(vaof(i)), "page %d", i)
		assert.Equal(t, paged, pg.Swapped(vaof(i)), "page %d", i)
	}
}

func TestEvictedPteAndSlotOffsets(t *testing.T) {
	pg, pt := mkpagertest(t, "SCFIFO")
	for i := 0; i <= defs.MAX_PSYC_PAGES; i++ {
		allocpage(t, pg, pt, vaof(i))
	}
	// exactly one eviction happened
	assert.Equal(t, 1, pg.Swappedcount())
	for i := range pg.swapped {
		if pg.swapped[i].State == SUSED {
			assert.Equal(t, i*mem.PGSIZE, pg.swapped[i].Off)
		}
	}
	for i := range pg.phymem {
		require.Equal(t, SUSED, pg.phymem[i].State)
		assert.Equal(t, i*mem.PGSIZE, pg.phymem[i].Off)
	}
}

func TestNFUAVictim(t *testing.T) {
	pg, pt := mkpagertest(t, "NFUA")
	for i := 0; i < defs.MAX_PSYC_PAGES; i++ {
		allocpage(t, pg, pt, vaof(i))
	}
	// touch everything except page 0, then age
	for i := 1; i < defs.MAX_PSYC_PAGES; i++ {
		setaccessed(t, pt, vaof(i))
	}
	pg.Tick()

	allocpage(t, pg, pt, vaof(defs.MAX_PSYC_PAGES))
	assert.True(t, pg.Swapped(vaof(0)), "least-recently-accessed page is the victim")
	assert.False(t, pg.Resident(vaof(0)))
	pte := pt.Walk(vaof(0), false)
	assert.Zero(t, *pte&mem.PTE_V)
	assert.NotZero(t, *pte&mem.PTE_PG)
}

func TestNFUAAging(t *testing.T) {
	pg, pt := mkpagertest(t, "NFUA")
	allocpage(t, pg, pt, vaof(0))
	allocpage(t, pg, pt, vaof(1))
	assert.Equal(t, uint32(0), pg.phymem[0].Counter)

	setaccessed(t, pt, vaof(0))
	pg.Tick()
	assert.Equal(t, uint32(1<<31), pg.phymem[0].Counter)
	assert.Equal(t, uint32(0), pg.phymem[1].Counter)
	// the accessed bit was consumed
	pte := pt.Walk(vaof(0), false)
	assert.Zero(t, *pte&mem.PTE_A)

	setaccessed(t, pt, vaof(0))
	pg.Tick()
	assert.Equal(t, uint32(1<<31|1<<30), pg.phymem[0].Counter)
}

func TestLAPAInitAndPick(t *testing.T) {
	pg, pt := mkpagertest(t, "LAPA")
	for i := 0; i < 3; i++ {
		allocpage(t, pg, pt, vaof(i))
		assert.Equal(t, uint32(0xffffffff), pg.phymem[i].Counter)
	}
	// victim selection must compare each page's own counter
	pg.phymem[0].Counter = 0xff
	pg.phymem[1].Counter = 0x3
	pg.phymem[2].Counter = 0xffff
	assert.Equal(t, 1, lapa_t{}.Pick(pg))

	// ties fall to the lowest index
	pg.phymem[2].Counter = 0x3
	assert.Equal(t, 1, lapa_t{}.Pick(pg))
}

func TestSCFIFORotation(t *testing.T) {
	pg, pt := mkpagertest(t, "SCFIFO")
	for i := 0; i < defs.MAX_PSYC_PAGES; i++ {
		allocpage(t, pg, pt, vaof(i))
	}
	// page 0 is oldest but recently touched: it gets a second chance and
	// the next-oldest page without the accessed bit goes out instead
	setaccessed(t, pt, vaof(0))
	allocpage(t, pg, pt, vaof(defs.MAX_PSYC_PAGES))

	assert.True(t, pg.Resident(vaof(0)), "accessed oldest page must be rotated, not evicted")
	assert.True(t, pg.Swapped(vaof(1)))
	pte := pt.Walk(vaof(0), false)
	assert.Zero(t, *pte&mem.PTE_A, "rotation consumes the accessed bit")
}

func TestSwapRoundtrip(t *testing.T) {
	pg, pt := mkpagertest(t, "SCFIFO")
	rng := rand.New(rand.NewSource(42))

	// fill page 0 with noise
	allocpage(t, pg, pt, vaof(0))
	want := make([]byte, mem.PGSIZE)
	rng.Read(want)
	copy(mem.Physmem.Dmap(pt.Walkaddr(vaof(0)))[:], want)

	// push it out
	for i := 1; i <= defs.MAX_PSYC_PAGES; i++ {
		allocpage(t, pg, pt, vaof(i))
	}
	require.True(t, pg.Swapped(vaof(0)))

	// fault it back
	pte := pt.Walk(vaof(0), false)
	require.NotZero(t, *pte&mem.PTE_PG)
	pg.Faultin(vaof(0), pte)

	require.NotZero(t, *pte&mem.PTE_V)
	assert.Zero(t, *pte&mem.PTE_PG)
	got := mem.Physmem.Dmap(pt.Walkaddr(vaof(0)))
	assert.Equal(t, want, got[:])
	assert.False(t, pg.Swapped(vaof(0)))
	assert.True(t, pg.Resident(vaof(0)))
}

func TestFaultinEvictsWhenFull(t *testing.T) {
	pg, pt := mkpagertest(t, "SCFIFO")
	n := defs.MAX_PSYC_PAGES + 1
	for i := 0; i < n; i++ {
		allocpage(t, pg, pt, vaof(i))
	}
	require.Equal(t, defs.MAX_PSYC_PAGES, pg.Residentcount())
	require.True(t, pg.Swapped(vaof(0)))

	pte := pt.Walk(vaof(0), false)
	pg.Faultin(vaof(0), pte)
	assert.True(t, pg.Resident(vaof(0)))
	assert.Equal(t, defs.MAX_PSYC_PAGES, pg.Residentcount())
	assert.Equal(t, 1, pg.Swappedcount(), "someone else went out to make room")
}

func TestFaultinWithoutSlotZeroFills(t *testing.T) {
	pg, pt := mkpagertest(t, "SCFIFO")
	// a forked child inherits a paged-out leaf but no pager state
	pte := pt.Walk(vaof(0), true)
	require.NotNil(t, pte)
	*pte = mem.PTE_R | mem.PTE_W | mem.PTE_X | mem.PTE_U | mem.PTE_PG
	pg.Faultin(vaof(0), pte)
	require.NotZero(t, *pte&mem.PTE_V)
	got := mem.Physmem.Dmap(pt.Walkaddr(vaof(0)))
	for _, b := range got {
		require.Zero(t, b)
	}
}

func TestDrop(t *testing.T) {
	pg, pt := mkpagertest(t, "SCFIFO")
	for i := 0; i <= defs.MAX_PSYC_PAGES; i++ {
		allocpage(t, pg, pt, vaof(i))
	}
	require.True(t, pg.Swapped(vaof(0)))

	pg.Drop(vaof(0))
	assert.False(t, pg.Swapped(vaof(0)))
	pg.Drop(vaof(5))
	assert.False(t, pg.Resident(vaof(5)))
	assert.Equal(t, defs.MAX_PSYC_PAGES-1, pg.Residentcount())
}

func TestForkDoesNotDuplicatePagerState(t *testing.T) {
	pg, pt := mkpagertest(t, "SCFIFO")
	for i := 0; i <= defs.MAX_PSYC_PAGES; i++ {
		allocpage(t, pg, pt, vaof(i))
	}
	res0, sw0 := pg.Residentcount(), pg.Swappedcount()

	child, ok := vm.Uvmcreate()
	require.True(t, ok)
	sz := uintptr((defs.MAX_PSYC_PAGES + 1) * mem.PGSIZE)
	require.Zero(t, pt.Uvmcopy(child, sz))
	child.Uvmfree(sz)

	assert.Equal(t, res0, pg.Residentcount())
	assert.Equal(t, sw0, pg.Swappedcount())
	// parent leaves are untouched
	pte := pt.Walk(vaof(0), false)
	assert.NotZero(t, *pte&mem.PTE_PG)
	assert.NotZero(t, *pt.Walk(vaof(1), false)&mem.PTE_V)
}

func TestExhaustionPanics(t *testing.T) {
	pg, pt := mkpagertest(t, "SCFIFO")
	for i := 0; i < 2*defs.MAX_PSYC_PAGES; i++ {
		allocpage(t, pg, pt, vaof(i))
	}
	assert.PanicsWithValue(t, "no more memory", func() {
		allocpage(t, pg, pt, vaof(2*defs.MAX_PSYC_PAGES))
	})
}
