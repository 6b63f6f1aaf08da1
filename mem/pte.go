package mem

// Pa_t represents a physical address: the byte offset of a frame in the
// arena plus an optional offset within the frame.
type Pa_t uintptr

// Pte_t is a RISC-V Sv39 page-table entry. Bits 0-9 are flags, the physical
// page number starts at bit 10.
type Pte_t uint64

// PTE_V marks an entry valid.
const PTE_V Pte_t = 1 << 0

// PTE_R marks a page readable.
const PTE_R Pte_t = 1 << 1

// PTE_W marks a page writable.
const PTE_W Pte_t = 1 << 2

// PTE_X marks a page executable.
const PTE_X Pte_t = 1 << 3

// PTE_U marks a page user-accessible.
const PTE_U Pte_t = 1 << 4

// PTE_G marks a global mapping.
const PTE_G Pte_t = 1 << 5

// PTE_A is set by the hardware when the page is accessed.
const PTE_A Pte_t = 1 << 6

// PTE_D is set by the hardware when the page is written.
const PTE_D Pte_t = 1 << 7

// PTE_PG tags a page whose contents live in the swap file. It occupies an
// RSW bit the architecture reserves for software, and is never set together
// with PTE_V.
const PTE_PG Pte_t = 1 << 9

// PTE_FLAGMASK covers every flag bit of an entry.
const PTE_FLAGMASK Pte_t = 0x3ff

// Pa2pte encodes a physical address into the PPN field of an entry.
func Pa2pte(pa Pa_t) Pte_t {
	return Pte_t(pa>>PGSHIFT) << 10
}

// Pte2pa extracts the physical address an entry maps.
func Pte2pa(pte Pte_t) Pa_t {
	return Pa_t(pte>>10) << PGSHIFT
}

// Pteflags returns only the flag bits of an entry.
func Pteflags(pte Pte_t) Pte_t {
	return pte & PTE_FLAGMASK
}
