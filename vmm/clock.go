package vmm

import "novakernel/mem"

// ClockHand walks an address space's user VMAs in a ring, implementing
// the CLOCK (second-chance) page replacement algorithm (spec.md §4.3:
// "accessed-bit sweep, evict on pressure, writeback if dirty and
// file-backed"). There is no teacher equivalent — Biscuit never
// evicts user pages under memory pressure — so this is grounded on the
// textbook CLOCK algorithm using the PTE_A/PTE_D bits already defined
// by mem's PTE flag set.
type ClockHand struct {
	vmaIdx int
	pgOff  uintptr
}

// Reclaim scans as's mappings for up to max candidate victims, clearing
// the accessed bit on a first pass and evicting (and, if dirty and
// file-backed, writing back) a page whose accessed bit is already
// clear. It returns the number of pages it unmapped; an unmapped
// page's frame is released only once its last reference is dropped.
func (as *Vm_t) Reclaim(hand *ClockHand, max int) int {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	freed := 0
	vmas := as.Vmregion.vmas
	if len(vmas) == 0 {
		return 0
	}
	if hand.vmaIdx >= len(vmas) {
		hand.vmaIdx = 0
		hand.pgOff = 0
	}

	scanned := 0
	maxScan := max * 4 // bound the sweep even if most pages are young
	for freed < max && scanned < maxScan {
		vmi := vmas[hand.vmaIdx]
		if hand.pgOff >= vmi.Pglen {
			hand.vmaIdx = (hand.vmaIdx + 1) % len(vmas)
			hand.pgOff = 0
			continue
		}
		va := (vmi.Pgn + hand.pgOff) << mem.PGSHIFT
		hand.pgOff++
		scanned++

		pte := pmapLookup(as.Pmap, va, as.frames)
		if pte == nil || *pte&mem.PTE_P == 0 {
			continue
		}
		if *pte&mem.PTE_A != 0 {
			*pte &^= mem.PTE_A
			as.Tlbshoot(va, 1)
			continue
		}

		as.writebackIfDirty(vmi, va)
		if as.Page_remove(va) {
			as.Tlbshoot(va, 1)
			freed++
		}
	}
	return freed
}
