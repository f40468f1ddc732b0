package vmm

import (
	"novakernel/defs"
	"novakernel/mem"
	"novakernel/pmm"
)

// pmapWalk returns a pointer to the level-1 PTE for va within pm,
// allocating intermediate page-table frames from frames (on behalf of
// cpu) when create is true and a level is missing. The four-level
// walk mirrors the x86_64 PML4/PDPT/PD/PT hierarchy (spec.md §4.3).
func pmapWalk(pm *mem.Pmap_t, va uintptr, create bool, frames *pmm.Allocator, cpu defs.Cpu_t) (*mem.Pa_t, defs.Err_t) {
	l4, l3, l2, l1 := mem.Pgbits(va)
	idxs := [3]uint{l4, l3, l2}

	cur := pm
	for _, idx := range idxs {
		e := &cur[idx]
		if *e&mem.PTE_P == 0 {
			if !create {
				return nil, defs.ENOENT
			}
			pa, err := frames.AllocFrame(cpu)
			if err != 0 {
				return nil, err
			}
			*e = pa | mem.PTE_P | mem.PTE_W | mem.PTE_U
		}
		next := frames.Dmap(*e & mem.PTE_ADDR)
		cur = mem.Pg2pmap(next)
	}
	return &cur[l1], 0
}

// pmapLookup is pmapWalk without table creation, returning nil if any
// level is absent.
func pmapLookup(pm *mem.Pmap_t, va uintptr, frames *pmm.Allocator) *mem.Pa_t {
	pte, err := pmapWalk(pm, va, false, frames, 0)
	if err != 0 {
		return nil
	}
	return pte
}
