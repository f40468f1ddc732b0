package pmm

import (
	"novakernel/mem"
	"novakernel/pmm/oommsg"
)

// MemRegion describes one entry of a boot-time physical memory map
// (spec.md §4.1: the PFM is seeded from the map the bootloader hands
// the kernel at entry, grounded on the multiboot2 memory map record
// gopher-os parses in kernel/hal/multiboot). novakernel has no real
// bootloader handoff to parse, so callers construct the map directly
// (from a test fixture, or from whatever boot-protocol front end a
// future port wires in) and hand it to NewArenaFromMap.
type MemRegion struct {
	Base      mem.Pa_t
	Length    mem.Size
	Available bool
}

// NewArenaFromMap builds an Arena sized to cover the highest available
// address in regions and seeds an Allocator over it with every
// non-Available region (and any gap between regions) pre-marked used,
// so holes in the map can never be handed out as free frames.
func NewArenaFromMap(regions []MemRegion, ncpu int, oom chan oommsg.Oommsg_t) (*Arena, *Allocator) {
	var top mem.Pa_t
	for _, r := range regions {
		end := r.Base + mem.Pa_t(r.Length)
		if end > top {
			top = end
		}
	}
	arena := NewArena(mem.Size(top))
	alloc := NewAllocator(arena, ncpu, oom)

	// Start from "everything reserved", then free exactly the available
	// byte ranges; this way unlisted gaps and MMIO holes default safe.
	for i := uint32(0); i < alloc.total; i++ {
		alloc.bitMark(i, true)
	}
	alloc.freeCount = 0

	for _, r := range regions {
		if !r.Available {
			continue
		}
		startFrame := mem.Pgn(mem.Pa_t(mem.PageRound(int(r.Base))))
		endAddr := r.Base + mem.Pa_t(r.Length)
		endFrame := mem.Pgn(endAddr) // floor: partial trailing frame stays reserved
		for f := startFrame; f < endFrame && f < alloc.total; f++ {
			if alloc.bitSet(f) {
				alloc.bitMark(f, false)
				alloc.freeCount++
			}
		}
	}
	return arena, alloc
}
