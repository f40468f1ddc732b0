// Package pmm implements the physical frame manager (spec.md §4.1): a
// bitmap-authoritative allocator fronted by a per-CPU LIFO hot cache.
//
// novakernel is an ordinary hosted Go module, not a freestanding kernel
// image with an identity-mapped physical address space, so there is no
// real direct-map virtual region to carve frames out of. Physical
// memory is instead emulated by a single contiguous Arena (a []byte
// slab); a Pa_t is simply a byte offset into that slab, and Dmap
// returns a slice view into it. This is the natural Go-native
// adaptation of biscuit's direct-map trick (mem/dmap.go's
// VDIRECT-relative unsafe.Pointer cast): the arena plays the role real
// hardware plays, so the rest of the kernel can use ordinary slices
// instead of raw pointer arithmetic into supposed physical addresses.
package pmm

import (
	"unsafe"

	"novakernel/mem"
)

// Arena backs all physical memory visible to the allocator.
type Arena struct {
	bytes []byte
}

// NewArena allocates an emulated physical address space of the given
// size, rounded up to a whole number of frames.
func NewArena(size mem.Size) *Arena {
	n := mem.PageRound(int(size))
	return &Arena{bytes: make([]byte, n)}
}

// Len reports the arena size in bytes.
func (a *Arena) Len() int { return len(a.bytes) }

// NumFrames reports the arena size in frames.
func (a *Arena) NumFrames() uint32 { return uint32(len(a.bytes) / mem.PGSIZE) }

// Dmap returns the page at physical address pa as a typed byte page.
// pa must be page-aligned and within the arena; callers that violate
// this invariant have already corrupted kernel state, so Dmap panics
// rather than returning an error.
func (a *Arena) Dmap(pa mem.Pa_t) *mem.Bytepg_t {
	if pa&mem.PGOFFSET != 0 {
		panic("pmm: unaligned physical address")
	}
	off := int(pa)
	if off < 0 || off+mem.PGSIZE > len(a.bytes) {
		panic("pmm: physical address out of range")
	}
	return (*mem.Bytepg_t)(unsafe.Pointer(&a.bytes[off]))
}

// PaOf recovers the physical address of a byte slice that is itself a
// sub-slice of the arena (e.g. one previously returned by Dmap or
// Slice), by its distance from the arena's backing array.
func (a *Arena) PaOf(b []byte) mem.Pa_t {
	if len(b) == 0 {
		panic("pmm: PaOf of empty slice")
	}
	base := uintptr(unsafe.Pointer(&a.bytes[0]))
	ptr := uintptr(unsafe.Pointer(&b[0]))
	if ptr < base || ptr >= base+uintptr(len(a.bytes)) {
		panic("pmm: slice does not belong to this arena")
	}
	return mem.Pa_t(ptr - base)
}

// Slice returns a byte slice view of the arena from pa for l bytes,
// used for gather/scatter helpers that don't need page granularity
// (e.g. the block layer's DMA descriptors).
func (a *Arena) Slice(pa mem.Pa_t, l int) []byte {
	off := int(pa)
	return a.bytes[off : off+l]
}
