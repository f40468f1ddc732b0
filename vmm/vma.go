package vmm

import (
	"sort"

	"novakernel/defs"
	"novakernel/mem"
)

// mtype_t distinguishes the two backing kinds a VMA can have (spec.md
// §4.3 VMA: "anonymous zero-fill or file-backed").
type mtype_t int

const (
	VANON mtype_t = iota
	VFILE
)

// FileBacking lets a VMA page fault in data from whatever storage
// backs it without the VMM depending on the block layer's concrete
// types. The block package's file reader and the packet pipeline's
// shared ring buffers both implement this.
type FileBacking interface {
	// ReadPage fills pg with the page at byte offset off from the
	// start of the backing object.
	ReadPage(off int64, pg *mem.Bytepg_t) defs.Err_t
	// WritePage writes pg back to the backing object at byte offset
	// off; called only for shared, dirty, file-backed pages.
	WritePage(off int64, pg *mem.Bytepg_t) defs.Err_t
}

// Vminfo_t describes one VMA: a contiguous, page-aligned virtual
// range with uniform permissions and backing (spec.md §4.3).
type Vminfo_t struct {
	Pgn   uintptr // first virtual page number
	Pglen uintptr // length in pages
	Perms mem.Pa_t
	Mtype mtype_t

	File    FileBacking
	FileOff int64
	Shared  bool
}

func (vmi *Vminfo_t) start() uintptr { return vmi.Pgn << mem.PGSHIFT }
func (vmi *Vminfo_t) end() uintptr   { return (vmi.Pgn + vmi.Pglen) << mem.PGSHIFT }
func (vmi *Vminfo_t) contains(va uintptr) bool {
	return va >= vmi.start() && va < vmi.end()
}

// fileOffsetFor returns the backing-object byte offset for va, which
// must lie within this VMA.
func (vmi *Vminfo_t) fileOffsetFor(va uintptr) int64 {
	return vmi.FileOff + int64(va-vmi.start())
}

// Vmregion_t is the sorted, non-overlapping list of VMAs that make up
// one address space (spec.md §4.3 invariant: "the VMA list... is
// sorted by virtual address and its entries never overlap").
type Vmregion_t struct {
	vmas []*Vminfo_t
}

// Lookup returns the VMA containing va, if any.
func (vr *Vmregion_t) Lookup(va uintptr) (*Vminfo_t, bool) {
	i := sort.Search(len(vr.vmas), func(i int) bool {
		return vr.vmas[i].end() > va
	})
	if i < len(vr.vmas) && vr.vmas[i].contains(va) {
		return vr.vmas[i], true
	}
	return nil, false
}

// Insert adds vmi to the region, panicking if it overlaps an existing
// VMA — the caller (Vmadd_*/Mmap) is responsible for picking a free
// range first via Unusedva.
func (vr *Vmregion_t) Insert(vmi *Vminfo_t) {
	i := sort.Search(len(vr.vmas), func(i int) bool {
		return vr.vmas[i].start() >= vmi.start()
	})
	if i > 0 && vr.vmas[i-1].end() > vmi.start() {
		panic("vmm: overlapping VMA insert")
	}
	if i < len(vr.vmas) && vmi.end() > vr.vmas[i].start() {
		panic("vmm: overlapping VMA insert")
	}
	vr.vmas = append(vr.vmas, nil)
	copy(vr.vmas[i+1:], vr.vmas[i:])
	vr.vmas[i] = vmi
}

// Remove deletes the mapping covering [start, start+pglen) in whole
// or in part, splitting a VMA if the removed range falls in its
// middle (munmap of a sub-range).
func (vr *Vmregion_t) Remove(start uintptr, pglen uintptr) {
	lo := start
	hi := start + pglen<<mem.PGSHIFT
	var kept []*Vminfo_t
	for _, v := range vr.vmas {
		switch {
		case v.end() <= lo || v.start() >= hi:
			kept = append(kept, v)
		case v.start() >= lo && v.end() <= hi:
			// fully removed
		case v.start() < lo && v.end() > hi:
			// split into two
			left := *v
			left.Pglen = (lo - v.start()) >> mem.PGSHIFT
			right := *v
			right.Pgn = hi >> mem.PGSHIFT
			right.Pglen = (v.end() - hi) >> mem.PGSHIFT
			right.FileOff = v.fileOffsetFor(hi)
			kept = append(kept, &left, &right)
		case v.start() < lo:
			nv := *v
			nv.Pglen = (lo - v.start()) >> mem.PGSHIFT
			kept = append(kept, &nv)
		default: // v.end() > hi
			nv := *v
			nv.FileOff = v.fileOffsetFor(hi)
			nv.Pgn = hi >> mem.PGSHIFT
			nv.Pglen = (v.end() - hi) >> mem.PGSHIFT
			kept = append(kept, &nv)
		}
	}
	vr.vmas = kept
}

// Unusedva finds a free virtual range of at least n bytes at or after
// hint, used by mmap/brk to pick a placement when the caller didn't
// fix one.
func (vr *Vmregion_t) Unusedva(hint uintptr, n uintptr) uintptr {
	cur := hint
	for _, v := range vr.vmas {
		if v.start() >= cur && v.start()-cur >= n {
			return cur
		}
		if v.end() > cur {
			cur = v.end()
		}
	}
	return cur
}

// Clear empties the region, used when an address space is torn down.
func (vr *Vmregion_t) Clear() {
	vr.vmas = nil
}
