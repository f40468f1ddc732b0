package pmm

import (
	"sync"

	"novakernel/defs"
	"novakernel/mem"
	"novakernel/pmm/oommsg"
)

// hotCacheDepth bounds the per-CPU free-frame stack (teacher's
// pcpuphys_t.freelen cap, biscuit/src/mem/mem.go).
const hotCacheDepth = 100

// lowWatermark is the free-frame count at or below which the hot-cache
// fast path is disabled and an Oommsg_t is published on the
// allocator's oom channel; the allocation itself goes ahead without
// waiting for any reply.
const lowWatermark = 64

// frame holds the authoritative state for one physical frame. The
// bitmap bit is the single source of truth for free/used; refcnt
// supports copy-on-write sharing (spec.md VMM §4.3).
type frame struct {
	refcnt  int32
	cpumask uint64 // TLB shootdown: bit i set if CPU i has this frame's pmap loaded
}

// Allocator is the bitmap-authoritative physical frame manager. A
// frame's bit is 1 iff it is currently allocated; the per-CPU hot
// caches only ever hold frames whose bit is already 1 and whose
// refcnt is 0 — i.e. reserved-but-unassigned — so a cache entry can
// never disagree with the bitmap (spec.md §4.1 invariant).
type Allocator struct {
	mu sync.Mutex

	arena  *Arena
	bitmap []uint64
	frames []frame

	freeCount uint32
	total     uint32

	oom chan oommsg.Oommsg_t

	hot []hotCache
}

type hotCache struct {
	mu    sync.Mutex
	stack []uint32
}

// NewAllocator builds an allocator over arena's frames for ncpu logical
// CPUs, publishing watermark crossings on oom (pass nil to disable
// OOM notification, e.g. in unit tests).
func NewAllocator(arena *Arena, ncpu int, oom chan oommsg.Oommsg_t) *Allocator {
	n := arena.NumFrames()
	a := &Allocator{
		arena:     arena,
		bitmap:    make([]uint64, (n+63)/64),
		frames:    make([]frame, n),
		freeCount: n,
		total:     n,
		oom:       oom,
		hot:       make([]hotCache, ncpu),
	}
	return a
}

func (a *Allocator) bitSet(i uint32) bool {
	return a.bitmap[i/64]&(1<<(i%64)) != 0
}

func (a *Allocator) bitMark(i uint32, used bool) {
	if used {
		a.bitmap[i/64] |= 1 << (i % 64)
	} else {
		a.bitmap[i/64] &^= 1 << (i % 64)
	}
}

// scanFree finds n contiguous free frames using best fit: the smallest
// free run that is >= n. It returns the starting frame number and
// true, or false if no run is large enough.
func (a *Allocator) scanFree(n uint32) (uint32, bool) {
	var bestStart, bestLen uint32
	haveBest := false

	var runStart uint32
	inRun := false
	var i uint32
	for i = 0; i < a.total; i++ {
		if !a.bitSet(i) {
			if !inRun {
				runStart = i
				inRun = true
			}
			continue
		}
		if inRun {
			runLen := i - runStart
			if runLen >= n && (!haveBest || runLen < bestLen) {
				bestStart, bestLen = runStart, runLen
				haveBest = true
			}
			inRun = false
		}
	}
	if inRun {
		runLen := a.total - runStart
		if runLen >= n && (!haveBest || runLen < bestLen) {
			bestStart, bestLen = runStart, runLen
			haveBest = true
		}
	}
	return bestStart, haveBest
}

func (a *Allocator) notifyOOM(need int) {
	if a.oom == nil {
		return
	}
	resume := make(chan bool, 1)
	select {
	case a.oom <- oommsg.Oommsg_t{Need: need, Resume: resume}:
	default:
	}
}

// AllocFrame reserves a single zeroed frame for cpu's fast path,
// preferring its hot cache before falling back to a bitmap scan. The
// hot cache is only consulted above lowWatermark; under memory
// pressure every caller falls through to the shared bitmap so the
// watermark actually throttles allocation instead of being bypassed
// by per-CPU hoarding.
func (a *Allocator) AllocFrame(cpu defs.Cpu_t) (mem.Pa_t, defs.Err_t) {
	a.mu.Lock()
	aboveWatermark := a.freeCount > lowWatermark
	a.mu.Unlock()

	if aboveWatermark && int(cpu) >= 0 && int(cpu) < len(a.hot) {
		hc := &a.hot[cpu]
		hc.mu.Lock()
		if len(hc.stack) > 0 {
			idx := hc.stack[len(hc.stack)-1]
			hc.stack = hc.stack[:len(hc.stack)-1]
			hc.mu.Unlock()
			a.mu.Lock()
			a.frames[idx].refcnt = 1
			a.mu.Unlock()
			pa := mem.FrameAddr(idx)
			mem.Memzero(a.arena.Dmap(pa)[:])
			return pa, 0
		}
		hc.mu.Unlock()
	}

	a.mu.Lock()
	if a.freeCount <= lowWatermark {
		a.notifyOOM(1)
	}
	idx, ok := a.scanFree(1)
	if !ok {
		a.mu.Unlock()
		return 0, defs.ENOMEM
	}
	a.bitMark(idx, true)
	a.freeCount--
	a.frames[idx].refcnt = 1
	a.mu.Unlock()

	pa := mem.FrameAddr(idx)
	mem.Memzero(a.arena.Dmap(pa)[:])
	return pa, 0
}

// AllocFrames reserves n>=2 contiguous frames via a bitmap best-fit
// scan; the hot cache never serves multi-frame requests (spec.md
// §4.1: "best-fit for n≥2 frames").
func (a *Allocator) AllocFrames(n int) (mem.Pa_t, defs.Err_t) {
	if n < 2 {
		panic("pmm: AllocFrames requires n>=2; use AllocFrame for n==1")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeCount <= lowWatermark {
		a.notifyOOM(n)
	}
	start, ok := a.scanFree(uint32(n))
	if !ok {
		return 0, defs.ENOMEM
	}
	for i := uint32(0); i < uint32(n); i++ {
		a.bitMark(start+i, true)
		a.frames[start+i].refcnt = 1
	}
	a.freeCount -= uint32(n)
	return mem.FrameAddr(start), 0
}

// Free releases a single frame allocated by cpu. If the frame's
// refcount drops to zero it is returned to the bitmap, or — only once
// the allocator is comfortably above the low-memory watermark — to
// cpu's hot cache for fast reuse. Below that threshold every freed
// frame goes straight back to the shared bitmap so a low-memory
// allocator can see it immediately instead of it sitting idle in a
// per-CPU stack.
func (a *Allocator) Free(cpu defs.Cpu_t, pa mem.Pa_t) defs.Err_t {
	idx := mem.Pgn(pa)
	a.mu.Lock()
	if idx >= uint32(len(a.frames)) || !a.bitSet(idx) {
		a.mu.Unlock()
		return defs.EINVAL
	}
	a.frames[idx].refcnt--
	c := a.frames[idx].refcnt
	if c < 0 {
		// double free of a frame parked in a hot cache: report, ignore
		a.frames[idx].refcnt = 0
		a.mu.Unlock()
		return defs.EINVAL
	}
	if c > 0 {
		a.mu.Unlock()
		return 0
	}
	aboveWatermark := a.freeCount > 2*lowWatermark
	a.mu.Unlock()

	if aboveWatermark && int(cpu) >= 0 && int(cpu) < len(a.hot) {
		hc := &a.hot[cpu]
		hc.mu.Lock()
		if len(hc.stack) < hotCacheDepth {
			hc.stack = append(hc.stack, idx)
			hc.mu.Unlock()
			return 0
		}
		hc.mu.Unlock()
	}

	a.mu.Lock()
	a.bitMark(idx, false)
	a.freeCount++
	a.mu.Unlock()
	return 0
}

// FreeFrames releases a run of n contiguous frames previously returned
// by AllocFrames. Multi-frame runs bypass the hot cache entirely.
func (a *Allocator) FreeFrames(pa mem.Pa_t, n int) defs.Err_t {
	start := mem.Pgn(pa)
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint32(0); i < uint32(n); i++ {
		idx := start + i
		if idx >= uint32(len(a.frames)) || !a.bitSet(idx) {
			return defs.EINVAL
		}
	}
	for i := uint32(0); i < uint32(n); i++ {
		idx := start + i
		a.frames[idx].refcnt = 0
		a.bitMark(idx, false)
	}
	a.freeCount += uint32(n)
	return 0
}

// Refcnt returns the current reference count of the frame at pa.
func (a *Allocator) Refcnt(pa mem.Pa_t) int {
	idx := mem.Pgn(pa)
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.frames[idx].refcnt)
}

// Refup increments the reference count of the frame at pa (a new PTE
// is about to point at a shared page).
func (a *Allocator) Refup(pa mem.Pa_t) {
	idx := mem.Pgn(pa)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames[idx].refcnt++
}

// Refdown decrements the reference count of the frame at pa and
// returns true if it reached zero and the frame was released via Free.
func (a *Allocator) Refdown(cpu defs.Cpu_t, pa mem.Pa_t) bool {
	idx := mem.Pgn(pa)
	a.mu.Lock()
	if a.frames[idx].refcnt > 1 {
		a.frames[idx].refcnt--
		a.mu.Unlock()
		return false
	}
	a.mu.Unlock()
	// Free performs the final decrement to zero.
	a.Free(cpu, pa)
	return true
}

// Dmap returns the byte page backing pa.
func (a *Allocator) Dmap(pa mem.Pa_t) *mem.Bytepg_t {
	return a.arena.Dmap(pa)
}

// Slice returns a byte view of n bytes starting at pa, spanning
// multiple frames if necessary; used for allocations larger than one
// page where Dmap's single-frame view doesn't suffice.
func (a *Allocator) Slice(pa mem.Pa_t, n int) []byte {
	return a.arena.Slice(pa, n)
}

// PaOf recovers the physical address backing a slice previously
// obtained from Dmap, for callers (kheap) that only keep the slice.
func (a *Allocator) PaOf(b []byte) mem.Pa_t {
	// frame-align: the caller may hold a sub-slice of the frame (e.g.
	// an allocation smaller than a full page), so recover the frame
	// base before returning.
	pa := a.arena.PaOf(b)
	return pa &^ mem.Pa_t(mem.PGSIZE-1)
}

// Stats reports the allocator's current occupancy, used by the
// kernel's /proc-like introspection surface (kernel.Context.MemStats).
type Stats struct {
	Total uint32
	Free  uint32
}

// Stat returns a snapshot of the allocator's frame accounting.
func (a *Allocator) Stat() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{Total: a.total, Free: a.freeCount}
}
