package pmm

import (
	"testing"

	"novakernel/defs"
	"novakernel/mem"
)

func testAllocator(t *testing.T, frames int) *Allocator {
	t.Helper()
	arena := NewArena(mem.Size(frames * mem.PGSIZE))
	return NewAllocator(arena, 4, nil)
}

func TestAllocFrameZeroed(t *testing.T) {
	a := testAllocator(t, 16)
	pa, err := a.AllocFrame(0)
	if err != 0 {
		t.Fatalf("alloc failed: %v", err)
	}
	pg := a.Dmap(pa)
	for i, b := range pg {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, b)
		}
	}
}

// Below 2*lowWatermark, Free must clear the bitmap bit directly rather
// than stash the frame in the per-CPU hot cache, so a small allocator
// (nowhere near the watermark) still sees the freed frame reflected in
// the bitmap immediately.
func TestFreeBelowWatermarkClearsBitmapDirectly(t *testing.T) {
	a := testAllocator(t, 4)
	pa, _ := a.AllocFrame(0)
	if err := a.Free(0, pa); err != 0 {
		t.Fatalf("free: %v", err)
	}
	if len(a.hot[0].stack) != 0 {
		t.Fatalf("expected no hot-cache entry below 2*lowWatermark, got %d", len(a.hot[0].stack))
	}
	pa2, err := a.AllocFrame(0)
	if err != 0 {
		t.Fatalf("realloc: %v", err)
	}
	if pa2 != pa {
		t.Fatalf("expected bitmap reuse of %v, got %v", pa, pa2)
	}
}

// Comfortably above 2*lowWatermark, Free pushes to the hot cache
// instead, and AllocFrame's own watermark check lets it serve the next
// request straight from that cache.
func TestFreeAboveWatermarkUsesHotCache(t *testing.T) {
	a := testAllocator(t, 4*lowWatermark)
	pa, _ := a.AllocFrame(0)
	if err := a.Free(0, pa); err != 0 {
		t.Fatalf("free: %v", err)
	}
	if len(a.hot[0].stack) != 1 {
		t.Fatalf("expected one hot-cache entry above 2*lowWatermark, got %d", len(a.hot[0].stack))
	}
	pa2, err := a.AllocFrame(0)
	if err != 0 {
		t.Fatalf("realloc: %v", err)
	}
	if pa2 != pa {
		t.Fatalf("expected hot-cache reuse of %v, got %v", pa, pa2)
	}
}

func TestDoubleFreeReturnsEINVAL(t *testing.T) {
	a := testAllocator(t, 4)
	pa, _ := a.AllocFrame(0)
	a.Free(0, pa)
	if err := a.Free(0, pa); err != defs.EINVAL {
		t.Fatalf("expected EINVAL on double free, got %v", err)
	}
}

func TestAllocFramesBestFit(t *testing.T) {
	a := testAllocator(t, 16)
	// hold every frame, then free a 10-frame run at [0,9] and a
	// 2-frame run at [11,12]; best fit should pick the 2-frame run for
	// a request of 2 even though the larger run comes first.
	var held []mem.Pa_t
	for i := 0; i < 16; i++ {
		pa, err := a.AllocFrame(0)
		if err != 0 {
			t.Fatalf("alloc %d: %v", i, err)
		}
		held = append(held, pa)
	}
	for i, pa := range held {
		if i <= 9 || i == 11 || i == 12 {
			a.Free(0, pa)
		}
	}

	blocker, err := a.AllocFrames(2)
	if err != 0 {
		t.Fatalf("alloc 2: %v", err)
	}
	if mem.Pgn(blocker) != 11 {
		t.Fatalf("expected best-fit run to start at 11, got %d", mem.Pgn(blocker))
	}
}

func TestExhaustionReturnsENOMEM(t *testing.T) {
	a := testAllocator(t, 2)
	if _, err := a.AllocFrames(4); err != defs.ENOMEM {
		t.Fatalf("expected ENOMEM, got %v", err)
	}
}

func TestRefcountSharing(t *testing.T) {
	a := testAllocator(t, 2)
	pa, _ := a.AllocFrame(0)
	a.Refup(pa)
	if a.Refcnt(pa) != 2 {
		t.Fatalf("expected refcnt 2, got %d", a.Refcnt(pa))
	}
	if a.Refdown(0, pa) {
		t.Fatal("frame should still be referenced")
	}
	if !a.Refdown(0, pa) {
		t.Fatal("frame should have been freed on last refdown")
	}
}

func TestInvalidFreeReported(t *testing.T) {
	a := testAllocator(t, 2)
	if err := a.Free(0, mem.FrameAddr(1)); err != defs.EINVAL {
		t.Fatalf("expected EINVAL freeing never-allocated frame, got %v", err)
	}
}
