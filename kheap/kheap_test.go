package kheap

import (
	"bytes"
	"testing"

	"novakernel/defs"
	"novakernel/mem"
	"novakernel/pmm"
)

func testHeap(t *testing.T, frames int) *Heap {
	t.Helper()
	arena := pmm.NewArena(mem.Size(frames * mem.PGSIZE))
	alloc := pmm.NewAllocator(arena, 1, nil)
	return New(alloc, 0)
}

func TestAllocZeroedAndWritable(t *testing.T) {
	h := testHeap(t, 4)
	b, err := h.Alloc(40)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	if len(b) != 40 {
		t.Fatalf("got %d bytes, want 40", len(b))
	}
	if !bytes.Equal(b, make([]byte, 40)) {
		t.Fatal("not zeroed")
	}
	b[0] = 0xff
	if b[0] != 0xff {
		t.Fatal("not writable")
	}
}

func TestSmallAllocationsDontOverlap(t *testing.T) {
	h := testHeap(t, 4)
	a, _ := h.Alloc(20)
	b, _ := h.Alloc(20)
	copy(a, []byte{1, 2, 3})
	copy(b, []byte{9, 8, 7})
	if a[0] == b[0] {
		t.Fatal("allocations alias")
	}
}

func TestFreeThenReuse(t *testing.T) {
	h := testHeap(t, 4)
	a, _ := h.Alloc(20)
	if err := h.Free(a); err != 0 {
		t.Fatalf("free: %v", err)
	}
	b, err := h.Alloc(20)
	if err != 0 {
		t.Fatalf("realloc: %v", err)
	}
	_ = b
}

func TestLargeAllocationBypassesSlab(t *testing.T) {
	h := testHeap(t, 8)
	b, err := h.Alloc(3 * mem.PGSIZE)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	if len(b) != 3*mem.PGSIZE {
		t.Fatalf("got %d bytes", len(b))
	}
	if err := h.Free(b); err != 0 {
		t.Fatalf("free: %v", err)
	}
}

func TestReallocPreservesPrefix(t *testing.T) {
	h := testHeap(t, 4)
	a, _ := h.Alloc(16)
	copy(a, []byte("hello"))
	b, err := h.Realloc(a, 64)
	if err != 0 {
		t.Fatalf("realloc: %v", err)
	}
	if string(b[:5]) != "hello" {
		t.Fatalf("prefix lost: %q", b[:5])
	}
}

func TestDoubleFreeReturnsEINVAL(t *testing.T) {
	h := testHeap(t, 4)
	a, _ := h.Alloc(16)
	h.Free(a)
	if err := h.Free(a); err != defs.EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}
