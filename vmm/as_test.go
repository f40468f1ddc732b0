package vmm

import (
	"testing"

	"novakernel/defs"
	"novakernel/mem"
	"novakernel/pmm"
)

func testAS(t *testing.T) (*Vm_t, *pmm.Allocator) {
	t.Helper()
	arena := pmm.NewArena(mem.Size(256 * mem.PGSIZE))
	alloc := pmm.NewAllocator(arena, 1, nil)
	as, err := NewAddrSpace(alloc, 0, uintptr(0x1000_0000))
	if err != 0 {
		t.Fatalf("NewAddrSpace: %v", err)
	}
	return as, alloc
}

func TestAnonReadFaultsToZeroPage(t *testing.T) {
	as, _ := testAS(t)
	as.Vmadd_anon(0x2000_0000, 4, mem.PTE_U|mem.PTE_W)

	b, err := as.Userdmap8r(0x2000_0000)
	if err != 0 {
		t.Fatalf("read fault: %v", err)
	}
	if b[0] != 0 {
		t.Fatal("expected zero-filled page")
	}
}

func TestAnonWriteFaultThenCOWIsolatesWriter(t *testing.T) {
	as, _ := testAS(t)
	as.Vmadd_anon(0x2000_0000, 2, mem.PTE_U|mem.PTE_W)

	// read faults map both pages to the shared, COW-marked zero page
	for _, va := range []uintptr{0x2000_0000, 0x2000_1000} {
		if _, err := as.Userdmap8r(va); err != 0 {
			t.Fatalf("read fault at %#x: %v", va, err)
		}
	}
	if err := as.Userwriten(0x2000_0000, 4, 0x41424344); err != 0 {
		t.Fatalf("write: %v", err)
	}
	v, err := as.Userreadn(0x2000_0000, 4)
	if err != 0 || v != 0x41424344 {
		t.Fatalf("got %#x, err %v", v, err)
	}
	// the write copied the page, so the other mapping still reads zero
	if w, err := as.Userreadn(0x2000_1000, 4); err != 0 || w != 0 {
		t.Fatalf("expected untouched page to stay zero, got %#x, err %v", w, err)
	}
}

func TestGuardPageFaultsEFAULT(t *testing.T) {
	as, _ := testAS(t)
	as.Vmadd_anon(0x2000_0000, 1, 0) // perms==0: guard page
	_, err := as.Userdmap8r(0x2000_0000)
	if err != defs.EFAULT {
		t.Fatalf("expected EFAULT, got %v", err)
	}
}

func TestWriteToReadOnlyMappingFaultsEFAULT(t *testing.T) {
	as, _ := testAS(t)
	as.Vmadd_anon(0x2000_0000, 1, mem.PTE_U) // no PTE_W
	if err := as.Userwriten(0x2000_0000, 4, 1); err != defs.EFAULT {
		t.Fatalf("expected EFAULT, got %v", err)
	}
}

func TestUnmappedAddressFaultsEFAULT(t *testing.T) {
	as, _ := testAS(t)
	_, err := as.Userdmap8r(0x3000_0000)
	if err != defs.EFAULT {
		t.Fatalf("expected EFAULT, got %v", err)
	}
}

func TestMmapThenMunmapRoundtrip(t *testing.T) {
	as, _ := testAS(t)
	base, err := as.Mmap(0x4000_0000, 3*mem.PGSIZE, mem.PTE_U|mem.PTE_W, nil, 0, false)
	if err != 0 {
		t.Fatalf("mmap: %v", err)
	}
	if err := as.Userwriten(base, 4, 0xdeadbeef); err != 0 {
		t.Fatalf("write: %v", err)
	}
	if err := as.Munmap(base, 3*mem.PGSIZE); err != 0 {
		t.Fatalf("munmap: %v", err)
	}
	if _, err := as.Userdmap8r(base); err != defs.EFAULT {
		t.Fatalf("expected EFAULT after munmap, got %v", err)
	}
}

func TestBrkGrowsAndShrinks(t *testing.T) {
	as, _ := testAS(t)
	base := as.brkMax

	grown, err := as.Brk(base + uintptr(3*mem.PGSIZE))
	if err != 0 {
		t.Fatalf("brk grow: %v", err)
	}
	if err := as.Userwriten(base, 4, 42); err != 0 {
		t.Fatalf("write into new heap: %v", err)
	}

	shrunk, err := as.Brk(base + uintptr(mem.PGSIZE))
	if err != 0 {
		t.Fatalf("brk shrink: %v", err)
	}
	if shrunk >= grown {
		t.Fatalf("expected shrink, got %v -> %v", grown, shrunk)
	}
	if _, err := as.Userdmap8r(base + uintptr(2*mem.PGSIZE)); err != defs.EFAULT {
		t.Fatalf("expected unmapped page after shrink, got %v", err)
	}
}
