// Package vmm is the virtual memory manager (spec.md §4.3): per
// address-space VMA tracking, 4-level page tables, demand paging,
// copy-on-write, and the mmap/munmap/brk surface the trap layer calls
// into on syscalls 5-7.
//
// Grounded on biscuit/src/vm/as.go (Vm_t, the
// Lock_pmap/Unlock_pmap/Lockassert_pmap discipline, Sys_pgfault's
// claim-if-refcount-1 COW fast path, Page_insert/_page_insert). Unlike
// biscuit, novakernel's VMA list (Vmregion_t), page-table walker,
// and physical-frame access go through this repository's own pmm
// package instead of mem.Physmem, since mem.Physmem's allocator relied
// on Go-runtime-fork hooks that don't exist outside Biscuit's patched
// runtime.
package vmm

import (
	"sync"

	"novakernel/defs"
	"novakernel/mem"
	"novakernel/pmm"
)

// Vm_t represents one process's address space. The mutex serializes
// all page-table and VMA-list modifications, including page faults.
type Vm_t struct {
	sync.Mutex

	Vmregion Vmregion_t

	Pmap   *mem.Pmap_t
	P_pmap mem.Pa_t

	frames *pmm.Allocator
	cpu    defs.Cpu_t

	pgfltaken bool

	brkVmi *Vminfo_t
	brkMax uintptr
}

// NewAddrSpace allocates a fresh, empty address space backed by
// frames on behalf of cpu.
func NewAddrSpace(frames *pmm.Allocator, cpu defs.Cpu_t, brkBase uintptr) (*Vm_t, defs.Err_t) {
	pa, err := frames.AllocFrame(cpu)
	if err != 0 {
		return nil, err
	}
	as := &Vm_t{
		Pmap:   mem.Pg2pmap(frames.Dmap(pa)),
		P_pmap: pa,
		frames: frames,
		cpu:    cpu,
		brkMax: brkBase,
	}
	return as, 0
}

// Lock_pmap acquires the address space mutex and marks that page
// table manipulation is in progress.
func (as *Vm_t) Lock_pmap() {
	as.Lock()
	as.pgfltaken = true
}

// Unlock_pmap releases the address space mutex.
func (as *Vm_t) Unlock_pmap() {
	as.pgfltaken = false
	as.Unlock()
}

// Lockassert_pmap panics if the address space mutex is not held.
func (as *Vm_t) Lockassert_pmap() {
	if !as.pgfltaken {
		panic("vmm: pmap lock must be held")
	}
}

// Userdmap8_inner returns a slice of the user page containing va. If
// k2u is true the page is prepared for a kernel write on the user's
// behalf (e.g. read(2) filling a user buffer).
func (as *Vm_t) Userdmap8_inner(va uintptr, k2u bool) ([]uint8, defs.Err_t) {
	as.Lockassert_pmap()

	voff := va & uintptr(mem.PGOFFSET)
	vmi, ok := as.Vmregion.Lookup(va)
	if !ok {
		return nil, defs.EFAULT
	}
	pte, err := pmapWalk(as.Pmap, va, true, as.frames, as.cpu)
	if err != 0 {
		return nil, defs.ENOMEM
	}

	ecode := mem.PTE_U
	needfault := true
	isp := *pte&mem.PTE_P != 0
	if k2u {
		ecode |= mem.PTE_W
		iscow := *pte&mem.PTE_COW != 0
		if isp && !iscow {
			needfault = false
		}
	} else if isp {
		needfault = false
	}

	if needfault {
		if err := as.sysPgfault(vmi, va, ecode); err != 0 {
			return nil, err
		}
	}

	pg := as.frames.Dmap(*pte & mem.PTE_ADDR)
	return pg[voff:], 0
}

func (as *Vm_t) userdmap8(va uintptr, k2u bool) ([]uint8, defs.Err_t) {
	as.Lock_pmap()
	ret, err := as.Userdmap8_inner(va, k2u)
	as.Unlock_pmap()
	return ret, err
}

// Userdmap8r maps the user address for reading.
func (as *Vm_t) Userdmap8r(va uintptr) ([]uint8, defs.Err_t) {
	return as.userdmap8(va, false)
}

// Userreadn reads n<=8 bytes from user address va as a little-endian
// integer.
func (as *Vm_t) Userreadn(va uintptr, n int) (int, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.userreadnInner(va, n)
}

func (as *Vm_t) userreadnInner(va uintptr, n int) (int, defs.Err_t) {
	as.Lockassert_pmap()
	if n > 8 {
		panic("vmm: n too large")
	}
	var ret int
	for i := 0; i < n; {
		src, err := as.Userdmap8_inner(va+uintptr(i), false)
		if err != 0 {
			return 0, err
		}
		l := n - i
		if len(src) < l {
			l = len(src)
		}
		for j := 0; j < l; j++ {
			ret |= int(src[j]) << (8 * uint(i+j))
		}
		i += l
	}
	return ret, 0
}

// Userwriten writes the low n<=8 bytes of val to user address va.
func (as *Vm_t) Userwriten(va uintptr, n, val int) defs.Err_t {
	if n > 8 {
		panic("vmm: n too large")
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	for i := 0; i < n; {
		dst, err := as.Userdmap8_inner(va+uintptr(i), true)
		if err != 0 {
			return err
		}
		l := n - i
		if len(dst) < l {
			l = len(dst)
		}
		for j := 0; j < l; j++ {
			dst[j] = uint8(val >> (8 * uint(i+j)))
		}
		i += l
	}
	return 0
}

// Userstr copies a NUL-terminated string from user memory, up to
// lenmax bytes.
func (as *Vm_t) Userstr(uva uintptr, lenmax int) (string, defs.Err_t) {
	if lenmax < 0 {
		return "", 0
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	var s []byte
	i := uintptr(0)
	for {
		chunk, err := as.Userdmap8_inner(uva+i, false)
		if err != 0 {
			return string(s), err
		}
		for j, c := range chunk {
			if c == 0 {
				s = append(s, chunk[:j]...)
				return string(s), 0
			}
		}
		s = append(s, chunk...)
		i += uintptr(len(chunk))
		if len(s) >= lenmax {
			return "", defs.EINVAL
		}
	}
}

// K2user copies src into user memory starting at uva.
func (as *Vm_t) K2user(src []uint8, uva uintptr) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	cnt := uintptr(0)
	for len(src) != 0 {
		dst, err := as.Userdmap8_inner(uva+cnt, true)
		if err != 0 {
			return err
		}
		n := copy(dst, src)
		src = src[n:]
		cnt += uintptr(n)
	}
	return 0
}

// User2k copies len(dst) bytes from user memory at uva into dst.
func (as *Vm_t) User2k(dst []uint8, uva uintptr) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	cnt := uintptr(0)
	for len(dst) != 0 {
		src, err := as.Userdmap8_inner(uva+cnt, false)
		if err != 0 {
			return err
		}
		n := copy(dst, src)
		dst = dst[n:]
		cnt += uintptr(n)
	}
	return 0
}

// shootdownFn is invoked after a page table change that invalidates a
// stale mapping; sched wires this to whatever cross-CPU signaling it
// uses (spec.md's emulated CPUs are goroutines, so the "shootdown" is
// just a synchronization barrier rather than an IPI).
var shootdownFn func(as *Vm_t, startva uintptr, pgcount int)

// SetShootdownFunc installs the TLB invalidation hook used by Tlbshoot.
func SetShootdownFunc(f func(as *Vm_t, startva uintptr, pgcount int)) {
	shootdownFn = f
}

// Tlbshoot invalidates pgcount pages starting at startva. It must be
// called with the pmap lock held and before that lock is released, so
// no other goroutine can observe the stale mapping once Tlbshoot
// returns (spec.md's TLB invalidation ordering guarantee).
func (as *Vm_t) Tlbshoot(startva uintptr, pgcount int) {
	if pgcount == 0 {
		return
	}
	as.Lockassert_pmap()
	if shootdownFn != nil {
		shootdownFn(as, startva, pgcount)
	}
}

// Page_insert maps p_pg at va with perms, taking a reference on p_pg.
// It returns whether an existing present mapping was replaced (TLB
// shootdown needed) and whether the insertion succeeded.
func (as *Vm_t) Page_insert(va uintptr, p_pg mem.Pa_t, perms mem.Pa_t, vempty bool, pte *mem.Pa_t) (bool, bool) {
	return as.pageInsert(va, p_pg, perms, vempty, true, pte)
}

// Blockpage_insert is like Page_insert but does not take a reference
// on p_pg, for pages the caller already owns a reference to (a shared
// file-backed frame the block layer handed over for writeback).
func (as *Vm_t) Blockpage_insert(va uintptr, p_pg mem.Pa_t, perms mem.Pa_t, vempty bool, pte *mem.Pa_t) (bool, bool) {
	return as.pageInsert(va, p_pg, perms, vempty, false, pte)
}

func (as *Vm_t) pageInsert(va uintptr, p_pg mem.Pa_t, perms mem.Pa_t, vempty, refup bool, pte *mem.Pa_t) (bool, bool) {
	as.Lockassert_pmap()
	if refup {
		as.frames.Refup(p_pg)
	}
	if pte == nil {
		var err defs.Err_t
		pte, err = pmapWalk(as.Pmap, va, true, as.frames, as.cpu)
		if err != 0 {
			return false, false
		}
	}
	replaced := false
	var old mem.Pa_t
	if *pte&mem.PTE_P != 0 {
		if vempty {
			panic("vmm: pte not empty")
		}
		replaced = true
		old = *pte & mem.PTE_ADDR
	}
	*pte = p_pg | perms | mem.PTE_P
	if replaced {
		as.frames.Refdown(as.cpu, old)
	}
	return replaced, true
}

// Page_remove unmaps va, returning true if a mapping was removed.
func (as *Vm_t) Page_remove(va uintptr) bool {
	as.Lockassert_pmap()
	pte := pmapLookup(as.Pmap, va, as.frames)
	if pte != nil && *pte&mem.PTE_P != 0 {
		old := *pte & mem.PTE_ADDR
		as.frames.Refdown(as.cpu, old)
		*pte = 0
		return true
	}
	return false
}

// Pgfault handles a page fault at fa with hardware error code ecode,
// locking the address space for the duration.
func (as *Vm_t) Pgfault(fa uintptr, ecode mem.Pa_t) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	vmi, ok := as.Vmregion.Lookup(fa)
	if !ok {
		return defs.EFAULT
	}
	return as.sysPgfault(vmi, fa, ecode)
}

// sysPgfault resolves a fault at faultaddr within vmi, implementing
// the decision order from spec.md §4.3: no VMA already ruled out by
// the caller; insufficient permissions -> segv; present+write+RO+
// private -> COW; else demand-page.
func (as *Vm_t) sysPgfault(vmi *Vminfo_t, faultaddr uintptr, ecode mem.Pa_t) defs.Err_t {
	isguard := vmi.Perms == 0
	iswrite := ecode&mem.PTE_W != 0
	writeok := vmi.Perms&mem.PTE_W != 0
	if isguard || (iswrite && !writeok) {
		return defs.EFAULT
	}

	pte, err := pmapWalk(as.Pmap, faultaddr, true, as.frames, as.cpu)
	if err != 0 {
		return defs.ENOMEM
	}
	if (iswrite && *pte&mem.PTE_WASCOW != 0) || (!iswrite && *pte&mem.PTE_P != 0) {
		// raced with another fault on the same page; already resolved.
		return 0
	}

	var p_pg mem.Pa_t
	isblockpage := false
	perms := mem.PTE_U | mem.PTE_P

	if vmi.Mtype == VFILE && vmi.Shared {
		var ferr defs.Err_t
		p_pg, ferr = as.filePage(vmi, faultaddr)
		if ferr != 0 {
			return ferr
		}
		isblockpage = true
		if vmi.Perms&mem.PTE_W != 0 {
			perms |= mem.PTE_W
		}
	} else if iswrite {
		cow := *pte&mem.PTE_COW != 0
		var copyFrom mem.Pa_t
		haveSrc := false
		if cow {
			phys := *pte & mem.PTE_ADDR
			if vmi.Mtype == VANON && as.frames.Refcnt(phys) == 1 && phys != as.zeroPage() {
				*pte = (*pte &^ mem.PTE_COW) | mem.PTE_W | mem.PTE_WASCOW
				as.Tlbshoot(faultaddr, 1)
				return 0
			}
			copyFrom = phys
			haveSrc = true
		} else if *pte != 0 {
			panic("vmm: expected empty pte")
		} else {
			switch vmi.Mtype {
			case VANON:
				copyFrom = as.zeroPage()
				haveSrc = true
			case VFILE:
				tmp, ferr := as.filePage(vmi, faultaddr)
				if ferr != 0 {
					return ferr
				}
				copyFrom = tmp
				haveSrc = true
				defer as.frames.Refdown(as.cpu, tmp)
			}
		}
		newpa, aerr := as.frames.AllocFrame(as.cpu)
		if aerr != 0 {
			return defs.ENOMEM
		}
		if haveSrc {
			copy(as.frames.Dmap(newpa)[:], as.frames.Dmap(copyFrom)[:])
		}
		p_pg = newpa
		perms |= mem.PTE_WASCOW | mem.PTE_W
	} else {
		if *pte != 0 {
			panic("vmm: expected empty pte")
		}
		switch vmi.Mtype {
		case VANON:
			p_pg = as.zeroPage()
			as.frames.Refup(p_pg)
		case VFILE:
			var ferr defs.Err_t
			p_pg, ferr = as.filePage(vmi, faultaddr)
			if ferr != 0 {
				return ferr
			}
			isblockpage = true
		}
		if vmi.Perms&mem.PTE_W != 0 {
			perms |= mem.PTE_COW
		}
	}

	if perms&mem.PTE_W != 0 {
		perms |= mem.PTE_D
	}
	perms |= mem.PTE_A

	// a COW copy replaces a present mapping; every other path fills an
	// empty PTE.
	vempty := *pte&mem.PTE_P == 0
	var ok bool
	var tshoot bool
	if isblockpage {
		tshoot, ok = as.Blockpage_insert(faultaddr, p_pg, perms, vempty, pte)
	} else {
		tshoot, ok = as.Page_insert(faultaddr, p_pg, perms, vempty, pte)
	}
	if !ok {
		as.frames.Refdown(as.cpu, p_pg)
		return defs.ENOMEM
	}
	if tshoot {
		as.Tlbshoot(faultaddr, 1)
	}
	return 0
}

// filePage reads the page of vmi's backing file covering faultaddr
// into a fresh frame.
func (as *Vm_t) filePage(vmi *Vminfo_t, faultaddr uintptr) (mem.Pa_t, defs.Err_t) {
	pa, err := as.frames.AllocFrame(as.cpu)
	if err != 0 {
		return 0, err
	}
	off := vmi.fileOffsetFor(faultaddr &^ uintptr(mem.PGOFFSET))
	if rerr := vmi.File.ReadPage(off, as.frames.Dmap(pa)); rerr != 0 {
		as.frames.Free(as.cpu, pa)
		return 0, rerr
	}
	return pa, 0
}

var (
	zeroPagesMu sync.Mutex
	zeroPages   = map[*pmm.Allocator]mem.Pa_t{}
)

// zeroPage returns the single shared, read-only, zero-filled frame
// anonymous private mappings fault in on first read, allocating it
// lazily and sharing it across every Vm_t built on the same Allocator.
func (as *Vm_t) zeroPage() mem.Pa_t {
	zeroPagesMu.Lock()
	defer zeroPagesMu.Unlock()
	if pa, ok := zeroPages[as.frames]; ok {
		return pa
	}
	pa, err := as.frames.AllocFrame(as.cpu)
	if err != 0 {
		panic("vmm: out of memory allocating the zero page")
	}
	zeroPages[as.frames] = pa
	return pa
}

// Uvmfree releases every user mapping and the top-level page table
// frame itself.
func (as *Vm_t) Uvmfree() {
	for _, vmi := range as.Vmregion.vmas {
		for pgn := vmi.Pgn; pgn < vmi.Pgn+vmi.Pglen; pgn++ {
			as.Page_remove(pgn << mem.PGSHIFT)
		}
	}
	as.Vmregion.Clear()
	as.frames.Free(as.cpu, as.P_pmap)
}

// Vmadd_anon creates a private anonymous mapping.
func (as *Vm_t) Vmadd_anon(start, pglen uintptr, perms mem.Pa_t) {
	as.Vmregion.Insert(&Vminfo_t{Pgn: start >> mem.PGSHIFT, Pglen: pglen, Perms: perms, Mtype: VANON})
}

// Vmadd_file maps a file-backed region at foff, private or shared.
func (as *Vm_t) Vmadd_file(start, pglen uintptr, perms mem.Pa_t, file FileBacking, foff int64, shared bool) {
	as.Vmregion.Insert(&Vminfo_t{Pgn: start >> mem.PGSHIFT, Pglen: pglen, Perms: perms, Mtype: VFILE, File: file, FileOff: foff, Shared: shared})
}

// Mmap picks a free virtual range of the requested length and installs
// a mapping there (anon when file is nil), returning its base address.
func (as *Vm_t) Mmap(hint uintptr, length int, perms mem.Pa_t, file FileBacking, foff int64, shared bool) (uintptr, defs.Err_t) {
	if length <= 0 {
		return 0, defs.EINVAL
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	pglen := uintptr(mem.PageRound(length)) >> mem.PGSHIFT
	start := as.Vmregion.Unusedva(hint, pglen<<mem.PGSHIFT)
	if file == nil {
		as.Vmadd_anon(start, pglen, perms)
	} else {
		as.Vmadd_file(start, pglen, perms, file, foff, shared)
	}
	return start, 0
}

// Munmap tears down the mapping covering [va, va+length), writing
// back dirty shared file pages first.
func (as *Vm_t) Munmap(va uintptr, length int) defs.Err_t {
	if length <= 0 || va&uintptr(mem.PGOFFSET) != 0 {
		return defs.EINVAL
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	pglen := uintptr(mem.PageRound(length)) >> mem.PGSHIFT
	for pgn := va >> mem.PGSHIFT; pgn < (va>>mem.PGSHIFT)+pglen; pgn++ {
		cva := pgn << mem.PGSHIFT
		if vmi, ok := as.Vmregion.Lookup(cva); ok {
			as.writebackIfDirty(vmi, cva)
		}
		as.Page_remove(cva)
	}
	as.Vmregion.Remove(va, pglen)
	return 0
}

func (as *Vm_t) writebackIfDirty(vmi *Vminfo_t, va uintptr) {
	if vmi.Mtype != VFILE || !vmi.Shared {
		return
	}
	pte := pmapLookup(as.Pmap, va, as.frames)
	if pte == nil || *pte&mem.PTE_P == 0 || *pte&mem.PTE_D == 0 {
		return
	}
	off := vmi.fileOffsetFor(va)
	pg := as.frames.Dmap(*pte & mem.PTE_ADDR)
	vmi.File.WritePage(off, pg)
}

// Brk grows or shrinks the process heap to end at newbrk, returning
// the resulting break address.
func (as *Vm_t) Brk(newbrk uintptr) (uintptr, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	if as.brkVmi == nil {
		if newbrk <= as.brkMax {
			return as.brkMax, 0
		}
		pglen := (newbrk - as.brkMax + uintptr(mem.PGSIZE) - 1) >> mem.PGSHIFT
		as.brkVmi = &Vminfo_t{Pgn: as.brkMax >> mem.PGSHIFT, Pglen: pglen, Perms: mem.PTE_U | mem.PTE_W, Mtype: VANON}
		as.Vmregion.Insert(as.brkVmi)
		return newbrk, 0
	}
	curEnd := as.brkVmi.end()
	if newbrk == curEnd {
		return newbrk, 0
	}
	if newbrk > curEnd {
		grow := (newbrk - curEnd + uintptr(mem.PGSIZE) - 1) >> mem.PGSHIFT
		as.brkVmi.Pglen += grow
		return as.brkVmi.end(), 0
	}
	if newbrk < as.brkVmi.start() {
		return 0, defs.EINVAL
	}
	for pgn := newbrk >> mem.PGSHIFT; pgn < curEnd>>mem.PGSHIFT; pgn++ {
		as.Page_remove(pgn << mem.PGSHIFT)
	}
	as.brkVmi.Pglen = (newbrk - as.brkVmi.start()) >> mem.PGSHIFT
	return newbrk, 0
}

// Mkuserbuf allocates a Userbuf_t for the given user range.
func (as *Vm_t) Mkuserbuf(userva uintptr, length int) *Userbuf_t {
	ub := &Userbuf_t{}
	ub.init(as, userva, length)
	return ub
}
