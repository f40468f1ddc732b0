package vmm

import "novakernel/defs"

// Userbuf_t mediates a sequence of accesses to a fixed user-memory
// range, committing to page-fault-safe chunks rather than one
// giant lock-and-copy. Grounded on biscuit's
// biscuit/src/vm/userbuf.go Userbuf_t, trimmed of the
// bounds/res resource-admission calls (novakernel's scheduler performs
// admission at the task level, per spec.md §4.4, not per memory-copy
// chunk).
type Userbuf_t struct {
	uva uintptr
	len int
	off int
	as  *Vm_t
}

func (ub *Userbuf_t) init(as *Vm_t, uva uintptr, length int) {
	if length < 0 {
		panic("vmm: negative userbuf length")
	}
	ub.uva = uva
	ub.len = length
	ub.off = 0
	ub.as = as
}

// Remain reports the number of unread/unwritten bytes left.
func (ub *Userbuf_t) Remain() int { return ub.len - ub.off }

// Totalsz reports the buffer's total size.
func (ub *Userbuf_t) Totalsz() int { return ub.len }

// Uioread copies from user memory into dst.
func (ub *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	ub.as.Lock_pmap()
	defer ub.as.Unlock_pmap()
	return ub.tx(dst, false)
}

// Uiowrite copies src into user memory.
func (ub *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	ub.as.Lock_pmap()
	defer ub.as.Unlock_pmap()
	return ub.tx(src, true)
}

// tx copies min(len(buf), ub.Remain()) bytes, leaving ub positioned to
// resume if it returns a non-zero error partway through.
func (ub *Userbuf_t) tx(buf []uint8, write bool) (int, defs.Err_t) {
	ret := 0
	for len(buf) != 0 && ub.off != ub.len {
		va := ub.uva + uintptr(ub.off)
		chunk, err := ub.as.Userdmap8_inner(va, write)
		if err != 0 {
			return ret, err
		}
		if left := ub.len - ub.off; len(chunk) > left {
			chunk = chunk[:left]
		}
		var c int
		if write {
			c = copy(chunk, buf)
		} else {
			c = copy(buf, chunk)
		}
		buf = buf[c:]
		ub.off += c
		ret += c
	}
	return ret, 0
}

// Fakeubuf_t satisfies the same read/write shape as Userbuf_t over a
// plain in-kernel slice, for code paths that accept either a real
// user buffer or kernel-internal memory (e.g. the loopback device
// feeding itself packets).
type Fakeubuf_t struct {
	buf []uint8
	len int
}

// FakeInit initializes the fake buffer over buf.
func (fb *Fakeubuf_t) FakeInit(buf []uint8) {
	fb.buf = buf
	fb.len = len(buf)
}

func (fb *Fakeubuf_t) Remain() int  { return len(fb.buf) }
func (fb *Fakeubuf_t) Totalsz() int { return fb.len }

func (fb *Fakeubuf_t) tx(buf []uint8, tofbuf bool) (int, defs.Err_t) {
	var c int
	if tofbuf {
		c = copy(fb.buf, buf)
	} else {
		c = copy(buf, fb.buf)
	}
	fb.buf = fb.buf[c:]
	return c, 0
}

// Uioread copies from the fake buffer into dst.
func (fb *Fakeubuf_t) Uioread(dst []uint8) (int, defs.Err_t) { return fb.tx(dst, false) }

// Uiowrite copies src into the fake buffer.
func (fb *Fakeubuf_t) Uiowrite(src []uint8) (int, defs.Err_t) { return fb.tx(src, true) }
