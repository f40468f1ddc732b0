// Package netstack is the packet pipeline (spec.md §4.6/§6): the
// packet buffer, Ethernet/ARP/IPv4/ICMP/UDP handling, and the ring
// buffers TCP uses for its send/receive windows. netstack/tcp layers
// the TCP state machine and BBR model on top.
package netstack

import (
	"novakernel/defs"
	"novakernel/kheap"
)

// RingBuffer is TCP's send/receive window storage: a byte ring with
// head (write) and tail (read) indices that only ever grow, wrapped
// modulo bufsz on access. Adapted from biscuit's
// biscuit/src/circbuf/circbuf.go: same wraparound index arithmetic and
// lazy-allocation discipline (errors surface at first use, not at
// Init), but backed by a kheap allocation instead of a mem.Page_i-
// supplied physical page, since this buffer never needs to be a
// single page a user mapping can share — TCP reassembly and
// retransmission queues are purely kernel-internal.
type RingBuffer struct {
	heap  *kheap.Heap
	buf   []uint8
	bufsz int
	head  int
	tail  int
}

// Bufsz returns the configured capacity.
func (cb *RingBuffer) Bufsz() int {
	return cb.bufsz
}

// Init records the buffer's eventual size without allocating; the
// backing bytes come from the kheap lazily, on first use, matching the
// teacher's Cb_init.
func (cb *RingBuffer) Init(sz int, h *kheap.Heap) defs.Err_t {
	if sz <= 0 {
		panic("bad ring buffer size")
	}
	cb.heap = h
	cb.bufsz = sz
	cb.head, cb.tail = 0, 0
	return 0
}

// Ensure guarantees the buffer is backed, allocating on first use.
func (cb *RingBuffer) Ensure() defs.Err_t {
	if cb.buf != nil {
		return 0
	}
	if cb.bufsz == 0 {
		panic("ring buffer not initialized")
	}
	b, err := cb.heap.Alloc(cb.bufsz)
	if err != 0 {
		return err
	}
	cb.buf = b[:cb.bufsz]
	return 0
}

// Release drops the backing allocation, for a torn-down PCB.
func (cb *RingBuffer) Release() {
	if cb.buf == nil {
		return
	}
	cb.heap.Free(cb.buf)
	cb.buf = nil
	cb.head, cb.tail = 0, 0
}

// Full reports whether the buffer has no spare capacity.
func (cb *RingBuffer) Full() bool {
	return cb.head-cb.tail == cb.bufsz
}

// Empty reports whether the buffer holds no unread bytes.
func (cb *RingBuffer) Empty() bool {
	return cb.head == cb.tail
}

// Left returns the remaining write capacity.
func (cb *RingBuffer) Left() int {
	return cb.bufsz - (cb.head - cb.tail)
}

// Used returns the number of unread bytes.
func (cb *RingBuffer) Used() int {
	return cb.head - cb.tail
}

// CopyIn appends as much of src as fits, advancing head.
func (cb *RingBuffer) CopyIn(src []uint8) (int, defs.Err_t) {
	if err := cb.Ensure(); err != 0 {
		return 0, err
	}
	if cb.Full() {
		return 0, 0
	}
	n := len(src)
	if n > cb.Left() {
		n = cb.Left()
	}
	if n == 0 {
		return 0, 0
	}
	r1, r2 := cb.Rawwrite(cb.Used(), n)
	c := copy(r1, src)
	if r2 != nil {
		c += copy(r2, src[c:])
	}
	cb.Advhead(n)
	return n, 0
}

// CopyOut reads up to len(dst) unread bytes into dst, advancing tail.
func (cb *RingBuffer) CopyOut(dst []uint8) (int, defs.Err_t) {
	if err := cb.Ensure(); err != 0 {
		return 0, err
	}
	if cb.Empty() {
		return 0, 0
	}
	n := len(dst)
	if n > cb.Used() {
		n = cb.Used()
	}
	r1, r2 := cb.Rawread(0)
	if len(r1) > n {
		r1 = r1[:n]
	}
	c := copy(dst, r1)
	if r2 != nil && c < n {
		c += copy(dst[c:n], r2)
	}
	cb.Advtail(c)
	return c, 0
}

// Rawwrite exposes up to two slices covering [offset, offset+sz) past
// the write frontier, for writing a retransmitted or reordered segment
// directly into the window without an intermediate copy.
func (cb *RingBuffer) Rawwrite(offset, sz int) ([]uint8, []uint8) {
	if cb.buf == nil {
		panic("ring buffer not backed")
	}
	if cb.Left() < sz {
		panic("write past capacity")
	}
	if sz == 0 {
		return nil, nil
	}
	oi := (cb.head + offset) % cb.bufsz
	oe := (cb.head + offset + sz) % cb.bufsz
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	var r1, r2 []uint8
	if ti <= hi {
		if (oi >= ti && oi < hi) || (oe > ti && oe <= hi) {
			panic("write intersects unread data")
		}
		r1 = cb.buf[oi:]
		if len(r1) > sz {
			r1 = r1[:sz]
		} else {
			r2 = cb.buf[:oe]
		}
	} else {
		if !(oi >= hi && oi < ti && oe > hi && oe <= ti) {
			panic("write intersects unread data")
		}
		r1 = cb.buf[oi:oe]
	}
	return r1, r2
}

// Advhead commits sz freshly written bytes, making them readable.
func (cb *RingBuffer) Advhead(sz int) {
	if cb.Full() || cb.Left() < sz {
		panic("advancing full ring buffer")
	}
	cb.head += sz
}

// Rawread exposes up to two slices covering the unread region starting
// offset bytes past the read frontier.
func (cb *RingBuffer) Rawread(offset int) ([]uint8, []uint8) {
	if cb.buf == nil {
		panic("ring buffer not backed")
	}
	oi := (cb.tail + offset) % cb.bufsz
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	var r1, r2 []uint8
	if ti < hi {
		if oi >= hi || oi < ti {
			panic("read outside unread data")
		}
		r1 = cb.buf[oi:hi]
	} else {
		if oi >= hi && oi < ti {
			panic("read outside unread data")
		}
		tlen := len(cb.buf[ti:])
		if tlen > offset {
			r1 = cb.buf[oi:]
			r2 = cb.buf[:hi]
		} else {
			r1 = cb.buf[offset-tlen : hi]
		}
	}
	return r1, r2
}

// Advtail retires sz consumed bytes.
func (cb *RingBuffer) Advtail(sz int) {
	if sz != 0 && (cb.Empty() || cb.Used() < sz) {
		panic("advancing empty ring buffer")
	}
	cb.tail += sz
}
