// Package tcp is the TCP endpoint state machine riding on netstack's
// packet pipeline (spec.md §4.6): the 11-state RFC 793 automaton, PCB
// lookup, segment send/receive, and a BBR-style congestion model.
package tcp

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// FourTuple identifies a TCP endpoint.
type FourTuple struct {
	LocalIP    [4]byte
	LocalPort  uint16
	RemoteIP   [4]byte
	RemotePort uint16
}

// elem is one hash-bucket chain link, kept sorted by keyHash the way
// biscuit/src/hashtable/hashtable.go does, so Del can
// detect a missing key by noticing keyHash overshoot instead of
// scanning the whole chain.
type elem struct {
	key     FourTuple
	value   *Pcb
	keyHash uint32
	next    *elem
}

type bucket struct {
	sync.RWMutex
	first *elem
}

// Table is the TCP PCB table: a fixed-size hash of 4-tuple to *Pcb
// with a lock-free Get, adapted from biscuit's
// biscuit/src/hashtable/hashtable.go (Hashtable_t) — same bucket-chain
// shape and atomic-pointer Get/Set/Del, narrowed from an
// interface{}-keyed generic table to one keyed specifically by
// FourTuple, since this table never holds anything but TCP PCBs.
type Table struct {
	buckets []*bucket
}

// NewTable allocates a PCB table with size buckets.
func NewTable(size int) *Table {
	tb := &Table{buckets: make([]*bucket, size)}
	for i := range tb.buckets {
		tb.buckets[i] = &bucket{}
	}
	return tb
}

func fnv32a(b []byte) uint32 {
	const offset, prime = 2166136261, 16777619
	h := uint32(offset)
	for _, c := range b {
		h ^= uint32(c)
		h *= prime
	}
	return h
}

func keyHash(k FourTuple) uint32 {
	var b [12]byte
	copy(b[0:4], k.LocalIP[:])
	b[4] = byte(k.LocalPort >> 8)
	b[5] = byte(k.LocalPort)
	copy(b[6:10], k.RemoteIP[:])
	b[10] = byte(k.RemotePort >> 8)
	b[11] = byte(k.RemotePort)
	return 2654435761 * fnv32a(b[:])
}

func (tb *Table) bucketFor(kh uint32) *bucket {
	return tb.buckets[int(kh%uint32(len(tb.buckets)))]
}

func loadNext(e **elem) *elem {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	return (*elem)(atomic.LoadPointer(ptr))
}

func storeNext(e **elem, n *elem) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	atomic.StorePointer(ptr, unsafe.Pointer(n))
}

// Get performs a lock-free lookup: readers never block a writer and
// vice versa, matching biscuit's rationale (PCB lookup is the
// pipeline's hottest path).
func (tb *Table) Get(k FourTuple) (*Pcb, bool) {
	kh := keyHash(k)
	b := tb.bucketFor(kh)
	for e := loadNext(&b.first); e != nil; e = loadNext(&e.next) {
		if e.keyHash == kh && e.key == k {
			return e.value, true
		}
	}
	return nil, false
}

// Set inserts k->v, returning false if k was already present.
func (tb *Table) Set(k FourTuple, v *Pcb) bool {
	kh := keyHash(k)
	b := tb.bucketFor(kh)
	b.Lock()
	defer b.Unlock()

	var last *elem
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == k {
			return false
		}
		if kh < e.keyHash {
			break
		}
		last = e
	}
	var next *elem
	if last == nil {
		next = b.first
	} else {
		next = last.next
	}
	n := &elem{key: k, value: v, keyHash: kh, next: next}
	if last == nil {
		storeNext(&b.first, n)
	} else {
		storeNext(&last.next, n)
	}
	return true
}

// Del removes k, a no-op if absent.
func (tb *Table) Del(k FourTuple) {
	kh := keyHash(k)
	b := tb.bucketFor(kh)
	b.Lock()
	defer b.Unlock()

	var last *elem
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == k {
			if last == nil {
				storeNext(&b.first, e.next)
			} else {
				storeNext(&last.next, e.next)
			}
			return
		}
		if kh < e.keyHash {
			return
		}
		last = e
	}
}

// Lookup resolves an incoming segment's 4-tuple with "most specific
// match" semantics (spec.md §4.6): an exact connected-PCB match wins;
// failing that, a listener bound to the local port with a wildcard
// remote wins, and the caller forges a child PCB from it.
func (tb *Table) Lookup(k FourTuple) (pcb *Pcb, isListener bool, ok bool) {
	if p, found := tb.Get(k); found {
		return p, false, true
	}
	wild := FourTuple{LocalIP: k.LocalIP, LocalPort: k.LocalPort}
	if p, found := tb.Get(wild); found && p.State() == Listen {
		return p, true, true
	}
	return nil, false, false
}
