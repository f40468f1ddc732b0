package netstack

import "novakernel/defs"

// Pbuf is the packet buffer data model (spec.md §3): a contiguous byte
// region with head <= data <= tail <= end, the layer-2/3/4 header
// offsets located within it, and single-owner semantics — ownership
// transfers on every Input/Output call, and the last holder frees.
// Grounded on biscuit/src/circbuf/circbuf.go for the
// "reserve headroom, grow toward the front as headers are prepended"
// pattern (Rawwrite's offset-from-frontier addressing), generalized
// from a ring to a single linear buffer since a packet, unlike a TCP
// window, is never wrapped.
type Pbuf struct {
	buf  []uint8
	head int // first byte reserved for headroom
	data int // start of the current layer's payload
	tail int // one past the last valid byte
	end  int // capacity

	iface string // receiving/sending interface name

	L2 int // offset of the Ethernet header, -1 if none
	L3 int // offset of the IPv4 header, -1 if none
	L4 int // offset of the TCP/UDP/ICMP header, -1 if none
}

// headroom reserved for the deepest plausible header stack this
// pipeline builds: Ethernet(14) + IPv4(20) + TCP(20, no options).
const maxHeaderRoom = 14 + 20 + 20

// NewPbuf allocates a packet buffer sized for payload bytes of
// application data plus headroom for every header layer below it, so
// the send path can prepend TCP/IPv4/Ethernet without copying.
func NewPbuf(payload int) *Pbuf {
	sz := maxHeaderRoom + payload
	b := make([]uint8, sz)
	return &Pbuf{
		buf:  b,
		head: 0,
		data: maxHeaderRoom,
		tail: maxHeaderRoom,
		end:  sz,
		L2:   -1,
		L3:   -1,
		L4:   -1,
	}
}

// FromWire wraps an incoming frame with no headroom reserved — the
// receive path only ever strips headers moving data forward, never
// prepends.
func FromWire(raw []uint8, iface string) *Pbuf {
	return &Pbuf{
		buf:   raw,
		head:  0,
		data:  0,
		tail:  len(raw),
		end:   len(raw),
		iface: iface,
		L2:    -1,
		L3:    -1,
		L4:    -1,
	}
}

// Iface returns the buffer's associated interface name.
func (p *Pbuf) Iface() string { return p.iface }

// Data returns the current layer's unconsumed bytes, [data, tail).
func (p *Pbuf) Data() []uint8 {
	return p.buf[p.data:p.tail]
}

// Len returns the number of unconsumed bytes at the current layer.
func (p *Pbuf) Len() int {
	return p.tail - p.data
}

// Pull advances data past n bytes consumed by the current layer's
// header, exposing the next layer's payload. Returns EINVAL if n
// exceeds what remains.
func (p *Pbuf) Pull(n int) defs.Err_t {
	if n < 0 || p.data+n > p.tail {
		return defs.EINVAL
	}
	p.data += n
	return 0
}

// Push reserves n bytes immediately before data for a header about to
// be written by the caller, returning that region. Returns EINVAL if
// fewer than n bytes of headroom remain.
func (p *Pbuf) Push(n int) ([]uint8, defs.Err_t) {
	if n < 0 || p.data-n < p.head {
		return nil, defs.EINVAL
	}
	p.data -= n
	return p.buf[p.data : p.data+n], 0
}

// Append grows tail by n bytes for payload the caller is about to
// write, returning that region. Returns EINVAL if fewer than n bytes
// of tailroom remain.
func (p *Pbuf) Append(n int) ([]uint8, defs.Err_t) {
	if n < 0 || p.tail+n > p.end {
		return nil, defs.EINVAL
	}
	s := p.buf[p.tail : p.tail+n]
	p.tail += n
	return s, 0
}

// Whole returns every byte from the outermost header still present
// through the end of the payload — what actually goes on the wire.
func (p *Pbuf) Whole() []uint8 {
	start := p.data
	if p.L2 >= 0 && p.L2 < start {
		start = p.L2
	}
	return p.buf[start:p.tail]
}
