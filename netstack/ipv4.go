package netstack

import (
	"encoding/binary"

	"novakernel/defs"
)

const ipv4HeaderLen = 20 // IHL=5, options unused (spec.md §6)

const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

const (
	ipv4DefaultTTL = 64
	ipv4FlagDF     = 1 << 14
)

// IPv4Header is a parsed IPv4 header (options unused, per spec.md §6).
type IPv4Header struct {
	TotalLen uint16
	Proto    uint8
	TTL      uint8
	Src      [4]byte
	Dst      [4]byte
}

// ParseIPv4 reads an IPv4 header at the front of p, validates its
// checksum, and advances p past it.
func ParseIPv4(p *Pbuf) (IPv4Header, defs.Err_t) {
	var h IPv4Header
	d := p.Data()
	if len(d) < ipv4HeaderLen {
		return h, defs.EINVAL
	}
	verIHL := d[0]
	if verIHL>>4 != 4 || verIHL&0xf != 5 {
		return h, defs.EINVAL
	}
	if checksum16(nil, d[:ipv4HeaderLen]) != 0 {
		return h, defs.EINVAL
	}
	h.TotalLen = binary.BigEndian.Uint16(d[2:4])
	h.TTL = d[8]
	h.Proto = d[9]
	copy(h.Src[:], d[12:16])
	copy(h.Dst[:], d[16:20])
	p.L3 = p.data
	p.Pull(ipv4HeaderLen)
	return h, 0
}

// BuildIPv4 prepends an IPv4 header over the already-written L4
// payload in p, with a fresh header checksum, TTL 64, and DF set
// (spec.md §6).
func BuildIPv4(p *Pbuf, src, dst [4]byte, proto uint8, ident uint16) {
	payloadLen := p.Len()
	hdr, err := p.Push(ipv4HeaderLen)
	if err != 0 {
		panic("no headroom for ipv4 header")
	}
	totalLen := ipv4HeaderLen + payloadLen
	hdr[0] = 4<<4 | 5
	hdr[1] = 0 // DSCP/ECN unused
	binary.BigEndian.PutUint16(hdr[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(hdr[4:6], ident)
	binary.BigEndian.PutUint16(hdr[6:8], ipv4FlagDF)
	hdr[8] = ipv4DefaultTTL
	hdr[9] = proto
	binary.BigEndian.PutUint16(hdr[10:12], 0) // checksum placeholder
	copy(hdr[12:16], src[:])
	copy(hdr[16:20], dst[:])
	cksum := checksum16(nil, hdr)
	binary.BigEndian.PutUint16(hdr[10:12], cksum)
	p.L3 = p.data
}
