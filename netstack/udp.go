package netstack

import (
	"encoding/binary"

	"novakernel/defs"
)

const udpHeaderLen = 8

// UDPHeader is a parsed UDP header.
type UDPHeader struct {
	SrcPort uint16
	DstPort uint16
	Payload []uint8
}

// ParseUDP reads a UDP datagram from p.Data(), validating its checksum
// against the IPv4 pseudo-header.
func ParseUDP(p *Pbuf, src, dst [4]byte) (UDPHeader, defs.Err_t) {
	var h UDPHeader
	d := p.Data()
	if len(d) < udpHeaderLen {
		return h, defs.EINVAL
	}
	length := binary.BigEndian.Uint16(d[4:6])
	if int(length) > len(d) {
		return h, defs.EINVAL
	}
	seg := d[:length]
	pseudo := ipv4Pseudo(src, dst, ProtoUDP, int(length))
	if checksum16(pseudo, seg) != 0 {
		return h, defs.EINVAL
	}
	h.SrcPort = binary.BigEndian.Uint16(seg[0:2])
	h.DstPort = binary.BigEndian.Uint16(seg[2:4])
	h.Payload = append([]uint8(nil), seg[udpHeaderLen:]...)
	return h, 0
}

// BuildUDP constructs a UDP datagram with its checksum over the IPv4
// pseudo-header.
func BuildUDP(srcPort, dstPort uint16, payload []uint8, src, dst [4]byte) *Pbuf {
	p := NewPbuf(udpHeaderLen + len(payload))
	d, err := p.Append(udpHeaderLen + len(payload))
	if err != 0 {
		panic("no room for udp datagram")
	}
	binary.BigEndian.PutUint16(d[0:2], srcPort)
	binary.BigEndian.PutUint16(d[2:4], dstPort)
	binary.BigEndian.PutUint16(d[4:6], uint16(len(d)))
	binary.BigEndian.PutUint16(d[6:8], 0) // checksum placeholder
	copy(d[udpHeaderLen:], payload)
	pseudo := ipv4Pseudo(src, dst, ProtoUDP, len(d))
	cksum := checksum16(pseudo, d)
	binary.BigEndian.PutUint16(d[6:8], cksum)
	return p
}
