package netstack

import (
	"encoding/binary"

	"novakernel/defs"
)

const icmpHeaderLen = 8

const (
	icmpTypeEchoRequest = 8
	icmpTypeEchoReply   = 0
)

// ICMPEcho is a parsed ICMP echo request/reply (spec.md §6; other ICMP
// types are out of scope for this pipeline).
type ICMPEcho struct {
	Reply   bool
	ID      uint16
	Seq     uint16
	Payload []uint8
}

// ParseICMPEcho reads an ICMP echo message from p.Data(), validating
// its checksum.
func ParseICMPEcho(p *Pbuf) (ICMPEcho, defs.Err_t) {
	var h ICMPEcho
	d := p.Data()
	if len(d) < icmpHeaderLen {
		return h, defs.EINVAL
	}
	if checksum16(nil, d) != 0 {
		return h, defs.EINVAL
	}
	switch d[0] {
	case icmpTypeEchoRequest:
		h.Reply = false
	case icmpTypeEchoReply:
		h.Reply = true
	default:
		return h, defs.EINVAL
	}
	h.ID = binary.BigEndian.Uint16(d[4:6])
	h.Seq = binary.BigEndian.Uint16(d[6:8])
	h.Payload = append([]uint8(nil), d[icmpHeaderLen:]...)
	return h, 0
}

// BuildICMPEchoReply constructs the reply to req, identifier/sequence/
// payload echoed back unchanged (spec.md §8's ARP-then-ICMP scenario).
func BuildICMPEchoReply(req ICMPEcho) *Pbuf {
	p := NewPbuf(icmpHeaderLen + len(req.Payload))
	d, err := p.Append(icmpHeaderLen + len(req.Payload))
	if err != 0 {
		panic("no room for icmp echo reply")
	}
	d[0] = icmpTypeEchoReply
	d[1] = 0
	binary.BigEndian.PutUint16(d[2:4], 0) // checksum placeholder
	binary.BigEndian.PutUint16(d[4:6], req.ID)
	binary.BigEndian.PutUint16(d[6:8], req.Seq)
	copy(d[icmpHeaderLen:], req.Payload)
	cksum := checksum16(nil, d)
	binary.BigEndian.PutUint16(d[2:4], cksum)
	return p
}
