package tcp

import (
	"encoding/binary"

	"novakernel/defs"
	"novakernel/netstack"
)

const tcpHeaderLen = 20 // options unused, matching IPv4's IHL=5-only scope

// Flag bits within the TCP header's 6-bit flags field (URG/ECE/CWR
// unused, per the IPv4-options-unused scope this pipeline targets).
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
)

// Segment is a parsed TCP segment.
type Segment struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            uint8
	Window           uint16
	Payload          []uint8
}

// parseSegment reads a TCP segment out of raw (the IPv4 payload bytes
// the netstack.TCPHandler callback hands over) and validates its
// checksum against the pseudo-header built from src/dst.
func parseSegment(raw []uint8, src, dst [4]byte) (Segment, defs.Err_t) {
	var s Segment
	if len(raw) < tcpHeaderLen {
		return s, defs.EINVAL
	}
	dataOff := int(raw[12]>>4) * 4
	if dataOff < tcpHeaderLen || dataOff > len(raw) {
		return s, defs.EINVAL
	}
	pseudo := netstack.IPv4PseudoHeader(src, dst, netstack.ProtoTCP, len(raw))
	if netstack.Checksum16(pseudo, raw) != 0 {
		return s, defs.EINVAL
	}
	s.SrcPort = binary.BigEndian.Uint16(raw[0:2])
	s.DstPort = binary.BigEndian.Uint16(raw[2:4])
	s.Seq = binary.BigEndian.Uint32(raw[4:8])
	s.Ack = binary.BigEndian.Uint32(raw[8:12])
	s.Flags = raw[13] & 0x3f
	s.Window = binary.BigEndian.Uint16(raw[14:16])
	s.Payload = append([]uint8(nil), raw[dataOff:]...)
	return s, 0
}

// buildSegment constructs a wire-format TCP segment as a netstack.Pbuf
// ready for netstack.Interface.SendIPv4, with a fresh pseudo-header
// checksum.
func buildSegment(s Segment, src, dst [4]byte) *netstack.Pbuf {
	p := netstack.NewPbuf(tcpHeaderLen + len(s.Payload))
	d, err := p.Append(tcpHeaderLen + len(s.Payload))
	if err != 0 {
		panic("no room for tcp segment")
	}
	binary.BigEndian.PutUint16(d[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(d[2:4], s.DstPort)
	binary.BigEndian.PutUint32(d[4:8], s.Seq)
	binary.BigEndian.PutUint32(d[8:12], s.Ack)
	d[12] = (tcpHeaderLen / 4) << 4
	d[13] = s.Flags
	binary.BigEndian.PutUint16(d[14:16], s.Window)
	binary.BigEndian.PutUint16(d[16:18], 0) // checksum placeholder
	binary.BigEndian.PutUint16(d[18:20], 0) // urgent pointer, unused
	copy(d[tcpHeaderLen:], s.Payload)
	pseudo := netstack.IPv4PseudoHeader(src, dst, netstack.ProtoTCP, len(d))
	cksum := netstack.Checksum16(pseudo, d)
	binary.BigEndian.PutUint16(d[16:18], cksum)
	return p
}

// seqLen is the sequence-space length a segment consumes: payload
// bytes plus one each for SYN and FIN.
func seqLen(s Segment) uint32 {
	n := uint32(len(s.Payload))
	if s.Flags&FlagSYN != 0 {
		n++
	}
	if s.Flags&FlagFIN != 0 {
		n++
	}
	return n
}
