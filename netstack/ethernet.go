package netstack

import (
	"encoding/binary"
	"fmt"
)

const ethHeaderLen = 14

const (
	EtherTypeIPv4 = 0x0800
	EtherTypeARP  = 0x0806
)

// MAC is a 6-byte Ethernet hardware address.
type MAC [6]byte

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// EthHeader is a parsed Ethernet II header.
type EthHeader struct {
	Dst  MAC
	Src  MAC
	Type uint16
}

// ParseEth reads the Ethernet header at the front of p and advances p
// past it, leaving p.Data() at the L3 payload.
func ParseEth(p *Pbuf) (EthHeader, bool) {
	var h EthHeader
	if p.Len() < ethHeaderLen {
		return h, false
	}
	d := p.Data()
	copy(h.Dst[:], d[0:6])
	copy(h.Src[:], d[6:12])
	h.Type = binary.BigEndian.Uint16(d[12:14])
	p.L2 = p.data
	p.Pull(ethHeaderLen)
	return h, true
}

// PushEth prepends an Ethernet header in front of whatever's already
// in p (expected to be an IPv4 datagram written by BuildIPv4).
func PushEth(p *Pbuf, dst, src MAC, etype uint16) {
	hdr, err := p.Push(ethHeaderLen)
	if err != 0 {
		panic("no headroom for ethernet header")
	}
	copy(hdr[0:6], dst[:])
	copy(hdr[6:12], src[:])
	binary.BigEndian.PutUint16(hdr[12:14], etype)
	p.L2 = p.data
}
