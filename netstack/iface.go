package netstack

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"novakernel/defs"
)

// UDPHandler delivers a reassembled UDP datagram to whatever owns
// dstPort; returning false means "no listener", which the pipeline
// currently just drops (spec.md §6 names no UDP not-found semantics,
// unlike TCP's explicit RST).
type UDPHandler func(src [4]byte, h UDPHeader) bool

// TCPHandler delivers a reassembled IPv4 datagram carrying a TCP
// segment to the TCP layer; defined as a func value (rather than an
// import of netstack/tcp) to avoid a netstack<->netstack/tcp import
// cycle, since netstack/tcp imports netstack for Pbuf/IPv4Header.
type TCPHandler func(src, dst [4]byte, ipPayload []uint8)

// Interface is one simulated NIC: an address, its hardware address,
// an inbound queue, and the ARP cache governing outbound resolution on
// it. One goroutine per Interface drains its inbound queue
// (spec.md §12's "one goroutine per simulated NIC queue"),
// coordinated with an errgroup.Group so the pipeline can be shut down
// and its worker errors observed together.
type Interface struct {
	Name string
	MAC  MAC
	IP   [4]byte

	Arp *ArpCache

	inbound chan *Pbuf
	send    func(*Pbuf) // hands a fully built frame to the device layer (external)

	identCounter uint32

	udpHandler UDPHandler
	tcpHandler TCPHandler
}

// NewInterface builds an interface whose outbound frames are handed
// to send (the device-layer driver, external to this kernel per
// spec.md §1).
func NewInterface(name string, mac MAC, ip [4]byte, send func(*Pbuf)) *Interface {
	return &Interface{
		Name:    name,
		MAC:     mac,
		IP:      ip,
		Arp:     NewArpCache(),
		inbound: make(chan *Pbuf, 64),
		send:    send,
	}
}

// OnUDP registers the UDP payload delivery callback.
func (ifc *Interface) OnUDP(h UDPHandler) { ifc.udpHandler = h }

// OnTCP registers the TCP segment delivery callback.
func (ifc *Interface) OnTCP(h TCPHandler) { ifc.tcpHandler = h }

// Inject queues a raw frame as if received off the wire, for tests and
// the device-layer receive interrupt handler.
func (ifc *Interface) Inject(raw []uint8) {
	ifc.inbound <- FromWire(raw, ifc.Name)
}

// Run drains the inbound queue until ctx is canceled, via an
// errgroup.Group so callers running several interfaces can wait on
// all of them and collect the first error.
func (ifc *Interface) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case p := <-ifc.inbound:
				ifc.handle(p)
			}
		}
	})
	return g.Wait()
}

func (ifc *Interface) handle(p *Pbuf) {
	eth, ok := ParseEth(p)
	if !ok {
		return
	}
	switch eth.Type {
	case EtherTypeARP:
		ifc.handleArp(p, eth)
	case EtherTypeIPv4:
		ifc.handleIPv4(p, eth)
	}
}

func (ifc *Interface) handleArp(p *Pbuf, eth EthHeader) {
	req, ok := ParseArp(p)
	if !ok {
		return
	}
	queued := ifc.Arp.Resolve(req.SenderIP, req.SenderMAC)
	for _, qp := range queued {
		ifc.sendIPv4Frame(qp, req.SenderMAC)
	}
	if req.Op == arpOpRequest && req.TargetIP == ifc.IP {
		reply := BuildArp(arpOpReply, ifc.MAC, ifc.IP, req.SenderMAC, req.SenderIP)
		PushEth(reply, req.SenderMAC, ifc.MAC, EtherTypeARP)
		ifc.send(reply)
	}
}

func (ifc *Interface) handleIPv4(p *Pbuf, eth EthHeader) {
	iph, err := ParseIPv4(p)
	if err != 0 {
		return
	}
	switch iph.Proto {
	case ProtoICMP:
		ifc.handleICMP(p, iph)
	case ProtoUDP:
		if h, err := ParseUDP(p, iph.Src, iph.Dst); err == 0 && ifc.udpHandler != nil {
			ifc.udpHandler(iph.Src, h)
		}
	case ProtoTCP:
		if ifc.tcpHandler != nil {
			ifc.tcpHandler(iph.Src, iph.Dst, p.Data())
		}
	}
}

func (ifc *Interface) handleICMP(p *Pbuf, iph IPv4Header) {
	echo, err := ParseICMPEcho(p)
	if err != 0 || echo.Reply {
		return
	}
	reply := BuildICMPEchoReply(echo)
	ident := uint16(atomic.AddUint32(&ifc.identCounter, 1))
	BuildIPv4(reply, ifc.IP, iph.Src, ProtoICMP, ident)
	ifc.sendIPv4Frame(reply, MAC{}) // resolved below via ARP if needed
}

// sendIPv4Frame resolves dst's MAC (from the IPv4 header already
// written into p) via ARP and transmits, or queues p pending
// resolution (spec.md §4.6's ARP-miss failure semantics).
func (ifc *Interface) sendIPv4Frame(p *Pbuf, knownMAC MAC) {
	var dst [4]byte
	if p.L3 >= 0 {
		copy(dst[:], p.Whole()[16:20])
	}
	mac := knownMAC
	if mac == (MAC{}) {
		if m, ok := ifc.Arp.Lookup(dst); ok {
			mac = m
		} else {
			send, failed := ifc.Arp.Miss(dst, p, time.Now())
			if failed {
				return // retries exhausted: p and every packet queued for dst are dropped; no error reaches the sender
			}
			if send {
				req := BuildArp(arpOpRequest, ifc.MAC, ifc.IP, MAC{}, dst)
				PushEth(req, BroadcastMAC, ifc.MAC, EtherTypeARP)
				ifc.send(req)
			}
			return
		}
	}
	PushEth(p, mac, ifc.MAC, EtherTypeIPv4)
	ifc.send(p)
}

// SendUDP builds and transmits a UDP datagram to dst.
func (ifc *Interface) SendUDP(dst [4]byte, dstPort, srcPort uint16, payload []uint8) defs.Err_t {
	p := BuildUDP(srcPort, dstPort, payload, ifc.IP, dst)
	ident := uint16(atomic.AddUint32(&ifc.identCounter, 1))
	BuildIPv4(p, ifc.IP, dst, ProtoUDP, ident)
	ifc.sendIPv4Frame(p, MAC{})
	return 0
}

// SendIPv4 wraps an already-built L4 payload (e.g. a TCP segment) in
// an IPv4 header and transmits it.
func (ifc *Interface) SendIPv4(dst [4]byte, proto uint8, p *Pbuf) {
	ident := uint16(atomic.AddUint32(&ifc.identCounter, 1))
	BuildIPv4(p, ifc.IP, dst, proto, ident)
	ifc.sendIPv4Frame(p, MAC{})
}
