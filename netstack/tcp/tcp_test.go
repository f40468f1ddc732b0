package tcp

import (
	"testing"

	"novakernel/kheap"
	"novakernel/mem"
	"novakernel/netstack"
	"novakernel/pmm"
)

func testManager(t *testing.T) (*Manager, *netstack.Interface, *[]*netstack.Pbuf) {
	t.Helper()
	var sent []*netstack.Pbuf
	serverIP := [4]byte{10, 0, 0, 1}
	serverMAC := netstack.MAC{0, 1, 2, 3, 4, 5}
	ifc := netstack.NewInterface("eth0", serverMAC, serverIP, func(p *netstack.Pbuf) {
		sent = append(sent, p)
	})
	clientIP := [4]byte{10, 0, 0, 2}
	clientMAC := netstack.MAC{6, 7, 8, 9, 10, 11}
	ifc.Arp.Resolve(clientIP, clientMAC) // pre-seed so sends aren't queued behind ARP

	arena := pmm.NewArena(mem.Size(256 * mem.PGSIZE))
	alloc := pmm.NewAllocator(arena, 1, nil)
	heap := kheap.New(alloc, 0)
	m := NewManager(ifc, heap)
	return m, ifc, &sent
}

func lastSegment(t *testing.T, sent []*netstack.Pbuf, clientIP, serverIP [4]byte) Segment {
	t.Helper()
	if len(sent) == 0 {
		t.Fatal("expected a segment to have been sent")
	}
	p := sent[len(sent)-1]
	wire := netstack.FromWire(append([]uint8(nil), p.Whole()...), "eth0")
	if _, ok := netstack.ParseEth(wire); !ok {
		t.Fatal("expected an ethernet frame")
	}
	iph, err := netstack.ParseIPv4(wire)
	if err != 0 {
		t.Fatalf("ParseIPv4: %v", err)
	}
	if iph.Src != serverIP || iph.Dst != clientIP {
		t.Fatalf("expected reply from %v to %v, got src=%v dst=%v", serverIP, clientIP, iph.Src, iph.Dst)
	}
	seg, serr := parseSegment(wire.Data(), iph.Src, iph.Dst)
	if serr != 0 {
		t.Fatalf("parseSegment: %v", serr)
	}
	return seg
}

func TestPassiveHandshakeReachesEstablished(t *testing.T) {
	m, ifc, sentPtr := testManager(t)
	serverIP, clientIP := ifc.IP, [4]byte{10, 0, 0, 2}
	listener := m.Listen(80)

	const clientPort, serverPort = 4000, 80
	synSeg := Segment{SrcPort: clientPort, DstPort: serverPort, Flags: FlagSYN, Seq: 1000, Window: 65535}
	syn := buildSegment(synSeg, clientIP, serverIP)
	m.onSegment(clientIP, serverIP, syn.Data())

	tuple := FourTuple{LocalIP: serverIP, LocalPort: serverPort, RemoteIP: clientIP, RemotePort: clientPort}
	child, _, ok := m.table.Lookup(tuple)
	if !ok {
		t.Fatal("expected forged child PCB after SYN")
	}
	if child.State() != SynReceived {
		t.Fatalf("expected SYN_RECEIVED, got %v", child.State())
	}

	reply := lastSegment(t, *sentPtr, clientIP, serverIP)
	if reply.Flags&FlagSYN == 0 || reply.Flags&FlagACK == 0 {
		t.Fatalf("expected SYN|ACK, got flags=%x", reply.Flags)
	}
	if reply.Ack != 1001 {
		t.Fatalf("expected ack=1001, got %d", reply.Ack)
	}

	ackSeg := Segment{SrcPort: clientPort, DstPort: serverPort, Flags: FlagACK, Seq: 1001, Ack: reply.Seq + 1, Window: 65535}
	ack := buildSegment(ackSeg, clientIP, serverIP)
	m.onSegment(clientIP, serverIP, ack.Data())

	if child.State() != Established {
		t.Fatalf("expected ESTABLISHED, got %v", child.State())
	}
	if got, ok := listener.Accept(); !ok || got != child {
		t.Fatalf("expected completed child handed to Accept, got %v ok=%v", got, ok)
	}
}

func TestUnknownTupleGetsRST(t *testing.T) {
	m, ifc, sentPtr := testManager(t)
	serverIP, clientIP := ifc.IP, [4]byte{10, 0, 0, 2}

	ackSeg := Segment{SrcPort: 4001, DstPort: 81, Flags: FlagACK, Seq: 5000, Ack: 1, Window: 65535}
	seg := buildSegment(ackSeg, clientIP, serverIP)
	m.onSegment(clientIP, serverIP, seg.Data())

	reply := lastSegment(t, *sentPtr, clientIP, serverIP)
	if reply.Flags&FlagRST == 0 {
		t.Fatalf("expected RST for unmatched 4-tuple, got flags=%x", reply.Flags)
	}
	if reply.Seq != ackSeg.Ack {
		t.Fatalf("expected RST seq to echo incoming ack %d, got %d", ackSeg.Ack, reply.Seq)
	}
}

func TestEstablishedOutOfWindowSegmentDroppedAndAcked(t *testing.T) {
	m, ifc, sentPtr := testManager(t)
	serverIP, clientIP := ifc.IP, [4]byte{10, 0, 0, 2}
	m.Listen(80)

	const clientPort, serverPort = 4000, 80
	synSeg := Segment{SrcPort: clientPort, DstPort: serverPort, Flags: FlagSYN, Seq: 1000, Window: 65535}
	syn := buildSegment(synSeg, clientIP, serverIP)
	m.onSegment(clientIP, serverIP, syn.Data())
	reply := lastSegment(t, *sentPtr, clientIP, serverIP)

	ackSeg := Segment{SrcPort: clientPort, DstPort: serverPort, Flags: FlagACK, Seq: 1001, Ack: reply.Seq + 1, Window: 65535}
	ack := buildSegment(ackSeg, clientIP, serverIP)
	m.onSegment(clientIP, serverIP, ack.Data())

	tuple := FourTuple{LocalIP: serverIP, LocalPort: serverPort, RemoteIP: clientIP, RemotePort: clientPort}
	child, _, _ := m.table.Lookup(tuple)
	before := child.rcvNxt

	// Send a segment far past rcv_nxt: out-of-window, must be dropped.
	stale := Segment{SrcPort: clientPort, DstPort: serverPort, Flags: FlagACK, Seq: before + 500, Ack: reply.Seq + 1, Window: 65535, Payload: []uint8("late")}
	stalePkt := buildSegment(stale, clientIP, serverIP)
	m.onSegment(clientIP, serverIP, stalePkt.Data())

	if child.rcvNxt != before {
		t.Fatalf("expected rcv_nxt unchanged by out-of-window segment, got %d want %d", child.rcvNxt, before)
	}
	dropAck := lastSegment(t, *sentPtr, clientIP, serverIP)
	if dropAck.Ack != before {
		t.Fatalf("expected ack of current rcv_nxt %d for dropped segment, got %d", before, dropAck.Ack)
	}
}
