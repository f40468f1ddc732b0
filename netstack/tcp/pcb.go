package tcp

import (
	"sync"
	"time"

	"novakernel/netstack"
)

// State is one of RFC 793's eleven connection states (spec.md §4.6).
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Listen:
		return "LISTEN"
	case SynSent:
		return "SYN_SENT"
	case SynReceived:
		return "SYN_RECEIVED"
	case Established:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN_WAIT_1"
	case FinWait2:
		return "FIN_WAIT_2"
	case CloseWait:
		return "CLOSE_WAIT"
	case Closing:
		return "CLOSING"
	case LastAck:
		return "LAST_ACK"
	case TimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// defaultMSS is the TCP payload ceiling per segment: Ethernet's 1500
// byte MTU minus the fixed IPv4 and TCP header lengths, options unused
// (spec.md §6 mirrors IPv4 in leaving TCP options out of scope).
const defaultMSS = 1500 - 20 - 20

// Pcb is one TCP endpoint's protocol control block: its 4-tuple, RFC
// 793 state, send/receive sequence variables, congestion state, and
// BBR model (spec.md §3's TCP endpoint data model).
type Pcb struct {
	mu sync.Mutex

	tuple FourTuple
	state State

	sndUna uint32 // oldest unacknowledged sequence number
	sndNxt uint32 // next sequence number to send
	sndWnd uint16 // peer's advertised receive window

	rcvNxt uint32 // next sequence number expected
	rcvWnd uint16 // our advertised receive window

	iss uint32 // our initial sequence number
	irs uint32 // peer's initial sequence number

	cwnd     int
	ssthresh int
	bbr      *bbr

	sendBuf *netstack.RingBuffer
	recvBuf *netstack.RingBuffer

	rttSampleAt   time.Time
	rttSampleSeq  uint32
	lastDelivered int

	// backlog holds child PCBs accepted but not yet handed to Accept,
	// only meaningful when state == Listen.
	backlog []*Pcb

	// listener points back at the LISTEN PCB a forged child came from,
	// so completing the handshake can append it to that PCB's backlog.
	listener *Pcb
}

// NewListener builds a PCB in LISTEN on localIP:localPort with no
// fixed peer (spec.md §4.6: a listener matches any remote by 4-tuple
// wildcard).
func NewListener(localIP [4]byte, localPort uint16) *Pcb {
	return &Pcb{
		tuple: FourTuple{LocalIP: localIP, LocalPort: localPort},
		state: Listen,
	}
}

// newConnecting builds a PCB about to send the first SYN.
func newConnecting(tuple FourTuple) *Pcb {
	p := &Pcb{tuple: tuple, state: SynSent}
	p.iss = nextISN()
	p.sndUna = p.iss
	p.sndNxt = p.iss + 1
	p.rcvWnd = 65535
	p.cwnd = defaultMSS * 2
	p.ssthresh = 1 << 30
	p.bbr = newBBR(defaultMSS)
	return p
}

// forgeChild derives a new connected PCB from a listener receiving a
// SYN, per spec.md §4.6's "listener-only match forges a derived child
// PCB."
func (listener *Pcb) forgeChild(tuple FourTuple, peerISS uint32) *Pcb {
	c := &Pcb{tuple: tuple, state: SynReceived}
	c.irs = peerISS
	c.rcvNxt = peerISS + 1
	c.rcvWnd = 65535
	c.iss = nextISN()
	c.sndUna = c.iss
	c.sndNxt = c.iss + 1
	c.cwnd = defaultMSS * 2
	c.ssthresh = 1 << 30
	c.bbr = newBBR(defaultMSS)
	return c
}

func (p *Pcb) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pcb) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Tuple returns the PCB's 4-tuple.
func (p *Pcb) Tuple() FourTuple {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tuple
}

// inFlight is the number of unacknowledged bytes outstanding.
func (p *Pcb) inFlight() int {
	return int(p.sndNxt - p.sndUna)
}

// effectiveWindow is the smaller of the peer's advertised window and
// our own congestion window, the usual TCP send-window rule.
func (p *Pcb) effectiveWindow() int {
	w := int(p.sndWnd)
	if bw := p.bbr.Cwnd(); bw < w {
		w = bw
	}
	return w
}
