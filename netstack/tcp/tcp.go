package tcp

import (
	"time"

	"golang.org/x/sync/semaphore"

	"novakernel/defs"
	"novakernel/kheap"
	"novakernel/netstack"
)

// maxRetransmitTimers bounds how many segments can have an in-flight
// retransmission timer at once across every PCB this Manager owns,
// per SPEC_FULL.md's note that an unbounded per-segment timer pool is
// itself a resource-exhaustion vector.
const maxRetransmitTimers = 256

const retransmitTimeout = 200 * time.Millisecond

// windowBufSize is the fixed send/receive buffer size backing each
// established PCB's RingBuffer.
const windowBufSize = 64 * 1024

// seqLT reports whether a comes strictly before b in TCP's modular
// 32-bit sequence space (RFC 1982 style comparison).
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }

func seqLE(a, b uint32) bool { return a == b || seqLT(a, b) }

// Manager owns one interface's TCP endpoints: the PCB table, segment
// dispatch, and the bounded retransmission-timer pool.
type Manager struct {
	table         *Table
	ifc           *netstack.Interface
	heap          *kheap.Heap
	retransmitSem *semaphore.Weighted
}

// NewManager wires m as ifc's TCP handler (spec.md §4.6's segment
// dispatch entry point) and returns a Manager ready to Listen.
func NewManager(ifc *netstack.Interface, heap *kheap.Heap) *Manager {
	m := &Manager{
		table:         NewTable(64),
		ifc:           ifc,
		heap:          heap,
		retransmitSem: semaphore.NewWeighted(maxRetransmitTimers),
	}
	ifc.OnTCP(m.onSegment)
	return m
}

// Listen opens a passive PCB on port, queuing inbound connections for
// Accept.
func (m *Manager) Listen(port uint16) *Pcb {
	p := NewListener(m.ifc.IP, port)
	m.table.Set(p.tuple, p)
	return p
}

// Accept pops one completed inbound connection from listener's
// backlog, or reports none pending.
func (listener *Pcb) Accept() (*Pcb, bool) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.backlog) == 0 {
		return nil, false
	}
	c := listener.backlog[0]
	listener.backlog = listener.backlog[1:]
	return c, true
}

func (m *Manager) onSegment(src, dst [4]byte, ipPayload []uint8) {
	seg, err := parseSegment(ipPayload, src, dst)
	if err != 0 {
		return
	}
	tuple := FourTuple{LocalIP: dst, LocalPort: seg.DstPort, RemoteIP: src, RemotePort: seg.SrcPort}
	pcb, isListener, ok := m.table.Lookup(tuple)
	if !ok {
		// spec.md §4.6: unknown 4-tuple gets an RST.
		m.sendRST(tuple, seg)
		return
	}
	if isListener {
		m.handleListener(pcb, tuple, seg)
		return
	}
	m.step(pcb, tuple, seg)
}

func (m *Manager) handleListener(listener *Pcb, tuple FourTuple, seg Segment) {
	if seg.Flags&FlagSYN == 0 || seg.Flags&FlagACK != 0 {
		return
	}
	child := listener.forgeChild(tuple, seg.Seq)
	child.listener = listener
	m.table.Set(tuple, child)
	m.transmit(tuple, Segment{
		Seq:    child.sndUna,
		Ack:    child.rcvNxt,
		Flags:  FlagSYN | FlagACK,
		Window: child.rcvWnd,
	})
}

func (m *Manager) step(pcb *Pcb, tuple FourTuple, seg Segment) {
	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	if seg.Flags&FlagRST != 0 {
		pcb.state = Closed
		m.table.Del(tuple)
		return
	}
	pcb.sndWnd = seg.Window

	switch pcb.state {
	case SynReceived:
		if seg.Flags&FlagACK != 0 && seg.Ack == pcb.sndNxt {
			pcb.sndUna = seg.Ack
			m.establish(pcb)
			if pcb.listener != nil {
				pcb.listener.mu.Lock()
				pcb.listener.backlog = append(pcb.listener.backlog, pcb)
				pcb.listener.mu.Unlock()
			}
		}

	case SynSent:
		if seg.Flags&FlagSYN != 0 {
			pcb.irs = seg.Seq
			pcb.rcvNxt = seg.Seq + 1
			if seg.Flags&FlagACK != 0 && seg.Ack == pcb.sndNxt {
				pcb.sndUna = seg.Ack
				m.establish(pcb)
				m.transmit(tuple, Segment{Seq: pcb.sndNxt, Ack: pcb.rcvNxt, Flags: FlagACK, Window: pcb.rcvWnd})
			} else {
				pcb.state = SynReceived
				m.transmit(tuple, Segment{Seq: pcb.sndUna, Ack: pcb.rcvNxt, Flags: FlagSYN | FlagACK, Window: pcb.rcvWnd})
			}
		}

	case Established:
		m.handleEstablishedData(pcb, tuple, seg)
		if seg.Flags&FlagFIN != 0 {
			pcb.rcvNxt++
			pcb.state = CloseWait
			m.transmit(tuple, Segment{Seq: pcb.sndNxt, Ack: pcb.rcvNxt, Flags: FlagACK, Window: pcb.rcvWnd})
		}

	case FinWait1:
		m.ackSend(pcb, seg)
		switch {
		case seg.Flags&FlagFIN != 0 && seg.Flags&FlagACK != 0 && seg.Ack == pcb.sndNxt:
			pcb.rcvNxt++
			pcb.state = TimeWait
			m.transmit(tuple, Segment{Seq: pcb.sndNxt, Ack: pcb.rcvNxt, Flags: FlagACK, Window: pcb.rcvWnd})
			m.scheduleTimeWait(tuple)
		case seg.Flags&FlagFIN != 0:
			pcb.rcvNxt++
			pcb.state = Closing
			m.transmit(tuple, Segment{Seq: pcb.sndNxt, Ack: pcb.rcvNxt, Flags: FlagACK, Window: pcb.rcvWnd})
		case seg.Flags&FlagACK != 0 && seg.Ack == pcb.sndNxt:
			pcb.state = FinWait2
		}

	case FinWait2:
		m.ackSend(pcb, seg)
		if seg.Flags&FlagFIN != 0 {
			pcb.rcvNxt++
			pcb.state = TimeWait
			m.transmit(tuple, Segment{Seq: pcb.sndNxt, Ack: pcb.rcvNxt, Flags: FlagACK, Window: pcb.rcvWnd})
			m.scheduleTimeWait(tuple)
		}

	case Closing:
		if seg.Flags&FlagACK != 0 && seg.Ack == pcb.sndNxt {
			pcb.state = TimeWait
			m.scheduleTimeWait(tuple)
		}

	case LastAck:
		if seg.Flags&FlagACK != 0 && seg.Ack == pcb.sndNxt {
			pcb.state = Closed
			m.table.Del(tuple)
		}
	}
}

func (m *Manager) establish(pcb *Pcb) {
	pcb.state = Established
	pcb.sendBuf = &netstack.RingBuffer{}
	pcb.sendBuf.Init(windowBufSize, m.heap)
	pcb.recvBuf = &netstack.RingBuffer{}
	pcb.recvBuf.Init(windowBufSize, m.heap)
}

// ackSend folds a plain ACK's effect on sndUna into states waiting on
// their own FIN being acknowledged.
func (m *Manager) ackSend(pcb *Pcb, seg Segment) {
	if seg.Flags&FlagACK != 0 && seqLT(pcb.sndUna, seg.Ack) && seqLE(seg.Ack, pcb.sndNxt) {
		pcb.sndUna = seg.Ack
	}
}

// handleEstablishedData applies spec.md §4.6's failure semantics for
// ESTABLISHED: in-window segments advance rcv_nxt and get ACKed,
// out-of-window segments are dropped and still ACKed so the peer's
// retransmit timer learns the current window.
func (m *Manager) handleEstablishedData(pcb *Pcb, tuple FourTuple, seg Segment) {
	m.ackSend(pcb, seg)
	if seg.Seq != pcb.rcvNxt {
		m.transmit(tuple, Segment{Seq: pcb.sndNxt, Ack: pcb.rcvNxt, Flags: FlagACK, Window: pcb.rcvWnd})
		return
	}
	if len(seg.Payload) == 0 {
		return
	}
	if pcb.recvBuf != nil {
		pcb.recvBuf.CopyIn(seg.Payload)
	}
	pcb.rcvNxt += uint32(len(seg.Payload))
	m.transmit(tuple, Segment{Seq: pcb.sndNxt, Ack: pcb.rcvNxt, Flags: FlagACK, Window: pcb.rcvWnd})
}

// Send transmits payload as one segment of at most defaultMSS bytes,
// further limited to the unused part of the effective window (no Nagle
// coalescing or fragmentation across multiple segments). Bytes beyond
// that limit are not sent and the caller is not told how many were;
// payload is not copied into pcb's sendBuf.
func (m *Manager) Send(pcb *Pcb, tuple FourTuple, payload []uint8) defs.Err_t {
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	if pcb.state != Established {
		return defs.EINVAL
	}
	limit := defaultMSS
	if w := pcb.effectiveWindow() - pcb.inFlight(); w < limit {
		limit = w
	}
	if limit <= 0 {
		return defs.EAGAIN
	}
	if len(payload) > limit {
		payload = payload[:limit]
	}
	seg := Segment{Seq: pcb.sndNxt, Ack: pcb.rcvNxt, Flags: FlagACK | FlagPSH, Window: pcb.rcvWnd, Payload: payload}
	pcb.bbr.setInflight(pcb.inFlight())
	sentAt := time.Now()
	sentSeq := pcb.sndNxt
	m.transmit(tuple, seg)
	pcb.sndNxt += uint32(len(payload))
	m.arm(pcb, tuple, seg, sentSeq, sentAt)
	return 0
}

// Close initiates the active-close sequence (spec.md §4.6's
// ESTABLISHED/FIN_WAIT_1/... path).
func (m *Manager) Close(pcb *Pcb, tuple FourTuple) {
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	switch pcb.state {
	case Established:
		pcb.state = FinWait1
	case CloseWait:
		pcb.state = LastAck
	default:
		return
	}
	m.transmit(tuple, Segment{Seq: pcb.sndNxt, Ack: pcb.rcvNxt, Flags: FlagFIN | FlagACK, Window: pcb.rcvWnd})
	pcb.sndNxt++
}

// sendRST replies to a segment with no matching PCB, per RFC 793's
// reset-processing rule: echo SEG.ACK as our sequence number if the
// offending segment carried an ACK, otherwise ack past its sequence
// span with our own sequence number left at zero.
func (m *Manager) sendRST(tuple FourTuple, seg Segment) {
	if seg.Flags&FlagACK != 0 {
		m.transmit(tuple, Segment{Seq: seg.Ack, Flags: FlagRST})
		return
	}
	m.transmit(tuple, Segment{Ack: seg.Seq + seqLen(seg), Flags: FlagRST | FlagACK})
}

func (m *Manager) transmit(tuple FourTuple, seg Segment) {
	seg.SrcPort = tuple.LocalPort
	seg.DstPort = tuple.RemotePort
	p := buildSegment(seg, tuple.LocalIP, tuple.RemoteIP)
	m.ifc.SendIPv4(tuple.RemoteIP, netstack.ProtoTCP, p)
}

// arm starts a bounded retransmission timer for one outstanding
// segment. Acquiring the semaphore models SPEC_FULL.md's cap on
// concurrently outstanding timers; a full pool simply skips arming
// this one; retransmission still happens eventually via the peer's
// own duplicate-ACK/RST behavior, it just isn't guaranteed prompt.
func (m *Manager) arm(pcb *Pcb, tuple FourTuple, seg Segment, sentSeq uint32, sentAt time.Time) {
	if !m.retransmitSem.TryAcquire(1) {
		return
	}
	go func() {
		defer m.retransmitSem.Release(1)
		t := time.NewTimer(retransmitTimeout)
		defer t.Stop()
		<-t.C

		pcb.mu.Lock()
		defer pcb.mu.Unlock()
		if pcb.state == Closed || seqLE(sentSeq+seqLen(seg), pcb.sndUna) {
			return // already acknowledged
		}
		rtt := time.Since(sentAt)
		pcb.bbr.sample(time.Now(), rtt, len(seg.Payload))
		m.transmit(tuple, seg)
	}()
}

// scheduleTimeWait tears the PCB down after the 2*MSL-equivalent
// quiet period; modeled as a single fixed delay rather than a true
// maximum-segment-lifetime estimate, since this stack never routes
// across a real multi-hop network where MSL varies.
func (m *Manager) scheduleTimeWait(tuple FourTuple) {
	go func() {
		time.Sleep(2 * retransmitTimeout)
		m.table.Del(tuple)
	}()
}
