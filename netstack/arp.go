package netstack

import (
	"encoding/binary"
	"sync"
	"time"

	"novakernel/defs"
)

const arpHeaderLen = 28

const (
	arpOpRequest = 1
	arpOpReply   = 2
)

const (
	arpRetryLimit    = 3
	arpRetryInterval = 500 * time.Millisecond
)

// ArpCache maps an IPv4 address to its resolved MAC, per spec.md §8's
// testable property ("after a reply is cached, subsequent lookups for
// the same IP return the same MAC until eviction"). Pending lookups
// queue the packet that triggered them and retry a bounded number of
// times (spec.md §4.6's failure semantics) before reporting failure to
// the sender.
type ArpCache struct {
	mu      sync.Mutex
	entries map[[4]byte]MAC
	pending map[[4]byte]*arpWait
}

type arpWait struct {
	queued  []*Pbuf
	tries   int
	lastTry time.Time
}

// NewArpCache returns an empty cache.
func NewArpCache() *ArpCache {
	return &ArpCache{
		entries: make(map[[4]byte]MAC),
		pending: make(map[[4]byte]*arpWait),
	}
}

// Lookup returns the cached MAC for ip, if any.
func (c *ArpCache) Lookup(ip [4]byte) (MAC, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[ip]
	return m, ok
}

// Resolve caches (ip, mac) and returns any packets that were queued
// awaiting this resolution, to be sent immediately by the caller.
func (c *ArpCache) Resolve(ip [4]byte, mac MAC) []*Pbuf {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ip] = mac
	w, ok := c.pending[ip]
	if !ok {
		return nil
	}
	delete(c.pending, ip)
	return w.queued
}

// Miss records that p is waiting on ip's resolution, for the caller to
// retry or report ArpUnresolved once arpRetryLimit is exceeded.
// shouldSend reports whether a request should go out now (first miss,
// or the retry interval elapsed).
func (c *ArpCache) Miss(ip [4]byte, p *Pbuf, now time.Time) (shouldSend bool, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.pending[ip]
	if !ok {
		w = &arpWait{}
		c.pending[ip] = w
	}
	if p != nil {
		w.queued = append(w.queued, p)
	}
	if w.tries >= arpRetryLimit {
		delete(c.pending, ip)
		return false, true
	}
	if now.Sub(w.lastTry) < arpRetryInterval && w.tries > 0 {
		return false, false
	}
	w.tries++
	w.lastTry = now
	return true, false
}

// ArpHeader is a parsed ARP packet (Ethernet/IPv4 only, per spec.md
// §6's wire format).
type ArpHeader struct {
	Op        uint16
	SenderMAC MAC
	SenderIP  [4]byte
	TargetMAC MAC
	TargetIP  [4]byte
}

// ParseArp reads an ARP packet from p.Data().
func ParseArp(p *Pbuf) (ArpHeader, bool) {
	var h ArpHeader
	d := p.Data()
	if len(d) < arpHeaderLen {
		return h, false
	}
	if binary.BigEndian.Uint16(d[0:2]) != 1 /* ethernet */ ||
		binary.BigEndian.Uint16(d[2:4]) != EtherTypeIPv4 ||
		d[4] != 6 || d[5] != 4 {
		return h, false
	}
	h.Op = binary.BigEndian.Uint16(d[6:8])
	copy(h.SenderMAC[:], d[8:14])
	copy(h.SenderIP[:], d[14:18])
	copy(h.TargetMAC[:], d[18:24])
	copy(h.TargetIP[:], d[24:28])
	p.Pull(arpHeaderLen)
	return h, true
}

// BuildArp constructs an ARP request or reply packet.
func BuildArp(op uint16, senderMAC MAC, senderIP [4]byte, targetMAC MAC, targetIP [4]byte) *Pbuf {
	p := NewPbuf(arpHeaderLen)
	d, err := p.Append(arpHeaderLen)
	if err != 0 {
		panic("no room for arp header")
	}
	binary.BigEndian.PutUint16(d[0:2], 1)
	binary.BigEndian.PutUint16(d[2:4], EtherTypeIPv4)
	d[4] = 6
	d[5] = 4
	binary.BigEndian.PutUint16(d[6:8], op)
	copy(d[8:14], senderMAC[:])
	copy(d[14:18], senderIP[:])
	copy(d[18:24], targetMAC[:])
	copy(d[24:28], targetIP[:])
	return p
}

// ArpUnresolved is the error value for an ARP resolution whose retries
// are exhausted. Interface's send path does not return it: when Miss
// reports failure, the queued packets are dropped and SendUDP/SendIPv4
// report nothing to their callers.
var ArpUnresolved = defs.EAGAIN
