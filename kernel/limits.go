package kernel

import (
	"sync/atomic"
)

// Sysatomic_t is an atomically updated resource ceiling: Given raises
// it, Taken/Take lower it and report exhaustion, exactly as the
// teacher's limits.go Sysatomic_t does.
type Sysatomic_t int64

// Given increases the limit by n.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64((*int64)(s), int64(n))
}

// Taken tries to decrement the limit by n, restoring it and reporting
// false if that would drive it negative.
func (s *Sysatomic_t) Taken(n uint) bool {
	if atomic.AddInt64((*int64)(s), -int64(n)) >= 0 {
		return true
	}
	atomic.AddInt64((*int64)(s), int64(n))
	return false
}

// Take decrements the limit by one.
func (s *Sysatomic_t) Take() bool { return s.Taken(1) }

// Give increments the limit by one.
func (s *Sysatomic_t) Give() { s.Given(1) }

// Syslimit_t bounds the resources this kernel actually manages
// (narrowed from biscuit's Syslimit_t, which also bounded vnodes,
// futexes, pipes and in-memory-fs pages — none of which this kernel
// implements; see DESIGN.md for the full list of dropped fields).
// The fields are ceilings only: no subsystem in this module reads or
// enforces them.
type Syslimit_t struct {
	// Sysprocs bounds live sched.Task count.
	Sysprocs int
	// Arpents bounds the ARP cache (spec.md's bounded ARP retry count).
	Arpents int
	// Routes bounds the route table.
	Routes int
	// Tcpsegs bounds per-PCB retained segments awaiting ACK.
	Tcpsegs int
	// Socks bounds total live TCP endpoints, including TIME_WAIT.
	Socks Sysatomic_t
	// Blocks bounds outstanding block.Request count against a Device.
	Blocks int
}

// Syslimit holds the process-wide limits in effect.
var Syslimit = MkSysLimit()

// MkSysLimit returns the default limit set.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Sysprocs: 1e4,
		Arpents:  1024,
		Routes:   32,
		Tcpsegs:  16,
		Socks:    1e5,
		Blocks:   100000,
	}
}
