package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"novakernel/util"
)

// Accnt_t accumulates per-task CPU and I/O-wait accounting. The
// workload-class detector (Task.reclassify) does not read it; it
// classifies from the task's yield, full-quantum and I/O-block
// counters instead. Kept close to the teacher's
// biscuit/src/accnt/accnt.go.
type Accnt_t struct {
	Userns int64 // nanoseconds of user-mode execution
	Sysns  int64 // nanoseconds of kernel-mode execution
	sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta int) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta int) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// Now returns the current time in nanoseconds since the Unix epoch.
func (a *Accnt_t) Now() int64 {
	return time.Now().UnixNano()
}

// Io_time removes time spent blocked on I/O, measured since the given
// timestamp, from the system-time counter — I/O wait isn't CPU usage.
func (a *Accnt_t) Io_time(since int64) {
	a.Systadd(int(since - a.Now()))
}

// Sleep_time removes time spent voluntarily sleeping from the
// system-time counter.
func (a *Accnt_t) Sleep_time(since int64) {
	a.Systadd(int(since - a.Now()))
}

// Finish adds the elapsed time since inttime to the system-time
// counter, called when a syscall or interrupt handler returns.
func (a *Accnt_t) Finish(inttime int64) {
	a.Systadd(int(a.Now() - inttime))
}

// Add merges another task's accounting into this one (e.g. a parent
// collecting a reaped child's usage for wait4's rusage).
func (a *Accnt_t) Add(n *Accnt_t) {
	a.Lock()
	defer a.Unlock()
	a.Userns += n.Userns
	a.Sysns += n.Sysns
}

// Total returns the combined user+system time consumed.
func (a *Accnt_t) Total() time.Duration {
	return time.Duration(atomic.LoadInt64(&a.Userns) + atomic.LoadInt64(&a.Sysns))
}

// ToRusage encodes the accounting data as a POSIX-style rusage
// structure's two timeval pairs (user, then system), each a
// (seconds, microseconds) pair, for copying to user memory.
func (a *Accnt_t) ToRusage() []uint8 {
	a.Lock()
	defer a.Unlock()
	ret := make([]uint8, 4*8)
	totv := func(nano int64) (int, int) {
		return int(nano / 1e9), int((nano % 1e9) / 1000)
	}
	off := 0
	put := func(nano int64) {
		s, us := totv(nano)
		util.Writen(ret, 8, off, s)
		off += 8
		util.Writen(ret, 8, off, us)
		off += 8
	}
	put(a.Userns)
	put(a.Sysns)
	return ret
}
