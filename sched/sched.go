// Package sched is the per-CPU adaptive-quantum scheduler (spec.md
// §4.4): FIFO ready queues, workload-class detection driving quantum
// length, admission, the timer-tick/reschedule path, work stealing,
// voluntary yield/sleep, and cooperative task cancellation.
package sched

import (
	"sync"
	"sync/atomic"

	"novakernel/defs"
)

// stealThreshold is how far ahead a peer's queue length must be
// before an idle CPU steals from it (spec.md §4.4: "peer load >=
// mine+2").
const stealThreshold = 2

// loadBalancePeriod is how many timer ticks pass between proactive
// load-balancing sweeps (spec.md §4.4: "every 100 ticks, attempt load
// balancing"), distinct from the reactive steal pickNext performs the
// instant a CPU goes idle.
const loadBalancePeriod = 100

// Scheduler owns one run queue per logical CPU plus the global task
// table used to resolve a Tid_t to its Task (for kill(2), wait4(2),
// etc).
type Scheduler struct {
	queues  []runQueue
	current []*Task // indexed by defs.Cpu_t; the task presently charged to that CPU

	ticks uint64 // global tick counter, for the periodic load-balance sweep

	mu    sync.Mutex
	tasks map[defs.Tid_t]*Task
}

// New builds a scheduler for ncpu logical CPUs.
func New(ncpu int) *Scheduler {
	return &Scheduler{
		queues:  make([]runQueue, ncpu),
		current: make([]*Task, ncpu),
		tasks:   make(map[defs.Tid_t]*Task),
	}
}

// Admit adds a newly created task to a CPU chosen by affinity: the
// lowest-load CPU whose affinity mask admits the task (spec.md §4.4
// admission default).
func (s *Scheduler) Admit(t *Task) defs.Err_t {
	cpu, ok := s.pickAdmissionCPU(t.Affinity)
	if !ok {
		return defs.EINVAL
	}
	t.Cpu = cpu
	t.LastCpu = cpu
	s.mu.Lock()
	if _, dup := s.tasks[t.Tid]; dup {
		s.mu.Unlock()
		return defs.EEXIST
	}
	s.tasks[t.Tid] = t
	s.mu.Unlock()
	s.queues[cpu].pushBack(t)
	return 0
}

// pickAdmissionCPU returns the least-loaded CPU whose bit is set in
// mask, or false if mask admits no CPU this scheduler owns.
func (s *Scheduler) pickAdmissionCPU(mask uint64) (defs.Cpu_t, bool) {
	best := -1
	bestLen := 0
	for i := range s.queues {
		if mask&(uint64(1)<<uint(i)) == 0 {
			continue
		}
		if l := s.queues[i].len(); best < 0 || l < bestLen {
			best, bestLen = i, l
		}
	}
	if best < 0 {
		return 0, false
	}
	return defs.Cpu_t(best), true
}

// Lookup resolves tid to its Task.
func (s *Scheduler) Lookup(tid defs.Tid_t) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[tid]
	return t, ok
}

// Remove drops tid from the task table once it has been reaped.
func (s *Scheduler) Remove(tid defs.Tid_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, tid)
}

// pickNext returns the next task to run on cpu: its own queue first,
// falling back to stealing from the most loaded peer whose queue holds
// a task cpu's affinity admits.
func (s *Scheduler) pickNext(cpu defs.Cpu_t) *Task {
	if t := s.queues[cpu].popFront(); t != nil {
		return t
	}
	return s.stealFromPeers(cpu)
}

// stealFromPeers tries each peer CPU whose queue is loaded enough to
// justify stealing (spec.md §4.4: "peer load >= mine+2"), most loaded
// first, skipping a peer whose queue has nothing cpu's affinity mask
// admits rather than giving up entirely.
func (s *Scheduler) stealFromPeers(cpu defs.Cpu_t) *Task {
	mine := s.queues[cpu].len()
	threshold := mine + stealThreshold - 1
	tried := make([]bool, len(s.queues))
	for {
		best := -1
		bestLen := threshold
		for i := range s.queues {
			if defs.Cpu_t(i) == cpu || tried[i] {
				continue
			}
			if l := s.queues[i].len(); l > bestLen {
				best, bestLen = i, l
			}
		}
		if best < 0 {
			return nil
		}
		if t := s.queues[best].stealOne(cpu); t != nil {
			return t
		}
		// That peer had nothing admissible; don't reconsider it this
		// pass, but keep looking among the rest.
		tried[best] = true
	}
}

// Reschedule is the scheduler's core decision point, called from the
// timer tick, a voluntary yield, or a blocking syscall. If prev is
// still runnable (not doomed, not going to sleep) it is re-enqueued at
// the tail of its own CPU's queue; the next task (own queue, or
// stolen from a peer) becomes current and has its quantum reset for
// its class. Reschedule returns nil if cpu has no runnable work.
func (s *Scheduler) Reschedule(cpu defs.Cpu_t, prev *Task, prevRunnable bool) *Task {
	if prev != nil {
		prev.mu.Lock()
		if prev.doomed {
			prev.state = Zombie
			prevRunnable = false
		}
		prev.mu.Unlock()
		if prevRunnable {
			prev.mu.Lock()
			prev.state = Runnable
			prev.mu.Unlock()
			s.queues[prev.Cpu].pushBack(prev)
		}
	}

	next := s.pickNext(cpu)
	s.current[cpu] = next
	if next == nil {
		return nil
	}
	next.mu.Lock()
	next.Cpu = cpu
	next.LastCpu = cpu
	next.state = Running
	next.quantum = quantumTable[next.class]
	next.mu.Unlock()
	return next
}

// Current returns the task presently charged to cpu, or nil if it's
// idle.
func (s *Scheduler) Current(cpu defs.Cpu_t) *Task {
	return s.current[cpu]
}

// Tick charges elapsed nanoseconds of execution to cur (cpu's current
// task), advances the global tick count, and reports whether cur's
// quantum has expired, i.e. whether the timer IRQ handler should call
// Reschedule. Every loadBalancePeriod ticks it also runs a proactive
// load-balancing sweep (spec.md §4.4), independent of whatever cur's
// own quantum decision is.
func (s *Scheduler) Tick(cpu defs.Cpu_t, cur *Task, elapsedNs int64) bool {
	if n := atomic.AddUint64(&s.ticks, 1); n%loadBalancePeriod == 0 {
		s.loadBalance(cpu)
	}
	if cur == nil {
		return false
	}
	return cur.ConsumeQuantum(elapsedNs)
}

// loadBalance proactively steals one task onto cpu from the most
// loaded peer above the steal threshold, the same selection
// stealFromPeers uses reactively on an empty queue, but triggered here
// by the tick counter rather than cpu actually going idle (spec.md
// §4.4: "every 100 ticks, attempt load balancing").
func (s *Scheduler) loadBalance(cpu defs.Cpu_t) {
	t := s.stealFromPeers(cpu)
	if t == nil {
		return
	}
	t.mu.Lock()
	t.Cpu = cpu
	t.LastCpu = cpu
	t.mu.Unlock()
	s.queues[cpu].pushBack(t)
}

// Yield voluntarily relinquishes the CPU: t is re-enqueued immediately
// and classification nudged toward Interactive. The caller's goroutine
// should block on t.wake (or simply return from its run loop and be
// redriven) until it is next chosen by Reschedule.
func (s *Scheduler) Yield(t *Task) {
	t.RecordYield()
	s.Reschedule(t.Cpu, t, true)
}

// Sleep removes t from scheduling entirely until Wake(t) is called
// (spec.md §4.4 voluntary sleep); the slept time is not charged to
// t.Accnt. The caller's goroutine blocks here until woken or killed.
func (s *Scheduler) Sleep(t *Task) {
	t.mu.Lock()
	t.state = Sleeping
	t.mu.Unlock()

	select {
	case <-t.wake:
	case <-t.killCh:
	}

	t.mu.Lock()
	if t.state == Sleeping {
		t.state = Runnable
	}
	t.mu.Unlock()
}

// Wake moves t from Sleeping back onto its CPU's ready queue.
func (s *Scheduler) Wake(t *Task) {
	t.Wake()
	t.mu.Lock()
	wasSleeping := t.state == Sleeping
	if wasSleeping {
		t.state = Runnable
	}
	t.mu.Unlock()
	if wasSleeping {
		s.queues[t.Cpu].pushBack(t)
	}
}

// Kill marks t doomed; its next reschedule point reclaims it instead
// of re-enqueuing it (spec.md §4.4: "lazy reclaim on next
// reschedule").
func (s *Scheduler) Kill(t *Task) {
	t.Kill()
}

// Load reports cpu's ready-queue depth, for external admission-policy
// decisions (e.g. placing a new task on the least loaded CPU).
func (s *Scheduler) Load(cpu defs.Cpu_t) int {
	return s.queues[cpu].len()
}

// NCPU reports the number of logical CPUs this scheduler was built
// for, for callers that want to range over every Load(cpu) (e.g. the
// profiling device).
func (s *Scheduler) NCPU() int {
	return len(s.queues)
}
