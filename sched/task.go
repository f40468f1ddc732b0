package sched

import (
	"sync"

	"novakernel/defs"
	"novakernel/vmm"
)

// Class is a task's detected workload category (spec.md §4.4), which
// drives its adaptive time-slice length.
type Class int

const (
	ClassRealtime Class = iota
	ClassInteractive
	ClassIO
	ClassCompute
)

func (c Class) String() string {
	switch c {
	case ClassRealtime:
		return "realtime"
	case ClassInteractive:
		return "interactive"
	case ClassIO:
		return "io"
	case ClassCompute:
		return "compute"
	default:
		return "unknown"
	}
}

// quantumTable maps a workload class to its time slice (spec.md §4.4:
// "2/5/10/20 ms").
var quantumTable = [...]int64{
	ClassRealtime:    2e6,
	ClassInteractive: 5e6,
	ClassIO:          10e6,
	ClassCompute:     20e6,
}

// State is a task's scheduling state.
type State int

const (
	Runnable State = iota
	Running
	Sleeping
	Zombie
)

// Task is the scheduler's unit of work. novakernel maps each Task to
// one goroutine; the scheduler decides when that goroutine is logically
// "running" versus parked, rather than the Go runtime's own scheduler
// (which the kernel emulation deliberately does not rely on for
// workload-class or quantum decisions).
//
// tinfo.go's Tnote_t/Threadinfo_t in biscuit locate the "current"
// task via runtime.Gptr()/Setgptr(), a pair of goroutine-local-storage
// hooks that only exist in Biscuit's patched runtime. novakernel has no
// such hooks and would have no principled way to fabricate them, so
// every scheduler entry point takes the acting Task explicitly instead
// of recovering it from hidden per-goroutine state.
type Task struct {
	Tid defs.Tid_t
	Cpu defs.Cpu_t

	// Affinity is a bitmask of logical CPUs this task may run on (bit i
	// set means CPU i is admissible); a freshly created task admits
	// every CPU. LastCpu is the CPU it was last admitted to or ran on
	// (-1 before admission); admission and work stealing do not
	// consult it.
	Affinity uint64
	LastCpu  defs.Cpu_t

	AS *vmm.Vm_t

	Accnt Accnt_t

	mu      sync.Mutex
	state   State
	class   Class
	quantum int64 // nanoseconds remaining in the current slice

	realtime bool
	fullRuns int // consecutive ticks that exhausted the full quantum
	yields   int // voluntary yields since last classification
	ioBlocks int // blocking I/O waits since last classification

	doomed bool
	killed bool
	killCh chan struct{}

	wake chan struct{}
}

// NewTask creates a task in the Runnable state, classified Interactive
// until its observed behavior says otherwise.
func NewTask(tid defs.Tid_t, as *vmm.Vm_t) *Task {
	return &Task{
		Tid:      tid,
		AS:       as,
		Affinity: ^uint64(0),
		LastCpu:  -1,
		state:    Runnable,
		class:    ClassInteractive,
		quantum:  quantumTable[ClassInteractive],
		killCh:   make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// MarkRealtime pins the task to the realtime class regardless of
// observed behavior (an explicit admission-time opt-in, not inferred).
func (t *Task) MarkRealtime() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.realtime = true
	t.class = ClassRealtime
	t.quantum = quantumTable[ClassRealtime]
}

// Class returns the task's current workload classification.
func (t *Task) Class() Class {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.class
}

// State returns the task's current scheduling state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// RecordYield notes a voluntary yield, nudging future classification
// toward Interactive.
func (t *Task) RecordYield() {
	t.mu.Lock()
	t.yields++
	t.mu.Unlock()
}

// RecordIOBlock notes a blocking I/O wait, nudging future
// classification toward IO.
func (t *Task) RecordIOBlock() {
	t.mu.Lock()
	t.ioBlocks++
	t.mu.Unlock()
}

// reclassify recomputes the task's workload class from its recent
// behavior and resets its quantum accordingly. Called with t.mu held.
func (t *Task) reclassify() {
	if t.realtime {
		t.quantum = quantumTable[ClassRealtime]
		return
	}
	switch {
	case t.ioBlocks > t.yields && t.ioBlocks > t.fullRuns:
		t.class = ClassIO
	case t.yields >= t.fullRuns:
		t.class = ClassInteractive
	default:
		t.class = ClassCompute
	}
	t.quantum = quantumTable[t.class]
	t.fullRuns, t.yields, t.ioBlocks = 0, 0, 0
}

// ConsumeQuantum charges ns nanoseconds against the task's remaining
// slice, returning true if the slice is now exhausted.
func (t *Task) ConsumeQuantum(ns int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quantum -= ns
	if t.quantum > 0 {
		return false
	}
	t.fullRuns++
	t.reclassify()
	return true
}

// Doomed reports whether the task has been marked for cooperative
// cancellation (spec.md §4.4: "doomed/killed flags, lazy reclaim on
// next reschedule").
func (t *Task) Doomed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doomed
}

// Kill marks the task doomed and wakes it if sleeping, so it observes
// the kill at its next cooperative check point rather than being torn
// down from underneath it.
func (t *Task) Kill() {
	t.mu.Lock()
	already := t.killed
	t.killed = true
	t.doomed = true
	t.mu.Unlock()
	if !already {
		close(t.killCh)
	}
	t.Wake()
}

// KillCh returns a channel closed when the task is killed, for
// blocking operations (e.g. a syscall waiting on a packet) to select
// on alongside their own wait condition.
func (t *Task) KillCh() <-chan struct{} {
	return t.killCh
}

// Wake posts a wakeup token on the task's wake channel, releasing a
// pending or subsequent Sleep; it does not change the task's state
// (Scheduler.Sleep and Scheduler.Wake do that). Waking never blocks: the wake channel has a
// buffer of one, matching the single-outstanding-wakeup semantics a
// task needs between one sleep call and the next.
func (t *Task) Wake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}
