// Package trap is the vector dispatch layer (spec.md §4.5): the 256
// entries of the IDT collapse to three bands novakernel actually acts
// on — CPU exceptions (0-31), device IRQs (32-47), and the single
// software-interrupt vector used for syscalls — plus a pass-through
// for anything else.
//
// A real freestanding kernel reaches this code from an assembly stub
// that has already pushed the hardware's error code and saved
// registers; novakernel is a hosted Go module, so its caller supplies
// that state explicitly as a Frame instead.
package trap

import (
	"novakernel/defs"
	"novakernel/mem"
	"novakernel/sched"
)

// Vector numbers spec.md §4.5 assigns meaning to. Everything else in
// 0-255 is either reserved by the CPU or unused by this kernel.
const (
	VecPageFault = 14
	VecTimer     = 32
	VecSyscall   = 0x80
)

// Frame is the trapped CPU state handed to Dispatch. Regs carries the
// syscall argument/return registers in biscuit's rax/rdi/rsi/rdx/
// r10/r8/r9 order; FaultAddr and ErrCode are only meaningful for
// VecPageFault.
type Frame struct {
	Vector    int
	Regs      [7]uintptr
	FaultAddr uintptr
	ErrCode   mem.Pa_t
	RIP       uintptr
	Text      []byte // bytes at RIP, for instruction decode on a fault
}

// Outcome tells the caller what to do after Dispatch returns: resume
// the trapped task, reschedule because its quantum (or life) ended, or
// kill it for a fault it can't handle.
type Outcome int

const (
	Resume Outcome = iota
	Reschedule
	Kill
)

// Dispatcher routes trapped vectors to the scheduler and VMM. One
// Dispatcher exists per logical CPU.
type Dispatcher struct {
	Cpu     defs.Cpu_t
	Sch     *sched.Scheduler
	Quantum int64 // last timer period observed, for Tick's elapsed-time argument
}

// New builds a dispatcher for the given CPU's scheduler.
func New(cpu defs.Cpu_t, sch *sched.Scheduler, quantumNs int64) *Dispatcher {
	return &Dispatcher{Cpu: cpu, Sch: sch, Quantum: quantumNs}
}

// Dispatch handles one trapped vector for the task presently running
// on d.Cpu, returning what the caller should do next. f is mutated in
// place for VecSyscall so the caller can restore rax from f.Regs[0].
func (d *Dispatcher) Dispatch(f *Frame) Outcome {
	switch {
	case f.Vector == VecPageFault:
		return d.pagefault(f)
	case f.Vector == VecTimer:
		return d.timer()
	case f.Vector == VecSyscall:
		return d.syscall(f)
	case f.Vector < 32:
		return d.exception(f)
	default:
		// Unrecognized IRQ: acknowledge by resuming: a stray or
		// unhandled device vector shouldn't kill the running task.
		return Resume
	}
}

// exception handles CPU faults other than the page fault (divide
// error, general protection, etc): novakernel doesn't emulate
// instruction-level recovery for these, so the owning task is killed.
func (d *Dispatcher) exception(f *Frame) Outcome {
	cur := d.Sch.Current(d.Cpu)
	if cur == nil {
		return Resume
	}
	d.Sch.Kill(cur)
	return Kill
}

// pagefault resolves vector 14 through the current task's address
// space (spec.md §4.3's Pgfault), killing the task only when the VMM
// reports a genuine protection violation rather than a resolvable
// demand-paging or COW fault.
func (d *Dispatcher) pagefault(f *Frame) Outcome {
	cur := d.Sch.Current(d.Cpu)
	if cur == nil || cur.AS == nil {
		return Resume
	}
	err := cur.AS.Pgfault(f.FaultAddr, f.ErrCode)
	if err == 0 {
		return Resume
	}
	if err == defs.EFAULT {
		classifyFault(*f)
	}
	d.Sch.Kill(cur)
	return Kill
}

// timer charges the elapsed quantum to the current task and asks the
// scheduler whether it's time to reschedule (spec.md §4.4's tick path).
func (d *Dispatcher) timer() Outcome {
	cur := d.Sch.Current(d.Cpu)
	if d.Sch.Tick(d.Cpu, cur, d.Quantum) {
		return Reschedule
	}
	return Resume
}

// syscall decodes and executes a single syscall for the current task,
// leaving the result in Regs[0] (rax) the way biscuit's trapstub
// convention returns values to user mode. defs.Err_t is an internal
// tagged result carried as a small positive value everywhere else in
// this module; this is the one boundary where it's mapped to the
// small negative integer a POSIX-like ABI expects, so a caller never
// needs to thread a negative convention through every internal return.
func (d *Dispatcher) syscall(f *Frame) Outcome {
	cur := d.Sch.Current(d.Cpu)
	if cur == nil {
		return Resume
	}
	ret, err := d.Exec(cur, f.Regs)
	if err != 0 {
		f.Regs[0] = uintptr(-int64(err))
	} else {
		f.Regs[0] = ret
	}
	return Resume
}
