package trap

import (
	"testing"

	"novakernel/defs"
	"novakernel/mem"
	"novakernel/pmm"
	"novakernel/sched"
	"novakernel/vmm"
)

func testDispatcher(t *testing.T) (*Dispatcher, *sched.Scheduler, *sched.Task) {
	t.Helper()
	arena := pmm.NewArena(mem.Size(256 * mem.PGSIZE))
	alloc := pmm.NewAllocator(arena, 1, nil)
	as, err := vmm.NewAddrSpace(alloc, 0, uintptr(0x1000_0000))
	if err != 0 {
		t.Fatalf("NewAddrSpace: %v", err)
	}
	as.Vmadd_anon(0x2000_0000, 4, mem.PTE_U|mem.PTE_W)

	sch := sched.New(1)
	task := sched.NewTask(1, as)
	sch.Admit(task)
	sch.Reschedule(0, nil, false)

	return New(0, sch, quantumTableTestValue), sch, task
}

const quantumTableTestValue = 5_000_000

func TestPageFaultResolvedByVMMResumes(t *testing.T) {
	d, _, _ := testDispatcher(t)
	f := &Frame{
		Vector:    VecPageFault,
		FaultAddr: 0x2000_0000,
		ErrCode:   mem.PTE_U,
	}
	if got := d.Dispatch(f); got != Resume {
		t.Fatalf("expected Resume, got %v", got)
	}
}

func TestPageFaultOutsideAnyVMAKillsTask(t *testing.T) {
	d, sch, task := testDispatcher(t)
	f := &Frame{
		Vector:    VecPageFault,
		FaultAddr: 0x9999_0000,
		ErrCode:   mem.PTE_U,
	}
	if got := d.Dispatch(f); got != Kill {
		t.Fatalf("expected Kill, got %v", got)
	}
	if !task.Doomed() {
		t.Fatal("expected task marked doomed")
	}
	_ = sch
}

func TestTimerTriggersRescheduleOnQuantumExpiry(t *testing.T) {
	d, _, _ := testDispatcher(t)
	f := &Frame{Vector: VecTimer}
	d.Quantum = quantumTableTestValue / 2
	if got := d.Dispatch(f); got != Resume {
		t.Fatalf("expected Resume before quantum exhausted, got %v", got)
	}
	d.Quantum = quantumTableTestValue
	if got := d.Dispatch(f); got != Reschedule {
		t.Fatalf("expected Reschedule once quantum exhausted, got %v", got)
	}
}

func TestSyscallGetpidReturnsTid(t *testing.T) {
	d, _, task := testDispatcher(t)
	f := &Frame{Vector: VecSyscall}
	f.Regs[0] = uintptr(defs.SYS_GETPID)
	if got := d.Dispatch(f); got != Resume {
		t.Fatalf("expected Resume, got %v", got)
	}
	if f.Regs[0] != uintptr(task.Tid) {
		t.Fatalf("expected rax=%d, got %d", task.Tid, f.Regs[0])
	}
}

func TestSyscallUnknownReturnsENOSYS(t *testing.T) {
	d, _, _ := testDispatcher(t)
	f := &Frame{Vector: VecSyscall}
	f.Regs[0] = uintptr(999)
	d.Dispatch(f)
	if f.Regs[0] != uintptr(-int64(defs.ENOSYS)) {
		t.Fatalf("expected -ENOSYS, got %d", f.Regs[0])
	}
}

func TestSyscallBrkGrowsAddressSpace(t *testing.T) {
	d, _, _ := testDispatcher(t)
	f := &Frame{Vector: VecSyscall}
	f.Regs[0] = uintptr(defs.SYS_BRK)
	f.Regs[1] = 0x1000_1000
	d.Dispatch(f)
	if f.Regs[0] == 0 {
		t.Fatal("expected brk to report the new break")
	}
}

func TestExceptionVectorKillsCurrentTask(t *testing.T) {
	d, _, task := testDispatcher(t)
	f := &Frame{Vector: 0} // divide error
	if got := d.Dispatch(f); got != Kill {
		t.Fatalf("expected Kill, got %v", got)
	}
	if !task.Doomed() {
		t.Fatal("expected task doomed after unrecoverable exception")
	}
}
