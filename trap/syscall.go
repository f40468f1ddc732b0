package trap

import (
	"novakernel/defs"
	"novakernel/mem"
	"novakernel/sched"
)

// Handler executes one syscall for t with its decoded register
// arguments and the dispatcher's scheduler (for yield/kill/lookup),
// returning the value to place in rax and an Err_t (0 on success,
// matching every other kernel API in this module).
type Handler func(d *Dispatcher, t *sched.Task, args [defs.MaxArgs]uintptr) (uintptr, defs.Err_t)

// table is the syscall dispatch table keyed by defs/syscalls.go's
// SYS_* constants (spec.md §4.5/§6). A number absent from the table
// is "not implemented", matching the comment on defs.SYS_GFX_POLL_EVENT
// et al: the dispatch layer rejects it with ENOSYS rather than
// panicking, since an unrecognized syscall is user error, not a kernel
// bug.
var table = map[int]Handler{
	defs.SYS_MMAP:   sysMmap,
	defs.SYS_MUNMAP: sysMunmap,
	defs.SYS_BRK:    sysBrk,
	defs.SYS_GETPID: sysGetpid,
	defs.SYS_YIELD:  sysYield,
	defs.SYS_KILL:   sysKill,

	// Reserved per defs.SYS_GFX_*'s comment: the compositor lives
	// outside this kernel (spec.md §1), so these are acknowledged but
	// never executed here.
	defs.SYS_GFX_CREATE_SURFACE: sysGfxStub,
	defs.SYS_GFX_BLIT:           sysGfxStub,
	defs.SYS_GFX_POLL_EVENT:     sysGfxStub,
}

// Exec decodes regs into biscuit's rax/rdi/rsi/rdx/r10/r8/r9
// argument convention (regs[0] is the syscall number in rax) and
// dispatches to the matching handler.
func (d *Dispatcher) Exec(t *sched.Task, regs [7]uintptr) (uintptr, defs.Err_t) {
	num := int(regs[0])
	h, ok := table[num]
	if !ok {
		return 0, defs.ENOSYS
	}
	var args [defs.MaxArgs]uintptr
	copy(args[:], regs[1:])
	return h(d, t, args)
}

func sysMmap(d *Dispatcher, t *sched.Task, args [defs.MaxArgs]uintptr) (uintptr, defs.Err_t) {
	if t.AS == nil {
		return 0, defs.EINVAL
	}
	hint := args[0]
	length := int(args[1])
	perms := mem.Pa_t(args[2])
	// No file descriptor table is in scope (spec.md §1 excludes the
	// VFS object graph), so every mmap this dispatcher sees is
	// anonymous; a file-backed mapping is only ever constructed
	// internally by the block/FAT32 reader, not reachable from a
	// syscall argument.
	va, err := t.AS.Mmap(hint, length, perms|mem.PTE_U|mem.PTE_P, nil, 0, false)
	return va, err
}

func sysMunmap(d *Dispatcher, t *sched.Task, args [defs.MaxArgs]uintptr) (uintptr, defs.Err_t) {
	if t.AS == nil {
		return 0, defs.EINVAL
	}
	err := t.AS.Munmap(args[0], int(args[1]))
	return 0, err
}

func sysBrk(d *Dispatcher, t *sched.Task, args [defs.MaxArgs]uintptr) (uintptr, defs.Err_t) {
	if t.AS == nil {
		return 0, defs.EINVAL
	}
	nb, err := t.AS.Brk(args[0])
	return nb, err
}

func sysGetpid(d *Dispatcher, t *sched.Task, args [defs.MaxArgs]uintptr) (uintptr, defs.Err_t) {
	return uintptr(t.Tid), 0
}

// sysYield hands the CPU to the next runnable task immediately,
// re-enqueuing t (spec.md §4.4's voluntary yield path).
func sysYield(d *Dispatcher, t *sched.Task, args [defs.MaxArgs]uintptr) (uintptr, defs.Err_t) {
	d.Sch.Yield(t)
	return 0, 0
}

// sysKill marks the target tid doomed; it's reaped lazily at its own
// next reschedule point (spec.md §4.4).
func sysKill(d *Dispatcher, t *sched.Task, args [defs.MaxArgs]uintptr) (uintptr, defs.Err_t) {
	target, ok := d.Sch.Lookup(defs.Tid_t(args[0]))
	if !ok {
		return 0, defs.ENOENT
	}
	d.Sch.Kill(target)
	return 0, 0
}

func sysGfxStub(d *Dispatcher, t *sched.Task, args [defs.MaxArgs]uintptr) (uintptr, defs.Err_t) {
	return 0, defs.ENOSYS
}
