// Package kernel wires the subsystem packages together the way the
// teacher's main.go / "kernel context" Design Note does: one struct
// holding every subsystem, built once at boot and threaded by
// reference rather than through package-level globals.
package kernel

import (
	"fmt"
	"os"
	"sync"
	"time"

	"novakernel/defs"
	"novakernel/kheap"
	"novakernel/netstack"
	"novakernel/pmm"
	"novakernel/pmm/oommsg"
	"novakernel/sched"
)

// Config gathers boot-time tunables that were scattered package-level
// constants in biscuit (low-memory watermark, scheduler quantum, TCP
// retransmit timeout), set once at boot and kept on Context.Config.
// Boot reads only NCPU; the other fields record values that pmm, sched
// and netstack/tcp each bake in as their own constants, and none of
// those packages reads them from here.
type Config struct {
	NCPU int

	// LowMemWatermark mirrors pmm's OOM-notify threshold (documented
	// here, not re-implemented: pmm.NewArenaFromMap's Allocator already
	// bakes its own watermark in; this field is the kernel-level record
	// of what that watermark was configured to at boot).
	LowMemWatermark uint32

	// QuantumNs records a base scheduler quantum. Boot does not pass
	// it on: sched takes each slice length from its own per-class
	// quantum table, and trap.New's per-tick elapsed time comes from
	// whoever constructs the dispatcher.
	QuantumNs int64

	// TCPRetransmitTimeout records the TCP retransmit timeout
	// (spec.md §4.6); netstack/tcp's timers use that package's own
	// retransmitTimeout constant, not this field.
	TCPRetransmitTimeout time.Duration
}

// DefaultConfig returns reasonable defaults for a single-machine test
// boot.
func DefaultConfig() Config {
	return Config{
		NCPU:                 4,
		LowMemWatermark:      64,
		QuantumNs:            1_000_000, // 1ms
		TCPRetransmitTimeout: 200 * time.Millisecond,
	}
}

// Context is every live subsystem, built once at Boot and passed by
// reference to whatever needs it. Lock acquisition order across
// subsystems is PFM < Heap < VMM < Sched < Net — a method already
// holding a higher package's lock must never call into a lower-ranked
// package, checked statically by cmd/lockcheck. VMM has no single
// package-wide lock (each vmm.Vm_t guards its own VMA list), so the
// order applies between PFM/Heap/Sched/Net and any individual Vm_t.
type Context struct {
	Config Config

	Arena *pmm.Arena
	PFM   *pmm.Allocator
	Heap  *kheap.Heap
	Sched *sched.Scheduler
	Net   *netstack.Interface

	Limits *Syslimit_t
	Log    *Logger

	oom chan oommsg.Oommsg_t
}

// Boot constructs a Context from a boot-time physical memory map and
// network identity, in biscuit's "build every subsystem, then
// wire them into one struct" main.go order: PFM first (everything
// else allocates through it), then Heap, then Sched, then Net.
func Boot(regions []pmm.MemRegion, cfg Config, ifName string, mac netstack.MAC, ip [4]byte, send func(*netstack.Pbuf)) *Context {
	oomCh := make(chan oommsg.Oommsg_t, 1)
	arena, alloc := pmm.NewArenaFromMap(regions, cfg.NCPU, oomCh)
	heap := kheap.New(alloc, defs.Cpu_t(0))
	sc := sched.New(cfg.NCPU)
	net := netstack.NewInterface(ifName, mac, ip, send)

	return &Context{
		Config: cfg,
		Arena:  arena,
		PFM:    alloc,
		Heap:   heap,
		Sched:  sc,
		Net:    net,
		Limits: Syslimit,
		Log:    NewLogger(512),
		oom:    oomCh,
	}
}

// ServiceOOM drains and logs at most one pending low-memory
// notification, then sends on its Resume channel (the allocator that
// published it does not wait for that reply): this kernel has no swap
// device to reclaim against (block's scope is a read-only FAT32
// reader, spec.md §6), so there is nothing to free before resuming —
// the notification exists purely so callers on the hot path get a
// logged warning instead of a silent watermark crossing. Reports
// whether a message was pending. A caller loop (the scheduler's idle
// path, or a dedicated housekeeping goroutine) is expected to poll
// this periodically.
func (c *Context) ServiceOOM() bool {
	select {
	case msg := <-c.oom:
		c.Log.Logf(LevelWarn, "low memory: %d frames requested below watermark", msg.Need)
		msg.Resume <- true
		return true
	default:
		return false
	}
}

// MemStats reports physical-frame occupancy, the introspection
// surface pmm.Allocator.Stat's doc comment names as its consumer.
func (c *Context) MemStats() pmm.Stats {
	return c.PFM.Stat()
}

// Level is a log severity, ordered least to most severe.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "?"
	}
}

// Logger is a leveled ring-buffer logger: the kernel has no terminal
// until the console device (external to this module) attaches, so
// early boot messages accumulate here instead of being dropped, in
// the spirit of biscuit's stats/caller packages' buffered
// diagnostics.
type Logger struct {
	mu    sync.Mutex
	lines []string
	cap   int
	next  int
	full  bool
	Min   Level // messages below Min are dropped
}

// NewLogger allocates a ring buffer holding the last capacity lines.
func NewLogger(capacity int) *Logger {
	return &Logger{lines: make([]string, capacity), cap: capacity, Min: LevelInfo}
}

// Logf appends a formatted line at the given level, dropping it if
// below the logger's Min severity.
func (lg *Logger) Logf(level Level, format string, args ...interface{}) {
	if level < lg.Min {
		return
	}
	line := fmt.Sprintf("[%s] %s", level, fmt.Sprintf(format, args...))
	lg.mu.Lock()
	lg.lines[lg.next] = line
	lg.next = (lg.next + 1) % lg.cap
	if lg.next == 0 {
		lg.full = true
	}
	lg.mu.Unlock()
}

// Dump returns the buffered lines in chronological order.
func (lg *Logger) Dump() []string {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if !lg.full {
		out := make([]string, lg.next)
		copy(out, lg.lines[:lg.next])
		return out
	}
	out := make([]string, lg.cap)
	copy(out, lg.lines[lg.next:])
	copy(out[lg.cap-lg.next:], lg.lines[:lg.next])
	return out
}

// Panic prints a panic banner, the buffered log tail, and a caller
// chain, then halts the process — the Fatal error kind's handler
// (spec.md §7), extending biscuit's bare banner-and-halt with
// caller.Callerdump's stack trace.
func (c *Context) Panic(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "panic: %s\n", fmt.Sprintf(format, args...))
	if c.Log != nil {
		for _, l := range c.Log.Dump() {
			fmt.Fprintln(os.Stderr, l)
		}
	}
	Callerdump(2)
	os.Exit(1)
}
