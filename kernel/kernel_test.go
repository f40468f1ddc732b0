package kernel

import (
	"bytes"
	"testing"

	"novakernel/mem"
	"novakernel/netstack"
	"novakernel/pmm"
)

func testRegions() []pmm.MemRegion {
	return []pmm.MemRegion{
		{Base: 0, Length: mem.Size(256 * mem.PGSIZE), Available: true},
	}
}

func TestBootWiresEverySubsystem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NCPU = 2
	mac := netstack.MAC{0, 1, 2, 3, 4, 5}
	ip := [4]byte{10, 0, 0, 1}
	var sent []*netstack.Pbuf
	ctx := Boot(testRegions(), cfg, "eth0", mac, ip, func(p *netstack.Pbuf) { sent = append(sent, p) })

	if ctx.PFM == nil || ctx.Heap == nil || ctx.Sched == nil || ctx.Net == nil {
		t.Fatal("expected every subsystem wired")
	}
	stats := ctx.MemStats()
	if stats.Total == 0 {
		t.Fatal("expected nonzero total frames")
	}
	if stats.Free != stats.Total {
		t.Fatalf("expected a fresh arena fully free, got %d/%d", stats.Free, stats.Total)
	}
}

func TestLoggerRingBufferWraps(t *testing.T) {
	lg := NewLogger(2)
	lg.Logf(LevelInfo, "one")
	lg.Logf(LevelInfo, "two")
	lg.Logf(LevelInfo, "three")

	dump := lg.Dump()
	if len(dump) != 2 {
		t.Fatalf("expected 2 retained lines, got %d", len(dump))
	}
	if dump[0] != "[INFO] two" || dump[1] != "[INFO] three" {
		t.Fatalf("expected ring buffer to retain the last 2 lines, got %v", dump)
	}
}

func TestLoggerDropsBelowMinLevel(t *testing.T) {
	lg := NewLogger(4)
	lg.Min = LevelWarn
	lg.Logf(LevelInfo, "ignored")
	lg.Logf(LevelWarn, "kept")

	dump := lg.Dump()
	if len(dump) != 1 || dump[0] != "[WARN] kept" {
		t.Fatalf("expected only the WARN line retained, got %v", dump)
	}
}

func TestServiceOOMDrainsAndResumesPendingNotification(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NCPU = 1
	mac := netstack.MAC{0, 1, 2, 3, 4, 5}
	ip := [4]byte{10, 0, 0, 1}
	ctx := Boot(testRegions(), cfg, "eth0", mac, ip, func(*netstack.Pbuf) {})

	if ctx.ServiceOOM() {
		t.Fatal("expected no pending OOM notification on a fresh context")
	}

	// Drain every frame so the allocator's low-watermark path fires and
	// publishes a notification on ctx.oom.
	var held [][]byte
	for {
		b, errno := ctx.Heap.Alloc(mem.PGSIZE)
		if errno != 0 {
			break
		}
		held = append(held, b)
	}

	if !ctx.ServiceOOM() {
		t.Fatal("expected a pending OOM notification after exhausting frames")
	}
	if ctx.ServiceOOM() {
		t.Fatal("expected ServiceOOM to drain only one pending notification at a time")
	}
}

func TestProfileDeviceSnapshotWritesValidProfile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NCPU = 2
	mac := netstack.MAC{0, 1, 2, 3, 4, 5}
	ip := [4]byte{10, 0, 0, 1}
	ctx := Boot(testRegions(), cfg, "eth0", mac, ip, func(*netstack.Pbuf) {})

	dev := NewProfileDevice(ctx)
	snap := dev.Snapshot()
	if len(snap.Sample) != 2+cfg.NCPU {
		t.Fatalf("expected %d samples (2 mem + %d cpu), got %d", 2+cfg.NCPU, cfg.NCPU, len(snap.Sample))
	}

	var buf bytes.Buffer
	if err := dev.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected nonempty serialized profile")
	}
}
