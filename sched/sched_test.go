package sched

import (
	"testing"

	"novakernel/defs"
)

func TestAdmitAndRescheduleFIFO(t *testing.T) {
	s := New(1)
	a := NewTask(1, nil)
	b := NewTask(2, nil)
	s.Admit(a)
	s.Admit(b)

	got := s.Reschedule(0, nil, false)
	if got != a {
		t.Fatalf("expected task 1 first, got %v", got.Tid)
	}
	got2 := s.Reschedule(0, got, true)
	if got2 != b {
		t.Fatalf("expected task 2 next, got %v", got2.Tid)
	}
}

func TestWorkStealingCrossesThreshold(t *testing.T) {
	s := New(2)
	for i := defs.Tid_t(1); i <= 3; i++ {
		task := NewTask(i, nil)
		task.Affinity = 1 << 0 // pin to cpu 0 so Admit can't spread these across both CPUs itself
		s.Admit(task)
		task.Affinity = 1<<0 | 1<<1 // then admit cpu 1 too, so it may steal them
	}
	// cpu 1 is idle; cpu 0 has 3 >= 0+2, so cpu 1 should steal.
	stolen := s.pickNext(1)
	if stolen == nil {
		t.Fatal("expected a stolen task")
	}
}

func TestWorkStealingRespectsThreshold(t *testing.T) {
	s := New(2)
	task := NewTask(1, nil)
	task.Affinity = 1 << 0
	s.Admit(task)
	// cpu 1 has 0 tasks, cpu 0 has 1: 1 < 0+2, no steal.
	if got := s.pickNext(1); got != nil {
		t.Fatalf("expected no steal below threshold, got %v", got.Tid)
	}
}

func TestKilledTaskNotReenqueued(t *testing.T) {
	s := New(1)
	a := NewTask(1, nil)
	s.Admit(a)
	s.Reschedule(0, nil, false) // a becomes current

	s.Kill(a)
	s.Reschedule(0, a, true) // reschedule should notice the doom and drop it

	if s.Load(0) != 0 {
		t.Fatalf("doomed task should not be re-enqueued, load=%d", s.Load(0))
	}
	if a.State() != Zombie {
		t.Fatalf("expected Zombie, got %v", a.State())
	}
}

func TestQuantumExpiryTriggersReclassification(t *testing.T) {
	a := NewTask(1, nil)
	a.MarkRealtime()
	if a.Class() != ClassRealtime {
		t.Fatal("expected realtime to stick")
	}
	expired := a.ConsumeQuantum(quantumTable[ClassRealtime] + 1)
	if !expired {
		t.Fatal("expected quantum exhausted")
	}
	if a.Class() != ClassRealtime {
		t.Fatal("realtime tasks must not be reclassified")
	}
}

func TestSleepWake(t *testing.T) {
	s := New(1)
	a := NewTask(1, nil)
	s.Admit(a)
	s.Reschedule(0, nil, false)

	done := make(chan struct{})
	go func() {
		s.Sleep(a)
		close(done)
	}()
	s.Wake(a)
	<-done
	if a.State() != Runnable {
		t.Fatalf("expected Runnable after wake, got %v", a.State())
	}
}
