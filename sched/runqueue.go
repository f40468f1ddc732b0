package sched

import (
	"sync"

	"novakernel/defs"
)

// runQueue is one logical CPU's FIFO ready queue (spec.md §4.4:
// "per-CPU FIFO ready queues").
type runQueue struct {
	mu    sync.Mutex
	tasks []*Task
}

func (q *runQueue) pushBack(t *Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
}

func (q *runQueue) popFront() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t
}

// stealOne removes and returns the oldest task in the queue whose
// affinity mask admits cpu, for a peer CPU to adopt when it has gone
// idle (spec.md §4.4: "steal when peer load >= mine+2", skipping tasks
// whose affinity excludes this CPU). Returns nil if every queued task
// is pinned away from cpu.
func (q *runQueue) stealOne(cpu defs.Cpu_t) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	bit := uint64(1) << uint(cpu)
	for i, t := range q.tasks {
		if t.Affinity&bit == 0 {
			continue
		}
		q.tasks = append(q.tasks[:i:i], q.tasks[i+1:]...)
		return t
	}
	return nil
}

func (q *runQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
