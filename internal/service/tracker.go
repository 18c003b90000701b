package service

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/port/agentdriver"
	"github.com/Strob0t/AgentForge/internal/process"
)

// ProcessTracker maps task ids to the live agent process of their run on this
// worker. A task holds at most one entry, from reservation before the task is
// marked in_progress until its run has been finalized.
type ProcessTracker struct {
	mu   sync.Mutex
	runs map[string]*trackedRun
}

// NewProcessTracker creates an empty tracker.
func NewProcessTracker() *ProcessTracker {
	return &ProcessTracker{runs: make(map[string]*trackedRun)}
}

type trackedRun struct {
	taskID string
	done   chan struct{}

	mu            sync.Mutex
	driver        agentdriver.Driver
	handle        *process.Handle
	stopRequested bool
}

// Running returns the ids of tasks with a run on this worker, sorted.
func (t *ProcessTracker) Running() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.runs))
	for id := range t.runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Has reports whether taskID has a run on this worker.
func (t *ProcessTracker) Has(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.runs[taskID]
	return ok
}

func (t *ProcessTracker) reserve(taskID string) (*trackedRun, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.runs[taskID]; ok {
		return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrTaskRunning)
	}
	r := &trackedRun{taskID: taskID, done: make(chan struct{})}
	t.runs[taskID] = r
	return r, nil
}

func (t *ProcessTracker) release(r *trackedRun) {
	t.mu.Lock()
	if t.runs[r.taskID] == r {
		delete(t.runs, r.taskID)
	}
	t.mu.Unlock()
	close(r.done)
}

func (t *ProcessTracker) lookup(taskID string) (*trackedRun, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[taskID]
	return r, ok
}

// attach records the spawned process. It reports whether a stop was requested
// before the process existed, in which case the caller must stop it.
func (r *trackedRun) attach(d agentdriver.Driver, h *process.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.driver = d
	r.handle = h
	return r.stopRequested
}

// stop asks the driver to stop the attached process. Without a process yet,
// the request is remembered for attach. It reports whether the process is no
// longer running.
func (r *trackedRun) stop(ctx context.Context) bool {
	r.mu.Lock()
	r.stopRequested = true
	d, h := r.driver, r.handle
	r.mu.Unlock()

	if h == nil {
		return true
	}
	return d.Stop(ctx, h)
}

func (r *trackedRun) wasStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested
}
