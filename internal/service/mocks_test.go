package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/project"
	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/domain/worktree"
	"github.com/Strob0t/AgentForge/internal/port/eventsink"
	"github.com/Strob0t/AgentForge/internal/port/messagequeue"
)

// mockStore implements database.Store in memory. Tasks are copied on the way
// in and out so tests observe only what was persisted.
type mockStore struct {
	mu        sync.Mutex
	tasks     map[string]task.Task
	worktrees map[string]worktree.Worktree
	projects  map[string]project.Project
	commits   map[string][]task.Commit

	// statuses records every persisted status per task, in order.
	statuses  map[string][]task.Status
	updateErr error
	// strictText rejects agent output that is not valid UTF-8 or holds NUL
	// bytes, as a Postgres TEXT column does.
	strictText bool
	// rejectOutput fails updates whose agent output contains it.
	rejectOutput string
}

func newMockStore() *mockStore {
	return &mockStore{
		tasks:     make(map[string]task.Task),
		worktrees: make(map[string]worktree.Worktree),
		projects:  make(map[string]project.Project),
		commits:   make(map[string][]task.Commit),
		statuses:  make(map[string][]task.Status),
	}
}

func (m *mockStore) putTask(t task.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
}

func (m *mockStore) putWorktree(wt worktree.Worktree) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.worktrees[wt.ID] = wt
}

func (m *mockStore) putProject(p project.Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
}

func (m *mockStore) task(id string) task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

func (m *mockStore) statusHistory(id string) []task.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.Status(nil), m.statuses[id]...)
}

func (m *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	return &t, nil
}

func (m *mockStore) UpdateTaskRun(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.tasks[t.ID]; !ok {
		return fmt.Errorf("update task %s: %w", t.ID, domain.ErrNotFound)
	}
	if m.rejectOutput != "" && strings.Contains(t.AgentOutput, m.rejectOutput) {
		return fmt.Errorf("update task %s: output rejected", t.ID)
	}
	if m.strictText && (!utf8.ValidString(t.AgentOutput) || strings.ContainsRune(t.AgentOutput, 0)) {
		return fmt.Errorf("update task %s: invalid byte sequence for encoding \"UTF8\"", t.ID)
	}
	cp := *t
	cp.UpdatedAt = time.Now()
	m.tasks[t.ID] = cp
	m.statuses[t.ID] = append(m.statuses[t.ID], t.Status)
	return nil
}

func (m *mockStore) ClaimTaskRun(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	cur, ok := m.tasks[t.ID]
	if !ok {
		return fmt.Errorf("claim task %s: %w", t.ID, domain.ErrNotFound)
	}
	if cur.Status == task.StatusInProgress {
		return fmt.Errorf("claim task %s: %w", t.ID, domain.ErrTaskRunning)
	}
	t.MarkInProgress(*t.StartedAt)
	t.UpdatedAt = time.Now()
	m.tasks[t.ID] = *t
	m.statuses[t.ID] = append(m.statuses[t.ID], t.Status)
	return nil
}

func (m *mockStore) GetWorktree(_ context.Context, id string) (*worktree.Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wt, ok := m.worktrees[id]
	if !ok {
		return nil, fmt.Errorf("get worktree %s: %w", id, domain.ErrNotFound)
	}
	return &wt, nil
}

func (m *mockStore) GetProject(_ context.Context, id string) (*project.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("get project %s: %w", id, domain.ErrNotFound)
	}
	return &p, nil
}

func (m *mockStore) AppendCommits(_ context.Context, taskID string, commits []task.Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits[taskID] = append(m.commits[taskID], commits...)
	return nil
}

func (m *mockStore) ListCommits(_ context.Context, taskID string) ([]task.Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.Commit(nil), m.commits[taskID]...), nil
}

// recordingSink implements eventsink.Sink and keeps every event in order.
type recordingSink struct {
	mu     sync.Mutex
	events []any
}

func (s *recordingSink) PublishOutput(_ context.Context, ev eventsink.OutputEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) PublishStatus(_ context.Context, ev eventsink.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) outputs() []eventsink.OutputEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventsink.OutputEvent
	for _, ev := range s.events {
		if o, ok := ev.(eventsink.OutputEvent); ok {
			out = append(out, o)
		}
	}
	return out
}

func (s *recordingSink) statuses() []eventsink.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventsink.StatusEvent
	for _, ev := range s.events {
		if st, ok := ev.(eventsink.StatusEvent); ok {
			out = append(out, st)
		}
	}
	return out
}

func (s *recordingSink) all() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.events...)
}

type published struct {
	subject string
	data    []byte
}

// mockQueue implements messagequeue.Queue. Published messages are recorded
// and, when a handler is registered for the subject, delivered synchronously.
type mockQueue struct {
	mu         sync.Mutex
	published  []published
	handlers   map[string]messagequeue.Handler
	fanouts    map[string]messagequeue.Handler
	publishErr error
}

func newMockQueue() *mockQueue {
	return &mockQueue{
		handlers: make(map[string]messagequeue.Handler),
		fanouts:  make(map[string]messagequeue.Handler),
	}
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, published{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[subject] = h
	return func() {
		q.mu.Lock()
		delete(q.handlers, subject)
		q.mu.Unlock()
	}, nil
}

func (q *mockQueue) Fanout(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fanouts[subject] = h
	return func() {
		q.mu.Lock()
		delete(q.fanouts, subject)
		q.mu.Unlock()
	}, nil
}

// deliver hands data to the work-queue handler for subject.
func (q *mockQueue) deliver(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	h := q.handlers[subject]
	if h == nil {
		h = q.fanouts[subject]
	}
	q.mu.Unlock()
	if h == nil {
		return fmt.Errorf("no handler for %s", subject)
	}
	return h(ctx, subject, data)
}

func (q *mockQueue) messages(subject string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out [][]byte
	for _, p := range q.published {
		if p.subject == subject {
			out = append(out, p.data)
		}
	}
	return out
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }
