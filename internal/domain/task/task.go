// Package task defines the Task domain entity and its run lifecycle.
package task

import (
	"strings"
	"time"
)

// Status represents the kanban column a task currently sits in.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusInProgress    Status = "in_progress"
	StatusWaitingReview Status = "waiting_review"
	StatusDone          Status = "done"
	StatusFailed        Status = "failed"
)

// IsTerminal reports whether no further automatic transition happens from s.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Task represents a unit of work tracked on the board and executed by an agent.
type Task struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	WorktreeID  string      `json:"worktree_id,omitempty"`
	SpecID      string      `json:"spec_id,omitempty"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Status      Status      `json:"status"`
	AgentType   string      `json:"agent_type,omitempty"`
	Model       string      `json:"model,omitempty"`
	AgentOutput string      `json:"agent_output"`
	Usage       *TokenUsage `json:"usage,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// IsRunning is true while an agent run owns the task.
func (t *Task) IsRunning() bool {
	return t.Status == StatusInProgress && t.StartedAt != nil && t.CompletedAt == nil
}

// Prompt returns the text handed to the agent.
func (t *Task) Prompt() string {
	title := strings.TrimSpace(t.Title)
	desc := strings.TrimSpace(t.Description)
	switch {
	case desc == "":
		return title
	case title == "":
		return desc
	default:
		return title + "\n\n" + desc
	}
}

// MarkInProgress starts a new run: StartedAt is set and any previous run's
// completion data is cleared.
func (t *Task) MarkInProgress(now time.Time) {
	t.Status = StatusInProgress
	t.StartedAt = &now
	t.CompletedAt = nil
	t.AgentOutput = ""
	t.Usage = nil
}

// MarkFinished moves the task into a terminal status. It is a no-op when the
// current run already completed, so CompletedAt is written once per run.
func (t *Task) MarkFinished(status Status, now time.Time, output string) bool {
	if t.CompletedAt != nil && t.Status.IsTerminal() {
		return false
	}
	t.Status = status
	t.CompletedAt = &now
	t.AgentOutput = output
	return true
}

// MarkAborted fails the current run after an unexpected error. Unlike
// MarkFinished it also overrides a terminal status the run had not yet
// persisted, keeping an already-set CompletedAt.
func (t *Task) MarkAborted(now time.Time, output string) {
	t.Status = StatusFailed
	if t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	t.AgentOutput = output
}

// MarkNotStarted fails a run that never got an agent process. StartedAt stays
// unset because the task never entered in_progress.
func (t *Task) MarkNotStarted(now time.Time, output string) {
	t.Status = StatusFailed
	t.StartedAt = nil
	t.CompletedAt = &now
	t.AgentOutput = output
	t.Usage = nil
}

// TokenUsage is the token accounting reported by an agent run.
type TokenUsage struct {
	InputTokens              int  `json:"input_tokens"`
	OutputTokens             int  `json:"output_tokens"`
	CacheCreationInputTokens *int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     *int `json:"cache_read_input_tokens,omitempty"`
}

// Commit is a git commit attributed to a task run.
type Commit struct {
	TaskID    string    `json:"task_id"`
	SHA       string    `json:"sha"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// ShortSHA returns the abbreviated object id for display.
func (c Commit) ShortSHA() string {
	if len(c.SHA) > 7 {
		return c.SHA[:7]
	}
	return c.SHA
}
