// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/Strob0t/AgentForge/internal/domain/project"
	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/domain/worktree"
)

// Store is the port interface for the records an agent run reads and writes.
type Store interface {
	// Tasks
	GetTask(ctx context.Context, id string) (*task.Task, error)
	// ClaimTaskRun moves the task into in_progress with t.StartedAt unless it
	// is already in progress, in which case it returns domain.ErrTaskRunning.
	ClaimTaskRun(ctx context.Context, t *task.Task) error
	// UpdateTaskRun persists the run fields: status, started_at, completed_at,
	// agent_output and usage.
	UpdateTaskRun(ctx context.Context, t *task.Task) error

	// Worktrees and projects (read-only)
	GetWorktree(ctx context.Context, id string) (*worktree.Worktree, error)
	GetProject(ctx context.Context, id string) (*project.Project, error)

	// Commits
	AppendCommits(ctx context.Context, taskID string, commits []task.Commit) error
	ListCommits(ctx context.Context, taskID string) ([]task.Commit, error)
}
