package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/project"
	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/domain/worktree"
	"github.com/Strob0t/AgentForge/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ database.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tasks ---

const taskColumns = `id, project_id, COALESCE(worktree_id::text, ''), COALESCE(spec_id, ''), title, description,
	status, agent_type, model, agent_output, usage, started_at, completed_at, created_at, updated_at`

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notFoundWrap(pgx.ErrNoRows, "get task %s", id)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

// UpdateTaskRun writes the run fields of t and refreshes t.UpdatedAt.
func (s *Store) UpdateTaskRun(ctx context.Context, t *task.Task) error {
	var usage []byte
	if t.Usage != nil {
		var err error
		if usage, err = json.Marshal(t.Usage); err != nil {
			return fmt.Errorf("marshal usage: %w", err)
		}
	}

	err := s.pool.QueryRow(ctx,
		`UPDATE tasks
		 SET status = $2, started_at = $3, completed_at = $4, agent_output = $5, usage = $6, updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		t.ID, string(t.Status), t.StartedAt, t.CompletedAt, t.AgentOutput, usage,
	).Scan(&t.UpdatedAt)
	if err != nil {
		return notFoundWrap(err, "update task run %s", t.ID)
	}
	return nil
}

// ClaimTaskRun atomically moves t into in_progress and resets the previous
// run's data. It fails with domain.ErrTaskRunning when the task is already in
// progress, so at most one worker runs a task at a time.
func (s *Store) ClaimTaskRun(ctx context.Context, t *task.Task) error {
	if _, err := uuid.Parse(t.ID); err != nil {
		return notFoundWrap(pgx.ErrNoRows, "claim task run %s", t.ID)
	}

	err := s.pool.QueryRow(ctx,
		`UPDATE tasks
		 SET status = $2, started_at = $3, completed_at = NULL, agent_output = '', usage = NULL, updated_at = now()
		 WHERE id = $1 AND status <> $2
		 RETURNING updated_at`,
		t.ID, string(task.StatusInProgress), t.StartedAt,
	).Scan(&t.UpdatedAt)
	if err == nil {
		t.Status = task.StatusInProgress
		t.CompletedAt = nil
		t.AgentOutput = ""
		t.Usage = nil
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("claim task run %s: %w", t.ID, err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
		return fmt.Errorf("claim task run %s: %w", t.ID, err)
	}
	if !exists {
		return notFoundWrap(pgx.ErrNoRows, "claim task run %s", t.ID)
	}
	return fmt.Errorf("claim task run %s: %w", t.ID, domain.ErrTaskRunning)
}

func scanTask(row scannable) (task.Task, error) {
	var t task.Task
	var status string
	var usage []byte
	err := row.Scan(&t.ID, &t.ProjectID, &t.WorktreeID, &t.SpecID, &t.Title, &t.Description,
		&status, &t.AgentType, &t.Model, &t.AgentOutput, &usage, &t.StartedAt, &t.CompletedAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.Status = task.Status(status)
	if len(usage) > 0 {
		var u task.TokenUsage
		if err := json.Unmarshal(usage, &u); err != nil {
			return t, fmt.Errorf("unmarshal usage: %w", err)
		}
		t.Usage = &u
	}
	return t, nil
}

// --- Worktrees and projects ---

func (s *Store) GetWorktree(ctx context.Context, id string) (*worktree.Worktree, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notFoundWrap(pgx.ErrNoRows, "get worktree %s", id)
	}
	var wt worktree.Worktree
	var status, isolation string
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, branch_name, path, preview_url, status, database_isolation, created_at, updated_at
		 FROM worktrees WHERE id = $1`, id,
	).Scan(&wt.ID, &wt.ProjectID, &wt.BranchName, &wt.Path, &wt.PreviewURL, &status, &isolation,
		&wt.CreatedAt, &wt.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get worktree %s", id)
	}
	wt.Status = worktree.Status(status)
	wt.DatabaseIsolation = worktree.DatabaseIsolation(isolation)
	return &wt, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*project.Project, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notFoundWrap(pgx.ErrNoRows, "get project %s", id)
	}
	var p project.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, path, default_branch, created_at, updated_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Path, &p.DefaultBranch, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get project %s", id)
	}
	return &p, nil
}

// --- Commits ---

// AppendCommits records commits for a task. A commit already recorded for the
// task is skipped, so re-detection is harmless.
func (s *Store) AppendCommits(ctx context.Context, taskID string, commits []task.Commit) error {
	if len(commits) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range commits {
		batch.Queue(
			`INSERT INTO task_commits (id, task_id, sha, message, author, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (task_id, sha) DO NOTHING`,
			uuid.New(), taskID, c.SHA, c.Message, c.Author, c.CreatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for _, c := range commits {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("append commit %s for task %s: %w", c.SHA, taskID, err)
		}
	}
	return nil
}

// ListCommits returns a task's commits in commit order.
func (s *Store) ListCommits(ctx context.Context, taskID string) ([]task.Commit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, sha, message, author, created_at
		 FROM task_commits WHERE task_id = $1
		 ORDER BY created_at, recorded_at, sha`, nullIfEmpty(taskID))
	if err != nil {
		return nil, fmt.Errorf("list commits for task %s: %w", taskID, err)
	}
	defer rows.Close()

	commits := []task.Commit{}
	for rows.Next() {
		var c task.Commit
		if err := rows.Scan(&c.TaskID, &c.SHA, &c.Message, &c.Author, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}
