// Package commitlog defines the port for discovering commits an agent created.
package commitlog

import (
	"context"
	"time"

	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/domain/worktree"
)

// Detector finds commits on the worktree's checked-out branch created since a
// point in time. It never fails: problems yield an empty result.
type Detector interface {
	// Head returns the commit the worktree's HEAD points at, or "" when there
	// is none. Taken before a run starts, it is the base for DetectNewCommits.
	Head(ctx context.Context, wt worktree.Worktree) string
	// DetectNewCommits returns commits made after since that are not reachable
	// from base, oldest first. An empty base excludes nothing.
	DetectNewCommits(ctx context.Context, wt worktree.Worktree, since time.Time, base string) []task.Commit
}
