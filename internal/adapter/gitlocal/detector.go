// Package gitlocal implements commit detection against local worktrees using
// the git CLI.
package gitlocal

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/domain/worktree"
	"github.com/Strob0t/AgentForge/internal/git"
)

const (
	fieldSep  = "\x00"
	recordSep = "\x1e"

	// %H full sha, author "Name <email>", strict ISO committer date, raw body.
	logFormat = "--format=%H%x00%an <%ae>%x00%cI%x00%B%x1e"

	// gitSinceLayout is a date layout git's approxidate parser reads exactly.
	gitSinceLayout = "2006-01-02 15:04:05 -0700"
)

// CommitDetector lists commits created on a worktree's checked-out branch.
type CommitDetector struct {
	pool *git.Pool
}

// NewCommitDetector creates a CommitDetector that runs git through pool.
func NewCommitDetector(pool *git.Pool) *CommitDetector {
	return &CommitDetector{pool: pool}
}

// Head returns the full sha of HEAD, or "" when the worktree is not a
// repository or has no commits yet.
func (d *CommitDetector) Head(ctx context.Context, wt worktree.Worktree) string {
	if !isDir(wt.Path) {
		return ""
	}
	out, err := d.pool.Output(ctx, wt.Path, "rev-parse", "--verify", "--quiet", "HEAD^{commit}")
	if err != nil {
		return ""
	}
	sha := strings.TrimSpace(out)
	if len(sha) != 40 {
		return ""
	}
	return sha
}

// DetectNewCommits returns the commits reachable from HEAD but not from base
// whose commit time is after since, oldest first. Git timestamps have
// one-second resolution, so a commit in the same second as since counts;
// base keeps commits that already existed when the run began out of that
// second. Any failure yields an empty slice.
func (d *CommitDetector) DetectNewCommits(ctx context.Context, wt worktree.Worktree, since time.Time, base string) []task.Commit {
	if wt.Path == "" {
		return nil
	}
	if !isDir(wt.Path) {
		slog.Debug("commit detection skipped, worktree path missing", "path", wt.Path)
		return nil
	}

	rev := "HEAD"
	if base != "" {
		rev = base + "..HEAD"
	}
	since = since.Truncate(time.Second)
	out, err := d.pool.Output(ctx, wt.Path,
		"log", rev, "--reverse", "--no-color",
		"--since="+since.Format(gitSinceLayout),
		logFormat,
	)
	if err != nil {
		// Not a repository, or a repository without commits.
		slog.Debug("commit detection failed", "path", wt.Path, "error", err)
		return nil
	}

	return parseLog(out, since)
}

func isDir(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// parseLog splits git log output produced with logFormat into commits and
// drops any whose commit time is before since.
func parseLog(out string, since time.Time) []task.Commit {
	var commits []task.Commit
	for _, record := range strings.Split(out, recordSep) {
		record = strings.TrimLeft(record, "\r\n")
		if record == "" {
			continue
		}
		fields := strings.SplitN(record, fieldSep, 4)
		if len(fields) != 4 {
			slog.Debug("skipping malformed git log record", "record", record)
			continue
		}

		sha := strings.TrimSpace(fields[0])
		if len(sha) != 40 {
			continue
		}
		committed, err := time.Parse(time.RFC3339, strings.TrimSpace(fields[2]))
		if err != nil {
			slog.Debug("skipping commit with unparsable date", "sha", sha, "error", err)
			continue
		}
		if committed.Before(since) {
			continue
		}

		commits = append(commits, task.Commit{
			SHA:       sha,
			Author:    fields[1],
			Message:   strings.TrimRight(fields[3], "\n"),
			CreatedAt: committed,
		})
	}
	return commits
}
