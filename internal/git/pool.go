// Package git runs git CLI commands under a shared concurrency limit.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent git CLI invocations with a weighted semaphore.
// Every git exec in the process goes through one shared Pool.
type Pool struct {
	sem    *semaphore.Weighted
	binary string
}

// NewPool creates a Pool that allows at most limit concurrent git operations.
func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), binary: "git"}
}

// Run acquires a slot, runs fn, and releases the slot. It returns ctx.Err()
// if the context is cancelled while waiting. A nil Pool runs fn directly.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Output runs "git args..." in dir within a pool slot and returns stdout.
// The error carries git's trimmed stderr.
func (p *Pool) Output(ctx context.Context, dir string, args ...string) (string, error) {
	binary := "git"
	if p != nil && p.binary != "" {
		binary = p.binary
	}

	var out string
	err := p.Run(ctx, func() error {
		cmd := exec.CommandContext(ctx, binary, args...)
		if dir != "" {
			cmd.Dir = dir
		}

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("git %s: %s: %w", firstArg(args), strings.TrimSpace(stderr.String()), err)
		}
		out = stdout.String()
		return nil
	})
	return out, err
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
