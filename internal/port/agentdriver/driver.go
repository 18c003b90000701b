// Package agentdriver defines the agent driver port: how one AI coding-agent
// binary is probed, spawned against a worktree and stopped.
package agentdriver

import (
	"context"

	"github.com/Strob0t/AgentForge/internal/domain/worktree"
	"github.com/Strob0t/AgentForge/internal/process"
)

// SpawnOptions carries run-scoped overrides for a single spawn.
type SpawnOptions struct {
	// Model overrides the driver's default model when non-empty.
	Model string
	// Env holds extra environment variables for the agent process.
	Env map[string]string
	// ExtraArgs are appended to the driver's own arguments, before the prompt.
	ExtraArgs []string
}

// Driver is the port interface for one agent CLI.
type Driver interface {
	// Name returns the unique identifier for this driver (e.g. "claude", "fake").
	Name() string

	// IsAvailable probes whether the agent binary is installed and runnable.
	// Probe failures are reported as false, never as errors.
	IsAvailable(ctx context.Context) bool

	// BinaryPath returns the configured path or name used to invoke the agent.
	BinaryPath() string

	// SupportedModels returns the model identifiers this driver accepts.
	// An empty list means the driver does not validate models.
	SupportedModels() []string

	// Spawn starts the agent in the worktree directory and returns once the
	// process is running. Secrets are passed via the environment, never argv.
	Spawn(ctx context.Context, wt worktree.Worktree, prompt string, opts SpawnOptions) (*process.Handle, error)

	// Stop terminates the process gracefully, escalating to a kill after the
	// grace period. It reports whether the process is no longer running.
	Stop(ctx context.Context, h *process.Handle) bool
}
