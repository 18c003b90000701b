// Package claude implements the agent driver for the Claude Code CLI.
package claude

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sort"
	"time"

	"github.com/Strob0t/AgentForge/internal/config"
	"github.com/Strob0t/AgentForge/internal/domain/worktree"
	"github.com/Strob0t/AgentForge/internal/port/agentdriver"
	"github.com/Strob0t/AgentForge/internal/process"
	"github.com/Strob0t/AgentForge/internal/secrets"
)

// Name is the registry name of the Claude driver.
const Name = "claude"

const (
	defaultGrace        = 10 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// Options tunes process handling.
type Options struct {
	// StopGrace is how long Stop waits after SIGTERM before killing.
	StopGrace time.Duration
	// ProbeTimeout bounds the "--version" availability probe.
	ProbeTimeout time.Duration
}

// Driver runs the claude CLI non-interactively with stream-json output.
type Driver struct {
	cfg   config.Agent
	vault *secrets.Vault
	opts  Options
}

var _ agentdriver.Driver = (*Driver)(nil)

// New creates a Claude driver. vault may be nil when the API key comes from
// the inherited environment.
func New(cfg config.Agent, vault *secrets.Vault, opts Options) *Driver {
	if cfg.Binary == "" {
		cfg.Binary = Name
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultGrace
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	return &Driver{cfg: cfg, vault: vault, opts: opts}
}

// Name returns "claude".
func (d *Driver) Name() string { return Name }

// BinaryPath returns the configured binary path or name.
func (d *Driver) BinaryPath() string { return d.cfg.Binary }

// SupportedModels returns the configured model identifiers.
func (d *Driver) SupportedModels() []string { return slices.Clone(d.cfg.Models) }

// IsAvailable runs "<binary> --version" with the probe timeout. Any failure,
// including a missing binary or a timeout, reports false.
func (d *Driver) IsAvailable(ctx context.Context) bool {
	bin, err := exec.LookPath(d.cfg.Binary)
	if err != nil {
		slog.Debug("claude binary not found", "binary", d.cfg.Binary, "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.ProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, "--version") //nolint:gosec // G204: binary comes from configuration
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		slog.Debug("claude availability probe failed", "binary", bin, "error", err)
		return false
	}
	return true
}

// Spawn starts claude in the worktree with the prompt as its final argument.
func (d *Driver) Spawn(_ context.Context, wt worktree.Worktree, prompt string, opts agentdriver.SpawnOptions) (*process.Handle, error) {
	if wt.Path == "" {
		return nil, fmt.Errorf("claude: worktree %q has no path", wt.ID)
	}
	info, err := os.Stat(wt.Path)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("claude: worktree path %s does not exist", wt.Path)
	}

	bin, err := exec.LookPath(d.cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("claude: resolve binary %q: %w", d.cfg.Binary, err)
	}

	h, err := process.Start(process.Spec{
		Path: bin,
		Args: d.args(prompt, opts),
		Dir:  wt.Path,
		Env:  d.env(opts.Env),
	})
	if err != nil {
		return nil, fmt.Errorf("claude: %w", err)
	}
	return h, nil
}

// Stop sends SIGTERM to the agent's process group and kills it after the
// grace period.
func (d *Driver) Stop(_ context.Context, h *process.Handle) bool {
	return h.Stop(d.opts.StopGrace)
}

func (d *Driver) args(prompt string, opts agentdriver.SpawnOptions) []string {
	model := opts.Model
	if model == "" {
		model = d.cfg.DefaultModel
	}

	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, d.cfg.ExtraArgs...)
	args = append(args, opts.ExtraArgs...)
	// "--" keeps prompts starting with a dash from being read as flags.
	return append(args, "--", prompt)
}

// env builds the child environment: the parent's, then the API key from the
// vault, then run-scoped variables in key order.
func (d *Driver) env(extra map[string]string) []string {
	env := os.Environ()
	if d.vault != nil && d.cfg.APIKeyEnv != "" {
		env = append(env, d.vault.EnvPairs(d.cfg.APIKeyEnv)...)
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
