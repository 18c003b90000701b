// Package fakeagent implements a scriptable agent driver backed by sh. It is
// used in tests and for local development without a real agent installed.
package fakeagent

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Strob0t/AgentForge/internal/domain/worktree"
	"github.com/Strob0t/AgentForge/internal/port/agentdriver"
	"github.com/Strob0t/AgentForge/internal/process"
)

// Name is the registry name of the fake driver.
const Name = "fake"

const defaultGrace = 2 * time.Second

// Driver emits configurable output from a shell process run in the worktree.
// The zero value prints "Fake agent processing: <prompt>" and exits 0.
type Driver struct {
	// Unavailable makes IsAvailable report false.
	Unavailable bool
	// SpawnErr, when set, is returned by Spawn instead of starting a process.
	SpawnErr error
	// StopFails makes Stop leave the process alone and report it still running.
	StopFails bool
	// Lines replaces the default stdout line.
	Lines []string
	// StderrLines are written to stderr after the stdout lines.
	StderrLines []string
	// Script is extra shell run in the worktree after the output, with the
	// prompt as $1 (e.g. to create commits).
	Script string
	// Hold keeps the process alive this long before exiting.
	Hold time.Duration
	// ExitCode is the process exit status.
	ExitCode int
	// Models is returned by SupportedModels.
	Models []string
	// Grace is the stop grace period; zero means two seconds.
	Grace time.Duration

	spawns    atomic.Int64
	lastModel atomic.Value
}

var _ agentdriver.Driver = (*Driver)(nil)

// Name returns "fake".
func (d *Driver) Name() string { return Name }

// IsAvailable reports whether the driver is enabled.
func (d *Driver) IsAvailable(context.Context) bool { return !d.Unavailable }

// BinaryPath returns "sh".
func (d *Driver) BinaryPath() string { return "sh" }

// SupportedModels returns the configured models.
func (d *Driver) SupportedModels() []string { return d.Models }

// Spawns returns how many times Spawn started a process.
func (d *Driver) Spawns() int64 { return d.spawns.Load() }

// LastModel returns the model passed to the most recent Spawn.
func (d *Driver) LastModel() string {
	m, _ := d.lastModel.Load().(string)
	return m
}

// Spawn starts sh with the generated script in the worktree directory.
func (d *Driver) Spawn(_ context.Context, wt worktree.Worktree, prompt string, opts agentdriver.SpawnOptions) (*process.Handle, error) {
	if d.SpawnErr != nil {
		return nil, d.SpawnErr
	}
	if wt.Path == "" {
		return nil, fmt.Errorf("fakeagent: worktree %q has no path", wt.ID)
	}

	env := os.Environ()
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	h, err := process.Start(process.Spec{
		Path: "sh",
		Args: []string{"-c", d.script(), Name, prompt},
		Dir:  wt.Path,
		Env:  env,
	})
	if err != nil {
		return nil, fmt.Errorf("fakeagent: %w", err)
	}
	d.spawns.Add(1)
	d.lastModel.Store(opts.Model)
	return h, nil
}

// Stop terminates the process group.
func (d *Driver) Stop(_ context.Context, h *process.Handle) bool {
	if d.StopFails {
		return false
	}
	grace := d.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	return h.Stop(grace)
}

func (d *Driver) script() string {
	var b strings.Builder
	if d.Lines == nil {
		b.WriteString("printf 'Fake agent processing: %s\\n' \"$1\"\n")
	}
	for _, l := range d.Lines {
		fmt.Fprintf(&b, "printf '%%s\\n' %s\n", quote(l))
	}
	for _, l := range d.StderrLines {
		fmt.Fprintf(&b, "printf '%%s\\n' %s >&2\n", quote(l))
	}
	if d.Script != "" {
		b.WriteString(d.Script)
		b.WriteString("\n")
	}
	if d.Hold > 0 {
		fmt.Fprintf(&b, "sleep %s\n", strconv.FormatFloat(d.Hold.Seconds(), 'f', 3, 64))
	}
	fmt.Fprintf(&b, "exit %d\n", d.ExitCode)
	return b.String()
}

// quote wraps s in single quotes for sh.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
