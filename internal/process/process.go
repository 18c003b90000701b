// Package process starts agent subprocesses, streams their output line by line
// and stops them with a bounded grace period.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// killWait bounds how long Stop waits for the process to be reaped after SIGKILL.
const killWait = 5 * time.Second

// Spec describes how to start a process.
type Spec struct {
	Path string
	Args []string
	Dir  string
	// Env is the complete child environment. Nil inherits the parent's.
	Env []string
}

// Handle is the live OS handle of one started process. It owns the read ends
// of the stdout and stderr pipes; Stream consumes and closes them.
type Handle struct {
	cmd       *exec.Cmd
	stdout    *os.File
	stderr    *os.File
	done      chan struct{}
	startedAt time.Time
	closeOnce sync.Once

	mu            sync.Mutex
	exitCode      int
	stopRequested bool
}

// Start launches the process in its own process group and returns as soon as
// it is running. No execution timeout is applied.
func Start(spec Spec) (*Handle, error) {
	if spec.Dir != "" {
		info, err := os.Stat(spec.Dir)
		if err != nil {
			return nil, fmt.Errorf("process: working directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("process: working directory %s is not a directory", spec.Dir)
		}
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("process: stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("process: stderr pipe: %w", err)
	}

	cmd := exec.Command(spec.Path, spec.Args...) //nolint:gosec // G204: agent binaries come from configuration
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = outW
	cmd.Stderr = errW
	setupProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, fmt.Errorf("process: start %s: %w", spec.Path, err)
	}

	// The child holds its own copies of the write ends.
	_ = outW.Close()
	_ = errW.Close()

	h := &Handle{
		cmd:       cmd,
		stdout:    outR,
		stderr:    errR,
		done:      make(chan struct{}),
		startedAt: time.Now(),
		exitCode:  -1,
	}
	go h.wait()
	return h, nil
}

// wait is the sole caller of cmd.Wait.
func (h *Handle) wait() {
	err := h.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		slog.Debug("process wait failed", "pid", h.PID(), "error", err)
	}

	h.mu.Lock()
	h.exitCode = exitCode(h.cmd.ProcessState)
	h.mu.Unlock()
	close(h.done)
}

// PID returns the operating system process id.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// StartedAt returns when the process was launched.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has terminated.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits and returns its exit code.
func (h *Handle) Wait() int {
	<-h.done
	return h.ExitCode()
}

// ExitCode returns the exit status, 128+N for a process killed by signal N,
// or -1 while the process is still running.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// StopRequested reports whether Stop was called on this handle.
func (h *Handle) StopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopRequested
}

// Stop sends SIGTERM to the process group, waits up to grace for it to exit and
// escalates to SIGKILL. It returns true iff the process is no longer running.
// Stopping an exited process is a no-op that returns true.
func (h *Handle) Stop(grace time.Duration) bool {
	if h.Exited() {
		return true
	}

	h.mu.Lock()
	h.stopRequested = true
	h.mu.Unlock()

	if err := terminate(h.cmd); err != nil {
		slog.Debug("process terminate failed", "pid", h.PID(), "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
	}

	slog.Warn("process ignored SIGTERM, killing", "pid", h.PID(), "grace", grace)
	if err := kill(h.cmd); err != nil {
		slog.Debug("process kill failed", "pid", h.PID(), "error", err)
	}

	select {
	case <-h.done:
		return true
	case <-time.After(killWait):
		return h.Exited()
	}
}

func (h *Handle) closePipes() {
	h.closeOnce.Do(func() {
		_ = h.stdout.Close()
		_ = h.stderr.Close()
	})
}
