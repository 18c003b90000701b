// Package service holds the AgentForge application services: running agents
// against tasks, dispatching runs over the queue and executing them on workers.
package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	cfotel "github.com/Strob0t/AgentForge/internal/adapter/otel"
	"github.com/Strob0t/AgentForge/internal/agentoutput"
	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/domain/worktree"
	"github.com/Strob0t/AgentForge/internal/logger"
	"github.com/Strob0t/AgentForge/internal/port/agentdriver"
	"github.com/Strob0t/AgentForge/internal/port/commitlog"
	"github.com/Strob0t/AgentForge/internal/port/database"
	"github.com/Strob0t/AgentForge/internal/port/eventsink"
	"github.com/Strob0t/AgentForge/internal/process"
)

// Human-readable status messages stored in events and agent output.
const (
	msgStarting  = "Agent is starting..."
	msgCompleted = "Agent completed successfully"
	msgStopped   = "Agent was stopped"
)

const (
	defaultStopWait     = 30 * time.Second
	defaultPollInterval = 250 * time.Millisecond
)

// RunOptions carries run-scoped overrides for one run.
type RunOptions struct {
	// Model overrides the task's model.
	Model     string
	Env       map[string]string
	ExtraArgs []string
}

// RemoteCanceler forwards a stop request to workers that may own the run.
type RemoteCanceler interface {
	Cancel(ctx context.Context, taskID string) error
}

// RunService executes agent runs for tasks: it drives the task through
// in_progress to done or failed, streams output to the event sink, records
// commits and token usage, and stops runs on request.
type RunService struct {
	store   database.Store
	drivers *agentdriver.Registry
	commits commitlog.Detector
	events  eventsink.Sink
	tracker *ProcessTracker

	availability *AvailabilityChecker
	metrics      *cfotel.Metrics
	remote       RemoteCanceler
	streamer     process.Streamer
	stopWait     time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// NewRunService creates a RunService with all required dependencies.
func NewRunService(
	store database.Store,
	drivers *agentdriver.Registry,
	commits commitlog.Detector,
	events eventsink.Sink,
	tracker *ProcessTracker,
) *RunService {
	if events == nil {
		events = eventsink.Discard{}
	}
	if tracker == nil {
		tracker = NewProcessTracker()
	}
	return &RunService{
		store:        store,
		drivers:      drivers,
		commits:      commits,
		events:       events,
		tracker:      tracker,
		streamer:     process.Streamer{DrainTimeout: process.DefaultDrainTimeout},
		stopWait:     defaultStopWait,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

// SetAvailability sets the memoizing availability checker.
func (s *RunService) SetAvailability(a *AvailabilityChecker) { s.availability = a }

// SetMetrics sets the run metric instruments.
func (s *RunService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// SetRemoteCanceler sets where Stop forwards requests for runs it does not own.
func (s *RunService) SetRemoteCanceler(rc RemoteCanceler) { s.remote = rc }

// SetDrainTimeout bounds how long output is drained after the agent exits.
func (s *RunService) SetDrainTimeout(d time.Duration) { s.streamer.DrainTimeout = d }

// SetStopWait bounds how long Stop waits for the run to be finalized.
func (s *RunService) SetStopWait(d time.Duration) {
	if d > 0 {
		s.stopWait = d
	}
}

// Tracker returns the tracker of runs owned by this service.
func (s *RunService) Tracker() *ProcessTracker { return s.tracker }

// GetTask returns a task by ID.
func (s *RunService) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListCommits returns the commits attributed to a task, oldest first.
func (s *RunService) ListCommits(ctx context.Context, taskID string) ([]task.Commit, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListCommits(ctx, taskID)
}

// Run executes one agent run for the task and blocks until it is finalized.
//
// An unavailable or unknown agent fails the task without spawning anything and
// returns nil. A non-zero exit fails the task and returns nil. Any other error
// after the task entered in_progress is recorded on the task and returned.
func (s *RunService) Run(ctx context.Context, taskID string, opts RunOptions) error {
	ctx = logger.WithTaskID(ctx, taskID)

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("run task %s: %w", taskID, err)
	}
	if t.Status == task.StatusInProgress {
		return fmt.Errorf("run task %s: %w", taskID, domain.ErrTaskRunning)
	}

	entry, err := s.tracker.reserve(taskID)
	if err != nil {
		return fmt.Errorf("run task %s: %w", taskID, err)
	}
	defer s.tracker.release(entry)

	// Writes after this point must land even if ctx is cancelled mid-run.
	bg := context.WithoutCancel(ctx)

	agentName := t.AgentType
	if agentName == "" {
		agentName = s.drivers.DefaultName()
	}
	drv, err := s.drivers.Resolve(agentName)
	if err != nil {
		return s.failUnavailable(bg, t, agentName, "no driver is registered under that name")
	}
	if !s.availability.IsAvailable(ctx, drv) {
		return s.failUnavailable(bg, t, agentName, fmt.Sprintf("ensure %q is installed and runnable", drv.BinaryPath()))
	}

	t.MarkInProgress(s.now())
	if err := s.store.ClaimTaskRun(bg, t); err != nil {
		if errors.Is(err, domain.ErrTaskRunning) {
			// Another worker won the claim; its run owns the task.
			return fmt.Errorf("run task %s: %w", taskID, err)
		}
		return s.abort(bg, t, "", fmt.Errorf("mark in progress: %w", err))
	}
	s.events.PublishStatus(bg, eventsink.StatusEvent{TaskID: t.ID, Status: string(task.StatusInProgress), Message: msgStarting})
	slog.InfoContext(ctx, "agent run starting", "agent", drv.Name())

	spanCtx, span := cfotel.StartRunSpan(bg, t.ID, t.ProjectID, drv.Name())

	// Cancelling ctx stops the agent; the run is then finalized as stopped.
	stopOnCancel := context.AfterFunc(ctx, func() {
		slog.InfoContext(bg, "run context cancelled, stopping agent")
		entry.stop(bg)
	})
	defer stopOnCancel()

	var out strings.Builder
	exitCode, err := s.execute(spanCtx, t, drv, entry, opts, &out)
	if err != nil {
		cfotel.EndRunSpan(span, string(task.StatusFailed), exitCode, err)
		return s.abort(bg, t, out.String(), err)
	}
	cfotel.EndRunSpan(span, string(t.Status), exitCode, nil)
	return nil
}

// execute spawns the agent, streams its output into out, records commits and
// usage and persists the terminal state.
func (s *RunService) execute(ctx context.Context, t *task.Task, drv agentdriver.Driver, entry *trackedRun, opts RunOptions, out *strings.Builder) (int, error) {
	wt, err := s.resolveWorktree(ctx, t)
	if err != nil {
		return -1, err
	}

	model := opts.Model
	if model == "" {
		model = t.Model
	}
	base := s.commitBase(ctx, wt)
	h, err := drv.Spawn(ctx, wt, t.Prompt(), agentdriver.SpawnOptions{
		Model:     model,
		Env:       opts.Env,
		ExtraArgs: opts.ExtraArgs,
	})
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			s.availability.Invalidate(ctx, drv.Name())
		}
		return -1, fmt.Errorf("spawn %s: %w", drv.Name(), err)
	}
	if entry.attach(drv, h) {
		drv.Stop(ctx, h)
	}
	s.metrics.RecordStart(ctx, drv.Name())
	slog.InfoContext(ctx, "agent spawned", "agent", drv.Name(), "pid", h.PID(), "dir", wt.Path)

	s.streamer.Stream(h, func(line string, stream process.StreamType) {
		line = sanitizeLine(line)
		out.WriteString(line)
		out.WriteByte('\n')
		s.events.PublishOutput(ctx, eventsink.OutputEvent{TaskID: t.ID, Line: line, Type: string(stream)})
		s.metrics.RecordOutputLine(ctx, string(stream))
	})
	exitCode := h.ExitCode()
	stopped := entry.wasStopped() || h.StopRequested()

	commits := s.detectCommits(ctx, t, wt, base)
	if len(commits) > 0 {
		if err := s.store.AppendCommits(ctx, t.ID, commits); err != nil {
			return exitCode, fmt.Errorf("persist commits: %w", err)
		}
	}

	usage, hasUsage := agentoutput.ParseUsage(out.String())
	if hasUsage {
		t.Usage = &usage
	}

	status, message := task.StatusFailed, fmt.Sprintf("Agent failed with exit code: %d", exitCode)
	switch {
	case stopped:
		message = msgStopped
	case exitCode == 0:
		status, message = task.StatusDone, msgCompleted
	}

	t.MarkFinished(status, s.now(), out.String())
	if err := s.store.UpdateTaskRun(ctx, t); err != nil {
		return exitCode, fmt.Errorf("persist result: %w", err)
	}
	s.events.PublishStatus(ctx, eventsink.StatusEvent{TaskID: t.ID, Status: string(status), Message: message})

	s.metrics.RecordRun(ctx, cfotel.RunOutcome{
		Agent:        drv.Name(),
		Status:       string(status),
		Duration:     t.CompletedAt.Sub(*t.StartedAt),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Commits:      len(commits),
	})
	slog.InfoContext(ctx, "agent run finished",
		"agent", drv.Name(), "status", status, "exit_code", exitCode, "commits", len(commits), "stopped", stopped)
	return exitCode, nil
}

// commitBase records the worktree's HEAD before the agent starts, so commits
// that predate the run are never attributed to it.
func (s *RunService) commitBase(ctx context.Context, wt worktree.Worktree) string {
	if s.commits == nil {
		return ""
	}
	return s.commits.Head(ctx, wt)
}

func (s *RunService) detectCommits(ctx context.Context, t *task.Task, wt worktree.Worktree, base string) []task.Commit {
	if s.commits == nil {
		return nil
	}
	ctx, span := cfotel.StartCommitDetectionSpan(ctx, wt.Path)
	defer span.End()

	commits := s.commits.DetectNewCommits(ctx, wt, *t.StartedAt, base)
	for i := range commits {
		commits[i].TaskID = t.ID
	}
	return commits
}

// resolveWorktree returns the task's worktree, or the project directory for
// tasks without one.
func (s *RunService) resolveWorktree(ctx context.Context, t *task.Task) (worktree.Worktree, error) {
	if t.WorktreeID != "" {
		wt, err := s.store.GetWorktree(ctx, t.WorktreeID)
		if err != nil {
			return worktree.Worktree{}, fmt.Errorf("get worktree %s: %w", t.WorktreeID, err)
		}
		if !wt.Usable() {
			return worktree.Worktree{}, fmt.Errorf("worktree %s is not usable (status %q)", wt.ID, wt.Status)
		}
		return *wt, nil
	}

	p, err := s.store.GetProject(ctx, t.ProjectID)
	if err != nil {
		return worktree.Worktree{}, fmt.Errorf("task has no worktree, get project %s: %w", t.ProjectID, err)
	}
	if p.Path == "" {
		return worktree.Worktree{}, fmt.Errorf("task has no worktree and project %s has no path", p.ID)
	}
	return worktree.Worktree{
		ProjectID:  p.ID,
		BranchName: p.DefaultBranch,
		Path:       p.Path,
		Status:     worktree.StatusActive,
	}, nil
}

// sanitizeLine makes an output line storable as text: invalid UTF-8 is
// replaced with U+FFFD and NUL bytes are dropped.
func sanitizeLine(line string) string {
	line = strings.ToValidUTF8(line, "\uFFFD")
	return strings.ReplaceAll(line, "\x00", "")
}

// failUnavailable fails a task whose agent cannot run. It is an expected
// outcome, so it returns nil unless persisting fails.
func (s *RunService) failUnavailable(ctx context.Context, t *task.Task, agent, hint string) error {
	msg := fmt.Sprintf("Agent %q is not available: %s.", agent, hint)
	slog.WarnContext(ctx, "agent not available, task failed without running", "agent", agent)

	t.MarkNotStarted(s.now(), msg)
	if err := s.store.UpdateTaskRun(ctx, t); err != nil {
		return fmt.Errorf("run task %s: record unavailable agent: %w", t.ID, err)
	}
	s.events.PublishStatus(ctx, eventsink.StatusEvent{TaskID: t.ID, Status: string(task.StatusFailed), Message: msg})
	s.metrics.RecordUnavailable(ctx, agent)
	return nil
}

// abort records an unexpected error on the task and returns it.
func (s *RunService) abort(ctx context.Context, t *task.Task, output string, cause error) error {
	msg := "Agent run failed: " + cause.Error()
	slog.ErrorContext(ctx, "agent run failed", "error", cause)

	t.MarkAborted(s.now(), output+msg)
	err := s.store.UpdateTaskRun(ctx, t)
	if err != nil && output != "" {
		// The output itself may be what the store rejected.
		slog.WarnContext(ctx, "recording run failure with output failed, retrying without it", "error", err)
		t.AgentOutput = msg
		err = s.store.UpdateTaskRun(ctx, t)
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to record run failure", "error", err)
	}
	s.events.PublishStatus(ctx, eventsink.StatusEvent{TaskID: t.ID, Status: string(task.StatusFailed), Message: msg})

	var duration time.Duration
	if t.StartedAt != nil {
		duration = t.CompletedAt.Sub(*t.StartedAt)
	}
	s.metrics.RecordRun(ctx, cfotel.RunOutcome{Agent: t.AgentType, Status: string(task.StatusFailed), Duration: duration})
	return fmt.Errorf("run task %s: %w", t.ID, cause)
}

// Stop stops the task's running agent and waits for its run to be finalized
// as failed. A task that is not running is left alone. A task still marked
// in_progress that no worker owns is failed directly. Stop reports whether
// no agent process is left running for the task.
func (s *RunService) Stop(ctx context.Context, taskID string) (bool, error) {
	ctx = logger.WithTaskID(ctx, taskID)

	if s.StopLocal(ctx, taskID) {
		return true, nil
	}

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("stop task %s: %w", taskID, err)
	}
	if t.Status != task.StatusInProgress {
		return true, nil
	}

	if s.remote != nil {
		if err := s.remote.Cancel(ctx, taskID); err != nil {
			slog.WarnContext(ctx, "forwarding stop to workers failed", "error", err)
		} else if s.waitTerminal(ctx, taskID) {
			return true, nil
		}
	}

	return true, s.failOrphan(context.WithoutCancel(ctx), taskID)
}

// StopLocal stops the task's run if this service owns it and waits for it to
// be finalized. It reports whether the run was owned here.
func (s *RunService) StopLocal(ctx context.Context, taskID string) bool {
	entry, ok := s.tracker.lookup(taskID)
	if !ok {
		return false
	}

	slog.InfoContext(ctx, "stopping agent run")
	if !entry.stop(ctx) {
		slog.WarnContext(ctx, "agent process did not exit after kill")
	}

	timer := time.NewTimer(s.stopWait)
	defer timer.Stop()
	select {
	case <-entry.done:
	case <-timer.C:
		slog.WarnContext(ctx, "timed out waiting for stopped run to finalize", "wait", s.stopWait)
	case <-ctx.Done():
	}
	return true
}

// StopAll stops every run owned by this service, in parallel.
func (s *RunService) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range s.tracker.Running() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.StopLocal(logger.WithTaskID(ctx, id), id)
		}(id)
	}
	wg.Wait()
}

// waitTerminal polls the task until it leaves in_progress or stopWait elapses.
func (s *RunService) waitTerminal(ctx context.Context, taskID string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.stopWait)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			t, err := s.store.GetTask(ctx, taskID)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return false
				}
				slog.WarnContext(ctx, "poll task status failed", "error", err)
				continue
			}
			if t.Status != task.StatusInProgress {
				return true
			}
		}
	}
}

// failOrphan fails an in_progress task whose run has no live process.
func (s *RunService) failOrphan(ctx context.Context, taskID string) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("stop task %s: %w", taskID, err)
	}
	if t.Status != task.StatusInProgress {
		return nil
	}

	msg := msgStopped + " (no live agent process was found)."
	slog.WarnContext(ctx, "failing orphaned in-progress task")

	output := t.AgentOutput
	if output != "" && !strings.HasSuffix(output, "\n") {
		output += "\n"
	}
	t.MarkFinished(task.StatusFailed, s.now(), output+msg)
	if err := s.store.UpdateTaskRun(ctx, t); err != nil {
		return fmt.Errorf("stop task %s: %w", taskID, err)
	}
	s.events.PublishStatus(ctx, eventsink.StatusEvent{TaskID: t.ID, Status: string(task.StatusFailed), Message: msg})
	return nil
}

// AgentInfo describes a registered driver.
type AgentInfo struct {
	Name      string   `json:"name"`
	Binary    string   `json:"binary"`
	Available bool     `json:"available"`
	Default   bool     `json:"default"`
	Models    []string `json:"models"`
}

// ListAgents reports every registered driver with its availability.
func (s *RunService) ListAgents(ctx context.Context) []AgentInfo {
	names := s.drivers.Names()
	infos := make([]AgentInfo, 0, len(names))
	for _, name := range names {
		d, err := s.drivers.Resolve(name)
		if err != nil {
			continue
		}
		models := d.SupportedModels()
		if models == nil {
			models = []string{}
		}
		infos = append(infos, AgentInfo{
			Name:      name,
			Binary:    d.BinaryPath(),
			Available: s.availability.IsAvailable(ctx, d),
			Default:   name == s.drivers.DefaultName(),
			Models:    models,
		})
	}
	return infos
}
