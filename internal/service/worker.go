package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/logger"
	"github.com/Strob0t/AgentForge/internal/port/messagequeue"
)

// RunWorker consumes run requests from the queue and executes them with a
// RunService, at most maxConcurrent at a time.
type RunWorker struct {
	runs  *RunService
	queue messagequeue.Queue
	slots *semaphore.Weighted

	mu      sync.Mutex
	cancels []func()
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunWorker creates a worker. maxConcurrent below 1 is treated as 1.
func NewRunWorker(runs *RunService, q messagequeue.Queue, maxConcurrent int) *RunWorker {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &RunWorker{
		runs:  runs,
		queue: q,
		slots: semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Start subscribes to run requests and cancellations. Runs started by the
// worker live until they finish or Shutdown stops them.
func (w *RunWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx != nil {
		return errors.New("run worker already started")
	}
	w.ctx, w.stop = context.WithCancel(context.WithoutCancel(ctx))

	cancel, err := w.queue.Subscribe(ctx, messagequeue.SubjectRunStart, w.handleStart)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectRunStart, err)
	}
	w.cancels = append(w.cancels, cancel)

	cancel, err = w.queue.Fanout(ctx, messagequeue.SubjectRunCancel, w.handleCancel)
	if err != nil {
		cancelAll(w.cancels)
		w.cancels = nil
		return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectRunCancel, err)
	}
	w.cancels = append(w.cancels, cancel)

	slog.Info("run worker started")
	return nil
}

// handleStart runs one requested task. Requests that can never succeed are
// acknowledged; infrastructure errors are returned for redelivery.
func (w *RunWorker) handleStart(msgCtx context.Context, _ string, data []byte) error {
	var p messagequeue.RunStartPayload
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Error("discarding malformed run request", "error", err)
		return nil
	}
	ctx := logger.WithTaskID(msgCtx, p.TaskID)

	if err := w.slots.Acquire(msgCtx, 1); err != nil {
		return fmt.Errorf("acquire run slot: %w", err)
	}
	w.wg.Add(1)
	defer func() {
		w.slots.Release(1)
		w.wg.Done()
	}()

	// The run outlives the message context; the worker context stops it.
	runCtx, cancel := context.WithCancel(logger.WithTaskID(w.ctx, p.TaskID))
	defer cancel()

	slog.InfoContext(ctx, "run request received", "dispatch_id", p.DispatchID)
	err := w.runs.Run(runCtx, p.TaskID, RunOptions{Model: p.Model, Env: p.Env, ExtraArgs: p.ExtraArgs})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrTaskRunning), errors.Is(err, domain.ErrNotFound):
		slog.WarnContext(ctx, "run request dropped", "dispatch_id", p.DispatchID, "error", err)
		return nil
	default:
		return err
	}
}

// handleCancel stops the run if this worker owns it. The stop is awaited in
// the background so cancel messages are not held up behind each other.
func (w *RunWorker) handleCancel(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.RunCancelPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal run cancel: %w", err)
	}
	if !w.runs.Tracker().Has(p.TaskID) {
		return nil
	}

	ctx = logger.WithTaskID(ctx, p.TaskID)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if w.runs.StopLocal(ctx, p.TaskID) {
			slog.InfoContext(ctx, "run stopped on request")
		}
	}()
	return nil
}

// Shutdown unsubscribes, stops all runs owned by the worker and waits for
// them to be finalized or ctx to expire.
func (w *RunWorker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	cancelAll(w.cancels)
	w.cancels = nil
	stop := w.stop
	w.mu.Unlock()

	w.runs.StopAll(ctx)
	if stop != nil {
		stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("run worker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("run worker shutdown: %w", ctx.Err())
	}
}

func cancelAll(cancels []func()) {
	for _, c := range cancels {
		c()
	}
}
