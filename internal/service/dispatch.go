package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/AgentForge/internal/domain"
	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/port/database"
	"github.com/Strob0t/AgentForge/internal/port/messagequeue"
)

// RunDispatcher hands runs to workers over the message queue. It implements
// RemoteCanceler so a RunService without the run can forward stops.
type RunDispatcher struct {
	store database.Store
	queue messagequeue.Queue
	now   func() time.Time
}

// NewRunDispatcher creates a dispatcher publishing on q.
func NewRunDispatcher(store database.Store, q messagequeue.Queue) *RunDispatcher {
	return &RunDispatcher{store: store, queue: q, now: time.Now}
}

// Enqueue publishes a run request for the task and returns its dispatch id.
// A task already in progress is rejected with domain.ErrTaskRunning.
func (d *RunDispatcher) Enqueue(ctx context.Context, taskID string, opts RunOptions) (string, error) {
	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("enqueue run for task %s: %w", taskID, err)
	}
	if t.Status == task.StatusInProgress {
		return "", fmt.Errorf("enqueue run for task %s: %w", taskID, domain.ErrTaskRunning)
	}

	payload := messagequeue.RunStartPayload{
		DispatchID:  uuid.NewString(),
		TaskID:      t.ID,
		AgentType:   t.AgentType,
		Model:       opts.Model,
		Env:         opts.Env,
		ExtraArgs:   opts.ExtraArgs,
		RequestedAt: d.now().UTC(),
	}
	if err := d.publish(ctx, messagequeue.SubjectRunStart, payload); err != nil {
		return "", fmt.Errorf("enqueue run for task %s: %w", taskID, err)
	}
	slog.InfoContext(ctx, "run dispatched", "task_id", t.ID, "dispatch_id", payload.DispatchID)
	return payload.DispatchID, nil
}

// Cancel asks every worker to stop the task's run.
func (d *RunDispatcher) Cancel(ctx context.Context, taskID string) error {
	if err := d.publish(ctx, messagequeue.SubjectRunCancel, messagequeue.RunCancelPayload{TaskID: taskID}); err != nil {
		return fmt.Errorf("cancel run for task %s: %w", taskID, err)
	}
	return nil
}

func (d *RunDispatcher) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := messagequeue.Validate(subject, data); err != nil {
		return err
	}
	return d.queue.Publish(ctx, subject, data)
}
