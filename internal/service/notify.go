package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/AgentForge/internal/domain/task"
	"github.com/Strob0t/AgentForge/internal/port/eventsink"
	"github.com/Strob0t/AgentForge/internal/port/notifier"
)

const defaultNotifyTimeout = 10 * time.Second

// RunNotifier is an event sink that announces finished runs to chat
// webhooks. Output lines and non-terminal statuses are ignored. Sends run in
// the background so a slow webhook never delays a run.
type RunNotifier struct {
	notifiers []notifier.Notifier
	timeout   time.Duration
	wg        sync.WaitGroup
}

var _ eventsink.Sink = (*RunNotifier)(nil)

// NewRunNotifier creates a sink delivering to every notifier.
func NewRunNotifier(notifiers ...notifier.Notifier) *RunNotifier {
	return &RunNotifier{notifiers: notifiers, timeout: defaultNotifyTimeout}
}

// PublishOutput ignores output lines.
func (n *RunNotifier) PublishOutput(context.Context, eventsink.OutputEvent) {}

// PublishStatus sends a notification when a run reaches done or failed.
func (n *RunNotifier) PublishStatus(ctx context.Context, ev eventsink.StatusEvent) {
	if !task.Status(ev.Status).IsTerminal() {
		return
	}
	note := notifier.Notification{TaskID: ev.TaskID, Status: ev.Status, Message: ev.Message}
	bg := context.WithoutCancel(ctx)
	for _, nt := range n.notifiers {
		n.wg.Add(1)
		go func(nt notifier.Notifier) {
			defer n.wg.Done()
			sendCtx, cancel := context.WithTimeout(bg, n.timeout)
			defer cancel()
			if err := nt.Send(sendCtx, note); err != nil && !errors.Is(err, notifier.ErrNotConfigured) {
				slog.WarnContext(sendCtx, "run notification failed", "notifier", nt.Name(), "error", err)
			}
		}(nt)
	}
}

// Wait blocks until pending notifications are sent or ctx is done.
func (n *RunNotifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
