// Package notifier defines the port for announcing finished agent runs.
package notifier

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a notifier has no destination.
var ErrNotConfigured = errors.New("notifier: not configured")

// Notification describes a run that reached a terminal status.
type Notification struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"` // "done" or "failed"
	Message string `json:"message"`
}

// Succeeded reports whether the run finished as done.
func (n Notification) Succeeded() bool { return n.Status == "done" }

// Title is a one-line summary for chat headers.
func (n Notification) Title() string {
	if n.Succeeded() {
		return "Agent run for task " + n.TaskID + " finished"
	}
	return "Agent run for task " + n.TaskID + " failed"
}

// Notifier delivers run notifications to one destination.
type Notifier interface {
	// Name returns the destination kind, e.g. "slack".
	Name() string

	// Send delivers a notification.
	Send(ctx context.Context, n Notification) error
}
