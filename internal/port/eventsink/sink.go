// Package eventsink defines the publish-only port through which agent runs
// notify real-time observers.
package eventsink

import "context"

// Event kinds, used as message types by transports.
const (
	KindOutput = "task.output"
	KindStatus = "task.status"
)

// OutputEvent is one line of agent output.
type OutputEvent struct {
	TaskID string `json:"task_id"`
	Line   string `json:"line"`
	Type   string `json:"type"` // "stdout" or "stderr"
}

// StatusEvent announces a task status change with a human-readable message.
type StatusEvent struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Sink receives run events. Implementations must not block for long and must
// not fail the run: delivery problems are logged by the adapter.
type Sink interface {
	PublishOutput(ctx context.Context, ev OutputEvent)
	PublishStatus(ctx context.Context, ev StatusEvent)
}

// Multi fans every event out to all sinks in order.
type Multi []Sink

// PublishOutput forwards ev to every sink.
func (m Multi) PublishOutput(ctx context.Context, ev OutputEvent) {
	for _, s := range m {
		s.PublishOutput(ctx, ev)
	}
}

// PublishStatus forwards ev to every sink.
func (m Multi) PublishStatus(ctx context.Context, ev StatusEvent) {
	for _, s := range m {
		s.PublishStatus(ctx, ev)
	}
}

// Discard drops all events.
type Discard struct{}

func (Discard) PublishOutput(context.Context, OutputEvent) {}
func (Discard) PublishStatus(context.Context, StatusEvent) {}
