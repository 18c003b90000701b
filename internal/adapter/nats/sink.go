package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Strob0t/AgentForge/internal/port/eventsink"
	"github.com/Strob0t/AgentForge/internal/port/messagequeue"
	"github.com/Strob0t/AgentForge/internal/resilience"
)

// publisher is the subset of messagequeue.Queue the sink needs.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// EventSink publishes run events on tasks.output and tasks.status. Calls go
// through a circuit breaker so an unreachable bus costs runs nothing.
type EventSink struct {
	pub     publisher
	breaker *resilience.Breaker
}

var _ eventsink.Sink = (*EventSink)(nil)

// NewEventSink creates an EventSink. breaker may be nil.
func NewEventSink(pub publisher, breaker *resilience.Breaker) *EventSink {
	return &EventSink{pub: pub, breaker: breaker}
}

// PublishOutput publishes one output line.
func (s *EventSink) PublishOutput(ctx context.Context, ev eventsink.OutputEvent) {
	s.publish(ctx, messagequeue.SubjectTaskOutput, messagequeue.TaskOutputPayload{
		TaskID: ev.TaskID,
		Line:   ev.Line,
		Stream: ev.Type,
	})
}

// PublishStatus publishes a status change.
func (s *EventSink) PublishStatus(ctx context.Context, ev eventsink.StatusEvent) {
	s.publish(ctx, messagequeue.SubjectTaskStatus, messagequeue.TaskStatusPayload{
		TaskID:  ev.TaskID,
		Status:  ev.Status,
		Message: ev.Message,
	})
}

func (s *EventSink) publish(ctx context.Context, subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(ctx, "marshal event", "subject", subject, "error", err)
		return
	}

	call := func() error { return s.pub.Publish(ctx, subject, data) }
	if s.breaker != nil {
		err = s.breaker.Execute(call)
	} else {
		err = call()
	}
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		slog.DebugContext(ctx, "event dropped, circuit open", "subject", subject)
	case err != nil:
		slog.WarnContext(ctx, "event publish failed", "subject", subject, "error", err)
	}
}

// ForwardEvents subscribes to the run event subjects of all workers and
// replays them into sink, e.g. the process's WebSocket hub.
func ForwardEvents(ctx context.Context, q messagequeue.Queue, sink eventsink.Sink) (cancel func(), err error) {
	cancelOut, err := q.Fanout(ctx, messagequeue.SubjectTaskOutput, func(msgCtx context.Context, _ string, data []byte) error {
		var p messagequeue.TaskOutputPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshal task output: %w", err)
		}
		sink.PublishOutput(msgCtx, eventsink.OutputEvent{TaskID: p.TaskID, Line: p.Line, Type: p.Stream})
		return nil
	})
	if err != nil {
		return nil, err
	}

	cancelStatus, err := q.Fanout(ctx, messagequeue.SubjectTaskStatus, func(msgCtx context.Context, _ string, data []byte) error {
		var p messagequeue.TaskStatusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshal task status: %w", err)
		}
		sink.PublishStatus(msgCtx, eventsink.StatusEvent{TaskID: p.TaskID, Status: p.Status, Message: p.Message})
		return nil
	})
	if err != nil {
		cancelOut()
		return nil, err
	}

	return func() {
		cancelOut()
		cancelStatus()
	}, nil
}
