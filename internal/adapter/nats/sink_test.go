package nats

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/AgentForge/internal/port/eventsink"
	"github.com/Strob0t/AgentForge/internal/port/messagequeue"
	"github.com/Strob0t/AgentForge/internal/resilience"
)

type fakePublisher struct {
	mu    sync.Mutex
	msgs  []published
	err   error
	calls int
}

type published struct {
	subject string
	data    []byte
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject, data})
	return nil
}

func TestEventSinkPublishesPayloads(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewEventSink(pub, nil)
	ctx := context.Background()

	sink.PublishOutput(ctx, eventsink.OutputEvent{TaskID: "t1", Line: "hello", Type: "stderr"})
	sink.PublishStatus(ctx, eventsink.StatusEvent{TaskID: "t1", Status: "done", Message: "Agent completed successfully"})

	if len(pub.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(pub.msgs))
	}
	if pub.msgs[0].subject != messagequeue.SubjectTaskOutput || pub.msgs[1].subject != messagequeue.SubjectTaskStatus {
		t.Fatalf("subjects = %q, %q", pub.msgs[0].subject, pub.msgs[1].subject)
	}

	var out messagequeue.TaskOutputPayload
	if err := json.Unmarshal(pub.msgs[0].data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != (messagequeue.TaskOutputPayload{TaskID: "t1", Line: "hello", Stream: "stderr"}) {
		t.Fatalf("output payload = %+v", out)
	}
	for _, m := range pub.msgs {
		if err := messagequeue.Validate(m.subject, m.data); err != nil {
			t.Fatalf("published payload fails validation: %v", err)
		}
	}
}

func TestEventSinkBreakerStopsCalls(t *testing.T) {
	pub := &fakePublisher{err: errors.New("no responders")}
	sink := NewEventSink(pub, resilience.NewNamedBreaker("events", 2, time.Hour))

	for range 5 {
		sink.PublishOutput(context.Background(), eventsink.OutputEvent{TaskID: "t1", Line: "x", Type: "stdout"})
	}
	if pub.calls != 2 {
		t.Fatalf("publisher called %d times, want 2 before the circuit opens", pub.calls)
	}
}

// recordingSink collects forwarded events.
type recordingSink struct {
	mu      sync.Mutex
	outputs []eventsink.OutputEvent
	status  []eventsink.StatusEvent
}

func (s *recordingSink) PublishOutput(_ context.Context, ev eventsink.OutputEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = append(s.outputs, ev)
}

func (s *recordingSink) PublishStatus(_ context.Context, ev eventsink.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = append(s.status, ev)
}
