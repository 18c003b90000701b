package nats

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/AgentForge/internal/config"
	"github.com/Strob0t/AgentForge/internal/logger"
	"github.com/Strob0t/AgentForge/internal/port/eventsink"
	"github.com/Strob0t/AgentForge/internal/port/messagequeue"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), config.NATS{
		URL:        url,
		Stream:     "AGENTFORGE_TEST",
		MaxDeliver: 2,
		AckWait:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

func runStart(t *testing.T, taskID string) []byte {
	t.Helper()
	data, err := json.Marshal(messagequeue.RunStartPayload{DispatchID: uuid.NewString(), TaskID: taskID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func taskIDOf(data []byte) string {
	var p struct {
		TaskID string `json:"task_id"`
	}
	_ = json.Unmarshal(data, &p)
	return p.TaskID
}

// consumeDLQ returns a channel receiving data of messages for taskID that
// land on the run start DLQ after this call.
func consumeDLQ(t *testing.T, q *Queue, taskID string) <-chan []byte {
	t.Helper()
	ctx := context.Background()
	cons, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		FilterSubject: messagequeue.SubjectRunStart + dlqSuffix,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("create DLQ consumer: %v", err)
	}
	ch := make(chan []byte, 1)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		_ = msg.Ack()
		if taskIDOf(msg.Data()) == taskID || (taskID == "" && string(msg.Data()) == "not-json") {
			select {
			case ch <- msg.Data():
			default:
			}
		}
	})
	if err != nil {
		t.Fatalf("consume DLQ: %v", err)
	}
	t.Cleanup(cc.Stop)
	return ch
}

func TestQueue_PublishSubscribe(t *testing.T) {
	q := testConnect(t)
	taskID := uuid.NewString()
	got := make(chan string, 1)

	stop, err := q.Subscribe(context.Background(), messagequeue.SubjectRunStart, func(_ context.Context, _ string, d []byte) error {
		if id := taskIDOf(d); id == taskID {
			got <- id
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), messagequeue.SubjectRunStart, runStart(t, taskID)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestQueue_SubscribeRejectsNonDurableSubject(t *testing.T) {
	q := testConnect(t)
	if _, err := q.Subscribe(context.Background(), messagequeue.SubjectTaskOutput, func(context.Context, string, []byte) error { return nil }); err == nil {
		t.Fatal("expected error for a core-only subject")
	}
}

func TestQueue_RequestIDPropagation(t *testing.T) {
	q := testConnect(t)
	taskID := uuid.NewString()
	const wantReqID = "req-abc-123"

	var (
		mu       sync.Mutex
		gotReqID string
		done     = make(chan struct{})
		once     sync.Once
	)
	stop, err := q.Subscribe(context.Background(), messagequeue.SubjectRunStart, func(ctx context.Context, _ string, d []byte) error {
		if taskIDOf(d) != taskID {
			return nil
		}
		mu.Lock()
		gotReqID = logger.RequestID(ctx)
		mu.Unlock()
		once.Do(func() { close(done) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	ctx := logger.WithRequestID(context.Background(), wantReqID)
	if err := q.Publish(ctx, messagequeue.SubjectRunStart, runStart(t, taskID)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	mu.Lock()
	defer mu.Unlock()
	if gotReqID != wantReqID {
		t.Errorf("request ID = %q, want %q", gotReqID, wantReqID)
	}
}

func TestQueue_InvalidMessageGoesToDLQ(t *testing.T) {
	q := testConnect(t)
	dlq := consumeDLQ(t, q, "")

	stop, err := q.Subscribe(context.Background(), messagequeue.SubjectRunStart, func(context.Context, string, []byte) error { return nil })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), messagequeue.SubjectRunStart, []byte("not-json")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case data := <-dlq:
		if string(data) != "not-json" {
			t.Errorf("DLQ data = %q", data)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for DLQ message")
	}
}

func TestQueue_RetryExhaustionGoesToDLQ(t *testing.T) {
	q := testConnect(t)
	taskID := uuid.NewString()
	dlq := consumeDLQ(t, q, taskID)

	var (
		mu       sync.Mutex
		attempts int
	)
	stop, err := q.Subscribe(context.Background(), messagequeue.SubjectRunStart, func(_ context.Context, _ string, d []byte) error {
		if taskIDOf(d) != taskID {
			return nil
		}
		mu.Lock()
		attempts++
		mu.Unlock()
		return errAlwaysFail
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), messagequeue.SubjectRunStart, runStart(t, taskID)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-dlq:
	case <-time.After(20 * time.Second):
		t.Fatal("timed out waiting for DLQ message after retry exhaustion")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("handler attempts = %d, want max_deliver (2)", attempts)
	}
}

func TestQueue_LongHandlerIsNotRedelivered(t *testing.T) {
	q := testConnect(t)
	taskID := uuid.NewString()

	var (
		mu       sync.Mutex
		attempts int
	)
	done := make(chan struct{})
	stop, err := q.Subscribe(context.Background(), messagequeue.SubjectRunStart, func(_ context.Context, _ string, d []byte) error {
		if taskIDOf(d) != taskID {
			return nil
		}
		mu.Lock()
		attempts++
		first := attempts == 1
		mu.Unlock()
		if first {
			// Three ack-wait periods; progress acks keep the message ours.
			time.Sleep(6 * time.Second)
			close(done)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), messagequeue.SubjectRunStart, runStart(t, taskID)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("handler did not finish")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Fatalf("message delivered %d times during a long handler", attempts)
	}
}

func TestQueue_FanoutAndForwardEvents(t *testing.T) {
	q := testConnect(t)
	sink := &recordingSink{}
	stop, err := ForwardEvents(context.Background(), q, sink)
	if err != nil {
		t.Fatalf("ForwardEvents: %v", err)
	}
	defer stop()

	events := NewEventSink(q, nil)
	taskID := uuid.NewString()
	ctx := context.Background()
	for _, line := range []string{"a", "b", "c"} {
		events.PublishOutput(ctx, eventsink.OutputEvent{TaskID: taskID, Line: line, Type: "stdout"})
	}
	events.PublishStatus(ctx, eventsink.StatusEvent{TaskID: taskID, Status: "done", Message: "Agent completed successfully"})

	deadline := time.Now().Add(5 * time.Second)
	for {
		sink.mu.Lock()
		n, m := len(sink.outputs), len(sink.status)
		sink.mu.Unlock()
		if n >= 3 && m >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("forwarded %d outputs and %d statuses", n, m)
		}
		time.Sleep(20 * time.Millisecond)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var lines []string
	for _, o := range sink.outputs {
		if o.TaskID == taskID {
			lines = append(lines, o.Line)
		}
	}
	if len(lines) != 3 || lines[0] != "a" || lines[1] != "b" || lines[2] != "c" {
		t.Fatalf("forwarded lines = %v, want [a b c]", lines)
	}
}

func TestQueue_IsConnected(t *testing.T) {
	q := testConnect(t)

	if !q.IsConnected() {
		t.Error("IsConnected() = false after Connect, want true")
	}
}

// errAlwaysFail is a sentinel error used by handlers that should always fail.
var errAlwaysFail = errSentinel("handler always fails")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
