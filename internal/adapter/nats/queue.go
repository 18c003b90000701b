// Package nats implements the message queue port using NATS: JetStream for
// durable run requests and core NATS for broadcast subjects.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/AgentForge/internal/config"
	"github.com/Strob0t/AgentForge/internal/logger"
	"github.com/Strob0t/AgentForge/internal/port/messagequeue"
)

const (
	headerRequestID = "X-Request-ID"
	headerDLQReason = "X-DLQ-Reason"
	dlqSuffix       = ".dlq"
	nakDelay        = 5 * time.Second
	streamMaxAge    = 7 * 24 * time.Hour
)

// durableSubjects are stored in the stream; everything else is core NATS.
var durableSubjects = []string{
	messagequeue.SubjectRunStart,
	messagequeue.SubjectRunStart + dlqSuffix,
}

// Queue implements messagequeue.Queue.
type Queue struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	stream     string
	maxDeliver int
	ackWait    time.Duration

	mu        sync.Mutex
	consumers []jetstream.ConsumeContext
	inflight  sync.WaitGroup
}

var _ messagequeue.Queue = (*Queue)(nil)

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, cfg config.NATS) (*Queue, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(strings.ToLower(cfg.Stream)),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: durableSubjects,
		MaxAge:   streamMaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", cfg.URL, "stream", cfg.Stream)
	return &Queue{
		nc:         nc,
		js:         js,
		stream:     cfg.Stream,
		maxDeliver: max(cfg.MaxDeliver, 1),
		ackWait:    max(cfg.AckWait, time.Second),
	}, nil
}

func isDurable(subject string) bool {
	return slices.Contains(durableSubjects, subject)
}

// Publish sends a message to the given subject. Durable subjects are stored
// in the stream; others are fire-and-forget.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if reqID := logger.RequestID(ctx); reqID != "" {
		msg.Header.Set(headerRequestID, reqID)
	}

	var err error
	if isDurable(subject) {
		_, err = q.js.PublishMsg(ctx, msg)
	} else {
		err = q.nc.PublishMsg(msg)
	}
	if err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe consumes a durable subject through a shared consumer, so each
// message is handled by one subscriber across all processes. Handlers run
// concurrently; long handlers keep their message alive with progress acks.
// Failed messages are redelivered until max_deliver, then moved to the DLQ.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	if !isDurable(subject) {
		return nil, fmt.Errorf("nats subscribe %s: subject is not stored in stream %s", subject, q.stream)
	}

	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       q.stream + "_" + strings.ReplaceAll(subject, ".", "_"),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.ackWait,
		MaxDeliver:    q.maxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	base := context.WithoutCancel(ctx)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		q.inflight.Add(1)
		go func() {
			defer q.inflight.Done()
			q.handle(base, msg, handler)
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	q.mu.Lock()
	q.consumers = append(q.consumers, cc)
	q.mu.Unlock()
	return cc.Stop, nil
}

func (q *Queue) handle(ctx context.Context, msg jetstream.Msg, handler messagequeue.Handler) {
	if reqID := msg.Headers().Get(headerRequestID); reqID != "" {
		ctx = logger.WithRequestID(ctx, reqID)
	}

	if err := messagequeue.Validate(msg.Subject(), msg.Data()); err != nil {
		slog.ErrorContext(ctx, "invalid message", "subject", msg.Subject(), "error", err)
		q.moveToDLQ(ctx, msg, err)
		return
	}

	stop := q.keepAlive(ctx, msg)
	err := handler(ctx, msg.Subject(), msg.Data())
	stop()

	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			slog.ErrorContext(ctx, "nats ack failed", "error", ackErr)
		}
		return
	}

	slog.ErrorContext(ctx, "message handler failed", "subject", msg.Subject(), "error", err)
	if q.exhausted(msg) {
		q.moveToDLQ(ctx, msg, err)
		return
	}
	if nakErr := msg.NakWithDelay(nakDelay); nakErr != nil {
		slog.ErrorContext(ctx, "nats nak failed", "error", nakErr)
	}
}

// keepAlive resets the ack timer at half the ack wait until stop is called.
func (q *Queue) keepAlive(ctx context.Context, msg jetstream.Msg) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(q.ackWait / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					slog.WarnContext(ctx, "nats in-progress ack failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (q *Queue) exhausted(msg jetstream.Msg) bool {
	md, err := msg.Metadata()
	if err != nil {
		return false
	}
	return md.NumDelivered >= uint64(q.maxDeliver)
}

// moveToDLQ republishes msg on its dead-letter subject and terminates it.
// If the DLQ publish fails the message is nak'ed so it is not lost.
func (q *Queue) moveToDLQ(ctx context.Context, msg jetstream.Msg, reason error) {
	dlq := &nats.Msg{
		Subject: msg.Subject() + dlqSuffix,
		Data:    msg.Data(),
		Header:  nats.Header{},
	}
	for k, v := range msg.Headers() {
		dlq.Header[k] = v
	}
	dlq.Header.Set(headerDLQReason, reason.Error())

	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		slog.ErrorContext(ctx, "dlq publish failed", "subject", dlq.Subject, "error", err)
		_ = msg.Nak()
		return
	}
	slog.WarnContext(ctx, "message moved to DLQ", "subject", dlq.Subject, "reason", reason.Error())
	if err := msg.Term(); err != nil {
		slog.ErrorContext(ctx, "nats term failed", "error", err)
	}
}

// Fanout delivers every message on subject to this subscriber through a core
// NATS subscription. Messages are handled one at a time in publish order.
// Handler errors are logged; nothing is redelivered.
func (q *Queue) Fanout(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	base := context.WithoutCancel(ctx)
	sub, err := q.nc.Subscribe(subject, func(m *nats.Msg) {
		msgCtx := base
		if reqID := m.Header.Get(headerRequestID); reqID != "" {
			msgCtx = logger.WithRequestID(msgCtx, reqID)
		}
		if err := handler(msgCtx, m.Subject, m.Data); err != nil {
			slog.WarnContext(msgCtx, "fanout handler failed", "subject", m.Subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (q *Queue) stopConsumers() {
	q.mu.Lock()
	consumers := q.consumers
	q.consumers = nil
	q.mu.Unlock()
	for _, cc := range consumers {
		cc.Stop()
	}
}

// Drain stops consuming, waits for in-flight handlers and drains the connection.
func (q *Queue) Drain() error {
	q.stopConsumers()
	q.inflight.Wait()
	if err := q.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection without waiting for handlers.
func (q *Queue) Close() error {
	q.stopConsumers()
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is currently active.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}
