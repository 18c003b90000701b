// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue. A returned error asks
// the queue to redeliver the message.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a durable message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a work-queue handler: each message is delivered to
	// one subscriber. The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Fanout registers a broadcast handler: every subscriber sees every
	// message published after it subscribed. Nothing is redelivered.
	Fanout(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the NATS subjects used by AgentForge.
const (
	SubjectRunStart   = "runs.start"   // dispatcher → worker: run a task's agent
	SubjectRunCancel  = "runs.cancel"  // any → all workers: stop a task's agent
	SubjectTaskOutput = "tasks.output" // worker → observers: one output line
	SubjectTaskStatus = "tasks.status" // worker → observers: status change
)
