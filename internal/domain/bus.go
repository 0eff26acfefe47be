package domain

import (
	"context"
)

// EventBus decouples the evaluation hot path from its consumers: audit
// persistence, alerting and downstream analytics. Supports Go channels
// (single process) or NATS (distributed).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Standard topic names for the evaluation pipeline.
const (
	// TopicEvaluationCompleted carries the full FraudEvaluation; the
	// audit writer persists it off the evaluation hot path.
	TopicEvaluationCompleted = "nexus.evaluation.completed"

	// TopicAlert carries Review and Block evaluations for analyst and
	// case-management consumers.
	TopicAlert = "nexus.alert"

	// TopicTransactionRecorded is emitted after a committed transaction
	// is folded into the velocity counters.
	TopicTransactionRecorded = "nexus.transaction.recorded"
)
