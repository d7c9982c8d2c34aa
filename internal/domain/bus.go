package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require a target; subscribers only see their target's messages.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, target string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, target string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Target    string            `json:"target"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
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
	Type string `koanf:"type" json:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `koanf:"channel_buffer_size" json:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `koanf:"nats_url" json:"natsUrl"`
	NATSToken         string `koanf:"nats_token" json:"-"`
	NATSMaxReconnects int    `koanf:"nats_max_reconnects" json:"natsMaxReconnects"`
	NATSReconnectWait int    `koanf:"nats_reconnect_wait" json:"natsReconnectWait"` // seconds

	// NATSQueueGroup spreads analysis requests across serve replicas
	NATSQueueGroup string `koanf:"nats_queue_group" json:"natsQueueGroup"`
}

// Standard topic names for the analysis pipeline.
const (
	TopicAnalysisRequested = "heron.analysis.requested"
	TopicAnalysisCompleted = "heron.analysis.completed"
	TopicAlert             = "heron.alert"
)

// AnalysisRequest is the payload published on TopicAnalysisRequested.
type AnalysisRequest struct {
	Model   string `json:"model"`
	TraceID string `json:"traceId,omitempty"`
}
