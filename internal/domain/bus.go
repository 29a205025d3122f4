package domain

import "context"

// Topic names published by the engine.
const (
	TopicModelTrained  = "kestrel.model.trained"
	TopicModelSelected = "kestrel.model.selected"
	TopicDecision      = "kestrel.decision"
)

// ModelEvent is the payload of TopicModelTrained and TopicModelSelected.
type ModelEvent struct {
	Algorithm    string   `json:"algorithm"`
	ModelVersion string   `json:"model_version"`
	Previous     string   `json:"previous,omitempty"`
	Metrics      *Metrics `json:"metrics,omitempty"`
}

// Message is one event delivered to a subscriber. Payload is JSON.
type Message struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"` // unix nanoseconds
}

// MessageHandler processes one message. A returned error is logged by the
// bus; the message is not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBus carries decision and model events between the scoring path and
// the audit worker: in-process channels on community, NATS on pro.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// EventBusConfig selects and tunes the event bus.
type EventBusConfig struct {
	Type string // "channel" or "nats"

	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSQueue         string // queue group shared by replicas
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}
