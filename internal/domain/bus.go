package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
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
	ID        string            `json:"id"`
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
	Type string `mapstructure:"type" validate:"oneof=channel nats"`

	// Channel settings (Community tier)
	ChannelBufferSize int `mapstructure:"channel_buffer_size" validate:"gte=0"`

	// NATS settings (Pro tier)
	NATSUrl           string `mapstructure:"nats_url"`
	NATSToken         string `mapstructure:"nats_token"`
	NATSMaxReconnects int    `mapstructure:"nats_max_reconnects"`
	NATSReconnectWait int    `mapstructure:"nats_reconnect_wait"` // seconds
}

// Topics carrying scoring outcomes.
const (
	TopicVerdict = "kestrel.verdict"
	TopicAlert   = "kestrel.alert"
)

// VerdictEvent is published after every successful prediction.
// It never carries the email address or card digits.
type VerdictEvent struct {
	TransactionID string   `json:"transactionId"`
	Timestamp     string   `json:"timestamp"`
	Amount        float64  `json:"amount"`
	CardType      string   `json:"cardType"`
	DeviceType    string   `json:"deviceType"`
	Country       string   `json:"country"`
	IsFraud       bool     `json:"isFraud"`
	RiskScore     int      `json:"riskScore"`
	Probability   float64  `json:"fraudProbability"`
	Reasons       []string `json:"reasons"`
}
