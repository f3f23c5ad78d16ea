package domain

import (
	"context"
	"time"
)

// Topics used between the booking path, the fraud worker and the notifier.
const (
	TopicFraudEvaluate  = "passguard.fraud.evaluate"
	TopicAlertCreated   = "passguard.alert.created"
	TopicAlertEscalated = "passguard.alert.escalated"
)

// EventBus carries fraud events from the booking path to the worker and
// alert notifications to whoever listens. The community profile runs it
// on channels inside the process, the pro profile on NATS.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe calls handler for every message on topic until the
	// returned subscription is cancelled.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request publishes payload and blocks for a single answer sent back
	// with bus.Reply, or until ctx is done.
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every bus implementation delivers. Headers carry
// transport details such as the reply topic; Payload is opaque JSON.
type Message struct {
	ID          string            `json:"id"`
	Topic       string            `json:"topic"`
	Headers     map[string]string `json:"headers,omitempty"`
	Payload     []byte            `json:"payload"`
	PublishedAt time.Time         `json:"publishedAt"`
}

type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// EventBusConfig selects and tunes the bus backend.
type EventBusConfig struct {
	Type              string `env:"PASSGUARD_BUS_TYPE"`   // channel or nats
	ChannelBufferSize int    `env:"PASSGUARD_BUS_BUFFER"` // per subscriber

	NATSUrl           string `env:"PASSGUARD_NATS_URL"`
	NATSToken         string `env:"PASSGUARD_NATS_TOKEN"`
	NATSMaxReconnects int    `env:"PASSGUARD_NATS_MAX_RECONNECTS"`
	NATSReconnectWait int    `env:"PASSGUARD_NATS_RECONNECT_WAIT"` // seconds

	// NATSQueueGroup spreads each topic over the instances sharing the group.
	NATSQueueGroup string `env:"PASSGUARD_NATS_QUEUE_GROUP"`
}
