package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/metrics"
)

// ReplyToKey is the message metadata key carrying the reply topic of a Request.
const ReplyToKey = "reply_to"

const (
	requestTimeout = 30 * time.Second
	replyInfix     = ".reply."
)

var (
	// ErrClosed is returned by every operation on a closed bus.
	ErrClosed = errors.New("event bus closed")

	// ErrBufferFull reports that at least one subscriber missed a message.
	ErrBufferFull = errors.New("subscriber buffer full")
)

// New creates an event bus from configuration.
// "channel" returns a ChannelBus; "nats" returns a NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// Reply answers a message received through Request.
// Messages published with Publish carry no reply topic and are ignored.
func Reply(ctx context.Context, b domain.EventBus, msg *domain.Message, payload []byte) error {
	replyTo := msg.Headers[ReplyToKey]
	if replyTo == "" {
		return nil
	}
	return b.Publish(ctx, replyTo, payload)
}

func newMessage(topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		Headers:     make(map[string]string),
		PublishedAt: time.Now().UTC(),
	}
}

// dispatch runs handler for one delivered message. A panicking handler is
// logged and counted instead of taking the subscriber down.
func dispatch(ctx context.Context, handler domain.MessageHandler, msg *domain.Message) {
	outcome := "handled"
	defer func() {
		if rec := recover(); rec != nil {
			outcome = "panicked"
			slog.Error("bus handler panicked",
				"topic", msg.Topic,
				"message_id", msg.ID,
				"panic", rec,
			)
		}
		metrics.BusMessages.WithLabelValues(metricTopic(msg.Topic), outcome).Inc()
	}()

	if err := handler(ctx, msg); err != nil {
		outcome = "failed"
		slog.Error("bus handler error",
			"topic", msg.Topic,
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// metricTopic folds per-request reply topics into one label value.
func metricTopic(topic string) string {
	if strings.Contains(topic, replyInfix) || strings.HasPrefix(topic, nats.InboxPrefix) {
		return "reply"
	}
	return topic
}
