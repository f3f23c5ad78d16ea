// Package bus provides event bus implementations for PassGuard.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/metrics"
)

// ChannelBus is the in-process EventBus of the community profile. Each
// subscription owns a buffered channel drained by one goroutine, so a
// subscriber sees messages one at a time in publish order.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	topics     map[string]map[string]*channelSubscription
	closed     bool
}

type channelSubscription struct {
	id      string
	topic   string
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
}

// NewChannelBus creates a channel bus whose subscriptions buffer bufferSize
// messages each.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		topics:     make(map[string]map[string]*channelSubscription),
	}
}

// Publish fans the payload out to every subscriber of topic without
// blocking. A subscriber whose buffer is full misses the message and
// Publish returns ErrBufferFull; the others still receive it.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.deliver(newMessage(topic, payload))
}

func (b *ChannelBus) deliver(msg *domain.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	label := metricTopic(msg.Topic)
	dropped := 0
	for _, sub := range b.topics[msg.Topic] {
		select {
		case sub.inbox <- msg:
		default:
			dropped++
		}
	}
	metrics.BusMessages.WithLabelValues(label, "published").Inc()

	if dropped > 0 {
		metrics.BusMessages.WithLabelValues(label, "dropped").Add(float64(dropped))
		slog.Warn("subscriber buffer full, message dropped",
			"topic", msg.Topic,
			"message_id", msg.ID,
			"subscribers_missed", dropped,
		)
		return fmt.Errorf("%w: %s", ErrBufferFull, msg.Topic)
	}
	return nil
}

// Subscribe registers handler for topic. The subscription ends when ctx is
// cancelled, on Unsubscribe or when the bus closes.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		inbox:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}

	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[string]*channelSubscription)
		b.topics[topic] = subs
	}
	subs[sub.id] = sub

	go sub.loop()
	return sub, nil
}

func (s *channelSubscription) loop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			dispatch(s.ctx, s.handler, msg)
		}
	}
}

// Request publishes payload with a private reply topic and returns the
// first reply, giving up after ctx ends or 30 seconds.
func (b *ChannelBus) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	replies := make(chan []byte, 1)
	replyTopic := topic + replyInfix + uuid.NewString()

	sub, err := b.Subscribe(ctx, replyTopic, func(_ context.Context, msg *domain.Message) error {
		select {
		case replies <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	msg := newMessage(topic, payload)
	msg.Headers[ReplyToKey] = replyTopic
	if err := b.deliver(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request on %s timed out after %s", topic, requestTimeout)
	}
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscription. Buffered messages are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	b.topics = make(map[string]map[string]*channelSubscription)
	return nil
}

// Unsubscribe stops delivery to this subscription.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs := s.bus.topics[s.topic]; subs != nil {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	return nil
}

func (s *channelSubscription) Topic() string {
	return s.topic
}
