package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/metrics"
)

const (
	subjectPrefix = "passguard."
	drainTimeout  = 10 * time.Second
)

// NATSBus is the EventBus of the pro profile. Messages travel on core NATS
// subjects as JSON domain.Message envelopes. With a queue group set, the
// instances of the service split the fraud topic between them.
type NATSBus struct {
	conn   *nats.Conn
	queue  string
	closed chan struct{}
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
}

// NewNATSBus dials cfg.NATSUrl. The first connection is attempted up to
// NATSMaxReconnects times; later drops are handled by the client's own
// reconnect loop.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := withFallback(cfg.NATSUrl, nats.DefaultURL)
	attempts := cfg.NATSMaxReconnects
	if attempts <= 0 {
		attempts = 10
	}
	wait := 5 * time.Second
	if cfg.NATSReconnectWait > 0 {
		wait = time.Duration(cfg.NATSReconnectWait) * time.Second
	}

	b := &NATSBus{
		queue:  cfg.NATSQueueGroup,
		closed: make(chan struct{}),
	}
	opts := b.options(cfg.NATSToken, attempts, wait)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if b.conn, err = nats.Connect(url, opts...); err == nil {
			break
		}
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if attempt < attempts {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s after %d attempts: %w", url, attempts, err)
	}

	slog.Info("NATS connected",
		"url", b.conn.ConnectedUrl(),
		"server_id", b.conn.ConnectedServerId(),
		"queue_group", b.queue,
	)
	return b, nil
}

func (b *NATSBus) options(token string, maxReconnects int, wait time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.Name("passguard"),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(wait),
		nats.DrainTimeout(drainTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subj string
			if sub != nil {
				subj = sub.Subject
			}
			slog.Error("NATS async error", "subject", subj, "error", err)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(b.closed)
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	return opts
}

func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.conn.IsClosed() || b.conn.IsDraining() {
		return ErrClosed
	}
	data, err := json.Marshal(newMessage(topic, payload))
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", topic, err)
	}
	if err := b.conn.Publish(subject(topic), data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	metrics.BusMessages.WithLabelValues(metricTopic(topic), "published").Inc()
	return nil
}

// Subscribe joins the queue group when one is configured. A NATS reply
// inbox is exposed to the handler under ReplyToKey so Reply works the same
// on both buses.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if b.conn.IsClosed() || b.conn.IsDraining() {
		return nil, ErrClosed
	}

	onMsg := func(m *nats.Msg) {
		msg, err := decodeEnvelope(m.Data)
		if err != nil {
			metrics.BusMessages.WithLabelValues(metricTopic(topic), "malformed").Inc()
			slog.Error("dropping malformed NATS message", "subject", m.Subject, "error", err)
			return
		}
		if m.Reply != "" {
			msg.Headers[ReplyToKey] = m.Reply
		}
		dispatch(ctx, handler, msg)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.queue != "" {
		sub, err = b.conn.QueueSubscribe(subject(topic), b.queue, onMsg)
	} else {
		sub, err = b.conn.Subscribe(subject(topic), onMsg)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return &natsSubscription{topic: topic, sub: sub}, nil
}

// Request waits for one reply, at most requestTimeout when ctx has no
// deadline of its own.
func (b *NATSBus) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	data, err := json.Marshal(newMessage(topic, payload))
	if err != nil {
		return nil, fmt.Errorf("encode request for %s: %w", topic, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	resp, err := b.conn.RequestWithContext(ctx, subject(topic), data)
	if err != nil {
		return nil, fmt.Errorf("request on %s: %w", topic, err)
	}
	msg, err := decodeEnvelope(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("reply on %s: %w", topic, err)
	}
	return msg.Payload, nil
}

func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errors.New("NATS not connected: " + b.conn.Status().String())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains the connection: subscriptions stop taking new messages,
// handlers finish the ones they hold, pending publishes are flushed.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	select {
	case <-b.closed:
		return nil
	case <-time.After(drainTimeout + time.Second):
		b.conn.Close()
		return errors.New("NATS drain timed out")
	}
}

func decodeEnvelope(data []byte) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	return &msg, nil
}

// subject maps a topic onto its NATS subject. Reply inboxes pass through.
func subject(topic string) string {
	if strings.HasPrefix(topic, nats.InboxPrefix) || strings.HasPrefix(topic, subjectPrefix) {
		return topic
	}
	return subjectPrefix + topic
}

func withFallback(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (s *natsSubscription) Topic() string { return s.topic }

func (s *natsSubscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}
