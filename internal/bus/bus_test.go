package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/freestays/passguard/internal/domain"
)

// collector records every message delivered to its handler.
type collector struct {
	mu   sync.Mutex
	msgs []*domain.Message
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 1024)}
}

func (c *collector) handle(_ context.Context, msg *domain.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

// await blocks until n messages arrived in total.
func (c *collector) await(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for c.count() < n {
		select {
		case <-c.got:
		case <-deadline:
			t.Fatalf("got %d messages, want %d", c.count(), n)
		}
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// settle gives the subscriber loops time to deliver anything in flight.
func settle() { time.Sleep(50 * time.Millisecond) }

func mustSubscribe(t *testing.T, b domain.EventBus, topic string, h domain.MessageHandler) domain.Subscription {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), topic, h)
	if err != nil {
		t.Fatalf("subscribe %s: %v", topic, err)
	}
	return sub
}

func TestChannelBus(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()

	t.Run("DeliversEnvelope", func(t *testing.T) {
		c := newCollector()
		sub := mustSubscribe(t, b, domain.TopicFraudEvaluate, c.handle)
		defer sub.Unsubscribe()

		before := time.Now().UTC()
		if err := b.Publish(ctx, domain.TopicFraudEvaluate, []byte(`{"id":"evt-1"}`)); err != nil {
			t.Fatalf("publish: %v", err)
		}
		c.await(t, 1)

		msg := c.msgs[0]
		if string(msg.Payload) != `{"id":"evt-1"}` {
			t.Errorf("payload = %s", msg.Payload)
		}
		if msg.Topic != domain.TopicFraudEvaluate || msg.ID == "" {
			t.Errorf("unexpected envelope %+v", msg)
		}
		if msg.PublishedAt.Before(before) {
			t.Errorf("published at %v, before %v", msg.PublishedAt, before)
		}
		if sub.Topic() != domain.TopicFraudEvaluate {
			t.Errorf("subscription topic = %q", sub.Topic())
		}
	})

	t.Run("FanOutPerTopic", func(t *testing.T) {
		created, escalated := newCollector(), newCollector()
		mustSubscribe(t, b, domain.TopicAlertCreated, created.handle)
		mustSubscribe(t, b, domain.TopicAlertCreated, created.handle)
		mustSubscribe(t, b, domain.TopicAlertEscalated, escalated.handle)

		b.Publish(ctx, domain.TopicAlertCreated, []byte("alert-1"))
		created.await(t, 2)
		settle()

		if n := escalated.count(); n != 0 {
			t.Errorf("escalated subscriber got %d messages", n)
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		c := newCollector()
		sub := mustSubscribe(t, b, "audit", c.handle)

		b.Publish(ctx, "audit", []byte("1"))
		c.await(t, 1)
		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe: %v", err)
		}

		b.Publish(ctx, "audit", []byte("2"))
		settle()
		if n := c.count(); n != 1 {
			t.Errorf("got %d messages after unsubscribe, want 1", n)
		}
	})

	t.Run("RequestReply", func(t *testing.T) {
		mustSubscribe(t, b, "quote.check", func(ctx context.Context, msg *domain.Message) error {
			return Reply(ctx, b, msg, append([]byte("ok:"), msg.Payload...))
		})

		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		reply, err := b.Request(reqCtx, "quote.check", []byte("bk-1"))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		if string(reply) != "ok:bk-1" {
			t.Errorf("reply = %q", reply)
		}
	})

	t.Run("RequestWithoutResponder", func(t *testing.T) {
		reqCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		if _, err := b.Request(reqCtx, "nobody.listens", nil); err == nil {
			t.Error("expected request to fail without a responder")
		}
	})

	t.Run("ReplyToPlainPublishIsNoop", func(t *testing.T) {
		if err := Reply(ctx, b, &domain.Message{Headers: map[string]string{}}, []byte("x")); err != nil {
			t.Errorf("reply: %v", err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := b.Ping(ctx); err != nil {
			t.Errorf("ping: %v", err)
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	b := NewChannelBus(10)
	ctx := context.Background()
	mustSubscribe(t, b, domain.TopicFraudEvaluate, newCollector().handle)

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Publish(ctx, domain.TopicFraudEvaluate, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("publish after close: %v, want ErrClosed", err)
	}
	if err := b.Ping(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("ping after close: %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe(ctx, domain.TopicFraudEvaluate, nil); err == nil {
		t.Error("subscribe after close succeeded")
	}
}

func TestNew(t *testing.T) {
	b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 8})
	if err != nil {
		t.Fatalf("channel bus: %v", err)
	}
	b.Close()
	if _, ok := b.(*ChannelBus); !ok {
		t.Errorf("New returned %T", b)
	}

	if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
		t.Error("unknown bus type accepted")
	}
}

func TestSubject(t *testing.T) {
	for topic, want := range map[string]string{
		domain.TopicFraudEvaluate: domain.TopicFraudEvaluate,
		"audit":                   "passguard.audit",
		"_INBOX.abc.def":          "_INBOX.abc.def",
	} {
		if got := subject(topic); got != want {
			t.Errorf("subject(%q) = %q, want %q", topic, got, want)
		}
	}
}

func TestChannelBusConcurrentPublishers(t *testing.T) {
	b := NewChannelBus(1000)
	defer b.Close()
	ctx := context.Background()

	var seen atomic.Int64
	c := newCollector()
	mustSubscribe(t, b, domain.TopicFraudEvaluate, func(ctx context.Context, msg *domain.Message) error {
		seen.Add(1)
		return c.handle(ctx, msg)
	})

	const publishers, perPublisher = 10, 20
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				if err := b.Publish(ctx, domain.TopicFraudEvaluate, []byte("evt")); err != nil {
					t.Errorf("publish: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	c.await(t, publishers*perPublisher)
	if n := seen.Load(); n != publishers*perPublisher {
		t.Errorf("handled %d, want %d", n, publishers*perPublisher)
	}
}

func TestChannelBusBufferFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	bus.Subscribe(ctx, "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	defer close(release)

	// First message occupies the handler, second fills the buffer.
	if err := bus.Publish(ctx, "slow.topic", []byte("1")); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	<-started
	if err := bus.Publish(ctx, "slow.topic", []byte("2")); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	if err := bus.Publish(ctx, "slow.topic", []byte("3")); !errors.Is(err, ErrBufferFull) {
		t.Errorf("expected ErrBufferFull, got %v", err)
	}
}

func TestChannelBusHandlerPanic(t *testing.T) {
	bus := NewChannelBus(10)
	defer bus.Close()
	ctx := context.Background()

	c := newCollector()
	var calls atomic.Int32
	bus.Subscribe(ctx, "panic.topic", func(ctx context.Context, msg *domain.Message) error {
		if calls.Add(1) == 1 {
			panic("handler bug")
		}
		return c.handle(ctx, msg)
	})

	bus.Publish(ctx, "panic.topic", []byte("a"))
	bus.Publish(ctx, "panic.topic", []byte("b"))

	// The subscription survives the panic and handles the next message.
	c.await(t, 1)
	if calls.Load() != 2 {
		t.Errorf("expected 2 handler calls, got %d", calls.Load())
	}
}

func TestChannelBusCancelledPublish(t *testing.T) {
	bus := NewChannelBus(10)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(ctx, "any.topic", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMetricTopic(t *testing.T) {
	tests := map[string]string{
		domain.TopicFraudEvaluate:                      domain.TopicFraudEvaluate,
		domain.TopicFraudEvaluate + ".reply.1234-abcd": "reply",
		"_INBOX.abc.def":                               "reply",
	}
	for topic, want := range tests {
		if got := metricTopic(topic); got != want {
			t.Errorf("metricTopic(%q) = %q, want %q", topic, got, want)
		}
	}
}
