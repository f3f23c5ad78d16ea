// Package worker runs the asynchronous fraud path: it records reported
// events, evaluates them against the rule snapshot and feeds the candidates
// to the alert manager.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/freestays/passguard/internal/bus"
	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/metrics"
	"github.com/freestays/passguard/internal/rules"
)

const dedupKeyPrefix = "evaluated:"

// Evaluator turns an event into candidate alerts.
type Evaluator interface {
	Evaluate(ctx context.Context, e *domain.Event) (*rules.Result, error)
}

// AlertSink receives candidate alerts.
type AlertSink interface {
	Submit(ctx context.Context, c domain.CandidateAlert) (*domain.Alert, error)
}

// Outcome is what the worker reports for one event. It is also the reply
// payload for callers that wait on the evaluation.
type Outcome struct {
	EventID string        `json:"eventId"`
	Result  *rules.Result `json:"result,omitempty"`

	// AlertIDs are the alerts the event was recorded on.
	AlertIDs []string `json:"alertIds,omitempty"`

	// Duplicate is set when the event had already been evaluated.
	Duplicate bool `json:"duplicate,omitempty"`

	Error string `json:"error,omitempty"`
}

// Worker consumes fraud events from the EventBus.
type Worker struct {
	bus       domain.EventBus
	events    domain.EventStore
	evaluator Evaluator
	alerts    AlertSink
	cache     domain.Cache
	cfg       Config

	subscriptions []domain.Subscription
	group         errgroup.Group
	ctx           context.Context
	cancel        context.CancelFunc

	processed  atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
	raised     atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Workers is the number of events evaluated concurrently.
	Workers int

	// DedupTTL is how long an evaluated event id is remembered.
	DedupTTL time.Duration
}

// NewWorker creates a fraud worker. c may be nil, in which case re-delivered
// events are only deduplicated by the event store and the alert evidence.
func NewWorker(b domain.EventBus, events domain.EventStore, evaluator Evaluator, alerts AlertSink, c domain.Cache, cfg Config) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		bus:       b,
		events:    events,
		evaluator: evaluator,
		alerts:    alerts,
		cache:     c,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
	w.group.SetLimit(cfg.Workers)
	return w
}

// Start subscribes to the fraud evaluation topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicFraudEvaluate, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicFraudEvaluate, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("fraud worker started",
		"topic", domain.TopicFraudEvaluate,
		"workers", w.cfg.Workers,
	)
	return nil
}

// handleMessage hands the message to the worker pool. It blocks while every
// slot is busy, which holds back the subscription instead of queueing more.
func (w *Worker) handleMessage(_ context.Context, msg *domain.Message) error {
	w.group.Go(func() error {
		w.handle(w.ctx, msg)
		return nil
	})
	return nil
}

func (w *Worker) handle(ctx context.Context, msg *domain.Message) {
	var e domain.Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse fraud event",
			"message_id", msg.ID,
			"error", err,
		)
		w.reply(ctx, msg, &Outcome{Error: "malformed event: " + err.Error()})
		return
	}

	out, err := w.Process(ctx, &e)
	if err != nil {
		w.failed.Add(1)
		slog.Error("fraud evaluation failed",
			"event_id", e.ID,
			"message_id", msg.ID,
			"error", err,
		)
		out = &Outcome{EventID: e.ID, Error: err.Error()}
	}
	w.reply(ctx, msg, out)
}

// Process records e, evaluates it and submits every candidate. An event id
// seen within DedupTTL is reported as a duplicate and not evaluated again.
func (w *Worker) Process(ctx context.Context, e *domain.Event) (*Outcome, error) {
	if err := rules.ValidateEvent(e); err != nil {
		return nil, err
	}

	if w.seen(ctx, e.ID) {
		w.duplicates.Add(1)
		metrics.DuplicateDeliveries.Inc()
		slog.Debug("duplicate event skipped", "event_id", e.ID)
		return &Outcome{EventID: e.ID, Duplicate: true}, nil
	}

	// The event joins the history even when evaluation later fails.
	if err := w.events.SaveEvent(ctx, e); err != nil {
		slog.Error("failed to record event",
			"event_id", e.ID,
			"account_id", e.AccountID,
			"error", err,
		)
	}

	res, err := w.evaluator.Evaluate(ctx, e)
	if err != nil {
		return nil, err
	}

	out := &Outcome{EventID: e.ID, Result: res}
	for _, c := range res.Candidates {
		alert, err := w.alerts.Submit(ctx, c)
		if err != nil {
			slog.Error("failed to submit candidate",
				"event_id", e.ID,
				"rule_id", c.RuleID,
				"dedup_key", c.DedupKey(),
				"error", err,
			)
			continue
		}
		w.raised.Add(1)
		out.AlertIDs = append(out.AlertIDs, alert.ID)
	}

	w.processed.Add(1)
	slog.Info("event evaluated",
		"event_id", e.ID,
		"kind", e.Kind,
		"account_id", e.AccountID,
		"candidates", len(res.Candidates),
		"alerts", len(out.AlertIDs),
		"skipped", len(res.Skipped),
		"duration_ms", res.DurationMs,
	)
	return out, nil
}

// seen reports whether id was already evaluated. A cache failure counts as
// unseen; the event store and alert evidence absorb the repeat.
func (w *Worker) seen(ctx context.Context, id string) bool {
	if w.cache == nil {
		return false
	}
	n, err := w.cache.IncrementCounter(ctx, dedupKeyPrefix+id, w.cfg.DedupTTL)
	if err != nil {
		slog.Warn("event dedup unavailable", "event_id", id, "error", err)
		return false
	}
	return n > 1
}

func (w *Worker) reply(ctx context.Context, msg *domain.Message, out *Outcome) {
	if msg.Headers[bus.ReplyToKey] == "" {
		return
	}
	payload, err := json.Marshal(out)
	if err != nil {
		slog.Error("failed to encode evaluation reply", "message_id", msg.ID, "error", err)
		return
	}
	if err := bus.Reply(ctx, w.bus, msg, payload); err != nil {
		slog.Error("failed to send evaluation reply", "message_id", msg.ID, "error", err)
	}
}

// Stop unsubscribes, waits for in-flight evaluations and releases the worker.
func (w *Worker) Stop() error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	_ = w.group.Wait()
	w.cancel()

	slog.Info("fraud worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Duplicates        int64    `json:"duplicates"`
	Failed            int64    `json:"failed"`
	AlertsRaised      int64    `json:"alertsRaised"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Duplicates:        w.duplicates.Load(),
		Failed:            w.failed.Load(),
		AlertsRaised:      w.raised.Load(),
	}
}
