package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/metrics"
)

// HistoryReader supplies recent events for an account or a device.
type HistoryReader interface {
	AccountHistory(ctx context.Context, accountID string, since time.Time) ([]*domain.Event, error)
	DeviceHistory(ctx context.Context, fingerprint string, since time.Time) ([]*domain.Event, error)
}

// Result is the outcome of evaluating one event.
type Result struct {
	EventID    string                  `json:"eventId"`
	Candidates []domain.CandidateAlert `json:"candidates"`

	// Skipped lists rules not run because their history was unavailable.
	Skipped []string `json:"skipped,omitempty"`

	// Degraded lists the history sources that timed out or failed.
	Degraded []domain.HistorySource `json:"degraded,omitempty"`

	RulesEvaluated int   `json:"rulesEvaluated"`
	DurationMs     int64 `json:"durationMs"`
}

// Evaluator loads history for an event and runs the current rule snapshot.
// History reads are bounded; a slow or failing source disables only the
// rules that need it.
type Evaluator struct {
	store   *Store
	history HistoryReader
	timeout time.Duration
	now     func() time.Time
}

// NewEvaluator creates an evaluator. timeout bounds each history source.
func NewEvaluator(store *Store, history HistoryReader, timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &Evaluator{
		store:   store,
		history: history,
		timeout: timeout,
		now:     time.Now,
	}
}

// Evaluate returns the candidate alerts for e. Only malformed events fail;
// history problems degrade the result instead.
func (ev *Evaluator) Evaluate(ctx context.Context, e *domain.Event) (*Result, error) {
	if err := ValidateEvent(e); err != nil {
		return nil, err
	}

	start := time.Now()
	snap := ev.store.Snapshot()

	windows := sourceWindows(snap)
	h := History{Missing: make(map[domain.HistorySource]bool)}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for src, window := range windows {
		if src == domain.HistoryDevice && e.DeviceFingerprint == "" {
			continue
		}
		wg.Add(1)
		go func(src domain.HistorySource, since time.Time) {
			defer wg.Done()

			events, err := ev.fetch(ctx, src, e, since)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				h.Missing[src] = true
				metrics.DegradedEvaluations.WithLabelValues(string(src)).Inc()
				slog.Warn("degraded evaluation",
					"event_id", e.ID,
					"account_id", e.AccountID,
					"source", src,
					"timeout", errors.Is(err, domain.ErrHistoryTimeout),
					"error", err,
				)
				return
			}
			switch src {
			case domain.HistoryAccount:
				h.Account = events
			case domain.HistoryDevice:
				h.Device = events
			}
		}(src, e.OccurredAt.Add(-window))
	}
	wg.Wait()

	candidates := Evaluate(e, snap, h)
	detectedAt := ev.now().UTC()
	for i := range candidates {
		candidates[i].DetectedAt = detectedAt
		metrics.RuleFirings.WithLabelValues(string(candidates[i].RuleType)).Inc()
	}

	res := &Result{
		EventID:        e.ID,
		Candidates:     candidates,
		Skipped:        Skipped(snap, h),
		RulesEvaluated: snap.Len(),
		DurationMs:     time.Since(start).Milliseconds(),
	}
	for src := range h.Missing {
		res.Degraded = append(res.Degraded, src)
	}
	slices.Sort(res.Degraded)
	if res.Candidates == nil {
		res.Candidates = []domain.CandidateAlert{}
	}

	metrics.EventsEvaluated.WithLabelValues(string(e.Kind)).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	return res, nil
}

// fetch reads one history source, giving up after the evaluator timeout
// even if the reader ignores cancellation.
func (ev *Evaluator) fetch(ctx context.Context, src domain.HistorySource, e *domain.Event, since time.Time) ([]*domain.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, ev.timeout)
	defer cancel()

	type result struct {
		events []*domain.Event
		err    error
	}
	ch := make(chan result, 1)

	go func() {
		var r result
		switch src {
		case domain.HistoryAccount:
			r.events, r.err = ev.history.AccountHistory(ctx, e.AccountID, since)
		case domain.HistoryDevice:
			r.events, r.err = ev.history.DeviceHistory(ctx, e.DeviceFingerprint, since)
		}
		ch <- r
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s history: %v", domain.ErrHistoryTimeout, src, r.err)
		}
		return r.events, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s history after %s", domain.ErrHistoryTimeout, src, ev.timeout)
	}
}

// sourceWindows returns the widest window each history source must cover.
func sourceWindows(snap *Snapshot) map[domain.HistorySource]time.Duration {
	windows := make(map[domain.HistorySource]time.Duration)
	for _, rule := range snap.Rules() {
		src := rule.Type.Source()
		if src == domain.HistoryNone {
			continue
		}
		if rule.window > windows[src] {
			windows[src] = rule.window
		}
	}
	return windows
}

// ValidateEvent rejects events the evaluator cannot reason about.
func ValidateEvent(e *domain.Event) error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: event is required", domain.ErrInvalidInput)
	case e.ID == "":
		return fmt.Errorf("%w: event id is required", domain.ErrInvalidInput)
	case e.AccountID == "":
		return fmt.Errorf("%w: event account id is required", domain.ErrInvalidInput)
	case !e.Kind.Valid():
		return fmt.Errorf("%w: unknown event kind %q", domain.ErrInvalidInput, e.Kind)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("%w: event occurred_at is required", domain.ErrInvalidInput)
	case e.Amount.IsNegative():
		return fmt.Errorf("%w: event amount must not be negative", domain.ErrInvalidInput)
	}
	return nil
}
