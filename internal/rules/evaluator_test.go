package rules

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freestays/passguard/internal/domain"
)

type fakeHistory struct {
	account    []*domain.Event
	device     []*domain.Event
	accountErr error
	delay      time.Duration
	calls      atomic.Int32
}

func (f *fakeHistory) AccountHistory(ctx context.Context, accountID string, since time.Time) ([]*domain.Event, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.account, f.accountErr
}

func (f *fakeHistory) DeviceHistory(ctx context.Context, fingerprint string, since time.Time) ([]*domain.Event, error) {
	f.calls.Add(1)
	return f.device, nil
}

func newEvaluatorStore(t *testing.T, rules ...domain.FraudRule) *Store {
	t.Helper()
	store := &Store{now: time.Now}
	store.snap.Store(snapshotOf(t, rules...))
	return store
}

func paymentEvent() *domain.Event {
	return &domain.Event{
		ID:                "e-1",
		Kind:              domain.EventPaymentAttempt,
		AccountID:         "a1",
		OccurredAt:        t0,
		Amount:            decimal.NewFromInt(5000),
		Currency:          "EUR",
		DeviceFingerprint: "fp-1",
	}
}

func TestEvaluator_Evaluate(t *testing.T) {
	store := newEvaluatorStore(t,
		rule("amount", domain.RuleAmountThreshold, 1000, 0),
		rule("velocity", domain.RuleVelocity, 2, 3600),
	)
	history := &fakeHistory{account: []*domain.Event{
		event("prev", domain.EventPaymentAttempt, "a1", t0.Add(-time.Minute)),
	}}
	ev := NewEvaluator(store, history, time.Second)

	res, err := ev.Evaluate(context.Background(), paymentEvent())
	require.NoError(t, err)

	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "amount", res.Candidates[0].RuleID)
	assert.Equal(t, "velocity", res.Candidates[1].RuleID)
	assert.False(t, res.Candidates[0].DetectedAt.IsZero())
	assert.Empty(t, res.Skipped)
	assert.Empty(t, res.Degraded)
	assert.Equal(t, 2, res.RulesEvaluated)
	assert.EqualValues(t, 1, history.calls.Load(), "device history is not needed")
}

func TestEvaluator_FailsOpenOnTimeout(t *testing.T) {
	store := newEvaluatorStore(t,
		rule("amount", domain.RuleAmountThreshold, 1000, 0),
		rule("velocity", domain.RuleVelocity, 1, 3600),
	)
	history := &fakeHistory{delay: time.Second}
	ev := NewEvaluator(store, history, 20*time.Millisecond)

	start := time.Now()
	res, err := ev.Evaluate(context.Background(), paymentEvent())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "amount", res.Candidates[0].RuleID)
	assert.Equal(t, []string{"velocity"}, res.Skipped)
	assert.Equal(t, []domain.HistorySource{domain.HistoryAccount}, res.Degraded)
}

func TestEvaluator_FailsOpenOnError(t *testing.T) {
	store := newEvaluatorStore(t,
		rule("device", domain.RuleDeviceReuse, 2, 3600),
		rule("velocity", domain.RuleVelocity, 1, 3600),
	)
	history := &fakeHistory{
		accountErr: errors.New("connection reset"),
		device: []*domain.Event{
			{ID: "d1", Kind: domain.EventLogin, AccountID: "a2", OccurredAt: t0.Add(-time.Minute), DeviceFingerprint: "fp-1"},
		},
	}
	ev := NewEvaluator(store, history, time.Second)

	res, err := ev.Evaluate(context.Background(), paymentEvent())
	require.NoError(t, err)

	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "device", res.Candidates[0].RuleID)
	assert.Equal(t, []string{"velocity"}, res.Skipped)
}

func TestEvaluator_UsesSnapshotAtStart(t *testing.T) {
	store := newEvaluatorStore(t, rule("amount", domain.RuleAmountThreshold, 1000, 0))
	ev := NewEvaluator(store, &fakeHistory{}, time.Second)

	res, err := ev.Evaluate(context.Background(), paymentEvent())
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 1)

	store.snap.Store(&Snapshot{})
	res, err = ev.Evaluate(context.Background(), paymentEvent())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	assert.NotNil(t, res.Candidates)
}

func TestValidateEvent(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Event)
	}{
		{"missing id", func(e *domain.Event) { e.ID = "" }},
		{"missing account", func(e *domain.Event) { e.AccountID = "" }},
		{"unknown kind", func(e *domain.Event) { e.Kind = "chargeback" }},
		{"zero time", func(e *domain.Event) { e.OccurredAt = time.Time{} }},
		{"negative amount", func(e *domain.Event) { e.Amount = decimal.NewFromInt(-1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := paymentEvent()
			tt.mutate(e)
			assert.ErrorIs(t, ValidateEvent(e), domain.ErrInvalidInput)
		})
	}

	assert.ErrorIs(t, ValidateEvent(nil), domain.ErrInvalidInput)
	assert.NoError(t, ValidateEvent(paymentEvent()))
}
