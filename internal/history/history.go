// Package history reads the recent activity the fraud evaluator looks back on.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/freestays/passguard/internal/domain"
)

// DefaultLimit caps the events returned per lookup.
const DefaultLimit = 500

// Reader serves bounded, newest-first event windows from the event store.
type Reader struct {
	events domain.EventStore
	limit  int
}

// NewReader creates a history reader. limit <= 0 selects DefaultLimit.
func NewReader(events domain.EventStore, limit int) *Reader {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Reader{events: events, limit: limit}
}

// AccountHistory returns the account's events at or after since.
func (r *Reader) AccountHistory(ctx context.Context, accountID string, since time.Time) ([]*domain.Event, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", domain.ErrInvalidInput)
	}
	return r.events.EventsByAccount(ctx, accountID, since, r.limit)
}

// DeviceHistory returns events seen with the fingerprint at or after since.
func (r *Reader) DeviceHistory(ctx context.Context, fingerprint string, since time.Time) ([]*domain.Event, error) {
	if fingerprint == "" {
		return nil, fmt.Errorf("%w: device fingerprint is required", domain.ErrInvalidInput)
	}
	return r.events.EventsByDevice(ctx, fingerprint, since, r.limit)
}

// Count returns how many of the account's events of kind happened within
// window before now. Used by the admin API for quick account lookups.
func (r *Reader) Count(ctx context.Context, accountID string, kind domain.EventKind, window time.Duration, now time.Time) (int, error) {
	events, err := r.AccountHistory(ctx, accountID, now.Add(-window))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range events {
		if (kind == "" || e.Kind == kind) && !e.OccurredAt.After(now) {
			n++
		}
	}
	return n, nil
}
