package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/freestays/passguard/internal/domain"
)

const eventColumns = `id, kind, account_id, occurred_at, amount, currency, ip, ip_country, device_fingerprint, booking_ref`

// SaveEvent records an activity event. Re-delivered events are ignored.
func (r *SQLRepository) SaveEvent(ctx context.Context, e *domain.Event) error {
	if e.ID == "" || e.AccountID == "" {
		return fmt.Errorf("%w: event id and account id are required", domain.ErrInvalidInput)
	}

	query := `INSERT INTO events (` + eventColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.exec(ctx, "save event", query,
		e.ID, string(e.Kind), e.AccountID, e.OccurredAt.UTC(),
		e.Amount.String(), nullString(e.Currency), nullString(e.IP), nullString(e.IPCountry),
		nullString(e.DeviceFingerprint), nullString(e.BookingRef),
	)
	return err
}

// EventsByAccount returns the account's events since the given instant, newest first.
func (r *SQLRepository) EventsByAccount(ctx context.Context, accountID string, since time.Time, limit int) ([]*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE account_id = ? AND occurred_at >= ?
		ORDER BY occurred_at DESC LIMIT ?`
	return r.listEvents(ctx, query, accountID, since.UTC(), limit)
}

// EventsByDevice returns events seen with the fingerprint since the given instant, newest first.
func (r *SQLRepository) EventsByDevice(ctx context.Context, fingerprint string, since time.Time, limit int) ([]*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE device_fingerprint = ? AND occurred_at >= ?
		ORDER BY occurred_at DESC LIMIT ?`
	return r.listEvents(ctx, query, fingerprint, since.UTC(), limit)
}

func (r *SQLRepository) listEvents(ctx context.Context, query string, key string, since time.Time, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := r.q.QueryContext(ctx, r.rebind(query), key, since, limit)
	if err != nil {
		return nil, storageErr("list events", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var e domain.Event
		var kind, amount string
		var currency, ip, country, device, bookingRef sql.NullString

		if err := rows.Scan(&e.ID, &kind, &e.AccountID, &e.OccurredAt, &amount,
			&currency, &ip, &country, &device, &bookingRef); err != nil {
			return nil, storageErr("scan event", err)
		}

		e.Kind = domain.EventKind(kind)
		e.OccurredAt = e.OccurredAt.UTC()
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, storageErr("parse event amount", err)
		}
		e.Currency = currency.String
		e.IP = ip.String
		e.IPCountry = country.String
		e.DeviceFingerprint = device.String
		e.BookingRef = bookingRef.String
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list events", err)
	}
	return events, nil
}
