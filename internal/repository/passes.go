package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/freestays/passguard/internal/domain"
)

const passColumns = `id, account_id, pass_type, status, issued_at, valid_until,
	bookings_remaining, payment_ref, consumed_at, consumed_by, restored_from, updated_at`

// InsertPass stores a new pass. A second active pass of the same type for
// the account fails with domain.ErrDuplicateActivePass.
func (r *SQLRepository) InsertPass(ctx context.Context, p *domain.PassEntitlement) error {
	if p.ID == "" || p.AccountID == "" {
		return fmt.Errorf("%w: pass id and account id are required", domain.ErrInvalidInput)
	}

	query := `INSERT INTO passes (` + passColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.exec(ctx, "insert pass", query,
		p.ID, p.AccountID, string(p.Type), string(p.Status),
		p.IssuedAt.UTC(), utcPtr(p.ValidUntil),
		p.BookingsRemaining, p.PaymentRef,
		utcPtr(p.ConsumedAt), nullString(p.ConsumedBy), nullString(p.RestoredFrom),
		p.UpdatedAt.UTC(),
	)
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("%w: account %s already holds an active %s pass", domain.ErrDuplicateActivePass, p.AccountID, p.Type)
	}
	return err
}

// UpdatePass overwrites the mutable fields of a pass.
func (r *SQLRepository) UpdatePass(ctx context.Context, p *domain.PassEntitlement) error {
	query := `
		UPDATE passes
		SET status = ?, valid_until = ?, bookings_remaining = ?,
			consumed_at = ?, consumed_by = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := r.exec(ctx, "update pass", query,
		string(p.Status), utcPtr(p.ValidUntil), p.BookingsRemaining,
		utcPtr(p.ConsumedAt), nullString(p.ConsumedBy), p.UpdatedAt.UTC(),
		p.ID,
	)
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("%w: account %s already holds an active %s pass", domain.ErrDuplicateActivePass, p.AccountID, p.Type)
	}
	if err != nil {
		return err
	}
	return expectRow(res, "pass "+p.ID)
}

// GetPass retrieves a pass by ID.
func (r *SQLRepository) GetPass(ctx context.Context, id string) (*domain.PassEntitlement, error) {
	query := `SELECT ` + passColumns + ` FROM passes WHERE id = ?`
	return r.getPass(ctx, "pass "+id, query, id)
}

// ActivePass returns the account's active pass of the given type.
func (r *SQLRepository) ActivePass(ctx context.Context, accountID string, passType domain.PassType) (*domain.PassEntitlement, error) {
	query := `SELECT ` + passColumns + ` FROM passes WHERE account_id = ? AND pass_type = ? AND status = ?`
	return r.getPass(ctx, "active "+string(passType)+" pass", query, accountID, string(passType), string(domain.PassActive))
}

// ConsumedPassForBooking returns the one_time pass the booking consumed.
func (r *SQLRepository) ConsumedPassForBooking(ctx context.Context, accountID, bookingRef string) (*domain.PassEntitlement, error) {
	query := `SELECT ` + passColumns + ` FROM passes
		WHERE account_id = ? AND consumed_by = ? AND status = ?
		ORDER BY consumed_at DESC LIMIT 1`
	return r.getPass(ctx, "pass consumed by "+bookingRef, query, accountID, bookingRef, string(domain.PassConsumed))
}

// RestoredPass returns the pass issued to compensate consumedID.
func (r *SQLRepository) RestoredPass(ctx context.Context, consumedID string) (*domain.PassEntitlement, error) {
	query := `SELECT ` + passColumns + ` FROM passes WHERE restored_from = ? LIMIT 1`
	return r.getPass(ctx, "restoration of "+consumedID, query, consumedID)
}

// ListPasses returns every pass of the account, newest first.
func (r *SQLRepository) ListPasses(ctx context.Context, accountID string) ([]*domain.PassEntitlement, error) {
	query := `SELECT ` + passColumns + ` FROM passes WHERE account_id = ? ORDER BY issued_at DESC, id`
	return r.listPasses(ctx, query, accountID)
}

// LapsedAnnualPasses returns active annual passes with valid_until before now.
func (r *SQLRepository) LapsedAnnualPasses(ctx context.Context, now time.Time) ([]*domain.PassEntitlement, error) {
	query := `SELECT ` + passColumns + ` FROM passes
		WHERE status = ? AND pass_type = ? AND valid_until < ?
		ORDER BY valid_until, id`
	return r.listPasses(ctx, query, string(domain.PassActive), string(domain.PassAnnual), now.UTC())
}

func (r *SQLRepository) getPass(ctx context.Context, what, query string, args ...any) (*domain.PassEntitlement, error) {
	p, err := scanPass(r.q.QueryRowContext(ctx, r.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	if err != nil {
		return nil, storageErr("get pass", err)
	}
	return p, nil
}

func (r *SQLRepository) listPasses(ctx context.Context, query string, args ...any) ([]*domain.PassEntitlement, error) {
	rows, err := r.q.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, storageErr("list passes", err)
	}
	defer rows.Close()

	var passes []*domain.PassEntitlement
	for rows.Next() {
		p, err := scanPass(rows)
		if err != nil {
			return nil, storageErr("scan pass", err)
		}
		passes = append(passes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list passes", err)
	}
	return passes, nil
}

func scanPass(s scanner) (*domain.PassEntitlement, error) {
	var p domain.PassEntitlement
	var passType, status string
	var validUntil, consumedAt sql.NullTime
	var consumedBy, restoredFrom sql.NullString

	err := s.Scan(
		&p.ID, &p.AccountID, &passType, &status,
		&p.IssuedAt, &validUntil,
		&p.BookingsRemaining, &p.PaymentRef,
		&consumedAt, &consumedBy, &restoredFrom,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Type = domain.PassType(passType)
	p.Status = domain.PassStatus(status)
	p.IssuedAt = p.IssuedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	p.ValidUntil = timePtr(validUntil)
	p.ConsumedAt = timePtr(consumedAt)
	p.ConsumedBy = consumedBy.String
	p.RestoredFrom = restoredFrom.String
	return &p, nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
