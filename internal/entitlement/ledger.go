// Package entitlement owns the lifecycle of prepaid booking passes.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/keylock"
	"github.com/freestays/passguard/internal/metrics"
)

const entityPass = "pass"

// Ledger issues, consumes and retires passes.
//
// Mutations for one account run under a per-account lock and inside a
// single storage transaction. Different accounts proceed in parallel.
type Ledger struct {
	repo  domain.Repository
	locks *keylock.Map
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger on top of repo.
func NewLedger(repo domain.Repository, opts ...Option) *Ledger {
	l := &Ledger{
		repo:  repo,
		locks: keylock.New(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// IssuePass creates a new active pass for the account.
// An annual pass is valid for AnnualPassDays from issuance.
func (l *Ledger) IssuePass(ctx context.Context, accountID string, passType domain.PassType, paymentRef, actor string) (*domain.PassEntitlement, error) {
	if err := requireID("account id", accountID); err != nil {
		return nil, err
	}
	if !passType.Valid() {
		return nil, fmt.Errorf("%w: unknown pass type %q", domain.ErrInvalidInput, passType)
	}
	if err := requireID("payment ref", paymentRef); err != nil {
		return nil, err
	}

	var issued *domain.PassEntitlement
	err := l.mutate(ctx, accountID, func(s domain.Store, now time.Time) error {
		if err := l.expireLapsed(ctx, s, accountID, now); err != nil {
			return err
		}

		if _, err := s.ActivePass(ctx, accountID, passType); err == nil {
			return fmt.Errorf("%w: account %s already holds an active %s pass", domain.ErrDuplicateActivePass, accountID, passType)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		p := newPass(accountID, passType, paymentRef, now)
		if err := s.InsertPass(ctx, p); err != nil {
			return err
		}
		issued = p

		return appendAudit(ctx, s, actor, domain.ActionPassIssued, p, now, map[string]any{
			"pass_type":   string(passType),
			"payment_ref": paymentRef,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.PassOperations.WithLabelValues("issue", string(passType)).Inc()
	slog.Info("pass issued",
		"account_id", accountID,
		"pass_id", issued.ID,
		"pass_type", passType,
	)
	return issued, nil
}

// ConsumePass applies the account's pass to a booking.
//
// An active, unexpired annual pass is returned unchanged. Otherwise an active
// one_time pass is marked consumed by bookingRef and returned. With no usable
// pass it returns (nil, nil) and the caller charges full price. Calling it
// again for the same booking returns the pass that booking already consumed.
func (l *Ledger) ConsumePass(ctx context.Context, accountID, bookingRef string) (*domain.PassEntitlement, error) {
	if err := requireID("account id", accountID); err != nil {
		return nil, err
	}
	if err := requireID("booking ref", bookingRef); err != nil {
		return nil, err
	}

	var used *domain.PassEntitlement
	err := l.mutate(ctx, accountID, func(s domain.Store, now time.Time) error {
		annual, err := s.ActivePass(ctx, accountID, domain.PassAnnual)
		switch {
		case err == nil && annual.Lapsed(now):
			if err := expire(ctx, s, annual, now); err != nil {
				return err
			}
		case err == nil:
			used = annual
			return nil
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		// A retried booking gets back the pass it already consumed,
		// unless that consumption was compensated by RestorePass.
		if prev, err := s.ConsumedPassForBooking(ctx, accountID, bookingRef); err == nil {
			_, rerr := s.RestoredPass(ctx, prev.ID)
			if errors.Is(rerr, domain.ErrNotFound) {
				used = prev
				return nil
			}
			if rerr != nil {
				return rerr
			}
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		p, err := s.ActivePass(ctx, accountID, domain.PassOneTime)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !p.ValidAt(now) {
			return nil
		}

		consumedAt := now
		p.Status = domain.PassConsumed
		p.BookingsRemaining = 0
		p.ConsumedAt = &consumedAt
		p.ConsumedBy = bookingRef
		p.UpdatedAt = now
		if err := s.UpdatePass(ctx, p); err != nil {
			return err
		}
		used = p

		return appendAudit(ctx, s, domain.SystemActor, domain.ActionPassConsumed, p, now, map[string]any{
			"booking_ref": bookingRef,
		})
	})
	if err != nil {
		return nil, err
	}

	if used != nil {
		metrics.PassOperations.WithLabelValues("consume", string(used.Type)).Inc()
		slog.Debug("pass applied to booking",
			"account_id", accountID,
			"pass_id", used.ID,
			"pass_type", used.Type,
			"booking_ref", bookingRef,
		)
	}
	return used, nil
}

// RestorePass compensates a booking aborted after ConsumePass.
//
// The consumed one_time pass stays consumed for audit. A fresh one_time pass
// pointing back at it through RestoredFrom is issued instead. Repeating the
// call returns the same replacement. Annual passes are never consumed, so a
// booking covered by one gets the active annual pass back.
func (l *Ledger) RestorePass(ctx context.Context, accountID, bookingRef, reason, actor string) (*domain.PassEntitlement, error) {
	if err := requireID("account id", accountID); err != nil {
		return nil, err
	}
	if err := requireID("booking ref", bookingRef); err != nil {
		return nil, err
	}

	var restored *domain.PassEntitlement
	err := l.mutate(ctx, accountID, func(s domain.Store, now time.Time) error {
		consumed, err := s.ConsumedPassForBooking(ctx, accountID, bookingRef)
		if errors.Is(err, domain.ErrNotFound) {
			annual, aerr := s.ActivePass(ctx, accountID, domain.PassAnnual)
			if aerr == nil && annual.ValidAt(now) {
				restored = annual
				return nil
			}
			if aerr != nil && !errors.Is(aerr, domain.ErrNotFound) {
				return aerr
			}
			return fmt.Errorf("%w: no pass was consumed by booking %s", domain.ErrNotEligible, bookingRef)
		}
		if err != nil {
			return err
		}

		if prev, err := s.RestoredPass(ctx, consumed.ID); err == nil {
			restored = prev
			return nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		if _, err := s.ActivePass(ctx, accountID, domain.PassOneTime); err == nil {
			return fmt.Errorf("%w: account %s already holds an active one_time pass", domain.ErrDuplicateActivePass, accountID)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		p := newPass(accountID, domain.PassOneTime, consumed.PaymentRef, now)
		p.RestoredFrom = consumed.ID
		if err := s.InsertPass(ctx, p); err != nil {
			return err
		}
		restored = p

		return appendAudit(ctx, s, actor, domain.ActionPassRestored, p, now, map[string]any{
			"booking_ref":   bookingRef,
			"restored_from": consumed.ID,
			"reason":        reason,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.PassOperations.WithLabelValues("restore", string(restored.Type)).Inc()
	slog.Info("pass restored",
		"account_id", accountID,
		"pass_id", restored.ID,
		"booking_ref", bookingRef,
	)
	return restored, nil
}

// ExtendPass pushes the validity of the account's annual pass by days.
func (l *Ledger) ExtendPass(ctx context.Context, accountID string, days int, reason, actor string) (*domain.PassEntitlement, error) {
	if err := requireID("account id", accountID); err != nil {
		return nil, err
	}
	if days <= 0 || days > domain.MaxExtensionDays {
		return nil, fmt.Errorf("%w: days must be in (0, %d], got %d", domain.ErrInvalidInput, domain.MaxExtensionDays, days)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", domain.ErrInvalidInput)
	}

	var extended *domain.PassEntitlement
	err := l.mutate(ctx, accountID, func(s domain.Store, now time.Time) error {
		p, err := s.ActivePass(ctx, accountID, domain.PassAnnual)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: account %s has no active annual pass", domain.ErrNotEligible, accountID)
		}
		if err != nil {
			return err
		}
		if !p.ValidAt(now) {
			return fmt.Errorf("%w: annual pass %s expired at %s", domain.ErrNotEligible, p.ID, p.ValidUntil.Format(time.RFC3339))
		}

		previous := *p.ValidUntil
		validUntil := previous.AddDate(0, 0, days)
		p.ValidUntil = &validUntil
		p.UpdatedAt = now
		if err := s.UpdatePass(ctx, p); err != nil {
			return err
		}
		extended = p

		return appendAudit(ctx, s, actor, domain.ActionPassExtended, p, now, map[string]any{
			"days":                 days,
			"reason":               reason,
			"previous_valid_until": previous.Format(time.RFC3339),
			"valid_until":          validUntil.Format(time.RFC3339),
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.PassOperations.WithLabelValues("extend", string(domain.PassAnnual)).Inc()
	slog.Info("pass extended",
		"account_id", accountID,
		"pass_id", extended.ID,
		"days", days,
		"actor", actor,
	)
	return extended, nil
}

// SuspendPass archives the account's active pass of the given type.
func (l *Ledger) SuspendPass(ctx context.Context, accountID string, passType domain.PassType, reason, actor string) (*domain.PassEntitlement, error) {
	if err := requireID("account id", accountID); err != nil {
		return nil, err
	}
	if !passType.Valid() {
		return nil, fmt.Errorf("%w: unknown pass type %q", domain.ErrInvalidInput, passType)
	}

	var suspended *domain.PassEntitlement
	err := l.mutate(ctx, accountID, func(s domain.Store, now time.Time) error {
		p, err := s.ActivePass(ctx, accountID, passType)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: account %s has no active %s pass", domain.ErrNotEligible, accountID, passType)
		}
		if err != nil {
			return err
		}

		p.Status = domain.PassSuspended
		p.UpdatedAt = now
		if err := s.UpdatePass(ctx, p); err != nil {
			return err
		}
		suspended = p

		return appendAudit(ctx, s, actor, domain.ActionPassSuspended, p, now, map[string]any{
			"reason": reason,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.PassOperations.WithLabelValues("suspend", string(passType)).Inc()
	slog.Info("pass suspended",
		"account_id", accountID,
		"pass_id", suspended.ID,
		"actor", actor,
	)
	return suspended, nil
}

// ExpirePasses moves every active annual pass whose validity ended before now
// to expired and returns how many changed. Running it again with the same now
// changes nothing.
func (l *Ledger) ExpirePasses(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()

	lapsed, err := l.repo.LapsedAnnualPasses(ctx, now)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, candidate := range lapsed {
		changed := false
		err := l.withAccount(ctx, candidate.AccountID, func() error {
			return l.repo.WithTx(ctx, func(s domain.Store) error {
				// Re-read under the lock; the pass may have been extended meanwhile.
				p, err := s.GetPass(ctx, candidate.ID)
				if err != nil {
					return err
				}
				if !p.Lapsed(now) {
					return nil
				}
				changed = true
				return expire(ctx, s, p, now)
			})
		})
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}

	if count > 0 {
		metrics.PassOperations.WithLabelValues("expire", string(domain.PassAnnual)).Add(float64(count))
		slog.Info("passes expired", "count", count, "now", now.Format(time.RFC3339))
	}
	return count, nil
}

// ListPasses returns every pass the account ever held, newest first.
func (l *Ledger) ListPasses(ctx context.Context, accountID string) ([]*domain.PassEntitlement, error) {
	if err := requireID("account id", accountID); err != nil {
		return nil, err
	}
	passes, err := l.repo.ListPasses(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if passes == nil {
		passes = []*domain.PassEntitlement{}
	}
	return passes, nil
}

// mutate runs fn under the account lock inside one transaction.
func (l *Ledger) mutate(ctx context.Context, accountID string, fn func(s domain.Store, now time.Time) error) error {
	return l.withAccount(ctx, accountID, func() error {
		now := l.now().UTC()
		return l.repo.WithTx(ctx, func(s domain.Store) error {
			return fn(s, now)
		})
	})
}

func (l *Ledger) withAccount(ctx context.Context, accountID string, fn func() error) error {
	unlock, err := l.locks.Lock(ctx, "account:"+accountID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// expireLapsed retires a lapsed annual pass so it does not block a renewal.
func (l *Ledger) expireLapsed(ctx context.Context, s domain.Store, accountID string, now time.Time) error {
	p, err := s.ActivePass(ctx, accountID, domain.PassAnnual)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !p.Lapsed(now) {
		return nil
	}
	return expire(ctx, s, p, now)
}

func expire(ctx context.Context, s domain.Store, p *domain.PassEntitlement, now time.Time) error {
	p.Status = domain.PassExpired
	p.UpdatedAt = now
	if err := s.UpdatePass(ctx, p); err != nil {
		return err
	}
	return appendAudit(ctx, s, domain.SystemActor, domain.ActionPassExpired, p, now, map[string]any{
		"valid_until": p.ValidUntil.Format(time.RFC3339),
	})
}

func newPass(accountID string, passType domain.PassType, paymentRef string, now time.Time) *domain.PassEntitlement {
	p := &domain.PassEntitlement{
		ID:         uuid.New().String(),
		AccountID:  accountID,
		Type:       passType,
		Status:     domain.PassActive,
		IssuedAt:   now,
		PaymentRef: paymentRef,
		UpdatedAt:  now,
	}
	switch passType {
	case domain.PassAnnual:
		validUntil := now.AddDate(0, 0, domain.AnnualPassDays)
		p.ValidUntil = &validUntil
		p.BookingsRemaining = domain.UnlimitedBookings
	case domain.PassOneTime:
		p.BookingsRemaining = 1
	}
	return p
}

func appendAudit(ctx context.Context, s domain.Store, actor, action string, p *domain.PassEntitlement, now time.Time, meta map[string]any) error {
	if actor == "" {
		actor = domain.SystemActor
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["account_id"] = p.AccountID

	return s.AppendAudit(ctx, &domain.AuditEntry{
		Actor:      actor,
		Action:     action,
		EntityType: entityPass,
		EntityID:   p.ID,
		At:         now,
		Metadata:   meta,
	})
}

func requireID(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", domain.ErrInvalidInput, name)
	}
	return nil
}
