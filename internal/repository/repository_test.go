package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/freestays/passguard/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()
	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "passguard-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("InsertAndGetPass", func(t *testing.T) {
		validUntil := now.AddDate(0, 0, domain.AnnualPassDays)
		p := &domain.PassEntitlement{
			ID:                "pass-001",
			AccountID:         "acct-001",
			Type:              domain.PassAnnual,
			Status:            domain.PassActive,
			IssuedAt:          now,
			ValidUntil:        &validUntil,
			BookingsRemaining: domain.UnlimitedBookings,
			PaymentRef:        "pi_001",
			UpdatedAt:         now,
		}
		if err := repo.InsertPass(ctx, p); err != nil {
			t.Fatalf("InsertPass failed: %v", err)
		}

		got, err := repo.GetPass(ctx, "pass-001")
		if err != nil {
			t.Fatalf("GetPass failed: %v", err)
		}
		if got.Type != domain.PassAnnual || got.Status != domain.PassActive {
			t.Errorf("unexpected pass: %+v", got)
		}
		if got.ValidUntil == nil || !got.ValidUntil.Equal(validUntil) {
			t.Errorf("expected valid_until %v, got %v", validUntil, got.ValidUntil)
		}
		if got.ConsumedAt != nil {
			t.Errorf("expected nil consumed_at, got %v", got.ConsumedAt)
		}

		active, err := repo.ActivePass(ctx, "acct-001", domain.PassAnnual)
		if err != nil {
			t.Fatalf("ActivePass failed: %v", err)
		}
		if active.ID != "pass-001" {
			t.Errorf("expected pass-001, got %s", active.ID)
		}
	})

	t.Run("DuplicateActivePass", func(t *testing.T) {
		dup := &domain.PassEntitlement{
			ID:                "pass-dup",
			AccountID:         "acct-001",
			Type:              domain.PassAnnual,
			Status:            domain.PassActive,
			IssuedAt:          now,
			BookingsRemaining: domain.UnlimitedBookings,
			PaymentRef:        "pi_dup",
			UpdatedAt:         now,
		}
		err := repo.InsertPass(ctx, dup)
		if !errors.Is(err, domain.ErrDuplicateActivePass) {
			t.Errorf("expected ErrDuplicateActivePass, got %v", err)
		}
	})

	t.Run("PassNotFound", func(t *testing.T) {
		_, err := repo.ActivePass(ctx, "acct-001", domain.PassOneTime)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ConsumeOneTimeAndLookup", func(t *testing.T) {
		p := &domain.PassEntitlement{
			ID:                "pass-002",
			AccountID:         "acct-002",
			Type:              domain.PassOneTime,
			Status:            domain.PassActive,
			IssuedAt:          now,
			BookingsRemaining: 1,
			PaymentRef:        "pi_002",
			UpdatedAt:         now,
		}
		if err := repo.InsertPass(ctx, p); err != nil {
			t.Fatalf("InsertPass failed: %v", err)
		}

		consumedAt := now.Add(time.Minute)
		p.Status = domain.PassConsumed
		p.BookingsRemaining = 0
		p.ConsumedAt = &consumedAt
		p.ConsumedBy = "bk-100"
		p.UpdatedAt = consumedAt
		if err := repo.UpdatePass(ctx, p); err != nil {
			t.Fatalf("UpdatePass failed: %v", err)
		}

		got, err := repo.ConsumedPassForBooking(ctx, "acct-002", "bk-100")
		if err != nil {
			t.Fatalf("ConsumedPassForBooking failed: %v", err)
		}
		if got.ID != "pass-002" || got.ConsumedBy != "bk-100" {
			t.Errorf("unexpected consumed pass: %+v", got)
		}

		if _, err := repo.RestoredPass(ctx, "pass-002"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected no restoration yet, got %v", err)
		}
	})

	t.Run("LapsedAnnualPasses", func(t *testing.T) {
		expired := now.Add(-time.Hour)
		p := &domain.PassEntitlement{
			ID:                "pass-003",
			AccountID:         "acct-003",
			Type:              domain.PassAnnual,
			Status:            domain.PassActive,
			IssuedAt:          now.AddDate(-1, 0, 0),
			ValidUntil:        &expired,
			BookingsRemaining: domain.UnlimitedBookings,
			PaymentRef:        "pi_003",
			UpdatedAt:         now,
		}
		if err := repo.InsertPass(ctx, p); err != nil {
			t.Fatalf("InsertPass failed: %v", err)
		}

		lapsed, err := repo.LapsedAnnualPasses(ctx, now)
		if err != nil {
			t.Fatalf("LapsedAnnualPasses failed: %v", err)
		}
		if len(lapsed) != 1 || lapsed[0].ID != "pass-003" {
			t.Errorf("expected only pass-003 to be lapsed, got %d passes", len(lapsed))
		}
	})

	t.Run("UpdateMissingPass", func(t *testing.T) {
		err := repo.UpdatePass(ctx, &domain.PassEntitlement{ID: "missing", UpdatedAt: now})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRuleRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rules := []*domain.FraudRule{
		{ID: "velocity-01", Name: "Payment velocity", Type: domain.RuleVelocity, Severity: domain.SeverityHigh,
			Params: domain.RuleParams{Threshold: 5, WindowSecs: 3600}, Enabled: true, UpdatedAt: now},
		{ID: "amount-01", Name: "Large payment", Type: domain.RuleAmountThreshold, Severity: domain.SeverityMedium,
			Params: domain.RuleParams{Threshold: 5000}, Condition: `currency == "EUR"`, Enabled: false, UpdatedAt: now},
	}
	for _, r := range rules {
		if err := repo.SaveRule(ctx, r); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}
	}

	t.Run("ListOrderedByID", func(t *testing.T) {
		got, err := repo.ListRules(ctx)
		if err != nil {
			t.Fatalf("ListRules failed: %v", err)
		}
		if len(got) != 2 || got[0].ID != "amount-01" || got[1].ID != "velocity-01" {
			t.Fatalf("unexpected rule order: %v", got)
		}
		if got[0].Enabled || got[0].Condition != `currency == "EUR"` {
			t.Errorf("unexpected amount rule: %+v", got[0])
		}
	})

	t.Run("UpsertReplaces", func(t *testing.T) {
		updated := *rules[0]
		updated.Params.Threshold = 10
		updated.Severity = domain.SeverityCritical
		if err := repo.SaveRule(ctx, &updated); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		got, err := repo.GetRule(ctx, "velocity-01")
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if got.Params.Threshold != 10 || got.Severity != domain.SeverityCritical {
			t.Errorf("expected updated rule, got %+v", got)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := repo.GetRule(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestAlertStore(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	alert := &domain.Alert{
		ID:             "alert-001",
		Type:           domain.RuleDeviceReuse,
		Severity:       domain.SeverityMedium,
		Status:         domain.AlertOpen,
		EntityType:     domain.EntityDevice,
		EntityID:       "fp-abc",
		RuleID:         "device-01",
		Reason:         "device seen on 3 accounts",
		CandidateCount: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := repo.InsertAlert(ctx, alert); err != nil {
		t.Fatalf("InsertAlert failed: %v", err)
	}

	t.Run("OpenAlertByKey", func(t *testing.T) {
		got, err := repo.OpenAlertByKey(ctx, domain.EntityDevice, "fp-abc", "device-01")
		if err != nil {
			t.Fatalf("OpenAlertByKey failed: %v", err)
		}
		if got.ID != "alert-001" {
			t.Errorf("expected alert-001, got %s", got.ID)
		}
	})

	t.Run("SecondOpenAlertConflicts", func(t *testing.T) {
		dup := *alert
		dup.ID = "alert-dup"
		if err := repo.InsertAlert(ctx, &dup); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("EvidenceIsDeduplicated", func(t *testing.T) {
		ev := domain.Evidence{
			EventID:    "evt-1",
			EventKind:  domain.EventLogin,
			AccountID:  "acct-1",
			OccurredAt: now,
			RecordedAt: now,
		}
		added, err := repo.AppendEvidence(ctx, "alert-001", ev)
		if err != nil || !added {
			t.Fatalf("expected evidence to be added, added=%v err=%v", added, err)
		}
		added, err = repo.AppendEvidence(ctx, "alert-001", ev)
		if err != nil || added {
			t.Fatalf("expected duplicate evidence to be ignored, added=%v err=%v", added, err)
		}

		n, err := repo.CountEvidenceSince(ctx, "alert-001", now.Add(-time.Minute))
		if err != nil {
			t.Fatalf("CountEvidenceSince failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 evidence row, got %d", n)
		}
	})

	t.Run("TransitionsAndGet", func(t *testing.T) {
		alert.Status = domain.AlertInvestigating
		alert.UpdatedAt = now.Add(time.Second)
		if err := repo.UpdateAlert(ctx, alert); err != nil {
			t.Fatalf("UpdateAlert failed: %v", err)
		}
		if err := repo.AppendTransition(ctx, &domain.AlertTransition{
			AlertID: "alert-001", From: domain.AlertOpen, To: domain.AlertInvestigating,
			Actor: "admin-7", Note: "looking", At: now.Add(time.Second),
		}); err != nil {
			t.Fatalf("AppendTransition failed: %v", err)
		}

		got, err := repo.GetAlert(ctx, "alert-001")
		if err != nil {
			t.Fatalf("GetAlert failed: %v", err)
		}
		if got.Status != domain.AlertInvestigating {
			t.Errorf("expected investigating, got %s", got.Status)
		}
		if len(got.Evidence) != 1 || len(got.Transitions) != 1 {
			t.Errorf("expected 1 evidence and 1 transition, got %d and %d", len(got.Evidence), len(got.Transitions))
		}
		if got.Transitions[0].Actor != "admin-7" {
			t.Errorf("expected actor admin-7, got %s", got.Transitions[0].Actor)
		}
	})

	t.Run("ListAlertsFilter", func(t *testing.T) {
		got, err := repo.ListAlerts(ctx, domain.AlertFilter{Status: domain.AlertInvestigating})
		if err != nil {
			t.Fatalf("ListAlerts failed: %v", err)
		}
		if len(got) != 1 {
			t.Errorf("expected 1 investigating alert, got %d", len(got))
		}

		got, err = repo.ListAlerts(ctx, domain.AlertFilter{Status: domain.AlertResolved})
		if err != nil {
			t.Fatalf("ListAlerts failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected no resolved alerts, got %d", len(got))
		}
	})
}

func TestEventStoreAndAudit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	events := []*domain.Event{
		{ID: "e1", Kind: domain.EventPaymentAttempt, AccountID: "acct-1", OccurredAt: now.Add(-2 * time.Hour),
			Amount: decimal.RequireFromString("120.50"), Currency: "EUR", DeviceFingerprint: "fp-1"},
		{ID: "e2", Kind: domain.EventPaymentAttempt, AccountID: "acct-1", OccurredAt: now.Add(-time.Minute),
			Amount: decimal.RequireFromString("99.99"), Currency: "EUR", DeviceFingerprint: "fp-1"},
		{ID: "e3", Kind: domain.EventLogin, AccountID: "acct-2", OccurredAt: now, DeviceFingerprint: "fp-1"},
	}
	for _, e := range events {
		if err := repo.SaveEvent(ctx, e); err != nil {
			t.Fatalf("SaveEvent failed: %v", err)
		}
	}

	t.Run("RedeliveryIgnored", func(t *testing.T) {
		if err := repo.SaveEvent(ctx, events[0]); err != nil {
			t.Errorf("expected redelivered event to be ignored, got %v", err)
		}
	})

	t.Run("EventsByAccountWindow", func(t *testing.T) {
		got, err := repo.EventsByAccount(ctx, "acct-1", now.Add(-time.Hour), 10)
		if err != nil {
			t.Fatalf("EventsByAccount failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != "e2" {
			t.Fatalf("expected only e2 in window, got %d events", len(got))
		}
		if !got[0].Amount.Equal(decimal.RequireFromString("99.99")) {
			t.Errorf("expected amount 99.99, got %s", got[0].Amount)
		}
	})

	t.Run("EventsByDeviceNewestFirst", func(t *testing.T) {
		got, err := repo.EventsByDevice(ctx, "fp-1", now.Add(-3*time.Hour), 10)
		if err != nil {
			t.Fatalf("EventsByDevice failed: %v", err)
		}
		if len(got) != 3 || got[0].ID != "e3" {
			t.Errorf("expected 3 events newest first, got %d", len(got))
		}
	})

	t.Run("AuditTrail", func(t *testing.T) {
		entry := &domain.AuditEntry{
			Actor:      "admin-1",
			Action:     domain.ActionPassExtended,
			EntityType: "pass",
			EntityID:   "pass-1",
			Metadata:   map[string]any{"reason": "goodwill", "days": 30},
		}
		if err := repo.AppendAudit(ctx, entry); err != nil {
			t.Fatalf("AppendAudit failed: %v", err)
		}
		if entry.ID == "" {
			t.Error("expected audit id to be assigned")
		}

		trail, err := repo.AuditTrail(ctx, "pass", "pass-1")
		if err != nil {
			t.Fatalf("AuditTrail failed: %v", err)
		}
		if len(trail) != 1 || trail[0].Metadata["reason"] != "goodwill" {
			t.Errorf("unexpected audit trail: %+v", trail)
		}
	})

	t.Run("AuditRequiresActor", func(t *testing.T) {
		err := repo.AppendAudit(ctx, &domain.AuditEntry{Action: "x", EntityType: "pass", EntityID: "p"})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestWithTx(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("RollbackOnError", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.WithTx(ctx, func(s domain.Store) error {
			if err := s.InsertPass(ctx, &domain.PassEntitlement{
				ID: "tx-pass", AccountID: "acct-tx", Type: domain.PassOneTime, Status: domain.PassActive,
				IssuedAt: now, BookingsRemaining: 1, PaymentRef: "pi", UpdatedAt: now,
			}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}

		if _, err := repo.GetPass(ctx, "tx-pass"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected rolled back pass to be absent, got %v", err)
		}
	})

	t.Run("Commit", func(t *testing.T) {
		err := repo.WithTx(ctx, func(s domain.Store) error {
			return s.InsertPass(ctx, &domain.PassEntitlement{
				ID: "tx-pass-2", AccountID: "acct-tx", Type: domain.PassOneTime, Status: domain.PassActive,
				IssuedAt: now, BookingsRemaining: 1, PaymentRef: "pi", UpdatedAt: now,
			})
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}
		if _, err := repo.GetPass(ctx, "tx-pass-2"); err != nil {
			t.Errorf("expected committed pass, got %v", err)
		}
	})
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	if got := pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"); got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("unexpected postgres rebind: %s", got)
	}

	lite := &SQLRepository{driver: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite query should be unchanged, got %s", got)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
