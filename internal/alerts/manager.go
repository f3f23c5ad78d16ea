// Package alerts deduplicates fraud candidates into stateful alerts.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/keylock"
	"github.com/freestays/passguard/internal/metrics"
	"github.com/freestays/passguard/internal/repository"
)

const (
	entityAlert = "alert"

	// submitAttempts bounds retries when another process opened the same alert first.
	submitAttempts = 3
)

// Config tunes coalescing and escalation.
type Config struct {
	// DedupWindow is the span in which firings count toward escalation.
	DedupWindow time.Duration

	// EscalateAfter is the number of firings within DedupWindow that bumps severity.
	EscalateAfter int
}

// Manager owns alert state. Submissions for one (entity, rule) pair are
// serialized; different pairs proceed in parallel.
type Manager struct {
	repo  domain.Repository
	bus   domain.EventBus
	cfg   Config
	locks *keylock.Map
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an alert manager. bus may be nil, in which case no
// notifications are published.
func NewManager(repo domain.Repository, bus domain.EventBus, cfg Config, opts ...Option) *Manager {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 24 * time.Hour
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = 3
	}
	m := &Manager{
		repo:  repo,
		bus:   bus,
		cfg:   cfg,
		locks: keylock.New(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit folds a candidate into the open alert for its dedup key, or opens
// a new alert. The same event is never recorded twice on one alert.
func (m *Manager) Submit(ctx context.Context, c domain.CandidateAlert) (*domain.Alert, error) {
	if err := validateCandidate(c); err != nil {
		return nil, err
	}

	unlock, err := m.locks.Lock(ctx, c.DedupKey())
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out submitOutcome
	for attempt := 1; ; attempt++ {
		out, err = m.submit(ctx, c)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrConflict) || attempt == submitAttempts {
			return nil, err
		}
		slog.Debug("alert opened concurrently, retrying", "dedup_key", c.DedupKey(), "attempt", attempt)
	}

	alert, err := m.repo.GetAlert(ctx, out.alertID)
	if err != nil {
		return nil, err
	}

	switch {
	case out.created:
		metrics.AlertsCreated.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
		slog.Info("alert created",
			"alert_id", alert.ID,
			"rule_id", alert.RuleID,
			"entity_type", alert.EntityType,
			"entity_id", alert.EntityID,
			"severity", alert.Severity,
		)
		m.notify(ctx, domain.TopicAlertCreated, alert)
	case out.appended:
		metrics.AlertsCoalesced.WithLabelValues(string(alert.Type)).Inc()
		slog.Debug("candidate coalesced",
			"alert_id", alert.ID,
			"rule_id", alert.RuleID,
			"candidate_count", alert.CandidateCount,
		)
	}
	if out.escalated {
		metrics.AlertsEscalated.WithLabelValues(string(alert.Type)).Inc()
		slog.Warn("alert escalated",
			"alert_id", alert.ID,
			"rule_id", alert.RuleID,
			"severity", alert.Severity,
		)
		m.notify(ctx, domain.TopicAlertEscalated, alert)
	}
	return alert, nil
}

type submitOutcome struct {
	alertID   string
	created   bool
	appended  bool
	escalated bool
}

func (m *Manager) submit(ctx context.Context, c domain.CandidateAlert) (submitOutcome, error) {
	var out submitOutcome
	now := m.now().UTC()

	ev := c.Evidence
	ev.RecordedAt = now
	if ev.Detail == "" {
		ev.Detail = c.Reason
	}

	err := m.repo.WithTx(ctx, func(s domain.Store) error {
		out = submitOutcome{}

		alert, err := s.OpenAlertByKey(ctx, c.EntityType, c.EntityID, c.RuleID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			alert = newAlert(c, now)
			if err := s.InsertAlert(ctx, alert); err != nil {
				return err
			}
			out.created = true
			if err := s.AppendAudit(ctx, alertAudit(domain.SystemActor, domain.ActionAlertCreated, alert, now, map[string]any{
				"event_id": ev.EventID,
			})); err != nil {
				return err
			}
		case err != nil:
			return err
		}
		out.alertID = alert.ID

		added, err := s.AppendEvidence(ctx, alert.ID, ev)
		if err != nil {
			return err
		}
		if !added {
			return nil
		}

		if !out.created {
			out.appended = true
			alert.CandidateCount++
			alert.UpdatedAt = now
		}

		if !alert.Escalated {
			recent, err := s.CountEvidenceSince(ctx, alert.ID, now.Add(-m.cfg.DedupWindow))
			if err != nil {
				return err
			}
			if recent >= m.cfg.EscalateAfter {
				from := alert.Severity
				alert.Severity = alert.Severity.Escalate()
				alert.Escalated = true
				alert.UpdatedAt = now
				out.escalated = true
				if err := s.AppendAudit(ctx, alertAudit(domain.SystemActor, domain.ActionAlertEscalated, alert, now, map[string]any{
					"from":    string(from),
					"to":      string(alert.Severity),
					"firings": recent,
				})); err != nil {
					return err
				}
			}
		}

		if out.appended || out.escalated {
			return s.UpdateAlert(ctx, alert)
		}
		return nil
	})
	return out, err
}

// UpdateStatus moves an alert along its lifecycle.
func (m *Manager) UpdateStatus(ctx context.Context, alertID string, to domain.AlertStatus, actor, note string) (*domain.Alert, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, fmt.Errorf("%w: actor is required", domain.ErrInvalidInput)
	}
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown alert status %q", domain.ErrInvalidInput, to)
	}

	current, err := m.repo.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	// Same lock as Submit so a concurrent firing never overwrites the new status.
	key := domain.CandidateAlert{EntityType: current.EntityType, EntityID: current.EntityID, RuleID: current.RuleID}.DedupKey()
	unlock, err := m.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var from domain.AlertStatus
	err = m.repo.WithTx(ctx, func(s domain.Store) error {
		alert, err := s.GetAlert(ctx, alertID)
		if err != nil {
			return err
		}
		from = alert.Status

		if from.Terminal() {
			return fmt.Errorf("%w: alert %s is %s", domain.ErrInvalidTransition, alertID, from)
		}
		if !domain.CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
		}

		now := m.now().UTC()
		alert.Status = to
		alert.UpdatedAt = now
		if to.Terminal() {
			alert.ResolvedAt = &now
			alert.ResolvedBy = actor
			alert.ResolutionNote = note
		}
		if err := s.UpdateAlert(ctx, alert); err != nil {
			return err
		}

		if err := s.AppendTransition(ctx, &domain.AlertTransition{
			AlertID: alertID,
			From:    from,
			To:      to,
			Actor:   actor,
			Note:    note,
			At:      now,
		}); err != nil {
			return err
		}

		return s.AppendAudit(ctx, alertAudit(actor, domain.ActionAlertStatus, alert, now, map[string]any{
			"from": string(from),
			"to":   string(to),
			"note": note,
		}))
	})
	if err != nil {
		return nil, err
	}

	metrics.AlertTransitions.WithLabelValues(string(to)).Inc()
	slog.Info("alert status changed",
		"alert_id", alertID,
		"from", from,
		"to", to,
		"actor", actor,
	)
	return m.repo.GetAlert(ctx, alertID)
}

// GetAlert returns an alert with its evidence and transitions.
func (m *Manager) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	return m.repo.GetAlert(ctx, alertID)
}

// ListAlerts returns alerts matching filter, newest first.
func (m *Manager) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown alert status %q", domain.ErrInvalidInput, filter.Status)
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", domain.ErrInvalidInput, filter.Severity)
	}
	return m.repo.ListAlerts(ctx, filter)
}

// notify publishes an alert for external notifiers. Failures are only logged;
// the alert is already committed.
func (m *Manager) notify(ctx context.Context, topic string, alert *domain.Alert) {
	if m.bus == nil {
		return
	}

	payload, err := json.Marshal(alert)
	if err == nil {
		err = m.bus.Publish(ctx, topic, payload)
	}
	if err != nil {
		metrics.NotifyFailures.Inc()
		slog.Error("failed to publish alert notification",
			"alert_id", alert.ID,
			"topic", topic,
			"error", err,
		)
	}
}

func newAlert(c domain.CandidateAlert, now time.Time) *domain.Alert {
	return &domain.Alert{
		ID:             uuid.New().String(),
		Type:           c.RuleType,
		Severity:       c.Severity,
		Status:         domain.AlertOpen,
		EntityType:     c.EntityType,
		EntityID:       c.EntityID,
		RuleID:         c.RuleID,
		Reason:         c.Reason,
		CandidateCount: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func validateCandidate(c domain.CandidateAlert) error {
	switch {
	case c.RuleID == "":
		return fmt.Errorf("%w: candidate rule id is required", domain.ErrInvalidInput)
	case c.EntityType != domain.EntityAccount && c.EntityType != domain.EntityDevice:
		return fmt.Errorf("%w: unknown entity type %q", domain.ErrInvalidInput, c.EntityType)
	case c.EntityID == "":
		return fmt.Errorf("%w: candidate entity id is required", domain.ErrInvalidInput)
	case !c.Severity.Valid():
		return fmt.Errorf("%w: unknown severity %q", domain.ErrInvalidInput, c.Severity)
	case c.Evidence.EventID == "":
		return fmt.Errorf("%w: candidate evidence must reference an event", domain.ErrInvalidInput)
	}
	return nil
}

func alertAudit(actor, action string, a *domain.Alert, now time.Time, meta map[string]any) *domain.AuditEntry {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["rule_id"] = a.RuleID
	meta["entity_type"] = string(a.EntityType)
	meta["entity_id"] = a.EntityID
	meta["severity"] = string(a.Severity)

	return &domain.AuditEntry{
		Actor:      actor,
		Action:     action,
		EntityType: entityAlert,
		EntityID:   a.ID,
		At:         now,
		Metadata:   meta,
	}
}
