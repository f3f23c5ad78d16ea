package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/freestays/passguard/internal/domain"
)

const (
	alertColumns = `id, alert_type, severity, status, entity_type, entity_id, rule_id, reason,
	candidate_count, escalated, created_at, updated_at, resolved_at, resolved_by, resolution_note`

	defaultAlertLimit = 100
	maxAlertLimit     = 500
)

// InsertAlert stores a new alert. A second non-terminal alert for the same
// (entity_type, entity_id, rule_id) fails with ErrConflict.
func (r *SQLRepository) InsertAlert(ctx context.Context, a *domain.Alert) error {
	query := `INSERT INTO alerts (` + alertColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.exec(ctx, "insert alert", query,
		a.ID, string(a.Type), string(a.Severity), string(a.Status),
		string(a.EntityType), a.EntityID, a.RuleID, nullString(a.Reason),
		a.CandidateCount, boolToInt(a.Escalated),
		a.CreatedAt.UTC(), a.UpdatedAt.UTC(), utcPtr(a.ResolvedAt),
		nullString(a.ResolvedBy), nullString(a.ResolutionNote),
	)
	return err
}

// UpdateAlert overwrites the mutable fields of an alert.
func (r *SQLRepository) UpdateAlert(ctx context.Context, a *domain.Alert) error {
	query := `
		UPDATE alerts
		SET severity = ?, status = ?, candidate_count = ?, escalated = ?, updated_at = ?,
			resolved_at = ?, resolved_by = ?, resolution_note = ?
		WHERE id = ?
	`

	res, err := r.exec(ctx, "update alert", query,
		string(a.Severity), string(a.Status), a.CandidateCount, boolToInt(a.Escalated),
		a.UpdatedAt.UTC(), utcPtr(a.ResolvedAt), nullString(a.ResolvedBy), nullString(a.ResolutionNote),
		a.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(res, "alert "+a.ID)
}

// GetAlert retrieves an alert with its evidence and transitions.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`

	a, err := scanAlert(r.q.QueryRowContext(ctx, r.rebind(query), alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: alert %s", domain.ErrNotFound, alertID)
	}
	if err != nil {
		return nil, storageErr("get alert", err)
	}

	if a.Evidence, err = r.listEvidence(ctx, alertID); err != nil {
		return nil, err
	}
	if a.Transitions, err = r.listTransitions(ctx, alertID); err != nil {
		return nil, err
	}
	return a, nil
}

// OpenAlertByKey returns the open or investigating alert for the dedup key.
func (r *SQLRepository) OpenAlertByKey(ctx context.Context, entityType domain.EntityType, entityID, ruleID string) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE entity_type = ? AND entity_id = ? AND rule_id = ? AND status IN (?, ?)`

	a, err := scanAlert(r.q.QueryRowContext(ctx, r.rebind(query),
		string(entityType), entityID, ruleID,
		string(domain.AlertOpen), string(domain.AlertInvestigating),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: open alert for %s:%s:%s", domain.ErrNotFound, entityType, entityID, ruleID)
	}
	if err != nil {
		return nil, storageErr("get open alert", err)
	}
	return a, nil
}

// ListAlerts returns alerts matching filter, newest first. Evidence is not loaded.
func (r *SQLRepository) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, string(filter.EntityType))
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, filter.RuleID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAlertLimit
	}
	limit = min(limit, maxAlertLimit)
	offset := max(filter.Offset, 0)

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := r.q.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, storageErr("list alerts", err)
	}
	defer rows.Close()

	alerts := make([]*domain.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, storageErr("scan alert", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list alerts", err)
	}
	return alerts, nil
}

// AppendEvidence records ev on the alert unless the event is already referenced.
func (r *SQLRepository) AppendEvidence(ctx context.Context, alertID string, ev domain.Evidence) (bool, error) {
	query := `
		INSERT INTO alert_evidence (alert_id, event_id, event_kind, account_id, occurred_at, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (alert_id, event_id) DO NOTHING
	`

	res, err := r.exec(ctx, "append evidence", query,
		alertID, ev.EventID, string(ev.EventKind), ev.AccountID,
		ev.OccurredAt.UTC(), nullString(ev.Detail), ev.RecordedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("rows affected", err)
	}
	return n > 0, nil
}

// CountEvidenceSince counts evidence recorded at or after since.
func (r *SQLRepository) CountEvidenceSince(ctx context.Context, alertID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM alert_evidence WHERE alert_id = ? AND recorded_at >= ?`

	var n int
	if err := r.q.QueryRowContext(ctx, r.rebind(query), alertID, since.UTC()).Scan(&n); err != nil {
		return 0, storageErr("count evidence", err)
	}
	return n, nil
}

// AppendTransition records a status change.
func (r *SQLRepository) AppendTransition(ctx context.Context, t *domain.AlertTransition) error {
	query := `
		INSERT INTO alert_transitions (alert_id, from_status, to_status, actor, note, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.exec(ctx, "append transition", query,
		t.AlertID, string(t.From), string(t.To), t.Actor, nullString(t.Note), t.At.UTC(),
	)
	return err
}

func (r *SQLRepository) listEvidence(ctx context.Context, alertID string) ([]domain.Evidence, error) {
	query := `
		SELECT event_id, event_kind, account_id, occurred_at, detail, recorded_at
		FROM alert_evidence WHERE alert_id = ? ORDER BY recorded_at, event_id
	`

	rows, err := r.q.QueryContext(ctx, r.rebind(query), alertID)
	if err != nil {
		return nil, storageErr("list evidence", err)
	}
	defer rows.Close()

	var evidence []domain.Evidence
	for rows.Next() {
		var ev domain.Evidence
		var kind string
		var detail sql.NullString
		if err := rows.Scan(&ev.EventID, &kind, &ev.AccountID, &ev.OccurredAt, &detail, &ev.RecordedAt); err != nil {
			return nil, storageErr("scan evidence", err)
		}
		ev.EventKind = domain.EventKind(kind)
		ev.Detail = detail.String
		ev.OccurredAt = ev.OccurredAt.UTC()
		ev.RecordedAt = ev.RecordedAt.UTC()
		evidence = append(evidence, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list evidence", err)
	}
	return evidence, nil
}

func (r *SQLRepository) listTransitions(ctx context.Context, alertID string) ([]domain.AlertTransition, error) {
	query := `
		SELECT alert_id, from_status, to_status, actor, note, at
		FROM alert_transitions WHERE alert_id = ? ORDER BY at
	`

	rows, err := r.q.QueryContext(ctx, r.rebind(query), alertID)
	if err != nil {
		return nil, storageErr("list transitions", err)
	}
	defer rows.Close()

	var transitions []domain.AlertTransition
	for rows.Next() {
		var t domain.AlertTransition
		var from, to string
		var note sql.NullString
		if err := rows.Scan(&t.AlertID, &from, &to, &t.Actor, &note, &t.At); err != nil {
			return nil, storageErr("scan transition", err)
		}
		t.From = domain.AlertStatus(from)
		t.To = domain.AlertStatus(to)
		t.Note = note.String
		t.At = t.At.UTC()
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list transitions", err)
	}
	return transitions, nil
}

func scanAlert(s scanner) (*domain.Alert, error) {
	var a domain.Alert
	var alertType, severity, status, entityType string
	var reason, resolvedBy, resolutionNote sql.NullString
	var resolvedAt sql.NullTime
	var escalated int

	err := s.Scan(
		&a.ID, &alertType, &severity, &status,
		&entityType, &a.EntityID, &a.RuleID, &reason,
		&a.CandidateCount, &escalated,
		&a.CreatedAt, &a.UpdatedAt, &resolvedAt,
		&resolvedBy, &resolutionNote,
	)
	if err != nil {
		return nil, err
	}

	a.Type = domain.RuleType(alertType)
	a.Severity = domain.Severity(severity)
	a.Status = domain.AlertStatus(status)
	a.EntityType = domain.EntityType(entityType)
	a.Reason = reason.String
	a.Escalated = escalated == 1
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.ResolvedAt = timePtr(resolvedAt)
	a.ResolvedBy = resolvedBy.String
	a.ResolutionNote = resolutionNote.String
	return &a, nil
}
