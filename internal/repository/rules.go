package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/freestays/passguard/internal/domain"
)

const ruleColumns = `id, name, description, rule_type, severity, threshold, window_secs, condition, enabled, updated_at`

// SaveRule inserts or replaces a rule definition.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.FraudRule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			rule_type = excluded.rule_type,
			severity = excluded.severity,
			threshold = excluded.threshold,
			window_secs = excluded.window_secs,
			condition = excluded.condition,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.exec(ctx, "save rule", query,
		rule.ID, rule.Name, nullString(rule.Description),
		string(rule.Type), string(rule.Severity),
		rule.Params.Threshold, rule.Params.WindowSecs,
		nullString(rule.Condition), boolToInt(rule.Enabled),
		rule.UpdatedAt.UTC(),
	)
	return err
}

// GetRule retrieves a rule by ID.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.FraudRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = ?`

	rule, err := scanRule(r.q.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rule %s", domain.ErrNotFound, ruleID)
	}
	if err != nil {
		return nil, storageErr("get rule", err)
	}
	return rule, nil
}

// ListRules returns all rules ordered by id.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.FraudRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules ORDER BY id`

	rows, err := r.q.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, storageErr("list rules", err)
	}
	defer rows.Close()

	var rules []*domain.FraudRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, storageErr("scan rule", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list rules", err)
	}
	return rules, nil
}

func scanRule(s scanner) (*domain.FraudRule, error) {
	var rule domain.FraudRule
	var ruleType, severity string
	var description, condition sql.NullString
	var enabled int

	err := s.Scan(
		&rule.ID, &rule.Name, &description,
		&ruleType, &severity,
		&rule.Params.Threshold, &rule.Params.WindowSecs,
		&condition, &enabled, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Type = domain.RuleType(ruleType)
	rule.Severity = domain.Severity(severity)
	rule.Description = description.String
	rule.Condition = condition.String
	rule.Enabled = enabled == 1
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return &rule, nil
}
