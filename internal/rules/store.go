// Package rules holds the fraud rule store and evaluator.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/metrics"
)

const entityRule = "rule"

// CompiledRule is an enabled rule ready for evaluation.
type CompiledRule struct {
	domain.FraudRule

	window  time.Duration
	program cel.Program
}

// Window is the effective look-back window of a history-based rule.
func (r *CompiledRule) Window() time.Duration {
	return r.window
}

// Snapshot is an immutable set of enabled rules ordered by id.
// An evaluation keeps the snapshot it started with.
type Snapshot struct {
	rules    []*CompiledRule
	loadedAt time.Time
}

// Rules returns the compiled rules in evaluation order.
func (s *Snapshot) Rules() []*CompiledRule {
	if s == nil {
		return nil
	}
	return s.rules
}

// Len returns the number of enabled rules.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Store persists rules and publishes the enabled ones as a snapshot.
type Store struct {
	repo          domain.Repository
	env           *cel.Env
	defaultWindow time.Duration
	now           func() time.Time

	// mu serializes writers; readers only load snap.
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// NewStore creates a store and loads the current rules from repo.
// defaultWindow applies to history rules saved without a window.
func NewStore(ctx context.Context, repo domain.Repository, defaultWindow time.Duration) (*Store, error) {
	env, err := newConditionEnv()
	if err != nil {
		return nil, err
	}
	if defaultWindow <= 0 {
		defaultWindow = 24 * time.Hour
	}

	s := &Store{
		repo:          repo,
		env:           env,
		defaultWindow: defaultWindow,
		now:           time.Now,
	}
	s.snap.Store(&Snapshot{})

	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current immutable rule set.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// ListEnabledRules returns the enabled rules ordered by id.
func (s *Store) ListEnabledRules() []domain.FraudRule {
	snap := s.Snapshot()
	out := make([]domain.FraudRule, 0, snap.Len())
	for _, r := range snap.Rules() {
		out = append(out, r.FraudRule)
	}
	return out
}

// ListRules returns every stored rule, enabled or not.
func (s *Store) ListRules(ctx context.Context) ([]*domain.FraudRule, error) {
	rules, err := s.repo.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = []*domain.FraudRule{}
	}
	return rules, nil
}

// GetRule returns a stored rule.
func (s *Store) GetRule(ctx context.Context, ruleID string) (*domain.FraudRule, error) {
	return s.repo.GetRule(ctx, ruleID)
}

// Validate checks a rule definition, including that its condition compiles.
func (s *Store) Validate(rule *domain.FraudRule) error {
	_, err := s.compile(rule)
	return err
}

// UpsertRule validates and stores rule, then republishes the snapshot.
func (s *Store) UpsertRule(ctx context.Context, rule domain.FraudRule, actor string) (*domain.FraudRule, error) {
	rule.ID = strings.TrimSpace(rule.ID)
	if err := s.Validate(&rule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rule.UpdatedAt = s.now().UTC()
	err := s.repo.WithTx(ctx, func(tx domain.Store) error {
		if err := tx.SaveRule(ctx, &rule); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, ruleAudit(actor, domain.ActionRuleUpserted, &rule))
	})
	if err != nil {
		return nil, err
	}

	if err := s.reloadLocked(ctx); err != nil {
		return nil, err
	}

	slog.Info("rule upserted",
		"rule_id", rule.ID,
		"rule_type", rule.Type,
		"enabled", rule.Enabled,
		"actor", actor,
	)
	return &rule, nil
}

// SetEnabled toggles a rule and republishes the snapshot.
func (s *Store) SetEnabled(ctx context.Context, ruleID string, enabled bool, actor string) (*domain.FraudRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated *domain.FraudRule
	err := s.repo.WithTx(ctx, func(tx domain.Store) error {
		rule, err := tx.GetRule(ctx, ruleID)
		if err != nil {
			return err
		}
		if rule.Enabled == enabled {
			updated = rule
			return nil
		}

		rule.Enabled = enabled
		rule.UpdatedAt = s.now().UTC()
		if err := tx.SaveRule(ctx, rule); err != nil {
			return err
		}
		updated = rule

		action := domain.ActionRuleDisabled
		if enabled {
			action = domain.ActionRuleEnabled
		}
		return tx.AppendAudit(ctx, ruleAudit(actor, action, rule))
	})
	if err != nil {
		return nil, err
	}

	if err := s.reloadLocked(ctx); err != nil {
		return nil, err
	}

	slog.Info("rule toggled", "rule_id", ruleID, "enabled", enabled, "actor", actor)
	return updated, nil
}

// Reload rebuilds the snapshot from storage.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked(ctx)
}

func (s *Store) reloadLocked(ctx context.Context) error {
	stored, err := s.repo.ListRules(ctx)
	if err != nil {
		return err
	}

	compiled := make([]*CompiledRule, 0, len(stored))
	for _, rule := range stored {
		if !rule.Enabled {
			continue
		}
		c, err := s.compile(rule)
		if err != nil {
			// A rule stored by an older build may no longer compile.
			slog.Error("skipping invalid rule", "rule_id", rule.ID, "error", err)
			continue
		}
		compiled = append(compiled, c)
	}

	s.snap.Store(&Snapshot{rules: compiled, loadedAt: s.now().UTC()})
	metrics.RulesEnabled.Set(float64(len(compiled)))
	return nil
}

func (s *Store) compile(rule *domain.FraudRule) (*CompiledRule, error) {
	switch {
	case rule.ID == "":
		return nil, fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	case strings.TrimSpace(rule.Name) == "":
		return nil, fmt.Errorf("%w: rule %s: name is required", domain.ErrInvalidInput, rule.ID)
	case !rule.Type.Valid():
		return nil, fmt.Errorf("%w: rule %s: unknown type %q", domain.ErrInvalidInput, rule.ID, rule.Type)
	case !rule.Severity.Valid():
		return nil, fmt.Errorf("%w: rule %s: unknown severity %q", domain.ErrInvalidInput, rule.ID, rule.Severity)
	case rule.Params.Threshold <= 0:
		return nil, fmt.Errorf("%w: rule %s: threshold must be positive", domain.ErrInvalidInput, rule.ID)
	case rule.Params.WindowSecs < 0:
		return nil, fmt.Errorf("%w: rule %s: window must not be negative", domain.ErrInvalidInput, rule.ID)
	}

	c := &CompiledRule{FraudRule: *rule}
	if rule.Type.Source() != domain.HistoryNone {
		c.window = rule.Params.Window()
		if c.window == 0 {
			c.window = s.defaultWindow
		}
	}

	if strings.TrimSpace(rule.Condition) != "" {
		program, err := compileCondition(s.env, rule.ID, rule.Condition)
		if err != nil {
			return nil, err
		}
		c.program = program
	}
	return c, nil
}

func ruleAudit(actor, action string, rule *domain.FraudRule) *domain.AuditEntry {
	if actor == "" {
		actor = domain.SystemActor
	}
	return &domain.AuditEntry{
		Actor:      actor,
		Action:     action,
		EntityType: entityRule,
		EntityID:   rule.ID,
		At:         rule.UpdatedAt,
		Metadata: map[string]any{
			"rule_type": string(rule.Type),
			"severity":  string(rule.Severity),
			"threshold": rule.Params.Threshold,
			"window":    rule.Params.WindowSecs,
			"enabled":   rule.Enabled,
		},
	}
}
