package rules

import (
	"context"
	"log/slog"

	"github.com/freestays/passguard/internal/domain"
)

// DefaultRules returns the starter rule set installed on an empty database.
// Thresholds are data; operators tune them through UpsertRule.
func DefaultRules() []domain.FraudRule {
	return []domain.FraudRule{
		{
			ID:          "amount-high",
			Name:        "High value payment",
			Description: "Single payment or booking at or above the amount threshold",
			Type:        domain.RuleAmountThreshold,
			Severity:    domain.SeverityMedium,
			Params:      domain.RuleParams{Threshold: 2500},
			Condition:   `kind != "refund_requested"`,
			Enabled:     true,
		},
		{
			ID:          "device-shared",
			Name:        "Shared device",
			Description: "One device fingerprint used by several accounts",
			Type:        domain.RuleDeviceReuse,
			Severity:    domain.SeverityHigh,
			Params:      domain.RuleParams{Threshold: 3, WindowSecs: 7 * 24 * 3600},
			Enabled:     true,
		},
		{
			ID:          "geo-country-change",
			Name:        "Country mismatch",
			Description: "Activity from a country other than the account's usual one",
			Type:        domain.RuleGeoMismatch,
			Severity:    domain.SeverityMedium,
			Params:      domain.RuleParams{Threshold: 3, WindowSecs: 30 * 24 * 3600},
			Enabled:     true,
		},
		{
			ID:          "payment-velocity",
			Name:        "Payment velocity",
			Description: "Burst of payment attempts from one account",
			Type:        domain.RuleVelocity,
			Severity:    domain.SeverityHigh,
			Params:      domain.RuleParams{Threshold: 5, WindowSecs: 3600},
			Enabled:     true,
		},
		{
			ID:          "refund-repeat",
			Name:        "Repeated refunds",
			Description: "Several refund requests from one account",
			Type:        domain.RuleRefundAbuse,
			Severity:    domain.SeverityMedium,
			Params:      domain.RuleParams{Threshold: 3, WindowSecs: 30 * 24 * 3600},
			Enabled:     true,
		},
	}
}

// SeedDefaults installs DefaultRules when no rule exists yet.
// Returns the number of rules written.
func (s *Store) SeedDefaults(ctx context.Context) (int, error) {
	existing, err := s.repo.ListRules(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	for _, rule := range DefaultRules() {
		if _, err := s.UpsertRule(ctx, rule, domain.SystemActor); err != nil {
			return 0, err
		}
	}

	n := len(DefaultRules())
	slog.Info("default rules installed", "count", n)
	return n, nil
}
