package rules

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/freestays/passguard/internal/domain"
)

// History is the recent activity an evaluation sees.
// A source listed in Missing could not be read; rules depending on it are skipped.
type History struct {
	Account []*domain.Event
	Device  []*domain.Event
	Missing map[domain.HistorySource]bool
}

// Available reports whether rules reading src can run.
func (h History) Available(src domain.HistorySource) bool {
	return src == domain.HistoryNone || !h.Missing[src]
}

// Evaluate runs every rule of snap against e and returns one candidate per
// firing rule, in rule id order. It performs no I/O.
func Evaluate(e *domain.Event, snap *Snapshot, h History) []domain.CandidateAlert {
	var out []domain.CandidateAlert

	for _, rule := range snap.Rules() {
		if !h.Available(rule.Type.Source()) {
			continue
		}

		fired, entityType, entityID, reason := predicate(rule, e, h)
		if !fired {
			continue
		}

		ok, err := conditionHolds(rule.program, e)
		if err != nil {
			slog.Warn("rule condition failed", "rule_id", rule.ID, "event_id", e.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		out = append(out, domain.CandidateAlert{
			RuleID:     rule.ID,
			RuleType:   rule.Type,
			Severity:   rule.Severity,
			EntityType: entityType,
			EntityID:   entityID,
			Reason:     reason,
			Evidence:   e.Ref(reason, time.Time{}),
		})
	}
	return out
}

// Skipped returns the ids of rules in snap that Evaluate passes over because
// their history source is missing.
func Skipped(snap *Snapshot, h History) []string {
	var ids []string
	for _, rule := range snap.Rules() {
		if !h.Available(rule.Type.Source()) {
			ids = append(ids, rule.ID)
		}
	}
	return ids
}

// predicate dispatches on the closed set of rule types.
func predicate(rule *CompiledRule, e *domain.Event, h History) (bool, domain.EntityType, string, string) {
	switch rule.Type {
	case domain.RuleVelocity:
		return velocity(rule, e, h.Account)
	case domain.RuleAmountThreshold:
		return amountThreshold(rule, e)
	case domain.RuleGeoMismatch:
		return geoMismatch(rule, e, h.Account)
	case domain.RuleDeviceReuse:
		return deviceReuse(rule, e, h.Device)
	case domain.RuleRefundAbuse:
		return refundAbuse(rule, e, h.Account)
	default:
		return false, "", "", ""
	}
}

func velocity(rule *CompiledRule, e *domain.Event, history []*domain.Event) (bool, domain.EntityType, string, string) {
	if e.Kind != domain.EventPaymentAttempt {
		return false, "", "", ""
	}
	n := 1 + countKind(history, e, rule.window, domain.EventPaymentAttempt)
	if float64(n) < rule.Params.Threshold {
		return false, "", "", ""
	}
	return true, domain.EntityAccount, e.AccountID,
		fmt.Sprintf("%d payment attempts within %s (threshold %s)", n, rule.window, formatThreshold(rule.Params.Threshold))
}

func amountThreshold(rule *CompiledRule, e *domain.Event) (bool, domain.EntityType, string, string) {
	if !e.Amount.IsPositive() {
		return false, "", "", ""
	}
	limit := decimal.NewFromFloat(rule.Params.Threshold)
	if e.Amount.LessThan(limit) {
		return false, "", "", ""
	}
	return true, domain.EntityAccount, e.AccountID,
		fmt.Sprintf("amount %s %s at or above %s", e.Amount.StringFixed(2), e.Currency, limit.StringFixed(2))
}

func geoMismatch(rule *CompiledRule, e *domain.Event, history []*domain.Event) (bool, domain.EntityType, string, string) {
	current := strings.ToUpper(e.IPCountry)
	if current == "" {
		return false, "", "", ""
	}

	counts := make(map[string]int)
	total := 0
	for _, h := range history {
		if h.ID == e.ID || h.IPCountry == "" || !inWindow(h, e, rule.window) {
			continue
		}
		counts[strings.ToUpper(h.IPCountry)]++
		total++
	}
	if total == 0 || float64(total) < rule.Params.Threshold {
		return false, "", "", ""
	}

	usual := modeCountry(counts)
	if usual == current {
		return false, "", "", ""
	}
	return true, domain.EntityAccount, e.AccountID,
		fmt.Sprintf("activity from %s, usual country %s (%d of %d recent events)", current, usual, counts[usual], total)
}

func deviceReuse(rule *CompiledRule, e *domain.Event, history []*domain.Event) (bool, domain.EntityType, string, string) {
	if e.DeviceFingerprint == "" {
		return false, "", "", ""
	}

	accounts := map[string]struct{}{e.AccountID: {}}
	for _, h := range history {
		if h.DeviceFingerprint != e.DeviceFingerprint || !inWindow(h, e, rule.window) {
			continue
		}
		accounts[h.AccountID] = struct{}{}
	}
	if float64(len(accounts)) < rule.Params.Threshold {
		return false, "", "", ""
	}
	return true, domain.EntityDevice, e.DeviceFingerprint,
		fmt.Sprintf("device used by %d accounts within %s (threshold %s)", len(accounts), rule.window, formatThreshold(rule.Params.Threshold))
}

func refundAbuse(rule *CompiledRule, e *domain.Event, history []*domain.Event) (bool, domain.EntityType, string, string) {
	if e.Kind != domain.EventRefundRequested {
		return false, "", "", ""
	}
	n := 1 + countKind(history, e, rule.window, domain.EventRefundRequested)
	if float64(n) < rule.Params.Threshold {
		return false, "", "", ""
	}
	return true, domain.EntityAccount, e.AccountID,
		fmt.Sprintf("%d refund requests within %s (threshold %s)", n, rule.window, formatThreshold(rule.Params.Threshold))
}

// countKind counts history events of kind inside the window, excluding e itself.
func countKind(history []*domain.Event, e *domain.Event, window time.Duration, kind domain.EventKind) int {
	n := 0
	for _, h := range history {
		if h.ID != e.ID && h.Kind == kind && inWindow(h, e, window) {
			n++
		}
	}
	return n
}

// inWindow reports whether h happened within window before e.
func inWindow(h, e *domain.Event, window time.Duration) bool {
	return !h.OccurredAt.Before(e.OccurredAt.Add(-window)) && !h.OccurredAt.After(e.OccurredAt)
}

// modeCountry returns the most frequent country; ties go to the alphabetically first.
func modeCountry(counts map[string]int) string {
	countries := make([]string, 0, len(counts))
	for c := range counts {
		countries = append(countries, c)
	}
	sort.Strings(countries)

	best := ""
	for _, c := range countries {
		if best == "" || counts[c] > counts[best] {
			best = c
		}
	}
	return best
}

func formatThreshold(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
