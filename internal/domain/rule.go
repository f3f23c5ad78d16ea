package domain

import "time"

// RuleType is the closed set of fraud rule kinds.
// Adding a type means adding a predicate in rules.Evaluate.
type RuleType string

const (
	RuleVelocity        RuleType = "velocity"
	RuleAmountThreshold RuleType = "amount_threshold"
	RuleGeoMismatch     RuleType = "geo_mismatch"
	RuleDeviceReuse     RuleType = "device_reuse"
	RuleRefundAbuse     RuleType = "refund_abuse"
)

// AllRuleTypes lists every supported rule type.
func AllRuleTypes() []RuleType {
	return []RuleType{
		RuleVelocity,
		RuleAmountThreshold,
		RuleGeoMismatch,
		RuleDeviceReuse,
		RuleRefundAbuse,
	}
}

// Valid reports whether t is a supported rule type.
func (t RuleType) Valid() bool {
	for _, known := range AllRuleTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// HistorySource names the recent-event feed a rule type reads.
type HistorySource string

const (
	HistoryNone    HistorySource = ""
	HistoryAccount HistorySource = "account"
	HistoryDevice  HistorySource = "device"
)

// Source returns the history feed the rule type depends on.
func (t RuleType) Source() HistorySource {
	switch t {
	case RuleVelocity, RuleGeoMismatch, RuleRefundAbuse:
		return HistoryAccount
	case RuleDeviceReuse:
		return HistoryDevice
	default:
		return HistoryNone
	}
}

// Severity grades alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrder = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns the position of s in ascending order, or -1 if unknown.
func (s Severity) Rank() int {
	for i, v := range severityOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// Escalate returns the next severity level, capped at critical.
func (s Severity) Escalate() Severity {
	r := s.Rank()
	if r < 0 || r >= len(severityOrder)-1 {
		return s
	}
	return severityOrder[r+1]
}

// RuleParams are the tunables of a rule.
type RuleParams struct {
	Threshold  float64 `json:"threshold"`
	WindowSecs int     `json:"windowSecs"`
}

// Window returns the look-back window as a duration.
func (p RuleParams) Window() time.Duration {
	return time.Duration(p.WindowSecs) * time.Second
}

// FraudRule is a configured fraud rule. UpdatedAt doubles as its version.
type FraudRule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Type        RuleType   `json:"type"`
	Severity    Severity   `json:"severity"`
	Params      RuleParams `json:"params"`

	// Condition is an optional CEL expression that must evaluate to true
	// for the rule to apply to an event.
	Condition string `json:"condition,omitempty"`

	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EntityType names what an alert is raised against.
type EntityType string

const (
	EntityAccount EntityType = "account"
	EntityDevice  EntityType = "device"
)

// CandidateAlert is one rule firing before dedup.
type CandidateAlert struct {
	RuleID     string     `json:"ruleId"`
	RuleType   RuleType   `json:"ruleType"`
	Severity   Severity   `json:"severity"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Reason     string     `json:"reason"`
	Evidence   Evidence   `json:"evidence"`
	DetectedAt time.Time  `json:"detectedAt"`
}

// DedupKey identifies the alert a candidate coalesces into.
func (c CandidateAlert) DedupKey() string {
	return string(c.EntityType) + ":" + c.EntityID + ":" + c.RuleID
}
