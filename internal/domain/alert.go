package domain

import "time"

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertOpen          AlertStatus = "open"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
	AlertDismissed     AlertStatus = "dismissed"
	AlertFalsePositive AlertStatus = "false_positive"
)

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertOpen, AlertInvestigating, AlertResolved, AlertDismissed, AlertFalsePositive:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s AlertStatus) Terminal() bool {
	return s == AlertResolved || s == AlertDismissed || s == AlertFalsePositive
}

var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertOpen:          {AlertInvestigating, AlertDismissed},
	AlertInvestigating: {AlertResolved, AlertFalsePositive, AlertDismissed},
}

// CanTransition reports whether from -> to is an allowed alert transition.
func CanTransition(from, to AlertStatus) bool {
	for _, next := range alertTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Evidence references one event that caused a rule to fire.
type Evidence struct {
	EventID    string    `json:"eventId"`
	EventKind  EventKind `json:"eventKind"`
	AccountID  string    `json:"accountId"`
	OccurredAt time.Time `json:"occurredAt"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Alert is a deduplicated, stateful fraud alert.
type Alert struct {
	ID             string      `json:"id"`
	Type           RuleType    `json:"type"`
	Severity       Severity    `json:"severity"`
	Status         AlertStatus `json:"status"`
	EntityType     EntityType  `json:"entityType"`
	EntityID       string      `json:"entityId"`
	RuleID         string      `json:"triggeringRuleId"`
	Reason         string      `json:"reason"`
	CandidateCount int         `json:"candidateCount"`
	Escalated      bool        `json:"escalated"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
	ResolvedAt     *time.Time  `json:"resolvedAt,omitempty"`
	ResolvedBy     string      `json:"resolvedBy,omitempty"`
	ResolutionNote string      `json:"resolutionNote,omitempty"`

	Evidence    []Evidence        `json:"evidence,omitempty"`
	Transitions []AlertTransition `json:"transitions,omitempty"`
}

// AlertTransition is an append-only record of a status change.
type AlertTransition struct {
	AlertID string      `json:"alertId"`
	From    AlertStatus `json:"from"`
	To      AlertStatus `json:"to"`
	Actor   string      `json:"actor"`
	Note    string      `json:"note,omitempty"`
	At      time.Time   `json:"at"`
}

// AlertFilter narrows ListAlerts. Zero values match everything.
type AlertFilter struct {
	Status     AlertStatus `json:"status,omitempty"`
	Severity   Severity    `json:"severity,omitempty"`
	EntityType EntityType  `json:"entityType,omitempty"`
	EntityID   string      `json:"entityId,omitempty"`
	RuleID     string      `json:"ruleId,omitempty"`
	Limit      int         `json:"limit,omitempty"`
	Offset     int         `json:"offset,omitempty"`
}
