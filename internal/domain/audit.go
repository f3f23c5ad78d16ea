package domain

import (
	"context"
	"time"
)

// SystemActor is recorded for mutations not triggered by a person.
const SystemActor = "system"

// Audit actions.
const (
	ActionPassIssued     = "pass.issued"
	ActionPassConsumed   = "pass.consumed"
	ActionPassRestored   = "pass.restored"
	ActionPassExtended   = "pass.extended"
	ActionPassSuspended  = "pass.suspended"
	ActionPassExpired    = "pass.expired"
	ActionRuleUpserted   = "rule.upserted"
	ActionRuleEnabled    = "rule.enabled"
	ActionRuleDisabled   = "rule.disabled"
	ActionAlertCreated   = "alert.created"
	ActionAlertEscalated = "alert.escalated"
	ActionAlertStatus    = "alert.status_changed"
)

// AuditEntry is an immutable record of a state change.
type AuditEntry struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	At         time.Time      `json:"at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AuditLog receives append-only audit entries.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
}
