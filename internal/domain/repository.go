// Package domain defines the core interfaces and types for PassGuard.
package domain

import (
	"context"
	"time"
)

// PassStore persists pass entitlements.
type PassStore interface {
	InsertPass(ctx context.Context, p *PassEntitlement) error
	UpdatePass(ctx context.Context, p *PassEntitlement) error
	GetPass(ctx context.Context, id string) (*PassEntitlement, error)

	// ActivePass returns the active pass of the given type, or ErrNotFound.
	ActivePass(ctx context.Context, accountID string, passType PassType) (*PassEntitlement, error)

	// ConsumedPassForBooking returns the pass consumed by bookingRef, or ErrNotFound.
	ConsumedPassForBooking(ctx context.Context, accountID, bookingRef string) (*PassEntitlement, error)

	// RestoredPass returns the pass issued to compensate consumedID, or ErrNotFound.
	RestoredPass(ctx context.Context, consumedID string) (*PassEntitlement, error)

	ListPasses(ctx context.Context, accountID string) ([]*PassEntitlement, error)

	// LapsedAnnualPasses returns active annual passes whose validity ended before now.
	LapsedAnnualPasses(ctx context.Context, now time.Time) ([]*PassEntitlement, error)
}

// RuleRepository persists fraud rule definitions.
type RuleRepository interface {
	SaveRule(ctx context.Context, rule *FraudRule) error
	GetRule(ctx context.Context, ruleID string) (*FraudRule, error)

	// ListRules returns every rule ordered by id.
	ListRules(ctx context.Context) ([]*FraudRule, error)
}

// AlertStore persists alerts, their evidence and transitions.
type AlertStore interface {
	InsertAlert(ctx context.Context, a *Alert) error
	UpdateAlert(ctx context.Context, a *Alert) error

	// GetAlert returns the alert with its evidence and transitions.
	GetAlert(ctx context.Context, alertID string) (*Alert, error)

	// OpenAlertByKey returns the non-terminal alert for the dedup key, or ErrNotFound.
	OpenAlertByKey(ctx context.Context, entityType EntityType, entityID, ruleID string) (*Alert, error)

	ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error)

	// AppendEvidence stores ev unless the alert already references the event.
	// Reports whether a row was added.
	AppendEvidence(ctx context.Context, alertID string, ev Evidence) (bool, error)

	// CountEvidenceSince counts evidence recorded on the alert at or after since.
	CountEvidenceSince(ctx context.Context, alertID string, since time.Time) (int, error)

	AppendTransition(ctx context.Context, t *AlertTransition) error
}

// EventStore records the activity events the fraud evaluator reads back as history.
type EventStore interface {
	SaveEvent(ctx context.Context, e *Event) error

	// EventsByAccount returns the account's events at or after since, newest first.
	EventsByAccount(ctx context.Context, accountID string, since time.Time, limit int) ([]*Event, error)

	// EventsByDevice returns events carrying the fingerprint at or after since, newest first.
	EventsByDevice(ctx context.Context, fingerprint string, since time.Time, limit int) ([]*Event, error)
}

// Store groups every persistence concern that can take part in one transaction.
type Store interface {
	PassStore
	RuleRepository
	AlertStore
	EventStore
	AuditLog
}

// Repository defines the interface for data persistence.
type Repository interface {
	Store

	// WithTx runs fn inside a single storage transaction.
	// fn's error rolls the transaction back and is returned unchanged.
	WithTx(ctx context.Context, fn func(Store) error) error

	// AuditTrail returns the audit entries of one entity, oldest first.
	AuditTrail(ctx context.Context, entityType, entityID string) ([]*AuditEntry, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `env:"PASSGUARD_DB_DRIVER"`

	SQLitePath string `env:"PASSGUARD_SQLITE_PATH"`

	PostgresHost     string `env:"PASSGUARD_PG_HOST"`
	PostgresPort     int    `env:"PASSGUARD_PG_PORT"`
	PostgresUser     string `env:"PASSGUARD_PG_USER"`
	PostgresPassword string `env:"PASSGUARD_PG_PASSWORD"`
	PostgresDB       string `env:"PASSGUARD_PG_DB"`
	PostgresSSLMode  string `env:"PASSGUARD_PG_SSLMODE"`

	// Connection pool settings
	MaxOpenConns    int           `env:"PASSGUARD_DB_MAX_OPEN"`
	MaxIdleConns    int           `env:"PASSGUARD_DB_MAX_IDLE"`
	ConnMaxLifetime time.Duration `env:"PASSGUARD_DB_CONN_LIFETIME"`
}
