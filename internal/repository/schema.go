package repository

// Schema definitions for the PassGuard database.
// Compatible with both SQLite and PostgreSQL. Timestamps are stored in UTC.

const schemaPasses = `
CREATE TABLE IF NOT EXISTS passes (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    pass_type TEXT NOT NULL,
    status TEXT NOT NULL,
    issued_at TIMESTAMP NOT NULL,
    valid_until TIMESTAMP,
    bookings_remaining INTEGER NOT NULL,
    payment_ref TEXT NOT NULL,
    consumed_at TIMESTAMP,
    consumed_by TEXT,
    restored_from TEXT,
    updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_passes_active ON passes(account_id, pass_type) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_passes_account ON passes(account_id);
CREATE INDEX IF NOT EXISTS idx_passes_consumed_by ON passes(account_id, consumed_by);
CREATE INDEX IF NOT EXISTS idx_passes_expiry ON passes(status, pass_type, valid_until);
`

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    rule_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    threshold REAL NOT NULL,
    window_secs INTEGER NOT NULL DEFAULT 0,
    condition TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    alert_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    status TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    reason TEXT,
    candidate_count INTEGER NOT NULL DEFAULT 1,
    escalated INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP,
    resolved_by TEXT,
    resolution_note TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_open ON alerts(entity_type, entity_id, rule_id) WHERE status IN ('open', 'investigating');
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_entity ON alerts(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS alert_evidence (
    alert_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    event_kind TEXT NOT NULL,
    account_id TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    detail TEXT,
    recorded_at TIMESTAMP NOT NULL,
    PRIMARY KEY (alert_id, event_id)
);

CREATE TABLE IF NOT EXISTS alert_transitions (
    alert_id TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    actor TEXT NOT NULL,
    note TEXT,
    at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alert_transitions_alert ON alert_transitions(alert_id, at);
`

const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    account_id TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    amount TEXT NOT NULL DEFAULT '0',
    currency TEXT,
    ip TEXT,
    ip_country TEXT,
    device_fingerprint TEXT,
    booking_ref TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_account ON events(account_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_device ON events(device_fingerprint, occurred_at);
`

const schemaAuditLog = `
CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    actor TEXT NOT NULL,
    action TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id, at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaPasses,
		schemaRules,
		schemaAlerts,
		schemaEvents,
		schemaAuditLog,
	}
}
