package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/freestays/passguard/internal/domain"
)

// AppendAudit appends an immutable audit entry.
func (r *SQLRepository) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	if entry.Actor == "" {
		return fmt.Errorf("%w: audit actor is required", domain.ErrInvalidInput)
	}

	var metadata sql.NullString
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("%w: audit metadata: %v", domain.ErrInvalidInput, err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO audit_log (id, actor, action, entity_type, entity_id, at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.exec(ctx, "append audit", query,
		entry.ID, entry.Actor, entry.Action, entry.EntityType, entry.EntityID, entry.At.UTC(), metadata,
	)
	return err
}

// AuditTrail returns the audit entries for one entity, oldest first.
func (r *SQLRepository) AuditTrail(ctx context.Context, entityType, entityID string) ([]*domain.AuditEntry, error) {
	query := `
		SELECT id, actor, action, entity_type, entity_id, at, metadata
		FROM audit_log WHERE entity_type = ? AND entity_id = ? ORDER BY at, id
	`

	rows, err := r.q.QueryContext(ctx, r.rebind(query), entityType, entityID)
	if err != nil {
		return nil, storageErr("audit trail", err)
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.EntityType, &e.EntityID, &e.At, &metadata); err != nil {
			return nil, storageErr("scan audit", err)
		}
		e.At = e.At.UTC()
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, storageErr("decode audit metadata", err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("audit trail", err)
	}
	return entries, nil
}
