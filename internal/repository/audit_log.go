package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// AuditLogEntry records a mutation performed through the admin portal or the
// API.
type AuditLogEntry struct {
	ID              int64           `json:"id"`
	ProjectID       string          `json:"project_id"`
	APIKeyID        string          `json:"api_key_id,omitempty"`
	AdminUserID     string          `json:"admin_user_id,omitempty"`
	Action          string          `json:"action"`
	QuestionnaireID string          `json:"questionnaire_id,omitempty"`
	Details         json.RawMessage `json:"details,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// InsertAuditLog writes a single audit log entry.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (project_id, api_key_id, admin_user_id, action, questionnaire_id, details)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, '')::uuid, $4, NULLIF($5, ''), $6)
	`,
		entry.ProjectID, entry.APIKeyID, entry.AdminUserID, entry.Action, entry.QuestionnaireID, entry.Details,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns audit log entries for a project, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, projectID string, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, COALESCE(api_key_id, ''), COALESCE(admin_user_id::text, ''),
		       action, COALESCE(questionnaire_id, ''), details, created_at
		FROM audit_log
		WHERE project_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, projectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (AuditLogEntry, error) {
		var e AuditLogEntry
		err := row.Scan(&e.ID, &e.ProjectID, &e.APIKeyID, &e.AdminUserID, &e.Action, &e.QuestionnaireID, &e.Details, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("list audit log rows: %w", err)
	}
	return entries, nil
}

// NewAuditLogEntry builds an entry for action, marshalling details to JSON
// when non-nil. Callers fill in the acting API key or admin user.
func NewAuditLogEntry(projectID, action, questionnaireID string, details any) (AuditLogEntry, error) {
	entry := AuditLogEntry{
		ProjectID:       projectID,
		Action:          action,
		QuestionnaireID: questionnaireID,
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return AuditLogEntry{}, fmt.Errorf("marshal audit details: %w", err)
		}
		entry.Details = raw
	}
	return entry, nil
}
