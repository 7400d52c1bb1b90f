package admin

import (
	"context"
	"time"

	"github.com/matt-riley/formz/internal/repository"
)

const auditWriteTimeout = 2 * time.Second

// Audit actions recorded by the portal.
const (
	auditActionProjectCreate = "project_create"
	auditActionAPIKeyCreate  = "api_key_create"
	auditActionAPIKeyRevoke  = "api_key_revoke"
	auditActionPreview       = "questionnaire_preview"
)

// newAdminAuditEntry builds an entry attributed to an admin user.
func newAdminAuditEntry(adminUserID, action, projectID, questionnaireID string, details any) (repository.AuditLogEntry, error) {
	entry, err := repository.NewAuditLogEntry(projectID, action, questionnaireID, details)
	if err != nil {
		return repository.AuditLogEntry{}, err
	}
	entry.AdminUserID = adminUserID
	return entry, nil
}

// logAudit writes an audit log entry on a best-effort basis. Failures are
// logged and never reach the caller.
func (h *Handler) logAudit(ctx context.Context, adminUserID, action, projectID, questionnaireID string, details any) {
	attrs := []any{
		"action", action,
		"project_id", projectID,
		"questionnaire_id", questionnaireID,
		"admin_user_id", adminUserID,
	}

	entry, err := newAdminAuditEntry(adminUserID, action, projectID, questionnaireID, details)
	if err != nil {
		h.log.Error("audit log: marshal details", append(attrs, "error", err)...)
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	if err := h.store.InsertAuditLog(writeCtx, entry); err != nil {
		h.log.Error("audit log write failed", append(attrs, "error", err)...)
	}
}
