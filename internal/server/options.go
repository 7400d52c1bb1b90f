package server

import (
	"context"
	"time"

	"github.com/matt-riley/formz/internal/middleware"
	"github.com/matt-riley/formz/internal/repository"
)

const (
	defaultStreamPollInterval       = time.Second
	defaultMaxJSONBodyBytes   int64 = 1 << 20
	auditWriteTimeout               = 2 * time.Second
)

// Audit actions recorded for mutations made through the API.
const (
	AuditActionCreate = "questionnaire_create"
	AuditActionUpdate = "questionnaire_update"
	AuditActionDelete = "questionnaire_delete"
)

// Option configures the HTTP handler and the gRPC server.
type Option func(*options)

type options struct {
	maxJSONBodySize int64
	auditLog        AuditLog
}

// WithMaxJSONBodySize caps HTTP request bodies. Non-positive values keep the
// 1 MiB default.
func WithMaxJSONBodySize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxJSONBodySize = n
		}
	}
}

// WithAuditLog records every questionnaire mutation and enables the audit
// log endpoint.
func WithAuditLog(log AuditLog) Option {
	return func(o *options) {
		o.auditLog = log
	}
}

func newOptions(opts []Option) options {
	o := options{maxJSONBodySize: defaultMaxJSONBodyBytes}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// recordAudit writes an audit entry on a best-effort basis. Failures are
// logged and never returned to the caller.
func (o options) recordAudit(ctx context.Context, action, projectID, questionnaireID string, details map[string]string) {
	if o.auditLog == nil {
		return
	}
	log := middleware.LoggerFromContext(ctx)

	if requestID, ok := middleware.RequestIDFromContext(ctx); ok {
		if details == nil {
			details = make(map[string]string, 1)
		}
		details["request_id"] = requestID
	}

	entry, err := repository.NewAuditLogEntry(projectID, action, questionnaireID, details)
	if err != nil {
		log.Error("audit log: build entry", "error", err, "action", action)
		return
	}
	entry.APIKeyID, _ = middleware.APIKeyIDFromContext(ctx)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	if err := o.auditLog.InsertAuditLog(writeCtx, entry); err != nil {
		log.Error("audit log write failed",
			"error", err,
			"action", action,
			"project_id", projectID,
			"questionnaire_id", questionnaireID,
		)
	}
}
