package server

import (
	"context"

	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/repository"
	"github.com/matt-riley/formz/internal/service"
)

// Service is the questionnaire surface both transports serve.
type Service interface {
	CreateQuestionnaire(ctx context.Context, q repository.Questionnaire) (repository.Questionnaire, error)
	UpdateQuestionnaire(ctx context.Context, q repository.Questionnaire) (repository.Questionnaire, error)
	GetQuestionnaire(ctx context.Context, projectID, id string) (repository.Questionnaire, error)
	ListQuestionnaires(ctx context.Context, projectID string) ([]repository.Questionnaire, error)
	DeleteQuestionnaire(ctx context.Context, projectID, id string) error
	Evaluate(ctx context.Context, projectID, id string, responses core.Responses) (core.Result, error)
	EvaluateDocument(ctx context.Context, doc core.Questionnaire, responses core.Responses) (core.Result, error)
	ListEventsSince(ctx context.Context, projectID string, eventID int64) ([]repository.QuestionnaireEvent, error)
	ListEventsSinceForQuestionnaire(ctx context.Context, projectID string, eventID int64, id string) ([]repository.QuestionnaireEvent, error)
}

// AuditLog records API mutations and serves them back per project.
type AuditLog interface {
	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
	ListAuditLog(ctx context.Context, projectID string, limit, offset int) ([]repository.AuditLogEntry, error)
}

var (
	_ Service  = (*service.Service)(nil)
	_ AuditLog = (*repository.PostgresRepository)(nil)
)
