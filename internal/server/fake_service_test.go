package server

import (
	"context"
	"errors"
	"sync"

	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/repository"
)

type fakeService struct {
	createFunc          func(ctx context.Context, q repository.Questionnaire) (repository.Questionnaire, error)
	updateFunc          func(ctx context.Context, q repository.Questionnaire) (repository.Questionnaire, error)
	getFunc             func(ctx context.Context, projectID, id string) (repository.Questionnaire, error)
	listFunc            func(ctx context.Context, projectID string) ([]repository.Questionnaire, error)
	deleteFunc          func(ctx context.Context, projectID, id string) error
	evaluateFunc        func(ctx context.Context, projectID, id string, responses core.Responses) (core.Result, error)
	evaluateDocFunc     func(ctx context.Context, doc core.Questionnaire, responses core.Responses) (core.Result, error)
	listEventsSinceFunc func(ctx context.Context, projectID string, eventID int64) ([]repository.QuestionnaireEvent, error)
	listEventsForIDFunc func(ctx context.Context, projectID string, eventID int64, id string) ([]repository.QuestionnaireEvent, error)
}

func (f *fakeService) CreateQuestionnaire(ctx context.Context, q repository.Questionnaire) (repository.Questionnaire, error) {
	if f.createFunc != nil {
		return f.createFunc(ctx, q)
	}
	return repository.Questionnaire{}, errors.New("CreateQuestionnaire not implemented")
}

func (f *fakeService) UpdateQuestionnaire(ctx context.Context, q repository.Questionnaire) (repository.Questionnaire, error) {
	if f.updateFunc != nil {
		return f.updateFunc(ctx, q)
	}
	return repository.Questionnaire{}, errors.New("UpdateQuestionnaire not implemented")
}

func (f *fakeService) GetQuestionnaire(ctx context.Context, projectID, id string) (repository.Questionnaire, error) {
	if f.getFunc != nil {
		return f.getFunc(ctx, projectID, id)
	}
	return repository.Questionnaire{}, errors.New("GetQuestionnaire not implemented")
}

func (f *fakeService) ListQuestionnaires(ctx context.Context, projectID string) ([]repository.Questionnaire, error) {
	if f.listFunc != nil {
		return f.listFunc(ctx, projectID)
	}
	return nil, errors.New("ListQuestionnaires not implemented")
}

func (f *fakeService) DeleteQuestionnaire(ctx context.Context, projectID, id string) error {
	if f.deleteFunc != nil {
		return f.deleteFunc(ctx, projectID, id)
	}
	return errors.New("DeleteQuestionnaire not implemented")
}

func (f *fakeService) Evaluate(ctx context.Context, projectID, id string, responses core.Responses) (core.Result, error) {
	if f.evaluateFunc != nil {
		return f.evaluateFunc(ctx, projectID, id, responses)
	}
	return core.Result{}, errors.New("Evaluate not implemented")
}

func (f *fakeService) EvaluateDocument(ctx context.Context, doc core.Questionnaire, responses core.Responses) (core.Result, error) {
	if f.evaluateDocFunc != nil {
		return f.evaluateDocFunc(ctx, doc, responses)
	}
	return core.Result{}, errors.New("EvaluateDocument not implemented")
}

func (f *fakeService) ListEventsSince(ctx context.Context, projectID string, eventID int64) ([]repository.QuestionnaireEvent, error) {
	if f.listEventsSinceFunc != nil {
		return f.listEventsSinceFunc(ctx, projectID, eventID)
	}
	return nil, errors.New("ListEventsSince not implemented")
}

func (f *fakeService) ListEventsSinceForQuestionnaire(ctx context.Context, projectID string, eventID int64, id string) ([]repository.QuestionnaireEvent, error) {
	if f.listEventsForIDFunc != nil {
		return f.listEventsForIDFunc(ctx, projectID, eventID, id)
	}
	return nil, errors.New("ListEventsSinceForQuestionnaire not implemented")
}

type fakeAuditLog struct {
	mu        sync.Mutex
	entries   []repository.AuditLogEntry
	insertErr error
	listFunc  func(ctx context.Context, projectID string, limit, offset int) ([]repository.AuditLogEntry, error)
}

func (f *fakeAuditLog) InsertAuditLog(_ context.Context, entry repository.AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditLog) ListAuditLog(ctx context.Context, projectID string, limit, offset int) ([]repository.AuditLogEntry, error) {
	if f.listFunc != nil {
		return f.listFunc(ctx, projectID, limit, offset)
	}
	return nil, errors.New("ListAuditLog not implemented")
}

func (f *fakeAuditLog) recorded() []repository.AuditLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repository.AuditLogEntry(nil), f.entries...)
}
