// Package service owns the questionnaire cache and runs evaluation passes on
// top of the repository. It validates documents on write, keeps decoded
// documents in memory, and reloads them when the repository signals a change.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/repository"
	"github.com/matt-riley/formz/internal/tracing"
)

const (
	EventTypeUpdated = "updated"
	EventTypeDeleted = "deleted"

	// Evaluation sources reported to the evaluation metrics hook.
	SourceStored = "stored"
	SourceInline = "inline"

	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second
)

var (
	ErrQuestionnaireNotFound   = errors.New("questionnaire not found")
	ErrInvalidDocument         = errors.New("invalid document")
	ErrInvalidResponses        = errors.New("invalid responses")
	ErrProjectIDRequired       = errors.New("project id is required")
	ErrQuestionnaireIDRequired = errors.New("questionnaire id is required")
)

type Repository interface {
	CreateQuestionnaire(ctx context.Context, q repository.Questionnaire) (repository.Questionnaire, error)
	UpdateQuestionnaire(ctx context.Context, q repository.Questionnaire) (repository.Questionnaire, error)
	GetQuestionnaire(ctx context.Context, projectID, id string) (repository.Questionnaire, error)
	ListQuestionnaires(ctx context.Context) ([]repository.Questionnaire, error)
	DeleteQuestionnaire(ctx context.Context, projectID, id string) error
	ListEventsSince(ctx context.Context, projectID string, eventID int64) ([]repository.QuestionnaireEvent, error)
	ListEventsSinceForQuestionnaire(ctx context.Context, projectID string, eventID int64, questionnaireID string) ([]repository.QuestionnaireEvent, error)
	PublishQuestionnaireEvent(ctx context.Context, event repository.QuestionnaireEvent) (repository.QuestionnaireEvent, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeQuestionnaireInvalidation(ctx context.Context) (<-chan struct{}, error)
}

type cacheKey struct {
	projectID string
	id        string
}

// cacheEntry pairs the stored row with its decoded document. decodeErr is
// set when a row in the database no longer decodes; such entries are kept so
// reads still succeed, but evaluation reports the error.
type cacheEntry struct {
	record    repository.Questionnaire
	doc       core.Questionnaire
	decodeErr error
}

// Option configures a [Service].
type Option func(*Service)

// WithLogger sets the logger used for background cache maintenance.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCacheMetrics registers hooks called on every full cache load, every
// invalidation notification, and with the per-project cache size after each
// load (preceded by a reset so deleted projects drop out).
func WithCacheMetrics(onLoad, onInvalidation, onReset func(), onUpdate func(projectID string, size float64)) Option {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onCacheInvalidation = onInvalidation
		s.onCacheReset = onReset
		s.onCacheUpdate = onUpdate
	}
}

// WithCacheResyncInterval sets how often the cache is reloaded even without
// notifications. Non-positive values keep the default.
func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithEvaluationMetrics registers a hook called after every evaluation pass.
func WithEvaluationMetrics(record func(source string, elapsed time.Duration, visible, hidden int)) Option {
	return func(s *Service) {
		s.onEvaluation = record
	}
}

// WithValidationFailureHook registers a hook called whenever a written or
// inline document fails validation.
func WithValidationFailureHook(onFailure func()) Option {
	return func(s *Service) {
		s.onValidationFailure = onFailure
	}
}

// WithStrictRuleOrder makes rules that reference the owning question or a
// later one evaluate to false.
func WithStrictRuleOrder(strict bool) Option {
	return func(s *Service) {
		s.strictRuleOrder = strict
	}
}

type Service struct {
	repo   Repository
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry

	resyncInterval  time.Duration
	strictRuleOrder bool

	onCacheLoad         func()
	onCacheInvalidation func()
	onCacheReset        func()
	onCacheUpdate       func(projectID string, size float64)
	onEvaluation        func(source string, elapsed time.Duration, visible, hidden int)
	onValidationFailure func()
}

func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:           repo,
		logger:         slog.Default(),
		cache:          make(map[cacheKey]cacheEntry),
		resyncInterval: defaultCacheResyncInterval,
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadCache replaces the cache with every stored questionnaire.
func (s *Service) LoadCache(ctx context.Context) error {
	questionnaires, err := s.repo.ListQuestionnaires(ctx)
	if err != nil {
		return fmt.Errorf("load questionnaires: %w", err)
	}

	next := make(map[cacheKey]cacheEntry, len(questionnaires))
	sizes := make(map[string]int)
	for _, q := range questionnaires {
		entry := newCacheEntry(q)
		if entry.decodeErr != nil {
			s.logger.Warn("stored questionnaire does not decode",
				"project_id", q.ProjectID,
				"questionnaire_id", q.ID,
				"error", entry.decodeErr,
			)
		}
		next[cacheKey{projectID: q.ProjectID, id: q.ID}] = entry
		sizes[q.ProjectID]++
	}

	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}
	if s.onCacheReset != nil {
		s.onCacheReset()
	}
	if s.onCacheUpdate != nil {
		for projectID, size := range sizes {
			s.onCacheUpdate(projectID, float64(size))
		}
	}

	return nil
}

func (s *Service) CreateQuestionnaire(ctx context.Context, q repository.Questionnaire) (repository.Questionnaire, error) {
	if strings.TrimSpace(q.ProjectID) == "" {
		return repository.Questionnaire{}, ErrProjectIDRequired
	}
	if strings.TrimSpace(q.ID) == "" {
		q.ID = uuid.NewString()
	}
	doc, err := s.parseAndValidate(q.Document)
	if err != nil {
		return repository.Questionnaire{}, err
	}
	q.Name = documentName(q.Name, doc)

	created, err := s.repo.CreateQuestionnaire(ctx, q)
	if err != nil {
		return repository.Questionnaire{}, fmt.Errorf("create questionnaire: %w", err)
	}

	s.setCached(created, doc)
	s.publishEventBestEffort(ctx, EventTypeUpdated, created)

	return created, nil
}

func (s *Service) UpdateQuestionnaire(ctx context.Context, q repository.Questionnaire) (repository.Questionnaire, error) {
	if strings.TrimSpace(q.ProjectID) == "" {
		return repository.Questionnaire{}, ErrProjectIDRequired
	}
	if strings.TrimSpace(q.ID) == "" {
		return repository.Questionnaire{}, ErrQuestionnaireIDRequired
	}
	doc, err := s.parseAndValidate(q.Document)
	if err != nil {
		return repository.Questionnaire{}, err
	}
	q.Name = documentName(q.Name, doc)

	updated, err := s.repo.UpdateQuestionnaire(ctx, q)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCached(q.ProjectID, q.ID)
			return repository.Questionnaire{}, ErrQuestionnaireNotFound
		}
		return repository.Questionnaire{}, fmt.Errorf("update questionnaire: %w", err)
	}

	s.setCached(updated, doc)
	s.publishEventBestEffort(ctx, EventTypeUpdated, updated)

	return updated, nil
}

func (s *Service) GetQuestionnaire(ctx context.Context, projectID, id string) (repository.Questionnaire, error) {
	entry, err := s.getEntry(ctx, projectID, id)
	if err != nil {
		return repository.Questionnaire{}, err
	}
	return entry.record, nil
}

// ListQuestionnaires returns the cached questionnaires of one project sorted
// by id.
func (s *Service) ListQuestionnaires(_ context.Context, projectID string) ([]repository.Questionnaire, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, ErrProjectIDRequired
	}

	s.mu.RLock()
	questionnaires := make([]repository.Questionnaire, 0)
	for key, entry := range s.cache {
		if key.projectID == projectID {
			questionnaires = append(questionnaires, entry.record)
		}
	}
	s.mu.RUnlock()

	sort.Slice(questionnaires, func(i, j int) bool {
		return questionnaires[i].ID < questionnaires[j].ID
	})

	return questionnaires, nil
}

func (s *Service) DeleteQuestionnaire(ctx context.Context, projectID, id string) error {
	existing, err := s.GetQuestionnaire(ctx, projectID, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteQuestionnaire(ctx, projectID, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCached(projectID, id)
			return ErrQuestionnaireNotFound
		}
		return fmt.Errorf("delete questionnaire: %w", err)
	}

	s.deleteCached(projectID, id)
	s.publishEventBestEffort(ctx, EventTypeDeleted, existing)

	return nil
}

// Evaluate runs one pass over a stored questionnaire.
func (s *Service) Evaluate(ctx context.Context, projectID, id string, responses core.Responses) (result core.Result, err error) {
	ctx, span := tracing.StartSpan(ctx, "service.Evaluate",
		attribute.String("formz.project_id", projectID),
		attribute.String("formz.questionnaire_id", id),
	)
	defer func() { tracing.EndSpan(span, err) }()

	entry, err := s.getEntry(ctx, projectID, id)
	if err != nil {
		return core.Result{}, err
	}
	if entry.decodeErr != nil {
		return core.Result{}, fmt.Errorf("decode questionnaire %q: %w", id, entry.decodeErr)
	}

	result = s.evaluate(SourceStored, entry.doc, responses)
	span.SetAttributes(
		attribute.Int("formz.visible_questions", len(result.VisibleQuestions)),
		attribute.Int("formz.hidden_questions", len(result.HiddenQuestions)),
	)
	return result, nil
}

// EvaluateDocument evaluates a document that is not stored, such as a draft
// being previewed. The document is not validated: dangling references and
// unknown operators make their rules false instead of failing the call.
func (s *Service) EvaluateDocument(ctx context.Context, doc core.Questionnaire, responses core.Responses) (result core.Result, err error) {
	_, span := tracing.StartSpan(ctx, "service.EvaluateDocument")
	defer func() { tracing.EndSpan(span, err) }()

	result = s.evaluate(SourceInline, doc, responses)
	span.SetAttributes(
		attribute.Int("formz.visible_questions", len(result.VisibleQuestions)),
		attribute.Int("formz.hidden_questions", len(result.HiddenQuestions)),
	)
	return result, nil
}

func (s *Service) evaluate(source string, doc core.Questionnaire, responses core.Responses) core.Result {
	var opts []core.Option
	if s.strictRuleOrder {
		opts = append(opts, core.WithForwardReferenceGuard())
	}

	started := time.Now()
	result := core.Evaluate(doc, responses, opts...)
	if s.onEvaluation != nil {
		s.onEvaluation(source, time.Since(started), len(result.VisibleQuestions), len(result.HiddenQuestions))
	}
	return result
}

func (s *Service) ListEventsSince(ctx context.Context, projectID string, eventID int64) ([]repository.QuestionnaireEvent, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, ErrProjectIDRequired
	}

	events, err := s.repo.ListEventsSince(ctx, projectID, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

func (s *Service) ListEventsSinceForQuestionnaire(ctx context.Context, projectID string, eventID int64, id string) ([]repository.QuestionnaireEvent, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, ErrProjectIDRequired
	}
	if strings.TrimSpace(id) == "" {
		return nil, ErrQuestionnaireIDRequired
	}

	events, err := s.repo.ListEventsSinceForQuestionnaire(ctx, projectID, eventID, id)
	if err != nil {
		return nil, fmt.Errorf("list events since %d for questionnaire %q: %w", eventID, id, err)
	}

	return events, nil
}

func (s *Service) getEntry(ctx context.Context, projectID, id string) (cacheEntry, error) {
	if strings.TrimSpace(projectID) == "" {
		return cacheEntry{}, ErrProjectIDRequired
	}
	if strings.TrimSpace(id) == "" {
		return cacheEntry{}, ErrQuestionnaireIDRequired
	}

	key := cacheKey{projectID: projectID, id: id}
	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return entry, nil
	}

	q, err := s.repo.GetQuestionnaire(ctx, projectID, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cacheEntry{}, ErrQuestionnaireNotFound
		}
		return cacheEntry{}, fmt.Errorf("get questionnaire: %w", err)
	}

	entry = newCacheEntry(q)
	s.mu.Lock()
	s.cache[key] = entry
	s.mu.Unlock()

	return entry, nil
}

func (s *Service) setCached(q repository.Questionnaire, doc core.Questionnaire) {
	s.mu.Lock()
	s.cache[cacheKey{projectID: q.ProjectID, id: q.ID}] = cacheEntry{record: q, doc: doc}
	s.mu.Unlock()
}

func (s *Service) deleteCached(projectID, id string) {
	s.mu.Lock()
	delete(s.cache, cacheKey{projectID: projectID, id: id})
	s.mu.Unlock()
}

func (s *Service) parseAndValidate(payload json.RawMessage) (core.Questionnaire, error) {
	doc, err := ParseDocument(payload)
	if err != nil {
		s.recordValidationFailure()
		return core.Questionnaire{}, err
	}
	if err := core.Validate(doc); err != nil {
		s.recordValidationFailure()
		return core.Questionnaire{}, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return doc, nil
}

func (s *Service) recordValidationFailure() {
	if s.onValidationFailure != nil {
		s.onValidationFailure()
	}
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeQuestionnaireInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeQuestionnaireInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeQuestionnaireInvalidation(ctx)
					if err != nil {
						s.logger.Warn("resubscribe cache invalidation failed", "error", err)
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onCacheInvalidation != nil {
					s.onCacheInvalidation()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) publishEventBestEffort(ctx context.Context, eventType string, q repository.Questionnaire) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := s.publishEvent(publishCtx, eventType, q); err != nil {
		s.logger.Warn("publish questionnaire event failed",
			"project_id", q.ProjectID,
			"questionnaire_id", q.ID,
			"event_type", eventType,
			"error", err,
		)
	}
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil && ctx.Err() == nil {
		s.logger.Warn("reload questionnaire cache failed", "error", err)
	}
}

func (s *Service) publishEvent(ctx context.Context, eventType string, q repository.Questionnaire) error {
	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	_, err = s.repo.PublishQuestionnaireEvent(ctx, repository.QuestionnaireEvent{
		ProjectID:       q.ProjectID,
		QuestionnaireID: q.ID,
		EventType:       eventType,
		Payload:         payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}

func newCacheEntry(q repository.Questionnaire) cacheEntry {
	doc, err := ParseDocument(q.Document)
	return cacheEntry{record: q, doc: doc, decodeErr: err}
}

func documentName(name string, doc core.Questionnaire) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return doc.Name
}

// ParseDocument decodes a questionnaire document. An empty payload is an
// error: a questionnaire without pages has nothing to evaluate.
func ParseDocument(payload json.RawMessage) (core.Questionnaire, error) {
	if len(payload) == 0 {
		return core.Questionnaire{}, fmt.Errorf("%w: document is required", ErrInvalidDocument)
	}

	var doc core.Questionnaire
	if err := json.Unmarshal(payload, &doc); err != nil {
		return core.Questionnaire{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	return doc, nil
}

// ParseResponses decodes a response map. Numbers are kept as json.Number so
// large integers stay exact; the operators compare them by decimal text.
func ParseResponses(payload json.RawMessage) (core.Responses, error) {
	responses := make(core.Responses)
	if len(payload) == 0 || string(payload) == "null" {
		return responses, nil
	}

	decoder := json.NewDecoder(strings.NewReader(string(payload)))
	decoder.UseNumber()
	if err := decoder.Decode(&responses); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponses, err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("%w: trailing data after response object", ErrInvalidResponses)
	}
	if responses == nil {
		responses = make(core.Responses)
	}

	return responses, nil
}
