// Package server exposes the questionnaire service over HTTP (JSON + SSE)
// and gRPC. Both transports expect an authenticated project in the request
// context; see the middleware package.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/metrics"
	"github.com/matt-riley/formz/internal/middleware"
	"github.com/matt-riley/formz/internal/repository"
	"github.com/matt-riley/formz/internal/service"
)

const (
	defaultAuditLogLimit = 50
	maxAuditLogLimit     = 500
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	metrics            *metrics.Metrics
	options
}

type evaluateJSONRequest struct {
	Responses json.RawMessage `json:"responses,omitempty"`
}

type evaluateDocumentJSONRequest struct {
	Document  json.RawMessage `json:"document"`
	Responses json.RawMessage `json:"responses,omitempty"`
}

type errorJSONResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// NewHTTPHandler serves the API with the default poll interval and no
// Prometheus endpoint.
func NewHTTPHandler(svc Service, opts ...Option) http.Handler {
	return NewHTTPHandlerWithOptions(svc, defaultStreamPollInterval, nil, opts...)
}

// NewHTTPHandlerWithOptions builds the API handler. When m is non-nil,
// request metrics are recorded and GET /metrics serves m's registry.
func NewHTTPHandlerWithOptions(svc Service, streamPollInterval time.Duration, m *metrics.Metrics, opts ...Option) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	if streamPollInterval <= 0 {
		streamPollInterval = defaultStreamPollInterval
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: streamPollInterval,
		metrics:            m,
		options:            newOptions(opts),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/questionnaires", server.handleCreateQuestionnaire)
	mux.HandleFunc("GET /v1/questionnaires", server.handleListQuestionnaires)
	mux.HandleFunc("GET /v1/questionnaires/{id}", server.handleGetQuestionnaire)
	mux.HandleFunc("PUT /v1/questionnaires/{id}", server.handleUpdateQuestionnaire)
	mux.HandleFunc("DELETE /v1/questionnaires/{id}", server.handleDeleteQuestionnaire)
	mux.HandleFunc("POST /v1/questionnaires/{id}/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluateDocument)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /v1/audit-log", server.handleListAuditLog)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	return server.withMetrics(mux)
}

func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		labels := []string{r.Method, route, strconv.Itoa(recorder.status)}
		s.metrics.HTTPRequestsTotal.WithLabelValues(labels...).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	_ = http.NewResponseController(r.ResponseWriter).Flush()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *HTTPServer) handleCreateQuestionnaire(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireProjectID(w, r)
	if !ok {
		return
	}

	var q repository.Questionnaire
	if err := s.decodeJSONBody(w, r, &q); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	q.ProjectID = projectID

	created, err := s.service.CreateQuestionnaire(r.Context(), q)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.recordAudit(r.Context(), AuditActionCreate, projectID, created.ID, map[string]string{"name": created.Name})
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetQuestionnaire(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireProjectID(w, r)
	if !ok {
		return
	}

	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	q, err := s.service.GetQuestionnaire(r.Context(), projectID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, q)
}

func (s *HTTPServer) handleListQuestionnaires(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireProjectID(w, r)
	if !ok {
		return
	}

	questionnaires, err := s.service.ListQuestionnaires(r.Context(), projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if questionnaires == nil {
		questionnaires = []repository.Questionnaire{}
	}

	writeJSON(w, http.StatusOK, questionnaires)
}

func (s *HTTPServer) handleUpdateQuestionnaire(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireProjectID(w, r)
	if !ok {
		return
	}

	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	var q repository.Questionnaire
	if err := s.decodeJSONBody(w, r, &q); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(q.ID) != "" && q.ID != id {
		writeJSONError(w, http.StatusBadRequest, "path id and body id must match")
		return
	}
	q.ID = id
	q.ProjectID = projectID

	updated, err := s.service.UpdateQuestionnaire(r.Context(), q)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.recordAudit(r.Context(), AuditActionUpdate, projectID, updated.ID, map[string]string{
		"name":    updated.Name,
		"version": strconv.FormatInt(updated.Version, 10),
	})
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteQuestionnaire(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireProjectID(w, r)
	if !ok {
		return
	}

	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := s.service.DeleteQuestionnaire(r.Context(), projectID, id); err != nil {
		writeServiceError(w, err)
		return
	}

	s.recordAudit(r.Context(), AuditActionDelete, projectID, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireProjectID(w, r)
	if !ok {
		return
	}

	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	responses, err := service.ParseResponses(request.Responses)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	result, err := s.service.Evaluate(r.Context(), projectID, id, responses)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleEvaluateDocument(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireProjectID(w, r); !ok {
		return
	}

	var request evaluateDocumentJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	doc, err := service.ParseDocument(request.Document)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	responses, err := service.ParseResponses(request.Responses)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	result, err := s.service.EvaluateDocument(r.Context(), doc, responses)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireProjectID(w, r)
	if !ok {
		return
	}

	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	controller := http.NewResponseController(w)
	flush := controller.Flush

	listEventsSince := func(ctx context.Context, eventID int64) ([]repository.QuestionnaireEvent, error) {
		return s.service.ListEventsSince(ctx, projectID, eventID)
	}
	if filterID := strings.TrimSpace(r.URL.Query().Get("questionnaire_id")); filterID != "" {
		listEventsSince = func(ctx context.Context, eventID int64) ([]repository.QuestionnaireEvent, error) {
			return s.service.ListEventsSinceForQuestionnaire(ctx, projectID, eventID, filterID)
		}
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.QuestionnaireEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			if err := flush(); err != nil {
				return err
			}
		}

		return nil
	}

	initialEvents, err := listEventsSince(r.Context(), currentEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.metrics != nil {
		streams := s.metrics.ActiveStreams.WithLabelValues("sse")
		streams.Inc()
		defer streams.Dec()
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := flush(); err != nil {
		return
	}

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := listEventsSince(r.Context(), currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flush, serviceErrorMessage(err))
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleListAuditLog(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireProjectID(w, r)
	if !ok {
		return
	}
	if s.auditLog == nil {
		writeJSONError(w, http.StatusNotFound, "audit log disabled")
		return
	}

	limit, err := parseQueryInt(r, "limit", defaultAuditLogLimit)
	if err != nil || limit <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	limit = min(limit, maxAuditLogLimit)

	offset, err := parseQueryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	entries, err := s.auditLog.ListAuditLog(r.Context(), projectID, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []repository.AuditLogEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireProjectID writes 401 when the request carries no authenticated
// project.
func requireProjectID(w http.ResponseWriter, r *http.Request) (string, bool) {
	projectID, ok := middleware.ProjectIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return projectID, true
}

func parseQueryInt(r *http.Request, name string, fallback int) (int, error) {
	value := strings.TrimSpace(r.URL.Query().Get(name))
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func toSSEEventName(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "update", service.EventTypeUpdated:
		return "update"
	case "delete", service.EventTypeDeleted:
		return "delete"
	default:
		return ""
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidDocument):
		writeJSON(w, http.StatusBadRequest, errorJSONResponse{
			Error:   serviceErrorMessage(err),
			Details: validationDetails(err),
		})
	case errors.Is(err, service.ErrInvalidResponses),
		errors.Is(err, service.ErrProjectIDRequired),
		errors.Is(err, service.ErrQuestionnaireIDRequired):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrQuestionnaireNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidDocument):
		return "invalid document"
	case errors.Is(err, service.ErrInvalidResponses):
		return "invalid responses"
	case errors.Is(err, service.ErrProjectIDRequired):
		return "project id is required"
	case errors.Is(err, service.ErrQuestionnaireIDRequired):
		return "id is required"
	case errors.Is(err, service.ErrQuestionnaireNotFound):
		return "questionnaire not found"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

// validationDetails lists authoring problems as "path: message" strings.
func validationDetails(err error) []string {
	problems := core.ValidationErrors(err)
	if len(problems) == 0 {
		return nil
	}
	details := make([]string, 0, len(problems))
	for _, problem := range problems {
		details = append(details, problem.Error())
	}
	return details
}

func writeSSEError(w http.ResponseWriter, flush func() error, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	_ = flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	return strings.Split(string(payload), "\n")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorJSONResponse{Error: message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodySize))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
