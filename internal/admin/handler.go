// Package admin serves the tailnet-only administration portal: first-run
// setup, login, projects, API keys, an evaluation preview and the audit log.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/middleware"
	"github.com/matt-riley/formz/internal/repository"
	"github.com/matt-riley/formz/internal/service"
)

type adminContextKey string

const (
	sessionContextKey   adminContextKey = "admin_session"
	adminUserContextKey adminContextKey = "admin_user"
)

const (
	auditPageSize        = 50
	maxFormBytes         = 1 << 20
	uniqueViolationCode  = "23505"
	defaultAPIKeyName    = "default"
	maxAPIKeyNameLength  = 100
	maxProjectNameLength = 100
)

// Store is the persistence the portal needs beyond sessions.
type Store interface {
	SessionStore
	HasAdminUsers(ctx context.Context) (bool, error)
	CreateAdminUser(ctx context.Context, username, passwordHash string) (repository.AdminUser, error)
	GetAdminUserByUsername(ctx context.Context, username string) (repository.AdminUser, error)
	GetAdminUserByID(ctx context.Context, id string) (repository.AdminUser, error)
	CreateProject(ctx context.Context, name, description string) (repository.Project, error)
	ListProjects(ctx context.Context) ([]repository.Project, error)
	GetProject(ctx context.Context, id string) (repository.Project, error)
	CreateAPIKey(ctx context.Context, projectID, name string) (string, string, error)
	ListAPIKeys(ctx context.Context, projectID string) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, projectID, keyID string) error
	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
	ListAuditLog(ctx context.Context, projectID string, limit, offset int) ([]repository.AuditLogEntry, error)
}

// Questionnaires is the read and evaluate side of the questionnaire service.
type Questionnaires interface {
	ListQuestionnaires(ctx context.Context, projectID string) ([]repository.Questionnaire, error)
	GetQuestionnaire(ctx context.Context, projectID, id string) (repository.Questionnaire, error)
	Evaluate(ctx context.Context, projectID, id string, responses core.Responses) (core.Result, error)
}

var (
	_ Store          = (*repository.PostgresRepository)(nil)
	_ Questionnaires = (*service.Service)(nil)
)

type Handler struct {
	store          Store
	questionnaires Questionnaires
	sessions       *SessionManager
	log            *slog.Logger
	mux            *http.ServeMux
}

func NewHandler(store Store, questionnaires Questionnaires, sessions *SessionManager, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		store:          store,
		questionnaires: questionnaires,
		sessions:       sessions,
		log:            log,
	}
	h.mux = h.buildMux()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /login", h.handleLoginPage)
	mux.HandleFunc("POST /login", h.handleLogin)
	mux.HandleFunc("GET /setup", h.handleSetupPage)
	mux.HandleFunc("POST /setup", h.handleSetup)
	mux.HandleFunc("POST /logout", h.handleLogout)

	mux.HandleFunc("GET /{$}", h.requireAuth(h.handleDashboard))
	mux.HandleFunc("POST /projects", h.requireAuth(h.handleCreateProject))
	mux.HandleFunc("GET /projects/{projectID}", h.requireAuth(h.withProject(h.handleProject)))
	mux.HandleFunc("POST /projects/{projectID}/api-keys", h.requireAuth(h.withProject(h.handleCreateAPIKey)))
	mux.HandleFunc("POST /projects/{projectID}/api-keys/{keyID}/revoke", h.requireAuth(h.withProject(h.handleRevokeAPIKey)))
	mux.HandleFunc("GET /projects/{projectID}/questionnaires/{questionnaireID}/preview", h.requireAuth(h.withProject(h.handlePreview)))
	mux.HandleFunc("POST /projects/{projectID}/questionnaires/{questionnaireID}/preview", h.requireAuth(h.withProject(h.handlePreview)))
	mux.HandleFunc("GET /projects/{projectID}/audit-log", h.requireAuth(h.withProject(h.handleAuditLog)))

	mux.Handle("GET /static/", http.FileServerFS(content))

	return mux
}

// requireAuth ensures a valid session exists, loads its user and checks the
// CSRF token on state-changing requests.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		session, err := h.sessions.ValidateSession(r.Context(), cookie.Value)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		user, err := h.store.GetAdminUserByID(r.Context(), session.AdminUserID)
		if err != nil {
			_ = h.sessions.InvalidateSession(r.Context(), cookie.Value)
			h.sessions.ClearSessionCookie(w)
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
			csrfToken := r.FormValue("csrf_token")
			if csrfToken == "" {
				csrfToken = r.Header.Get("X-CSRF-Token")
			}
			if subtle.ConstantTimeCompare([]byte(csrfToken), []byte(session.CSRFToken)) != 1 {
				http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
				return
			}
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		ctx = context.WithValue(ctx, adminUserContextKey, user)
		next(w, r.WithContext(ctx))
	}
}

type projectHandler func(w http.ResponseWriter, r *http.Request, project repository.Project)

// withProject resolves the {projectID} path value, answering 404 for
// malformed or unknown ids.
func (h *Handler) withProject(next projectHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := uuid.Parse(r.PathValue("projectID"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		project, err := h.store.GetProject(r.Context(), projectID.String())
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				h.log.Error("load project", "project_id", projectID.String(), "error", err)
			}
			http.NotFound(w, r)
			return
		}
		next(w, r, project)
	}
}

func sessionFrom(ctx context.Context) repository.AdminSession {
	session, _ := ctx.Value(sessionContextKey).(repository.AdminSession)
	return session
}

func userFrom(ctx context.Context) repository.AdminUser {
	user, _ := ctx.Value(adminUserContextKey).(repository.AdminUser)
	return user
}

// pageData seeds template data with the signed-in user and CSRF token.
func pageData(r *http.Request, extra map[string]any) map[string]any {
	data := map[string]any{
		"User":      userFrom(r.Context()),
		"CSRFToken": sessionFrom(r.Context()).CSRFToken,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	if err := Render(w, name, data); err != nil {
		h.log.Error("render error", "template", name, "error", err)
	}
}

func (h *Handler) handleSetupPage(w http.ResponseWriter, r *http.Request) {
	exists, err := h.store.HasAdminUsers(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if exists {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	h.render(w, "setup.html", map[string]any{"CSRFToken": h.issuePreAuthCSRF(w, r)})
}

func (h *Handler) handleSetup(w http.ResponseWriter, r *http.Request) {
	exists, err := h.store.HasAdminUsers(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if exists {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	if !validateDoubleSubmitCSRF(r) {
		http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
		return
	}

	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")
	confirm := r.FormValue("confirm_password")

	rerender := func(msg string) {
		w.WriteHeader(http.StatusBadRequest)
		h.render(w, "setup.html", map[string]any{"Error": msg, "CSRFToken": r.FormValue("csrf_token")})
	}
	if err := ValidateUsername(username); err != nil {
		rerender(err.Error())
		return
	}
	if password != confirm {
		rerender("Passwords do not match")
		return
	}
	if err := ValidatePassword(password); err != nil {
		rerender(err.Error())
		return
	}

	hash, err := HashPassword(password)
	if err != nil {
		http.Error(w, "Failed to hash password", http.StatusInternalServerError)
		return
	}

	user, err := h.store.CreateAdminUser(r.Context(), username, hash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		h.log.Error("failed to create admin user", "error", err)
		h.render(w, "setup.html", map[string]any{"Error": "Failed to create user"})
		return
	}

	h.log.Info("admin user created", "admin_user_id", user.ID, "username", username)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (h *Handler) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, "login.html", map[string]any{"CSRFToken": h.issuePreAuthCSRF(w, r)})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !validateDoubleSubmitCSRF(r) {
		http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")
	remoteAddr := clientIP(r)

	fail := func(msg string) {
		w.WriteHeader(http.StatusUnauthorized)
		h.render(w, "login.html", map[string]any{"Error": msg, "CSRFToken": r.FormValue("csrf_token")})
	}

	if !h.sessions.CheckLoginRateLimit(remoteAddr) {
		fail("Too many attempts. Please try again later.")
		return
	}

	user, err := h.store.GetAdminUserByUsername(r.Context(), username)
	if err != nil {
		h.sessions.RecordLoginAttempt(remoteAddr)
		fail("Invalid credentials")
		return
	}

	match, err := VerifyPassword(password, user.PasswordHash)
	if err != nil || !match {
		h.sessions.RecordLoginAttempt(remoteAddr)
		fail("Invalid credentials")
		return
	}

	token, err := h.sessions.GenerateSession(r.Context(), user.ID)
	if err != nil {
		h.log.Error("create admin session", "error", err)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	h.sessions.SetSessionCookie(w, token)
	h.log.Info("admin login", "admin_user_id", user.ID, "remote_addr", remoteAddr)

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if err := h.sessions.InvalidateSession(r.Context(), cookie.Value); err != nil {
			h.log.Warn("invalidate admin session", "error", err)
		}
	}
	h.sessions.ClearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		h.log.Error("list projects", "error", err)
		http.Error(w, "Failed to list projects", http.StatusInternalServerError)
		return
	}
	h.render(w, "dashboard.html", pageData(r, map[string]any{"Projects": projects}))
}

func (h *Handler) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.FormValue("name"))
	desc := strings.TrimSpace(r.FormValue("description"))
	if name == "" || len(name) > maxProjectNameLength {
		http.Error(w, "Project name must be between 1 and 100 characters", http.StatusBadRequest)
		return
	}

	p, err := h.store.CreateProject(r.Context(), name, desc)
	if err != nil {
		h.log.Error("create project", "error", err)
		http.Error(w, "Failed to create project", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), userFrom(r.Context()).ID, auditActionProjectCreate, p.ID, "", map[string]string{"name": name})
	http.Redirect(w, r, "/projects/"+p.ID, http.StatusFound)
}

func (h *Handler) handleProject(w http.ResponseWriter, r *http.Request, project repository.Project) {
	questionnaires, err := h.questionnaires.ListQuestionnaires(r.Context(), project.ID)
	if err != nil {
		h.log.Error("list questionnaires", "project_id", project.ID, "error", err)
		http.Error(w, "Failed to list questionnaires", http.StatusInternalServerError)
		return
	}
	keys, err := h.store.ListAPIKeys(r.Context(), project.ID)
	if err != nil {
		h.log.Error("list api keys", "project_id", project.ID, "error", err)
		http.Error(w, "Failed to list API keys", http.StatusInternalServerError)
		return
	}

	data := pageData(r, map[string]any{
		"Project":        project,
		"Questionnaires": questionnaires,
		"APIKeys":        keys,
	})
	if keyID, secret, ok := h.sessions.PopAPIKeyFlash(sessionFrom(r.Context()).IDHash, project.ID); ok {
		data["NewAPIKey"] = middleware.FormatAPIKey(keyID, secret)
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
	}
	h.render(w, "project.html", data)
}

func (h *Handler) handleCreateAPIKey(w http.ResponseWriter, r *http.Request, project repository.Project) {
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = defaultAPIKeyName
	}
	if len(name) > maxAPIKeyNameLength {
		http.Error(w, "API key name must be at most 100 characters", http.StatusBadRequest)
		return
	}

	keyID, secret, err := h.store.CreateAPIKey(r.Context(), project.ID, name)
	if err != nil {
		h.log.Error("create api key", "project_id", project.ID, "error", err)
		http.Error(w, "Failed to create API key", http.StatusInternalServerError)
		return
	}
	h.sessions.SetAPIKeyFlash(sessionFrom(r.Context()).IDHash, project.ID, keyID, secret)
	h.logAudit(r.Context(), userFrom(r.Context()).ID, auditActionAPIKeyCreate, project.ID, "",
		map[string]string{"api_key_id": keyID, "name": name})

	http.Redirect(w, r, "/projects/"+project.ID, http.StatusFound)
}

func (h *Handler) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request, project repository.Project) {
	keyID := r.PathValue("keyID")
	if err := h.store.RevokeAPIKey(r.Context(), project.ID, keyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.NotFound(w, r)
			return
		}
		h.log.Error("revoke api key", "project_id", project.ID, "api_key_id", keyID, "error", err)
		http.Error(w, "Failed to revoke API key", http.StatusInternalServerError)
		return
	}
	h.logAudit(r.Context(), userFrom(r.Context()).ID, auditActionAPIKeyRevoke, project.ID, "",
		map[string]string{"api_key_id": keyID})

	http.Redirect(w, r, "/projects/"+project.ID, http.StatusFound)
}

// handlePreview shows a questionnaire and, on POST, evaluates pasted
// responses against it without storing anything.
func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request, project repository.Project) {
	questionnaireID := r.PathValue("questionnaireID")
	q, err := h.questionnaires.GetQuestionnaire(r.Context(), project.ID, questionnaireID)
	if err != nil {
		if errors.Is(err, service.ErrQuestionnaireNotFound) {
			http.NotFound(w, r)
			return
		}
		h.log.Error("load questionnaire", "project_id", project.ID, "questionnaire_id", questionnaireID, "error", err)
		http.Error(w, "Failed to load questionnaire", http.StatusInternalServerError)
		return
	}

	data := pageData(r, map[string]any{
		"Project":       project,
		"Questionnaire": q,
		"Responses":     "{}",
	})
	if r.Method != http.MethodPost {
		h.render(w, "preview.html", data)
		return
	}

	raw := r.FormValue("responses")
	data["Responses"] = raw

	responses, err := service.ParseResponses([]byte(raw))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		data["Error"] = err.Error()
		h.render(w, "preview.html", data)
		return
	}

	result, err := h.questionnaires.Evaluate(r.Context(), project.ID, q.ID, responses)
	if err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		data["Error"] = err.Error()
		h.render(w, "preview.html", data)
		return
	}
	data["Result"] = result
	h.logAudit(r.Context(), userFrom(r.Context()).ID, auditActionPreview, project.ID, q.ID, map[string]int{
		"visible": len(result.VisibleQuestions),
		"hidden":  len(result.HiddenQuestions),
	})
	h.render(w, "preview.html", data)
}

func (h *Handler) handleAuditLog(w http.ResponseWriter, r *http.Request, project repository.Project) {
	page := 0
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid page", http.StatusBadRequest)
			return
		}
		page = n
	}

	// One extra row tells us whether a next page exists.
	entries, err := h.store.ListAuditLog(r.Context(), project.ID, auditPageSize+1, page*auditPageSize)
	if err != nil {
		h.log.Error("list audit log", "project_id", project.ID, "error", err)
		http.Error(w, "Failed to load audit log", http.StatusInternalServerError)
		return
	}
	hasNext := len(entries) > auditPageSize
	if hasNext {
		entries = entries[:auditPageSize]
	}

	h.render(w, "audit_log.html", pageData(r, map[string]any{
		"Project":  project,
		"Entries":  entries,
		"HasPrev":  page > 0,
		"PrevPage": page - 1,
		"HasNext":  hasNext,
		"NextPage": page + 1,
	}))
}

// issuePreAuthCSRF sets the double-submit cookie used by the login and setup
// forms and returns the token to embed in the form.
func (h *Handler) issuePreAuthCSRF(w http.ResponseWriter, r *http.Request) string {
	token, err := randomToken(csrfTokenLength)
	if err != nil {
		panic("failed to generate CSRF token: " + err.Error())
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https"),
	})
	return token
}

// validateDoubleSubmitCSRF checks that the csrf_token form value matches the
// pre-auth CSRF cookie.
func validateDoubleSubmitCSRF(r *http.Request) bool {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	formToken := r.FormValue("csrf_token")
	if formToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(formToken)) == 1
}

// clientIP trusts X-Real-IP and X-Forwarded-For only when the peer is a
// loopback or private address.
func clientIP(r *http.Request) string {
	remote := middleware.ExtractIP(r.RemoteAddr)
	ip := net.ParseIP(remote)
	if ip == nil || !(ip.IsLoopback() || ip.IsPrivate()) {
		return remote
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return remote
}
