package admin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/repository"
	"github.com/matt-riley/formz/internal/service"
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu        sync.Mutex
	users     map[string]repository.AdminUser
	sessions  map[string]repository.AdminSession
	projects  map[string]repository.Project
	apiKeys   map[string]repository.APIKeyMeta
	audit     []repository.AuditLogEntry
	nextKey   int
	auditErr  error
	cleanedUp int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]repository.AdminUser),
		sessions: make(map[string]repository.AdminSession),
		projects: make(map[string]repository.Project),
		apiKeys:  make(map[string]repository.APIKeyMeta),
	}
}

func (f *fakeStore) CreateAdminSession(_ context.Context, session repository.AdminSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.IDHash] = session
	return nil
}

func (f *fakeStore) GetAdminSession(_ context.Context, idHash string) (repository.AdminSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[idHash]
	if !ok {
		return repository.AdminSession{}, pgx.ErrNoRows
	}
	return s, nil
}

func (f *fakeStore) DeleteAdminSession(_ context.Context, idHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, idHash)
	return nil
}

func (f *fakeStore) DeleteExpiredAdminSessions(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for k, s := range f.sessions {
		if now.After(s.ExpiresAt) {
			delete(f.sessions, k)
		}
	}
	f.cleanedUp++
	return nil
}

func (f *fakeStore) HasAdminUsers(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users) > 0, nil
}

func (f *fakeStore) CreateAdminUser(_ context.Context, username, passwordHash string) (repository.AdminUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := repository.AdminUser{
		ID:           fmt.Sprintf("user-%d", len(f.users)+1),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	f.users[u.ID] = u
	return u, nil
}

func (f *fakeStore) GetAdminUserByUsername(_ context.Context, username string) (repository.AdminUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return repository.AdminUser{}, pgx.ErrNoRows
}

func (f *fakeStore) GetAdminUserByID(_ context.Context, id string) (repository.AdminUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return repository.AdminUser{}, pgx.ErrNoRows
	}
	return u, nil
}

func (f *fakeStore) CreateProject(_ context.Context, name, description string) (repository.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := repository.Project{
		ID:          fmt.Sprintf("00000000-0000-0000-0000-%012d", len(f.projects)+1),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now(),
	}
	f.projects[p.ID] = p
	return p, nil
}

func (f *fakeStore) ListProjects(_ context.Context) ([]repository.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]repository.Project, 0, len(f.projects))
	for _, p := range f.projects {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) GetProject(_ context.Context, id string) (repository.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return repository.Project{}, fmt.Errorf("get project: %w", pgx.ErrNoRows)
	}
	return p, nil
}

func (f *fakeStore) CreateAPIKey(_ context.Context, projectID, name string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextKey++
	id := fmt.Sprintf("key%d", f.nextKey)
	f.apiKeys[id] = repository.APIKeyMeta{ID: id, ProjectID: projectID, Name: name, CreatedAt: time.Now()}
	return id, "secret" + id, nil
}

func (f *fakeStore) ListAPIKeys(_ context.Context, projectID string) ([]repository.APIKeyMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.APIKeyMeta
	for _, k := range f.apiKeys {
		if k.ProjectID == projectID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeStore) RevokeAPIKey(_ context.Context, projectID, keyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.apiKeys[keyID]
	if !ok || k.ProjectID != projectID {
		return fmt.Errorf("revoke api key: %w", pgx.ErrNoRows)
	}
	delete(f.apiKeys, keyID)
	return nil
}

func (f *fakeStore) InsertAuditLog(_ context.Context, entry repository.AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.auditErr != nil {
		return f.auditErr
	}
	entry.ID = int64(len(f.audit) + 1)
	entry.CreatedAt = time.Now()
	f.audit = append(f.audit, entry)
	return nil
}

func (f *fakeStore) ListAuditLog(_ context.Context, projectID string, limit, offset int) ([]repository.AuditLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []repository.AuditLogEntry
	for i := len(f.audit) - 1; i >= 0; i-- {
		if f.audit[i].ProjectID == projectID {
			matched = append(matched, f.audit[i])
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (f *fakeStore) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.audit))
	for i, e := range f.audit {
		out[i] = e.Action
	}
	return out
}

// fakeQuestionnaires evaluates through the real core evaluator so previews
// exercise actual visibility rules.
type fakeQuestionnaires struct {
	items map[string]repository.Questionnaire
}

func (f *fakeQuestionnaires) ListQuestionnaires(_ context.Context, projectID string) ([]repository.Questionnaire, error) {
	var out []repository.Questionnaire
	for _, q := range f.items {
		if q.ProjectID == projectID {
			out = append(out, q)
		}
	}
	return out, nil
}

func (f *fakeQuestionnaires) GetQuestionnaire(_ context.Context, projectID, id string) (repository.Questionnaire, error) {
	q, ok := f.items[id]
	if !ok || q.ProjectID != projectID {
		return repository.Questionnaire{}, service.ErrQuestionnaireNotFound
	}
	return q, nil
}

func (f *fakeQuestionnaires) Evaluate(ctx context.Context, projectID, id string, responses core.Responses) (core.Result, error) {
	q, err := f.GetQuestionnaire(ctx, projectID, id)
	if err != nil {
		return core.Result{}, err
	}
	doc, err := service.ParseDocument(q.Document)
	if err != nil {
		return core.Result{}, err
	}
	return core.Evaluate(doc, responses), nil
}
