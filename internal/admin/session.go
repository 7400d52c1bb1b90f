package admin

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/matt-riley/formz/internal/repository"
)

const (
	sessionCookieName  = "formz_admin_session"
	csrfCookieName     = "formz_csrf"
	sessionDuration    = 24 * time.Hour
	csrfTokenLength    = 32
	sessionTokenLength = 32
	maxLoginAttempts   = 5
	loginWindow        = 15 * time.Minute
	maxTrackedIPs      = 10000
	apiKeyFlashTTL     = 5 * time.Minute
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidCSRF  = errors.New("invalid CSRF token")
)

// SessionStore persists admin sessions. Only token hashes reach the store.
type SessionStore interface {
	CreateAdminSession(ctx context.Context, session repository.AdminSession) error
	GetAdminSession(ctx context.Context, idHash string) (repository.AdminSession, error)
	DeleteAdminSession(ctx context.Context, idHash string) error
	DeleteExpiredAdminSessions(ctx context.Context) error
}

// apiKeyFlash holds a freshly minted key secret between the POST that
// creates it and the redirected GET that shows it once.
type apiKeyFlash struct {
	projectID string
	keyID     string
	secret    string
	expiresAt time.Time
}

type SessionManager struct {
	store         SessionStore
	sessionSecret []byte
	loginAttempts map[string][]time.Time
	apiKeyFlashes map[string]apiKeyFlash
	mu            sync.Mutex
}

func NewSessionManager(store SessionStore, sessionSecret string) *SessionManager {
	return &SessionManager{
		store:         store,
		sessionSecret: []byte(sessionSecret),
		loginAttempts: make(map[string][]time.Time),
		apiKeyFlashes: make(map[string]apiKeyFlash),
	}
}

// GenerateSession creates a new session for the user, returning the raw token to be set in the cookie.
func (m *SessionManager) GenerateSession(ctx context.Context, userID string) (string, error) {
	rawToken, err := randomToken(sessionTokenLength)
	if err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	csrfToken, err := randomToken(csrfTokenLength)
	if err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}

	now := time.Now()
	session := repository.AdminSession{
		IDHash:      m.hashToken(rawToken),
		AdminUserID: userID,
		CSRFToken:   csrfToken,
		CreatedAt:   now,
		ExpiresAt:   now.Add(sessionDuration),
	}
	if err := m.store.CreateAdminSession(ctx, session); err != nil {
		return "", err
	}
	return rawToken, nil
}

// ValidateSession checks the cookie token against the store and returns the session if valid.
func (m *SessionManager) ValidateSession(ctx context.Context, rawToken string) (repository.AdminSession, error) {
	if rawToken == "" {
		return repository.AdminSession{}, ErrUnauthorized
	}

	idHash := m.hashToken(rawToken)
	session, err := m.store.GetAdminSession(ctx, idHash)
	if err != nil {
		return repository.AdminSession{}, ErrUnauthorized
	}

	if time.Now().After(session.ExpiresAt) {
		_ = m.store.DeleteAdminSession(ctx, idHash)
		return repository.AdminSession{}, ErrUnauthorized
	}

	return session, nil
}

// InvalidateSession removes the session from the store.
func (m *SessionManager) InvalidateSession(ctx context.Context, rawToken string) error {
	return m.store.DeleteAdminSession(ctx, m.hashToken(rawToken))
}

// RunCleanup deletes expired sessions every interval until ctx is done.
func (m *SessionManager) RunCleanup(ctx context.Context, interval time.Duration, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.store.DeleteExpiredAdminSessions(ctx); err != nil && ctx.Err() == nil {
				log.Warn("admin session cleanup failed", "error", err)
			}
			m.dropExpiredFlashes(time.Now())
		}
	}
}

// SetSessionCookie writes the session cookie.
func (m *SessionManager) SetSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		// Plain HTTP over the tailnet; WireGuard carries the encryption.
		Secure:  false,
		Expires: time.Now().Add(sessionDuration),
	})
}

// ClearSessionCookie deletes the session cookie.
func (m *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   false,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

// CheckLoginRateLimit returns true if the IP is allowed to attempt login.
func (m *SessionManager) CheckLoginRateLimit(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts, ok := m.loginAttempts[ip]
	if !ok {
		return true
	}

	now := time.Now()
	valid := attempts[:0]
	for _, t := range attempts {
		if now.Sub(t) < loginWindow {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(m.loginAttempts, ip)
		return true
	}
	m.loginAttempts[ip] = valid

	return len(valid) < maxLoginAttempts
}

// RecordLoginAttempt adds a failed login attempt for the IP. Once
// maxTrackedIPs addresses are tracked, new addresses are ignored.
func (m *SessionManager) RecordLoginAttempt(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.loginAttempts[ip]; !ok && len(m.loginAttempts) >= maxTrackedIPs {
		return
	}
	m.loginAttempts[ip] = append(m.loginAttempts[ip], time.Now())
}

// SetAPIKeyFlash stashes a new API key for one later read by the same
// session on the same project page.
func (m *SessionManager) SetAPIKeyFlash(sessionHash, projectID, keyID, secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.apiKeyFlashes[sessionHash] = apiKeyFlash{
		projectID: projectID,
		keyID:     keyID,
		secret:    secret,
		expiresAt: time.Now().Add(apiKeyFlashTTL),
	}
}

// PopAPIKeyFlash returns and forgets the flashed key for sessionHash.
func (m *SessionManager) PopAPIKeyFlash(sessionHash, projectID string) (keyID, secret string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	flash, found := m.apiKeyFlashes[sessionHash]
	if !found || flash.projectID != projectID {
		return "", "", false
	}
	delete(m.apiKeyFlashes, sessionHash)
	if time.Now().After(flash.expiresAt) {
		return "", "", false
	}
	return flash.keyID, flash.secret, true
}

func (m *SessionManager) dropExpiredFlashes(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, flash := range m.apiKeyFlashes {
		if now.After(flash.expiresAt) {
			delete(m.apiKeyFlashes, k)
		}
	}
}

// hashToken keys session tokens with the session secret so a leaked
// sessions table cannot be replayed as cookies.
func (m *SessionManager) hashToken(token string) string {
	mac := hmac.New(sha256.New, m.sessionSecret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
