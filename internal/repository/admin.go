package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Project is a tenant that owns questionnaires and API keys.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AdminUser represents an administrator account.
type AdminUser struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AdminSession represents an authenticated admin session. Only the hash of
// the session token is stored.
type AdminSession struct {
	IDHash      string    `json:"-"`
	AdminUserID string    `json:"admin_user_id"`
	CSRFToken   string    `json:"csrf_token"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func scanProject(row pgx.CollectableRow) (Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// CreateProject inserts a new project.
func (r *PostgresRepository) CreateProject(ctx context.Context, name, description string) (Project, error) {
	rows, err := r.pool.Query(ctx, `
		INSERT INTO projects (name, description)
		VALUES ($1, $2)
		RETURNING id, name, description, created_at, updated_at
	`, name, description)
	if err != nil {
		return Project{}, fmt.Errorf("create project: %w", err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProject)
	if err != nil {
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by name.
func (r *PostgresRepository) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, description, created_at, updated_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}

	projects, err := pgx.CollectRows(rows, scanProject)
	if err != nil {
		return nil, fmt.Errorf("list projects rows: %w", err)
	}
	return projects, nil
}

// GetProject retrieves a project by ID.
func (r *PostgresRepository) GetProject(ctx context.Context, id string) (Project, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM projects
		WHERE id = $1
	`, id)
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProject)
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// CreateAdminUser inserts a new admin user.
func (r *PostgresRepository) CreateAdminUser(ctx context.Context, username, passwordHash string) (AdminUser, error) {
	var u AdminUser
	err := r.pool.QueryRow(ctx, `
		INSERT INTO admin_users (username, password_hash)
		VALUES ($1, $2)
		RETURNING id, username, created_at, updated_at
	`, username, passwordHash).Scan(
		&u.ID,
		&u.Username,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return AdminUser{}, fmt.Errorf("create admin user: %w", err)
	}
	return u, nil
}

// GetAdminUserByUsername retrieves an admin user, including the password
// hash, by username.
func (r *PostgresRepository) GetAdminUserByUsername(ctx context.Context, username string) (AdminUser, error) {
	var u AdminUser
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at, updated_at
		FROM admin_users
		WHERE username = $1
	`, username).Scan(
		&u.ID,
		&u.Username,
		&u.PasswordHash,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return AdminUser{}, fmt.Errorf("get admin user: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) GetAdminUserByID(ctx context.Context, id string) (AdminUser, error) {
	var u AdminUser
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at, updated_at
		FROM admin_users
		WHERE id = $1
	`, id).Scan(
		&u.ID,
		&u.Username,
		&u.PasswordHash,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return AdminUser{}, fmt.Errorf("get admin user by id: %w", err)
	}
	return u, nil
}

// HasAdminUsers reports whether any admin user exists.
func (r *PostgresRepository) HasAdminUsers(ctx context.Context) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM admin_users)`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check admin users: %w", err)
	}
	return exists, nil
}

// CreateAdminSession stores a new session.
func (r *PostgresRepository) CreateAdminSession(ctx context.Context, session AdminSession) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO admin_sessions (id_hash, admin_user_id, csrf_token, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, session.IDHash, session.AdminUserID, session.CSRFToken, session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create admin session: %w", err)
	}
	return nil
}

// GetAdminSession retrieves an unexpired session by ID hash.
func (r *PostgresRepository) GetAdminSession(ctx context.Context, idHash string) (AdminSession, error) {
	var s AdminSession
	err := r.pool.QueryRow(ctx, `
		SELECT id_hash, admin_user_id, csrf_token, created_at, expires_at
		FROM admin_sessions
		WHERE id_hash = $1 AND expires_at > NOW()
	`, idHash).Scan(
		&s.IDHash,
		&s.AdminUserID,
		&s.CSRFToken,
		&s.CreatedAt,
		&s.ExpiresAt,
	)
	if err != nil {
		return AdminSession{}, fmt.Errorf("get admin session: %w", err)
	}
	return s, nil
}

// DeleteAdminSession removes a session.
func (r *PostgresRepository) DeleteAdminSession(ctx context.Context, idHash string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM admin_sessions WHERE id_hash = $1`, idHash)
	if err != nil {
		return fmt.Errorf("delete admin session: %w", err)
	}
	return nil
}

// DeleteExpiredAdminSessions removes all sessions past their expiry time.
func (r *PostgresRepository) DeleteExpiredAdminSessions(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM admin_sessions WHERE expires_at < NOW()`)
	if err != nil {
		return fmt.Errorf("delete expired admin sessions: %w", err)
	}
	return nil
}
