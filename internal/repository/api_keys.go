package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

// APIKey represents a stored API key record used for bearer-token
// authentication.
type APIKey struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// APIKeyMeta contains non-sensitive metadata for an API key.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateAPIKey returns the stored hash and project ID for a non-revoked key
// ID. Callers compare the secret against the hash.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash string
	var projectID string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, project_id
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &projectID); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, projectID, nil
}

// CreateAPIKey generates a new API key for the given project, storing a bcrypt
// hash of the secret. The raw secret is returned exactly once.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, projectID, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if name == "" {
		name = "api-key-" + keyID[:8]
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, project_id, name, key_hash)
		VALUES ($1, $2, $3, $4)
	`, keyID, projectID, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys of a project.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context, projectID string) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, name, created_at
		FROM api_keys
		WHERE project_id = $1 AND revoked_at IS NULL
		ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}

	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (APIKeyMeta, error) {
		var k APIKeyMeta
		err := row.Scan(&k.ID, &k.ProjectID, &k.Name, &k.CreatedAt)
		return k, err
	})
	if err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns pgx.ErrNoRows (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, projectID, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND project_id = $2 AND revoked_at IS NULL
	`, keyID, projectID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return requireRows("revoke api key", commandTag)
}
