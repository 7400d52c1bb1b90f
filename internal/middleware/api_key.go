package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

var errInvalidAPIKey = errors.New("invalid api key")

// APIKeyLookup resolves an API key id to its stored hash and owning project.
type APIKeyLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (keyHash, projectID string, err error)
}

// APIKeyValidator checks bearer tokens of the form "<id>.<secret>" against
// the bcrypt hashes held by an [APIKeyLookup].
type APIKeyValidator struct {
	lookup APIKeyLookup
}

func NewAPIKeyValidator(lookup APIKeyLookup) *APIKeyValidator {
	return &APIKeyValidator{lookup: lookup}
}

func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (Identity, error) {
	id, secret, ok := SplitAPIKey(token)
	if !ok {
		return Identity{}, errInvalidAPIKey
	}

	keyHash, projectID, err := v.lookup.ValidateAPIKey(ctx, id)
	if err != nil {
		return Identity{}, fmt.Errorf("lookup api key: %w", err)
	}
	if !APIKeyMatchesHash(keyHash, secret) {
		return Identity{}, errInvalidAPIKey
	}

	return Identity{ProjectID: projectID, APIKeyID: id}, nil
}

// FormatAPIKey joins a key id and secret into the bearer token handed to
// clients.
func FormatAPIKey(id, secret string) string {
	return id + "." + secret
}

// SplitAPIKey separates a bearer token into key id and secret.
func SplitAPIKey(token string) (id, secret string, ok bool) {
	id, secret, ok = strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}
