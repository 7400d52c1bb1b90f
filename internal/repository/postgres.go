// Package repository provides PostgreSQL-backed persistence for
// questionnaires, API keys, questionnaire events, and the admin portal. It
// also handles LISTEN/NOTIFY-based cache invalidation so the service layer
// stays fresh without polling.
package repository

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel  = "questionnaire_events"
	defaultEventBatchSize = 1000
)

// PostgresRepository implements questionnaire, API key, event, and admin
// persistence backed by a pgxpool connection pool.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

// Option configures a [PostgresRepository].
type Option func(*PostgresRepository)

// WithNotifyChannel sets the LISTEN/NOTIFY channel used for questionnaire
// events. Blank names fall back to "questionnaire_events".
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

// WithEventBatchSize caps how many events a single ListEventsSince call
// returns. Non-positive values are ignored.
func WithEventBatchSize(n int) Option {
	return func(r *PostgresRepository) {
		if n > 0 {
			r.eventBatchSize = n
		}
	}
}

// NewPostgresRepository creates a [PostgresRepository].
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:           pool,
		notifyChannel:  defaultNotifyChannel,
		eventBatchSize: defaultEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pool exposes the underlying pool for migrations and metrics.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

func requireRows(op string, commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
	}
	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
