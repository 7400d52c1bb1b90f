package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// QuestionnaireEvent is a change event for a questionnaire, stored in the
// questionnaire_events table and used to drive SSE and gRPC streaming.
type QuestionnaireEvent struct {
	EventID         int64           `json:"event_id"`
	ProjectID       string          `json:"project_id"`
	QuestionnaireID string          `json:"questionnaire_id"`
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAt       time.Time       `json:"created_at"`
}

const eventColumns = `event_id, project_id, questionnaire_id, event_type, payload, created_at`

func scanEvent(row pgx.CollectableRow) (QuestionnaireEvent, error) {
	var event QuestionnaireEvent
	err := row.Scan(
		&event.EventID,
		&event.ProjectID,
		&event.QuestionnaireID,
		&event.EventType,
		&event.Payload,
		&event.CreatedAt,
	)
	return event, err
}

// ListEventsSince returns up to the configured batch size of events with IDs
// greater than eventID for a project, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, projectID string, eventID int64) ([]QuestionnaireEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM questionnaire_events
		WHERE event_id > $1 AND project_id = $2
		ORDER BY event_id
		LIMIT $3
	`, eventID, projectID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}

	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}
	return events, nil
}

// ListEventsSinceForQuestionnaire is [PostgresRepository.ListEventsSince]
// narrowed to one questionnaire.
func (r *PostgresRepository) ListEventsSinceForQuestionnaire(ctx context.Context, projectID string, eventID int64, questionnaireID string) ([]QuestionnaireEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM questionnaire_events
		WHERE event_id > $1
		  AND project_id = $2 AND questionnaire_id = $3
		ORDER BY event_id
		LIMIT $4
	`, eventID, projectID, questionnaireID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since for questionnaire: %w", err)
	}

	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}
	return events, nil
}

// PublishQuestionnaireEvent inserts an event and sends a PostgreSQL NOTIFY on
// the configured channel within a single transaction.
func (r *PostgresRepository) PublishQuestionnaireEvent(ctx context.Context, event QuestionnaireEvent) (QuestionnaireEvent, error) {
	var created QuestionnaireEvent
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			INSERT INTO questionnaire_events (project_id, questionnaire_id, event_type, payload)
			VALUES ($1, $2, $3, $4)
			RETURNING `+eventColumns,
			event.ProjectID,
			event.QuestionnaireID,
			event.EventType,
			ensureJSON(event.Payload, "{}"),
		)
		if err != nil {
			return fmt.Errorf("insert questionnaire event: %w", err)
		}
		created, err = pgx.CollectExactlyOneRow(rows, scanEvent)
		if err != nil {
			return fmt.Errorf("insert questionnaire event: %w", err)
		}

		notifyPayload, err := marshalNotifyPayload(created)
		if err != nil {
			return fmt.Errorf("marshal notify payload: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
			return fmt.Errorf("notify questionnaire event: %w", err)
		}
		return nil
	})
	if err != nil {
		return QuestionnaireEvent{}, fmt.Errorf("publish questionnaire event: %w", err)
	}

	return created, nil
}

// SubscribeQuestionnaireInvalidation returns a channel that receives a signal
// whenever an event notification arrives on the LISTEN channel. The listener
// reconnects after connection loss; the channel is closed once ctx is done.
func (r *PostgresRepository) SubscribeQuestionnaireInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for questionnaire event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func marshalNotifyPayload(event QuestionnaireEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		ProjectID       string `json:"project_id"`
		QuestionnaireID string `json:"questionnaire_id"`
		EventType       string `json:"event_type"`
	}{
		ProjectID:       event.ProjectID,
		QuestionnaireID: event.QuestionnaireID,
		EventType:       event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
