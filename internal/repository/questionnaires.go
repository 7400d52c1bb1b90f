package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Questionnaire is the stored form of a questionnaire. Document holds the
// authored page/section/question tree as JSON; the service layer decodes it.
type Questionnaire struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"-"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Document    json.RawMessage `json:"document"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

const questionnaireColumns = `id, project_id, name, description, document, version, created_at, updated_at`

func scanQuestionnaire(row pgx.CollectableRow) (Questionnaire, error) {
	var q Questionnaire
	err := row.Scan(
		&q.ID,
		&q.ProjectID,
		&q.Name,
		&q.Description,
		&q.Document,
		&q.Version,
		&q.CreatedAt,
		&q.UpdatedAt,
	)
	return q, err
}

// CreateQuestionnaire inserts a questionnaire and returns it with
// server-generated timestamps and version 1.
func (r *PostgresRepository) CreateQuestionnaire(ctx context.Context, q Questionnaire) (Questionnaire, error) {
	rows, err := r.pool.Query(ctx, `
		INSERT INTO questionnaires (id, project_id, name, description, document)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+questionnaireColumns,
		q.ID,
		q.ProjectID,
		q.Name,
		q.Description,
		ensureJSON(q.Document, `{"pages":[]}`),
	)
	if err != nil {
		return Questionnaire{}, fmt.Errorf("create questionnaire: %w", err)
	}

	created, err := pgx.CollectExactlyOneRow(rows, scanQuestionnaire)
	if err != nil {
		return Questionnaire{}, fmt.Errorf("create questionnaire: %w", err)
	}
	return created, nil
}

// UpdateQuestionnaire replaces the name, description and document of an
// existing questionnaire and bumps its version. Returns pgx.ErrNoRows
// (wrapped) if it does not exist.
func (r *PostgresRepository) UpdateQuestionnaire(ctx context.Context, q Questionnaire) (Questionnaire, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE questionnaires
		SET name = $3,
		    description = $4,
		    document = $5,
		    version = version + 1,
		    updated_at = NOW()
		WHERE project_id = $1 AND id = $2
		RETURNING `+questionnaireColumns,
		q.ProjectID,
		q.ID,
		q.Name,
		q.Description,
		ensureJSON(q.Document, `{"pages":[]}`),
	)
	if err != nil {
		return Questionnaire{}, fmt.Errorf("update questionnaire: %w", err)
	}

	updated, err := pgx.CollectExactlyOneRow(rows, scanQuestionnaire)
	if err != nil {
		return Questionnaire{}, fmt.Errorf("update questionnaire: %w", err)
	}
	return updated, nil
}

// GetQuestionnaire retrieves a questionnaire by project and id. Returns
// pgx.ErrNoRows (wrapped) if not found.
func (r *PostgresRepository) GetQuestionnaire(ctx context.Context, projectID, id string) (Questionnaire, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+questionnaireColumns+`
		FROM questionnaires
		WHERE project_id = $1 AND id = $2
	`, projectID, id)
	if err != nil {
		return Questionnaire{}, fmt.Errorf("get questionnaire: %w", err)
	}

	q, err := pgx.CollectExactlyOneRow(rows, scanQuestionnaire)
	if err != nil {
		return Questionnaire{}, fmt.Errorf("get questionnaire: %w", err)
	}
	return q, nil
}

// ListQuestionnaires returns every questionnaire across all projects, ordered
// by project and name.
func (r *PostgresRepository) ListQuestionnaires(ctx context.Context) ([]Questionnaire, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+questionnaireColumns+`
		FROM questionnaires
		ORDER BY project_id, name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list questionnaires: %w", err)
	}

	questionnaires, err := pgx.CollectRows(rows, scanQuestionnaire)
	if err != nil {
		return nil, fmt.Errorf("list questionnaires rows: %w", err)
	}
	return questionnaires, nil
}

// ListQuestionnairesByProject returns the questionnaires of one project.
func (r *PostgresRepository) ListQuestionnairesByProject(ctx context.Context, projectID string) ([]Questionnaire, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+questionnaireColumns+`
		FROM questionnaires
		WHERE project_id = $1
		ORDER BY name, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list questionnaires by project: %w", err)
	}

	questionnaires, err := pgx.CollectRows(rows, scanQuestionnaire)
	if err != nil {
		return nil, fmt.Errorf("list questionnaires by project rows: %w", err)
	}
	return questionnaires, nil
}

// DeleteQuestionnaire removes a questionnaire. Returns pgx.ErrNoRows
// (wrapped) if it does not exist.
func (r *PostgresRepository) DeleteQuestionnaire(ctx context.Context, projectID, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM questionnaires WHERE project_id = $1 AND id = $2`, projectID, id)
	if err != nil {
		return fmt.Errorf("delete questionnaire: %w", err)
	}
	return requireRows("delete questionnaire", commandTag)
}
