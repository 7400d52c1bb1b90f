// Package formz provides client interfaces and domain types for the formz
// questionnaire service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import formzhttp "github.com/matt-riley/formz/clients/go/http"
//	import formzgrpc "github.com/matt-riley/formz/clients/go/grpc"
package formz

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

// QuestionnaireManager covers CRUD operations on questionnaires.
type QuestionnaireManager interface {
	CreateQuestionnaire(ctx context.Context, q Questionnaire) (Questionnaire, error)
	GetQuestionnaire(ctx context.Context, id string) (Questionnaire, error)
	ListQuestionnaires(ctx context.Context) ([]Questionnaire, error)
	UpdateQuestionnaire(ctx context.Context, q Questionnaire) (Questionnaire, error)
	DeleteQuestionnaire(ctx context.Context, id string) error
}

// Evaluator resolves which parts of a questionnaire are visible for a set
// of responses.
type Evaluator interface {
	Evaluate(ctx context.Context, id string, responses Responses) (Result, error)
	EvaluateDocument(ctx context.Context, document json.RawMessage, responses Responses) (Result, error)
}

// Streamer delivers real-time questionnaire change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan Event, error)
}

// Questionnaire is a stored questionnaire. Document holds the raw
// questionnaire definition (pages, questions, branches and rules).
type Questionnaire struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Document    json.RawMessage `json:"document"`
	Version     int64           `json:"version,omitempty"`
	CreatedAt   time.Time       `json:"created_at,omitzero"`
	UpdatedAt   time.Time       `json:"updated_at,omitzero"`
}

// Responses maps question ids to answers: a string, a number or a list of
// strings for multi-select questions.
type Responses map[string]any

// Result is the outcome of evaluating a questionnaire.
type Result struct {
	VisibleQuestions []string          `json:"visible_questions"`
	HiddenQuestions  []string          `json:"hidden_questions"`
	Branches         map[string]bool   `json:"branches"`
	ActiveAnswerSets map[string]string `json:"active_answer_sets"`
	MissingRequired  []string          `json:"missing_required"`
}

// IsVisible reports whether the question with id is visible.
func (r Result) IsVisible(id string) bool {
	return slices.Contains(r.VisibleQuestions, id)
}

// Event types delivered by [Streamer].
const (
	EventUpdate = "update"
	EventDelete = "delete"
	EventError  = "error"
)

// Event is a real-time notification of a questionnaire change.
type Event struct {
	Type            string
	QuestionnaireID string
	Questionnaire   *Questionnaire // nil on error
	EventID         int64
	Err             string // set on error events
}
