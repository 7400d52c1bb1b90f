package core

import "encoding/json"

type QuestionType string

const (
	QuestionTypeChoice               QuestionType = "Choice"
	QuestionTypeDropdown             QuestionType = "Dropdown"
	QuestionTypeText                 QuestionType = "Text"
	QuestionTypeTextArea             QuestionType = "TextArea"
	QuestionTypeNumber               QuestionType = "Number"
	QuestionTypeDecimal              QuestionType = "Decimal"
	QuestionTypeDate                 QuestionType = "Date"
	QuestionTypeMultiSelect          QuestionType = "MultiSelect"
	QuestionTypeRating               QuestionType = "Rating"
	QuestionTypeBoolean              QuestionType = "Boolean"
	QuestionTypeRadioButton          QuestionType = "RadioButton"
	QuestionTypeDocument             QuestionType = "Document"
	QuestionTypeDownloadableDocument QuestionType = "DownloadableDocument"
)

// Valid reports whether t is one of the known question type tags.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionTypeChoice, QuestionTypeDropdown, QuestionTypeText, QuestionTypeTextArea,
		QuestionTypeNumber, QuestionTypeDecimal, QuestionTypeDate, QuestionTypeMultiSelect,
		QuestionTypeRating, QuestionTypeBoolean, QuestionTypeRadioButton, QuestionTypeDocument,
		QuestionTypeDownloadableDocument:
		return true
	default:
		return false
	}
}

type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "not_contains"
	OperatorStartsWith  Operator = "starts_with"
	OperatorEndsWith    Operator = "ends_with"
)

// Valid reports whether op is a known comparison operator.
func (op Operator) Valid() bool {
	switch op {
	case OperatorEquals, OperatorNotEquals, OperatorGreaterThan, OperatorLessThan,
		OperatorContains, OperatorNotContains, OperatorStartsWith, OperatorEndsWith:
		return true
	default:
		return false
	}
}

type MatchType string

const (
	MatchAll MatchType = "AND"
	MatchAny MatchType = "OR"
)

// Questionnaire is the root of an authored document. The engine only reads it.
type Questionnaire struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Pages       []Page `json:"pages"`
}

type Page struct {
	ID       string    `json:"id,omitempty"`
	Title    string    `json:"title,omitempty"`
	Sections []Section `json:"sections"`
}

// Section holds questions and branches side by side; branches are not
// children of questions.
type Section struct {
	ID        string              `json:"id,omitempty"`
	Title     string              `json:"title,omitempty"`
	Questions []Question          `json:"questions,omitempty"`
	Branches  []ConditionalBranch `json:"branches,omitempty"`
}

type ConditionalBranch struct {
	ID        string              `json:"id,omitempty"`
	Name      string              `json:"name"`
	RuleGroup Group[BranchRule]   `json:"rule_group"`
	Questions []Question          `json:"questions,omitempty"`
	Branches  []ConditionalBranch `json:"branches,omitempty"`
}

// Key identifies a branch in evaluation results. Branches without an id are
// keyed by name.
func (b ConditionalBranch) Key() string {
	if b.ID != "" {
		return b.ID
	}
	return b.Name
}

type Question struct {
	ID                     string                 `json:"id"`
	Text                   string                 `json:"text,omitempty"`
	Type                   QuestionType           `json:"type"`
	Order                  int                    `json:"order"`
	Required               bool                   `json:"required,omitempty"`
	Hidden                 bool                   `json:"hidden,omitempty"`
	ReadOnly               bool                   `json:"read_only,omitempty"`
	AnswerSets             []AnswerSet            `json:"answer_sets,omitempty"`
	QuestionLevelRuleGroup *Group[QuestionRule]   `json:"question_level_rule_group,omitempty"`
	AnswerLevelRuleGroups  []AnswerLevelRuleGroup `json:"answer_level_rule_groups,omitempty"`
}

// AnswerSet is one candidate option list for a question. Config carries the
// type-specific settings (rating scale, bounds, file constraints) untouched.
type AnswerSet struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Tag       string          `json:"tag,omitempty"`
	IsDefault bool            `json:"is_default,omitempty"`
	Answers   []Answer        `json:"answers,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
}

type Answer struct {
	ID     string `json:"id"`
	Label  string `json:"label,omitempty"`
	Value  string `json:"value"`
	Active bool   `json:"active,omitempty"`
	// Action is the answer's action record, opaque to evaluation.
	Action json.RawMessage `json:"action,omitempty"`
}

// AnswerLevelRuleGroup activates InlineAnswerSet when its conditions hold.
type AnswerLevelRuleGroup struct {
	ID              string            `json:"id,omitempty"`
	RuleGroup       Group[AnswerRule] `json:"rule_group"`
	InlineAnswerSet AnswerSet         `json:"inline_answer_set"`
}

// Responses maps question ids to user-entered values: string, []string (or
// []any from JSON), numbers, bool, or nil for unanswered.
type Responses map[string]any
