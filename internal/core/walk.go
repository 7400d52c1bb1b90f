package core

import "strings"

// Result is the outcome of one evaluation pass over a questionnaire.
type Result struct {
	// VisibleQuestions lists visible question ids in document order.
	VisibleQuestions []string `json:"visible_questions"`
	// HiddenQuestions lists every other question id, including the contents
	// of invisible branches.
	HiddenQuestions []string `json:"hidden_questions"`
	// Branches maps branch keys to visibility. Branches nested in an
	// invisible branch are reported false without being evaluated. When
	// several branches share a key, the key is true if any of them is visible.
	Branches map[string]bool `json:"branches"`
	// ActiveAnswerSets maps each visible question id to its active answer
	// set id.
	ActiveAnswerSets map[string]string `json:"active_answer_sets"`
	// MissingRequired lists visible required questions without a usable
	// response.
	MissingRequired []string `json:"missing_required"`
}

// Flatten collects every question in the document, descending into branches
// regardless of their visibility.
func Flatten(doc Questionnaire) []Question {
	questions := make([]Question, 0)
	for _, page := range doc.Pages {
		for _, section := range page.Sections {
			questions = append(questions, section.Questions...)
			questions = appendBranchQuestions(questions, section.Branches)
		}
	}
	return questions
}

func appendBranchQuestions(questions []Question, branches []ConditionalBranch) []Question {
	for _, branch := range branches {
		questions = append(questions, branch.Questions...)
		questions = appendBranchQuestions(questions, branch.Branches)
	}
	return questions
}

// Evaluate runs one full pass: it flattens doc, snapshots responses, and
// walks pages, sections and visible branches.
func Evaluate(doc Questionnaire, responses Responses, opts ...Option) Result {
	e := NewEvaluator(Flatten(doc), responses, opts...)

	result := Result{
		VisibleQuestions: make([]string, 0),
		HiddenQuestions:  make([]string, 0),
		Branches:         make(map[string]bool),
		ActiveAnswerSets: make(map[string]string),
		MissingRequired:  make([]string, 0),
	}
	for _, page := range doc.Pages {
		for _, section := range page.Sections {
			e.collectQuestions(&result, section.Questions, true)
			e.collectBranches(&result, section.Branches, true)
		}
	}
	return result
}

func (e *Evaluator) collectQuestions(result *Result, questions []Question, reachable bool) {
	for _, question := range questions {
		if !reachable || !e.IsQuestionVisible(question) {
			result.HiddenQuestions = append(result.HiddenQuestions, question.ID)
			continue
		}

		result.VisibleQuestions = append(result.VisibleQuestions, question.ID)
		if answerSet, ok := e.ActiveAnswerSet(question); ok {
			result.ActiveAnswerSets[question.ID] = answerSet.ID
		}
		if question.Required && !IsAnswered(e.responses[question.ID]) {
			result.MissingRequired = append(result.MissingRequired, question.ID)
		}
	}
}

func (e *Evaluator) collectBranches(result *Result, branches []ConditionalBranch, reachable bool) {
	for _, branch := range branches {
		visible := reachable && e.IsBranchVisible(branch)
		key := branch.Key()
		result.Branches[key] = result.Branches[key] || visible
		e.collectQuestions(result, branch.Questions, visible)
		e.collectBranches(result, branch.Branches, visible)
	}
}

// VisibleSectionQuestions returns the visible questions of a section in
// document order: its own questions first, then those of visible branches,
// depth first. Invisible branches are not descended into.
func (e *Evaluator) VisibleSectionQuestions(section Section) []Question {
	visible := e.VisibleQuestions(section.Questions)
	return e.appendVisibleBranchQuestions(visible, section.Branches)
}

func (e *Evaluator) appendVisibleBranchQuestions(visible []Question, branches []ConditionalBranch) []Question {
	for _, branch := range branches {
		if !e.IsBranchVisible(branch) {
			continue
		}
		visible = append(visible, e.VisibleQuestions(branch.Questions)...)
		visible = e.appendVisibleBranchQuestions(visible, branch.Branches)
	}
	return visible
}

// VisiblePageQuestions aggregates [Evaluator.VisibleSectionQuestions] over
// every section of page.
func (e *Evaluator) VisiblePageQuestions(page Page) []Question {
	visible := make([]Question, 0)
	for _, section := range page.Sections {
		visible = append(visible, e.VisibleSectionQuestions(section)...)
	}
	return visible
}

// MissingRequired returns the ids of visible required questions on page that
// have no usable response. Invisible questions never block submission.
func (e *Evaluator) MissingRequired(page Page) []string {
	missing := make([]string, 0)
	for _, question := range e.VisiblePageQuestions(page) {
		if question.Required && !IsAnswered(e.responses[question.ID]) {
			missing = append(missing, question.ID)
		}
	}
	return missing
}

// IsAnswered reports whether a response value counts as an answer. Nil,
// blank strings and empty selections do not; false does.
func IsAnswered(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case []string:
		return len(v) > 0
	case []any:
		return len(v) > 0
	default:
		return true
	}
}
