package core

import "slices"

// Option configures an [Evaluator].
type Option func(*Evaluator)

// WithForwardReferenceGuard makes question-level and answer-level rules fail
// when their source question's order is not strictly below the order of the
// question that owns the rule. Branch rules have no owning question and are
// not affected.
func WithForwardReferenceGuard() Option {
	return func(e *Evaluator) {
		e.forwardGuard = true
	}
}

// Evaluator answers visibility and answer-set questions for one snapshot of a
// questionnaire's questions and responses. It never mutates its inputs and
// holds no state beyond the snapshot, so it is safe for concurrent use.
type Evaluator struct {
	questions    map[string]*Question
	responses    Responses
	forwardGuard bool
}

// NewEvaluator indexes allQuestions (the flattened view across pages,
// sections and branches) and copies responses so later caller mutation does
// not leak into the pass. When ids repeat, the first question wins.
func NewEvaluator(allQuestions []Question, responses Responses, opts ...Option) *Evaluator {
	e := &Evaluator{
		questions: make(map[string]*Question, len(allQuestions)),
		responses: snapshotResponses(responses),
	}
	for i := range allQuestions {
		if _, exists := e.questions[allQuestions[i].ID]; !exists {
			e.questions[allQuestions[i].ID] = &allQuestions[i]
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateRule resolves ref against the snapshot. It is false when the source
// question is unknown or unanswered. The comparand is the referenced answer's
// value, or the raw answer id when the answer set or answer cannot be found.
func (e *Evaluator) EvaluateRule(ref Reference) bool {
	return e.evaluateReference(ref, nil)
}

func (e *Evaluator) evaluateReference(ref Reference, owner *Question) bool {
	source, ok := e.questions[ref.QuestionID]
	if !ok {
		return false
	}
	if e.forwardGuard && owner != nil && source.Order >= owner.Order {
		return false
	}

	response, ok := e.responses[ref.QuestionID]
	if !ok || response == nil {
		return false
	}

	return EvaluateOperator(ref.Operator, response, resolveTarget(source, ref))
}

func resolveTarget(source *Question, ref Reference) string {
	for _, answerSet := range source.AnswerSets {
		if answerSet.ID != ref.AnswerSetID {
			continue
		}
		for _, answer := range answerSet.Answers {
			if answer.ID == ref.AnswerID {
				return answer.Value
			}
		}
		break
	}
	return ref.AnswerID
}

// IsQuestionVisible is false for hidden questions, true when the question has
// no question-level rules, and otherwise the truth of its rule group.
func (e *Evaluator) IsQuestionVisible(question Question) bool {
	if question.Hidden {
		return false
	}
	if question.QuestionLevelRuleGroup.IsEmpty() {
		return true
	}
	return EvaluateOwnedGroup(e, question.QuestionLevelRuleGroup, question)
}

// IsBranchVisible reports the truth of the branch's own rule group. Branches
// have no hidden override.
func (e *Evaluator) IsBranchVisible(branch ConditionalBranch) bool {
	return evaluateGroup(&branch.RuleGroup, func(rule BranchRule) bool {
		return e.evaluateReference(rule.Reference(), nil)
	})
}

// VisibleQuestions filters questions by [Evaluator.IsQuestionVisible],
// preserving order.
func (e *Evaluator) VisibleQuestions(questions []Question) []Question {
	visible := make([]Question, 0, len(questions))
	for _, question := range questions {
		if e.IsQuestionVisible(question) {
			visible = append(visible, question)
		}
	}
	return visible
}

// ActiveAnswerSet returns the inline answer set of the first answer-level
// rule group whose conditions hold. Otherwise it falls back to the answer set
// flagged as default, then to the first declared answer set. It reports false
// only for a question without any answer set and no matching group.
func (e *Evaluator) ActiveAnswerSet(question Question) (AnswerSet, bool) {
	for _, ruleGroup := range question.AnswerLevelRuleGroups {
		if EvaluateOwnedGroup(e, &ruleGroup.RuleGroup, question) {
			return ruleGroup.InlineAnswerSet, true
		}
	}

	return DefaultAnswerSet(question)
}

// DefaultAnswerSet returns the answer set flagged as default, or the first one.
func DefaultAnswerSet(question Question) (AnswerSet, bool) {
	for _, answerSet := range question.AnswerSets {
		if answerSet.IsDefault {
			return answerSet, true
		}
	}
	if len(question.AnswerSets) > 0 {
		return question.AnswerSets[0], true
	}
	return AnswerSet{}, false
}

// EvaluateGroup evaluates any rule family's group against one snapshot.
// There is no owning question, so [WithForwardReferenceGuard] does not apply;
// use [EvaluateOwnedGroup] for question-level and answer-level groups.
func EvaluateGroup[R Referencer](e *Evaluator, group *Group[R]) bool {
	return evaluateGroup(group, func(rule R) bool {
		return e.evaluateReference(rule.Reference(), nil)
	})
}

// EvaluateOwnedGroup evaluates a group that belongs to owner. With
// [WithForwardReferenceGuard] set, rules reading owner itself or a question
// ordered after it are false.
func EvaluateOwnedGroup[R Referencer](e *Evaluator, group *Group[R], owner Question) bool {
	return evaluateGroup(group, func(rule R) bool {
		return e.evaluateReference(rule.Reference(), &owner)
	})
}

// The functions below keep the plain (input, responses, allQuestions) call
// shape for callers that evaluate a single item.

func EvaluateRule[R Referencer](rule R, responses Responses, allQuestions []Question) bool {
	return NewEvaluator(allQuestions, responses).EvaluateRule(rule.Reference())
}

func IsQuestionVisible(question Question, responses Responses, allQuestions []Question) bool {
	return NewEvaluator(allQuestions, responses).IsQuestionVisible(question)
}

func IsBranchVisible(branch ConditionalBranch, responses Responses, allQuestions []Question) bool {
	return NewEvaluator(allQuestions, responses).IsBranchVisible(branch)
}

func VisibleQuestions(questions []Question, responses Responses, allQuestions []Question) []Question {
	return NewEvaluator(allQuestions, responses).VisibleQuestions(questions)
}

func ActiveAnswerSet(question Question, responses Responses, allQuestions []Question) (AnswerSet, bool) {
	return NewEvaluator(allQuestions, responses).ActiveAnswerSet(question)
}

func snapshotResponses(responses Responses) Responses {
	snapshot := make(Responses, len(responses))
	for questionID, value := range responses {
		switch v := value.(type) {
		case []string:
			snapshot[questionID] = slices.Clone(v)
		case []any:
			snapshot[questionID] = slices.Clone(v)
		default:
			snapshot[questionID] = value
		}
	}
	return snapshot
}
