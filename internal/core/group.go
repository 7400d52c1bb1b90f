package core

import "strings"

// Reference is the family-independent view of an atomic rule: which earlier
// question to read, which answer within it supplies the comparand, and how to
// compare.
type Reference struct {
	QuestionID  string
	AnswerSetID string
	AnswerID    string
	Operator    Operator
}

// Referencer is satisfied by the three atomic rule families.
type Referencer interface {
	QuestionRule | BranchRule | AnswerRule
	Reference() Reference
}

// QuestionRule controls the visibility of the question that owns its group.
type QuestionRule struct {
	SourceQuestionID  string   `json:"source_question_id"`
	SourceAnswerSetID string   `json:"source_answer_set_id"`
	SourceAnswerID    string   `json:"source_answer_id"`
	Operator          Operator `json:"operator"`
}

func (r QuestionRule) Reference() Reference {
	return Reference{
		QuestionID:  r.SourceQuestionID,
		AnswerSetID: r.SourceAnswerSetID,
		AnswerID:    r.SourceAnswerID,
		Operator:    r.Operator,
	}
}

// BranchRule controls the visibility of a conditional branch.
type BranchRule struct {
	SourceQuestionID  string   `json:"source_question_id"`
	SourceAnswerSetID string   `json:"source_answer_set_id"`
	SourceAnswerID    string   `json:"source_answer_id"`
	Operator          Operator `json:"operator"`
}

func (r BranchRule) Reference() Reference {
	return Reference{
		QuestionID:  r.SourceQuestionID,
		AnswerSetID: r.SourceAnswerSetID,
		AnswerID:    r.SourceAnswerID,
		Operator:    r.Operator,
	}
}

// AnswerRule selects an inline answer set inside an [AnswerLevelRuleGroup].
type AnswerRule struct {
	PreviousQuestionID  string   `json:"previous_question_id"`
	PreviousAnswerSetID string   `json:"previous_answer_set_id"`
	PreviousAnswerID    string   `json:"previous_answer_id"`
	Operator            Operator `json:"operator"`
}

func (r AnswerRule) Reference() Reference {
	return Reference{
		QuestionID:  r.PreviousQuestionID,
		AnswerSetID: r.PreviousAnswerSetID,
		AnswerID:    r.PreviousAnswerID,
		Operator:    r.Operator,
	}
}

// Group combines child rules and nested groups of the same family.
type Group[R Referencer] struct {
	MatchType MatchType `json:"match_type"`
	Children  []Node[R] `json:"children"`
}

// Node is one child of a [Group]: exactly one of Group or Rule is set.
type Node[R Referencer] struct {
	Group *Group[R] `json:"group,omitempty"`
	Rule  *R        `json:"rule,omitempty"`
}

// RuleNode wraps an atomic rule as a group child.
func RuleNode[R Referencer](rule R) Node[R] {
	return Node[R]{Rule: &rule}
}

// GroupNode wraps a nested group as a group child.
func GroupNode[R Referencer](matchType MatchType, children ...Node[R]) Node[R] {
	return Node[R]{Group: &Group[R]{MatchType: matchType, Children: children}}
}

// IsEmpty reports whether the group has no children. A nil group is empty.
func (g *Group[R]) IsEmpty() bool {
	return g == nil || len(g.Children) == 0
}

// normalize returns the canonical match type. Matching is case-insensitive
// and an unset match type means AND.
func (m MatchType) normalize() MatchType {
	if strings.TrimSpace(string(m)) == "" {
		return MatchAll
	}
	return MatchType(strings.ToUpper(strings.TrimSpace(string(m))))
}

// Valid reports whether m names AND or OR (case-insensitive, empty allowed).
func (m MatchType) Valid() bool {
	switch m.normalize() {
	case MatchAll, MatchAny:
		return true
	default:
		return false
	}
}

// evaluateGroup is the one recursion shared by every rule family. An empty
// group is true. A node with neither a group nor a rule is false, and an
// unknown match type is false.
func evaluateGroup[R Referencer](group *Group[R], evalRule func(R) bool) bool {
	if group.IsEmpty() {
		return true
	}

	switch group.MatchType.normalize() {
	case MatchAll:
		for _, child := range group.Children {
			if !evaluateNode(child, evalRule) {
				return false
			}
		}
		return true
	case MatchAny:
		for _, child := range group.Children {
			if evaluateNode(child, evalRule) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func evaluateNode[R Referencer](node Node[R], evalRule func(R) bool) bool {
	switch {
	case node.Group != nil:
		return evaluateGroup(node.Group, evalRule)
	case node.Rule != nil:
		return evalRule(*node.Rule)
	default:
		return false
	}
}
