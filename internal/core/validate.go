package core

import (
	"errors"
	"fmt"
)

// ValidationError describes one authoring mistake in a questionnaire.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Path + ": " + e.Message
}

// ValidationErrors collects every *ValidationError in err's tree, in order.
func ValidationErrors(err error) []*ValidationError {
	var out []*ValidationError
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if ve, ok := err.(*ValidationError); ok {
			out = append(out, ve)
			return
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)
	return out
}

// Validate checks the authoring invariants evaluation relies on but never
// re-checks: unique question ids and orders, known type tags and operators,
// at least one answer set per question, unique branch keys, well-formed
// groups, and rules that reference existing, strictly earlier questions. It
// returns every problem found, joined, or nil.
func Validate(doc Questionnaire) error {
	v := validator{
		byID:     make(map[string]Question),
		byOrder:  make(map[int]string),
		seen:     make(map[string]bool),
		branchAt: make(map[string]string),
	}

	for _, question := range Flatten(doc) {
		if _, exists := v.byID[question.ID]; !exists {
			v.byID[question.ID] = question
		}
	}

	for p, page := range doc.Pages {
		for s, section := range page.Sections {
			path := fmt.Sprintf("pages[%d].sections[%d]", p, s)
			v.questions(path, section.Questions)
			v.branches(path, section.Branches)
		}
	}

	return errors.Join(v.errs...)
}

type validator struct {
	byID     map[string]Question
	byOrder  map[int]string
	seen     map[string]bool
	branchAt map[string]string
	errs     []error
}

func (v *validator) fail(path, format string, args ...any) {
	v.errs = append(v.errs, &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) questions(parent string, questions []Question) {
	for i, question := range questions {
		path := fmt.Sprintf("%s.questions[%d]", parent, i)

		switch {
		case question.ID == "":
			v.fail(path, "question id is required")
		case v.seen[question.ID]:
			v.fail(path, "duplicate question id %q", question.ID)
		}
		v.seen[question.ID] = true

		if other, exists := v.byOrder[question.Order]; exists && other != question.ID {
			v.fail(path, "order %d already used by question %q", question.Order, other)
		} else {
			v.byOrder[question.Order] = question.ID
		}

		if !question.Type.Valid() {
			v.fail(path, "unknown question type %q", question.Type)
		}
		if len(question.AnswerSets) == 0 {
			v.fail(path, "question %q has no answer set", question.ID)
		}

		if question.QuestionLevelRuleGroup != nil {
			validateGroup(v, path+".question_level_rule_group", question.QuestionLevelRuleGroup, func(rulePath string, rule QuestionRule) {
				v.reference(rulePath, rule.Reference(), &question)
			})
		}
		for g, ruleGroup := range question.AnswerLevelRuleGroups {
			groupPath := fmt.Sprintf("%s.answer_level_rule_groups[%d]", path, g)
			if ruleGroup.InlineAnswerSet.ID == "" {
				v.fail(groupPath+".inline_answer_set", "inline answer set id is required")
			}
			validateGroup(v, groupPath+".rule_group", &ruleGroup.RuleGroup, func(rulePath string, rule AnswerRule) {
				v.reference(rulePath, rule.Reference(), &question)
			})
		}
	}
}

func (v *validator) branches(parent string, branches []ConditionalBranch) {
	for i, branch := range branches {
		path := fmt.Sprintf("%s.branches[%d]", parent, i)
		switch key := branch.Key(); {
		case key == "":
			v.fail(path, "branch needs an id or a name")
		case v.branchAt[key] != "":
			v.fail(path, "branch key %q already used at %s", key, v.branchAt[key])
		default:
			v.branchAt[key] = path
		}
		validateGroup(v, path+".rule_group", &branch.RuleGroup, func(rulePath string, rule BranchRule) {
			v.reference(rulePath, rule.Reference(), nil)
		})
		v.questions(path, branch.Questions)
		v.branches(path, branch.Branches)
	}
}

func (v *validator) reference(path string, ref Reference, owner *Question) {
	if !ref.Operator.Valid() {
		v.fail(path, "unknown operator %q", ref.Operator)
	}

	source, ok := v.byID[ref.QuestionID]
	if !ok {
		v.fail(path, "references unknown question %q", ref.QuestionID)
		return
	}
	if owner != nil && source.Order >= owner.Order {
		v.fail(path, "question %q may only reference earlier questions, %q has order %d", owner.ID, source.ID, source.Order)
	}
}

func validateGroup[R Referencer](v *validator, path string, group *Group[R], check func(string, R)) {
	if group.IsEmpty() {
		return
	}
	if !group.MatchType.Valid() {
		v.fail(path, "unknown match type %q", group.MatchType)
	}

	for i, child := range group.Children {
		childPath := fmt.Sprintf("%s.children[%d]", path, i)
		switch {
		case child.Group != nil && child.Rule != nil:
			v.fail(childPath, "child must be a group or a rule, not both")
		case child.Group != nil:
			validateGroup(v, childPath+".group", child.Group, check)
		case child.Rule != nil:
			check(childPath+".rule", *child.Rule)
		default:
			v.fail(childPath, "child must be a group or a rule")
		}
	}
}
