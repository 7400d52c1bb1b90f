package core

import (
	"slices"
	"testing"
)

func onboardingDocument() Questionnaire {
	employment := choiceQuestion("employment", 1, Answer{ID: "employed", Value: "employed"}, Answer{ID: "student", Value: "student"})
	employment.Required = true

	employer := Question{ID: "employer", Type: QuestionTypeText, Order: 2, Required: true, AnswerSets: []AnswerSet{{ID: "employer-set"}}}
	salary := Question{ID: "salary", Type: QuestionTypeNumber, Order: 3, AnswerSets: []AnswerSet{{ID: "salary-set", Answers: []Answer{{ID: "high", Value: "100000"}}}}}
	bonus := Question{ID: "bonus", Type: QuestionTypeBoolean, Order: 4, AnswerSets: []AnswerSet{{ID: "bonus-set"}}}
	school := Question{ID: "school", Type: QuestionTypeText, Order: 5, Required: true, AnswerSets: []AnswerSet{{ID: "school-set"}}}
	internal := Question{ID: "internal", Type: QuestionTypeText, Order: 6, Hidden: true, AnswerSets: []AnswerSet{{ID: "internal-set"}}}

	return Questionnaire{
		ID:   "onboarding",
		Name: "Onboarding",
		Pages: []Page{{
			ID: "p1",
			Sections: []Section{{
				ID:        "s1",
				Questions: []Question{employment, internal},
				Branches: []ConditionalBranch{
					{
						ID: "employed-branch",
						RuleGroup: Group[BranchRule]{Children: []Node[BranchRule]{RuleNode(BranchRule{
							SourceQuestionID: "employment", SourceAnswerSetID: "employment-set", SourceAnswerID: "employed", Operator: OperatorEquals,
						})}},
						Questions: []Question{employer, salary},
						Branches: []ConditionalBranch{{
							Name: "high-earner",
							RuleGroup: Group[BranchRule]{Children: []Node[BranchRule]{RuleNode(BranchRule{
								SourceQuestionID: "salary", SourceAnswerSetID: "salary-set", SourceAnswerID: "high", Operator: OperatorGreaterThan,
							})}},
							Questions: []Question{bonus},
						}},
					},
					{
						ID: "student-branch",
						RuleGroup: Group[BranchRule]{Children: []Node[BranchRule]{RuleNode(BranchRule{
							SourceQuestionID: "employment", SourceAnswerSetID: "employment-set", SourceAnswerID: "student", Operator: OperatorEquals,
						})}},
						Questions: []Question{school},
					},
				},
			}},
		}},
	}
}

func TestFlatten(t *testing.T) {
	got := make([]string, 0)
	for _, question := range Flatten(onboardingDocument()) {
		got = append(got, question.ID)
	}

	want := []string{"employment", "internal", "employer", "salary", "bonus", "school"}
	if !slices.Equal(got, want) {
		t.Fatalf("Flatten() = %v, want %v", got, want)
	}
}

func TestEvaluate(t *testing.T) {
	doc := onboardingDocument()

	tests := []struct {
		name         string
		responses    Responses
		wantVisible  []string
		wantHidden   []string
		wantBranches map[string]bool
		wantMissing  []string
	}{
		{
			name:         "nothing answered",
			responses:    Responses{},
			wantVisible:  []string{"employment"},
			wantHidden:   []string{"internal", "employer", "salary", "bonus", "school"},
			wantBranches: map[string]bool{"employed-branch": false, "high-earner": false, "student-branch": false},
			wantMissing:  []string{"employment"},
		},
		{
			name:         "employed below threshold",
			responses:    Responses{"employment": "employed", "salary": 5000},
			wantVisible:  []string{"employment", "employer", "salary"},
			wantHidden:   []string{"internal", "bonus", "school"},
			wantBranches: map[string]bool{"employed-branch": true, "high-earner": false, "student-branch": false},
			wantMissing:  []string{"employer"},
		},
		{
			name:         "employed above threshold",
			responses:    Responses{"employment": "employed", "employer": "Acme", "salary": "250000"},
			wantVisible:  []string{"employment", "employer", "salary", "bonus"},
			wantHidden:   []string{"internal", "school"},
			wantBranches: map[string]bool{"employed-branch": true, "high-earner": true, "student-branch": false},
			wantMissing:  []string{},
		},
		{
			name:         "nested branch is unreachable when parent is hidden",
			responses:    Responses{"employment": "student", "salary": "250000"},
			wantVisible:  []string{"employment", "school"},
			wantHidden:   []string{"internal", "employer", "salary", "bonus"},
			wantBranches: map[string]bool{"employed-branch": false, "high-earner": false, "student-branch": true},
			wantMissing:  []string{"school"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := Evaluate(doc, test.responses)

			if !slices.Equal(result.VisibleQuestions, test.wantVisible) {
				t.Fatalf("VisibleQuestions = %v, want %v", result.VisibleQuestions, test.wantVisible)
			}
			if !slices.Equal(result.HiddenQuestions, test.wantHidden) {
				t.Fatalf("HiddenQuestions = %v, want %v", result.HiddenQuestions, test.wantHidden)
			}
			if !slices.Equal(result.MissingRequired, test.wantMissing) {
				t.Fatalf("MissingRequired = %v, want %v", result.MissingRequired, test.wantMissing)
			}
			for key, want := range test.wantBranches {
				if got := result.Branches[key]; got != want {
					t.Fatalf("Branches[%q] = %t, want %t", key, got, want)
				}
			}
			for _, id := range result.VisibleQuestions {
				if _, ok := result.ActiveAnswerSets[id]; !ok {
					t.Fatalf("ActiveAnswerSets missing visible question %q", id)
				}
			}
			for _, id := range result.HiddenQuestions {
				if _, ok := result.ActiveAnswerSets[id]; ok {
					t.Fatalf("ActiveAnswerSets has hidden question %q", id)
				}
			}
		})
	}
}

func TestVisibleSectionQuestionsSkipsHiddenBranches(t *testing.T) {
	doc := onboardingDocument()
	responses := Responses{"employment": "student", "salary": "250000"}
	e := NewEvaluator(Flatten(doc), responses)

	got := make([]string, 0)
	for _, question := range e.VisiblePageQuestions(doc.Pages[0]) {
		got = append(got, question.ID)
	}
	want := []string{"employment", "school"}
	if !slices.Equal(got, want) {
		t.Fatalf("VisiblePageQuestions() = %v, want %v", got, want)
	}

	missing := e.MissingRequired(doc.Pages[0])
	if !slices.Equal(missing, []string{"school"}) {
		t.Fatalf("MissingRequired() = %v, want [school]", missing)
	}
}

func TestEvaluateSharedBranchKeyReportsAnyVisible(t *testing.T) {
	mode := choiceQuestion("mode", 1, Answer{ID: "bike", Value: "bike"})
	never := Group[BranchRule]{Children: []Node[BranchRule]{RuleNode(BranchRule{
		SourceQuestionID: "mode", SourceAnswerSetID: "mode-set", SourceAnswerID: "bike", Operator: OperatorNotEquals,
	})}}
	doc := Questionnaire{Pages: []Page{{Sections: []Section{{
		Questions: []Question{mode},
		Branches: []ConditionalBranch{
			{Name: "details"},
			{ID: "outer", RuleGroup: never, Branches: []ConditionalBranch{{Name: "details"}}},
		},
	}}}}}

	result := Evaluate(doc, Responses{"mode": "bike"})
	if !result.Branches["details"] {
		t.Fatal(`Branches["details"] = false, want true while one branch with that key is visible`)
	}
	if result.Branches["outer"] {
		t.Fatal(`Branches["outer"] = true, want false`)
	}
}

func TestIsAnswered(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  bool
	}{
		{name: "nil", value: nil, want: false},
		{name: "blank string", value: "  ", want: false},
		{name: "text", value: "x", want: true},
		{name: "false", value: false, want: true},
		{name: "zero", value: 0, want: true},
		{name: "empty selection", value: []string{}, want: false},
		{name: "empty decoded selection", value: []any{}, want: false},
		{name: "selection", value: []string{"a"}, want: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsAnswered(test.value); got != test.want {
				t.Fatalf("IsAnswered(%#v) = %t, want %t", test.value, got, test.want)
			}
		})
	}
}
