package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/repository"
)

func BenchmarkListQuestionnaires(b *testing.B) {
	ctx := context.Background()
	repo := newFakeServiceRepository()

	for i := range 100 {
		repo.setQuestionnaire(repository.Questionnaire{
			ProjectID:   "default",
			ID:          fmt.Sprintf("questionnaire-%03d", i),
			Description: fmt.Sprintf("benchmark questionnaire %d", i),
			Document:    json.RawMessage(commuteDocument),
		})
	}

	svc, err := New(ctx, repo)
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}

	b.ResetTimer()
	for b.Loop() {
		_, _ = svc.ListQuestionnaires(ctx, "default")
	}
}

func BenchmarkEvaluateStored(b *testing.B) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	repo.setQuestionnaire(commuteQuestionnaire("default"))

	svc, err := New(ctx, repo)
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}

	responses := core.Responses{"mode": "Bike", "distance": 4}

	b.ResetTimer()
	for b.Loop() {
		_, _ = svc.Evaluate(ctx, "default", "commute", responses)
	}
}

func BenchmarkParseDocument(b *testing.B) {
	payload := json.RawMessage(commuteDocument)
	for b.Loop() {
		_, _ = ParseDocument(payload)
	}
}
