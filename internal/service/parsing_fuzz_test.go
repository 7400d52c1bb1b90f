package service

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/matt-riley/formz/internal/core"
)

func FuzzParseDocument(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte(`{}`))
	f.Add([]byte(commuteDocument))
	f.Add([]byte(`{"pages":"nope"}`))
	f.Add([]byte(`{"pages":[{"sections":[{"questions":[{"id":"a"`))

	f.Fuzz(func(t *testing.T, payload []byte) {
		doc, err := ParseDocument(json.RawMessage(payload))
		if err != nil {
			if !errors.Is(err, ErrInvalidDocument) {
				t.Fatalf("ParseDocument(%q) error = %v, want ErrInvalidDocument-wrapped error", payload, err)
			}
			return
		}

		// Anything that decodes can be validated and evaluated without panicking.
		_ = core.Validate(doc)
		_ = core.Evaluate(doc, core.Responses{"a": "x"})
	})
}

func FuzzParseResponses(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte(`null`))
	f.Add([]byte(`{"age": 42, "tags": ["a"]}`))
	f.Add([]byte(`[1, 2]`))
	f.Add([]byte(`{"a":1} trailing`))

	f.Fuzz(func(t *testing.T, payload []byte) {
		responses, err := ParseResponses(json.RawMessage(payload))
		if err != nil {
			if !errors.Is(err, ErrInvalidResponses) {
				t.Fatalf("ParseResponses(%q) error = %v, want ErrInvalidResponses-wrapped error", payload, err)
			}
			return
		}
		if responses == nil {
			t.Fatalf("ParseResponses(%q) returned nil map without error", payload)
		}
	})
}
