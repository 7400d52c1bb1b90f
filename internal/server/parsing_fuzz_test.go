package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/matt-riley/formz/internal/core"
)

func FuzzParseLastEventID(f *testing.F) {
	f.Add("")
	f.Add("0")
	f.Add("42")
	f.Add("-1")
	f.Add("not-a-number")
	f.Add("  7  ")

	f.Fuzz(func(t *testing.T, value string) {
		got, err := parseLastEventID(value)
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			if err != nil || got != 0 {
				t.Fatalf("parseLastEventID(%q) = (%d, %v), want (0, nil)", value, got, err)
			}
			return
		}

		want, parseErr := strconv.ParseInt(trimmed, 10, 64)
		expectErr := parseErr != nil || want < 0
		if expectErr {
			if err == nil {
				t.Fatalf("parseLastEventID(%q) error = nil, want non-nil", value)
			}
			return
		}

		if err != nil || got != want {
			t.Fatalf("parseLastEventID(%q) = (%d, %v), want (%d, nil)", value, got, err, want)
		}
	})
}

func TestParseListPageToken(t *testing.T) {
	tests := []struct {
		token   string
		max     int
		want    int
		wantErr bool
	}{
		{token: "", max: 0, want: 0},
		{token: " 3 ", max: 10, want: 3},
		{token: "10", max: 10, want: 10},
		{token: "11", max: 10, wantErr: true},
		{token: "-1", max: 10, wantErr: true},
		{token: "next", max: 10, wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseListPageToken(tt.token, tt.max)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseListPageToken(%q, %d) = (%d, %v), want (%d, err=%t)", tt.token, tt.max, got, err, tt.want, tt.wantErr)
		}
	}
}

func FuzzEventTypeNames(f *testing.F) {
	f.Add("update")
	f.Add(" DELETE ")
	f.Add("questionnaire_updated")
	f.Add("created")

	f.Fuzz(func(t *testing.T, eventType string) {
		sseName := toSSEEventName(eventType)
		watchType, ok := toWatchEventType(eventType)

		if ok != (sseName != "") {
			t.Fatalf("toWatchEventType(%q) ok = %t but toSSEEventName = %q", eventType, ok, sseName)
		}
		switch sseName {
		case "":
			if watchType != "" {
				t.Fatalf("toWatchEventType(%q) = %q for unknown type", eventType, watchType)
			}
		case "update":
			if watchType != WatchEventUpdated {
				t.Fatalf("toWatchEventType(%q) = %q, want %q", eventType, watchType, WatchEventUpdated)
			}
		case "delete":
			if watchType != WatchEventDeleted {
				t.Fatalf("toWatchEventType(%q) = %q, want %q", eventType, watchType, WatchEventDeleted)
			}
		default:
			t.Fatalf("toSSEEventName(%q) = %q, want update, delete or empty", eventType, sseName)
		}
	})
}

func FuzzCompactSSEPayload(f *testing.F) {
	f.Add([]byte(`{"id":"commute","version":2}`))
	f.Add([]byte("{\n  \"id\": \"commute\",\n  \"version\": 2\n}"))
	f.Add([]byte("line1\nline2"))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, payload []byte) {
		lines := compactSSEPayload(payload)
		if len(lines) == 0 {
			t.Fatal("compactSSEPayload returned no lines")
		}

		var builder strings.Builder
		if err := writeSSEEvent(&builder, 1, "update", payload); err != nil {
			t.Fatalf("writeSSEEvent() error = %v", err)
		}
		body := builder.String()
		if !strings.HasPrefix(body, "id: 1\nevent: update\n") {
			t.Fatalf("unexpected SSE prefix: %q", body)
		}

		var compact bytes.Buffer
		if err := json.Compact(&compact, payload); err == nil {
			if len(lines) != 1 || lines[0] != compact.String() {
				t.Fatalf("compactSSEPayload valid json mismatch: got %#v want %q", lines, compact.String())
			}
		}
	})
}

func FuzzValidationDetails(f *testing.F) {
	f.Add("pages[0]", "bad order", "outer")
	f.Add("", "", "")

	f.Fuzz(func(t *testing.T, path, message, prefix string) {
		problem := &core.ValidationError{Path: path, Message: message}
		err := fmt.Errorf("%s: %w", prefix, errors.Join(problem, errors.New("unrelated")))

		details := validationDetails(err)
		if len(details) != 1 || details[0] != problem.Error() {
			t.Fatalf("validationDetails() = %#v, want [%q]", details, problem.Error())
		}
	})
}
