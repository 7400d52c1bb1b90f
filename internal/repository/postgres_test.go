package repository

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestNewPostgresRepositoryOptions(t *testing.T) {
	tests := []struct {
		name        string
		opts        []Option
		wantChannel string
		wantBatch   int
	}{
		{name: "defaults", wantChannel: defaultNotifyChannel, wantBatch: defaultEventBatchSize},
		{name: "custom channel", opts: []Option{WithNotifyChannel("  custom_events ")}, wantChannel: "custom_events", wantBatch: defaultEventBatchSize},
		{name: "blank channel", opts: []Option{WithNotifyChannel("   ")}, wantChannel: defaultNotifyChannel, wantBatch: defaultEventBatchSize},
		{name: "batch size", opts: []Option{WithEventBatchSize(25)}, wantChannel: defaultNotifyChannel, wantBatch: 25},
		{name: "non positive batch size ignored", opts: []Option{WithEventBatchSize(0)}, wantChannel: defaultNotifyChannel, wantBatch: defaultEventBatchSize},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			repo := NewPostgresRepository(nil, test.opts...)
			if repo.notifyChannel != test.wantChannel {
				t.Fatalf("notifyChannel = %q, want %q", repo.notifyChannel, test.wantChannel)
			}
			if repo.eventBatchSize != test.wantBatch {
				t.Fatalf("eventBatchSize = %d, want %d", repo.eventBatchSize, test.wantBatch)
			}
		})
	}
}

func TestEnsureJSON(t *testing.T) {
	if got := string(ensureJSON(nil, `{"pages":[]}`)); got != `{"pages":[]}` {
		t.Fatalf("ensureJSON(nil) = %q, want %q", got, `{"pages":[]}`)
	}

	if got := string(ensureJSON(json.RawMessage(`{"a":1}`), "{}")); got != `{"a":1}` {
		t.Fatalf("ensureJSON(non-empty) = %q, want %q", got, `{"a":1}`)
	}
}

func TestMarshalNotifyPayload(t *testing.T) {
	payload, err := marshalNotifyPayload(QuestionnaireEvent{
		EventID:         7,
		ProjectID:       "p-1",
		QuestionnaireID: "onboarding",
		EventType:       "updated",
		Payload:         json.RawMessage(`{"name":"Onboarding"}`),
	})
	if err != nil {
		t.Fatalf("marshalNotifyPayload() error = %v", err)
	}

	var message map[string]any
	if err := json.Unmarshal([]byte(payload), &message); err != nil {
		t.Fatalf("unmarshal notify payload: %v", err)
	}
	if message["questionnaire_id"] != "onboarding" || message["event_type"] != "updated" || message["project_id"] != "p-1" {
		t.Fatalf("unexpected notify payload envelope: %+v", message)
	}
	if _, ok := message["payload"]; ok {
		t.Fatal("notify payload should not carry the event body")
	}
}

func TestListenStatement(t *testing.T) {
	if got := listenStatement("questionnaire_events"); got != `LISTEN "questionnaire_events"` {
		t.Fatalf("listenStatement() = %q, want %q", got, `LISTEN "questionnaire_events"`)
	}
}

func TestRequireRows(t *testing.T) {
	if err := requireRows("delete questionnaire", pgconn.NewCommandTag("DELETE 1")); err != nil {
		t.Fatalf("requireRows(delete 1) error = %v, want nil", err)
	}

	err := requireRows("revoke api key", pgconn.NewCommandTag("UPDATE 0"))
	if !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("requireRows(update 0) error = %v, want %v", err, pgx.ErrNoRows)
	}
	if err.Error() != "revoke api key: "+pgx.ErrNoRows.Error() {
		t.Fatalf("requireRows() error = %q, want operation prefix", err.Error())
	}
}

func TestGenerateRandomHex(t *testing.T) {
	a, err := generateRandomHex(16)
	if err != nil {
		t.Fatalf("generateRandomHex() error = %v", err)
	}
	b, err := generateRandomHex(16)
	if err != nil {
		t.Fatalf("generateRandomHex() error = %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("len(generateRandomHex(16)) = %d, want 32", len(a))
	}
	if a == b {
		t.Fatal("generateRandomHex() returned the same value twice")
	}
}
