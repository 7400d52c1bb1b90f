package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("info", &buf)
	log.Info("hello", "key", "value")

	if buf.Len() == 0 {
		t.Fatal("expected log output, got nothing")
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"hello"`)) {
		t.Errorf("expected JSON msg field, got: %s", buf.String())
	}
}

func TestNewWithWriter_FansOutAndFilters(t *testing.T) {
	var first, second bytes.Buffer
	log := NewWithWriter("warn", &first, &second)

	log.Info("dropped")
	log.Warn("evaluation slow", "questionnaire_id", "q-1")

	for name, buf := range map[string]*bytes.Buffer{"first": &first, "second": &second} {
		if bytes.Contains(buf.Bytes(), []byte("dropped")) {
			t.Errorf("%s writer got a record below the level: %s", name, buf.String())
		}
		if !bytes.Contains(buf.Bytes(), []byte(`"questionnaire_id":"q-1"`)) {
			t.Errorf("%s writer missing record: %s", name, buf.String())
		}
	}
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "formz.log")

	log, closeFn, err := NewWithFile("info", path)
	if err != nil {
		t.Fatalf("NewWithFile() error = %v", err)
	}
	log.Info("file record")
	if err := closeFn(); err != nil {
		t.Fatalf("close error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Contains(data, []byte(`"msg":"file record"`)) {
		t.Errorf("log file missing record, got: %s", data)
	}
}

func TestNewWithFile_EmptyPath(t *testing.T) {
	log, closeFn, err := NewWithFile("debug", "  ")
	if err != nil {
		t.Fatalf("NewWithFile() error = %v", err)
	}
	if log == nil {
		t.Fatal("NewWithFile() logger = nil")
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close error = %v", err)
	}
}

func TestNewWithFile_BadPath(t *testing.T) {
	if _, _, err := NewWithFile("info", filepath.Join(t.TempDir(), "missing", "formz.log")); err == nil {
		t.Fatal("NewWithFile() should fail when the directory does not exist")
	}
}
