package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWritesJSONAtRequestedLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn")

	log.Info().Msg("should be filtered")
	log.Warn().Msg("should appear")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 || lines[0] == "" {
		t.Fatalf("expected exactly 1 log line at warn level, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected JSON log line: %v", err)
	}
	if entry["message"] != "should appear" {
		t.Fatalf("unexpected log entry: %+v", entry)
	}
}

func TestNewFallsBackToInfoOnUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "not-a-real-level")
	log.Info().Msg("visible at default info level")
	if !strings.Contains(buf.String(), "visible at default info level") {
		t.Fatalf("expected info line to be written, got %q", buf.String())
	}
	log.Debug().Msg("should be filtered at default info level")
	lineCount := strings.Count(strings.TrimSpace(buf.String()), "\n") + 1
	if lineCount != 1 {
		t.Fatalf("expected only the info line, got %d lines", lineCount)
	}
}

func TestForUserAddsUserIDField(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	log := ForUser(base, "user-42")
	log.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line: %v", err)
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("expected user_id field, got %+v", entry)
	}
}
