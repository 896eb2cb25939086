package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("info", FormatJSON, &buf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Debug().Msg("hidden")
	log.Info().Str("vault_id", "v1").Msg("unlocked")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["vault_id"] != "v1" || entry["message"] != "unlocked" || entry["level"] != "info" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected timestamp field")
	}
}

func TestNewAutoOnBufferIsJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("warn", FormatAuto, &buf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Warn().Msg("careful")
	if !json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Errorf("auto format on a non-terminal should be JSON, got %q", buf.String())
	}
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("debug", FormatConsole, &buf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Debug().Msg("probe")
	if json.Valid(bytes.TrimSpace(buf.Bytes())) || !strings.Contains(buf.String(), "probe") {
		t.Errorf("console output = %q", buf.String())
	}
}

func TestNewErrors(t *testing.T) {
	if _, err := New("loud", FormatJSON, &bytes.Buffer{}); err == nil {
		t.Error("expected error for invalid level")
	}
	if _, err := New("info", "xml", &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown format")
	}
}
