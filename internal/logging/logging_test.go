package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func restoreLogger(t *testing.T) {
	t.Helper()
	previous := log.Logger
	level := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = previous
		zerolog.SetGlobalLevel(level)
	})
}

func TestSetupJSON(t *testing.T) {
	restoreLogger(t)
	var buf bytes.Buffer
	if err := setup(&buf, "warn", "json"); err != nil {
		t.Fatalf("setup() error = %v", err)
	}

	log.Info().Msg("dropped")
	log.Warn().Str("document_id", "doc-1").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["level"] != "warn" || entry["document_id"] != "doc-1" || entry["message"] != "kept" {
		t.Fatalf("unexpected log entry %v", entry)
	}
}

func TestSetupConsole(t *testing.T) {
	restoreLogger(t)
	var buf bytes.Buffer
	if err := setup(&buf, "", "console"); err != nil {
		t.Fatalf("setup() error = %v", err)
	}
	log.Info().Msg("ready")
	if !strings.Contains(buf.String(), "ready") {
		t.Fatalf("expected console output, got %q", buf.String())
	}
}

func TestSetupRejectsUnknownValues(t *testing.T) {
	restoreLogger(t)
	if err := setup(&bytes.Buffer{}, "loud", "json"); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
	if err := setup(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}
