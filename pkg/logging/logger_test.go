package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	if lvl, ok := ParseLevel("DEBUG"); !ok || lvl != slog.LevelDebug {
		t.Fatalf("expected debug, got %v %v", lvl, ok)
	}
	if lvl, ok := ParseLevel("loud"); ok || lvl != slog.LevelInfo {
		t.Fatalf("expected info fallback, got %v %v", lvl, ok)
	}
}

func TestInitLoggerJSONWithComponent(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := InitLogger(Config{Level: "info", Format: "json", Output: &buf})
	NewComponentLogger(logger, "orchestrator").Info("cycle_answered", "session_id", "s-1")

	out := buf.String()
	if !strings.Contains(out, `"component":"orchestrator"`) {
		t.Fatalf("expected component attr, got %s", out)
	}
	if !strings.Contains(out, `"msg":"cycle_answered"`) {
		t.Fatalf("expected message, got %s", out)
	}
}

func TestInitLoggerWarnsOnBadFormat(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	InitLogger(Config{Level: "debug", Format: "xml", Output: &buf})
	if !strings.Contains(buf.String(), "invalid log format") {
		t.Fatalf("expected warning about format, got %s", buf.String())
	}
}
