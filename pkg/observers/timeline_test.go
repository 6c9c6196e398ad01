package observers

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/beacon/pkg/metrics"
	"github.com/harunnryd/beacon/pkg/redact"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	redact.SetEnabled(true)
	t.Cleanup(func() { redact.SetEnabled(false) })
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventStateChange,
		Time: time.Now(),
		Tags: map[string]string{"session_id": "sess-1", "cycle_id": "c1", "from": "awaiting_model", "to": "answered"},
	})
	obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventToolCall,
		Time:   time.Now(),
		Tags:   map[string]string{"session_id": "sess-1", "cycle_id": "c1", "tool": "get_user_details", "status": "success"},
		Fields: map[string]any{"arguments": map[string]any{"phone": "+1 212 555 0100"}},
	})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "sess-1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "state_answered") {
		t.Fatalf("expected state_answered event, got %s", out)
	}
	if strings.Contains(out, "555") {
		t.Fatalf("expected arguments redacted, got %s", out)
	}
	if strings.Count(out, "\n") != 2 {
		t.Fatalf("expected 2 lines, got %q", out)
	}
}

func TestTimelineObserverIgnoresEventsWithoutSession(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventModelCall, Time: time.Now()})
	_ = obs.Close()
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no files, got %d", len(entries))
	}
}

func TestLatencyObserverLogsCycle(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	obs := NewLatencyObserver(log)
	tags := map[string]string{"session_id": "s", "cycle_id": "c"}
	start := time.Now()
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventCycleStart, Time: start, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventModelCall, Time: start, Value: 40, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventToolCall, Time: start, Value: 10, Tags: tags})
	if obs.Pending() != 1 {
		t.Fatalf("expected one pending cycle")
	}
	obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventCycleDone,
		Time: start.Add(75 * time.Millisecond),
		Tags: map[string]string{"session_id": "s", "cycle_id": "c", "state": "answered"},
	})
	if obs.Pending() != 0 {
		t.Fatalf("expected cycle flushed")
	}
	out := buf.String()
	for _, want := range []string{"cycle_latency", "model_ms=40", "tool_ms=10", "total_ms=75", "tool_calls=1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %s", want, out)
		}
	}
}

func TestUsageObserverSummaryAndClose(t *testing.T) {
	dir := t.TempDir()
	obs := NewUsageObserver(dir)
	tags := func(extra ...string) map[string]string {
		m := map[string]string{"session_id": "s1"}
		for i := 0; i+1 < len(extra); i += 2 {
			m[extra[i]] = extra[i+1]
		}
		return m
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventModelCall, Tags: tags(), Fields: map[string]any{"prompt_tokens": 12, "completion_tokens": 3}})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventToolCall, Tags: tags("status", "failure")})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventCycleDone, Tags: tags("state", "answered")})

	sum, ok := obs.Summary("s1")
	if !ok {
		t.Fatalf("expected summary")
	}
	if sum.ModelCalls != 1 || sum.PromptTokens != 12 || sum.ToolFailures != 1 || sum.Answered != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s1.usage.json")); err != nil {
		t.Fatalf("expected usage file: %v", err)
	}
}

func TestPurgeArtifactsBySession(t *testing.T) {
	dir := t.TempDir()
	past := time.Now().Add(-48 * time.Hour)
	files := map[string]bool{
		"old.jsonl":        true,
		"old.usage.json":   true,
		"mixed.jsonl":      true,
		"mixed.usage.json": false,
		"notes.txt":        true,
	}
	for name, stale := range files {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if stale {
			_ = os.Chtimes(p, past, past)
		}
	}

	report, err := PurgeArtifacts(dir, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if report.Sessions != 1 || report.Files != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for _, name := range []string{"mixed.jsonl", "mixed.usage.json", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s should be kept: %v", name, err)
		}
	}
}

func TestLoggerObserverRaisesFailures(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	obs := NewLoggerObserver(log)
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventModelCall, Tags: map[string]string{"session_id": "s"}})
	if buf.Len() != 0 {
		t.Fatalf("routine events should stay at debug: %s", buf.String())
	}
	obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventCycleDone,
		Tags: map[string]string{"session_id": "s", "state": "aborted", "reason": "unknown_tool"},
	})
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "msg=metric_cycle_done") || !strings.Contains(out, "reason=unknown_tool") {
		t.Fatalf("expected warn line for aborted cycle, got %s", out)
	}
}
