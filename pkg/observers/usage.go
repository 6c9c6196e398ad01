package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/beacon/pkg/metrics"
)

// UsageSummary aggregates model and tool usage for one session.
type UsageSummary struct {
	SessionID        string `json:"session_id"`
	Cycles           int    `json:"cycles"`
	Answered         int    `json:"answered"`
	Aborted          int    `json:"aborted"`
	ModelCalls       int    `json:"model_calls"`
	ToolCalls        int    `json:"tool_calls"`
	ToolFailures     int    `json:"tool_failures"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	RecordedAtUTC    string `json:"recorded_at_utc"`
}

// UsageObserver keeps per-session usage counters and writes them on Close.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := ev.SessionID()
	if id == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{SessionID: id}
		o.stats[id] = stat
	}
	switch ev.Name {
	case metrics.EventCycleDone:
		stat.Cycles++
		if ev.Tag(metrics.TagState) == "answered" {
			stat.Answered++
		} else {
			stat.Aborted++
		}
	case metrics.EventModelCall:
		stat.ModelCalls++
		stat.PromptTokens += intField(ev.Fields, "prompt_tokens")
		stat.CompletionTokens += intField(ev.Fields, "completion_tokens")
	case metrics.EventToolCall:
		stat.ToolCalls++
		if ev.Tag(metrics.TagStatus) == "failure" {
			stat.ToolFailures++
		}
	}
}

// Summary returns a copy of the counters for one session.
func (o *UsageObserver) Summary(sessionID string) (UsageSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat, ok := o.stats[sessionID]
	if !ok {
		return UsageSummary{}, false
	}
	return *stat, true
}

// Close writes one <session>.usage.json per session into dir.
func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, sanitizeID(id)+usageSuffix)
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

var _ metrics.Observer = (*UsageObserver)(nil)
