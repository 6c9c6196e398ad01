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
	"github.com/harunnryd/beacon/pkg/redact"
)

// TimelineObserver writes one JSONL trace per session.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

// RecordEvent implements metrics.Observer.
func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.SessionID()
	if strings.TrimSpace(o.dir) == "" || sessionID == "" {
		return
	}
	entry := timelineEvent{
		Time:      ev.Time.UTC(),
		Event:     mapEventName(ev),
		SessionID: sessionID,
		CycleID:   ev.CycleID(),
		Value:     ev.Value,
		Tags:      copyTags(ev.Tags),
		Fields:    sanitizeFields(ev.Fields),
	}
	delete(entry.Tags, metrics.TagSession)
	delete(entry.Tags, metrics.TagCycle)
	if len(entry.Tags) == 0 {
		entry.Tags = nil
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f := o.fileFor(sessionID)
	if f == nil {
		return
	}
	o.mu.Lock()
	_, _ = f.Write(append(line, '\n'))
	o.mu.Unlock()
}

// Close closes any open files.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if f == nil {
			continue
		}
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

type timelineEvent struct {
	Time      time.Time         `json:"time"`
	Event     string            `json:"event"`
	SessionID string            `json:"session_id"`
	CycleID   string            `json:"cycle_id,omitempty"`
	Value     float64           `json:"value,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

func (o *TimelineObserver) fileFor(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	path := filepath.Join(o.dir, safe+timelineSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

// mapEventName flattens state changes into "state_<to>" so timelines read linearly.
func mapEventName(ev metrics.MetricsEvent) string {
	if to := ev.Tag("to"); ev.Name == metrics.EventStateChange && to != "" {
		return "state_" + to
	}
	if ev.Name == metrics.EventToolCall && ev.Tag(metrics.TagStatus) == "failure" {
		return "tool_call_failed"
	}
	return ev.Name
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func copyTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			if strings.HasSuffix(k, "_b64") {
				out[k] = "[omitted]"
			} else {
				out[k] = redact.Text(val)
			}
		case map[string]any:
			out[k] = redact.Args(val)
		default:
			out[k] = v
		}
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
