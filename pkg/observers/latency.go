package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/beacon/pkg/metrics"
)

// LatencyObserver logs a per-cycle breakdown of model and tool time.
type LatencyObserver struct {
	mu     sync.Mutex
	cycles map[string]*cycleTrace
	log    *slog.Logger
}

type cycleTrace struct {
	sessionID  string
	start      time.Time
	modelMs    float64
	toolMs     float64
	modelCalls int
	toolCalls  int
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		cycles: make(map[string]*cycleTrace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	cycleID := ev.CycleID()
	if cycleID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.cycles[cycleID]
	if t == nil {
		t = &cycleTrace{sessionID: ev.SessionID()}
		o.cycles[cycleID] = t
	}
	switch ev.Name {
	case metrics.EventCycleStart:
		t.start = ev.Time
	case metrics.EventModelCall:
		t.modelCalls++
		t.modelMs += ev.Value
	case metrics.EventToolCall:
		t.toolCalls++
		t.toolMs += ev.Value
	case metrics.EventCycleDone:
		o.log.Info("cycle_latency",
			"session_id", t.sessionID,
			"cycle_id", cycleID,
			"state", ev.Tag(metrics.TagState),
			"total_ms", durationMs(t.start, ev.Time),
			"model_ms", int64(t.modelMs),
			"tool_ms", int64(t.toolMs),
			"model_calls", t.modelCalls,
			"tool_calls", t.toolCalls,
		)
		delete(o.cycles, cycleID)
	}
}

// Pending reports cycles that started but have not finished.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.cycles)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
