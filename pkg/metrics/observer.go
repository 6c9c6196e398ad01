package metrics

import "time"

// Tag keys shared by the orchestrator and the observers.
const (
	TagSession = "session_id"
	TagCycle   = "cycle_id"
	TagTool    = "tool"
	TagState   = "state"
	TagStatus  = "status"
	TagReason  = "reason"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Tag returns the named tag or "".
func (ev MetricsEvent) Tag(key string) string {
	if ev.Tags == nil {
		return ""
	}
	return ev.Tags[key]
}

func (ev MetricsEvent) SessionID() string { return ev.Tag(TagSession) }

func (ev MetricsEvent) CycleID() string { return ev.Tag(TagCycle) }

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(MetricsEvent)

func (f ObserverFunc) RecordEvent(ev MetricsEvent) { f(ev) }

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
