package observers

import (
	"context"
	"log/slog"
	"sort"

	"github.com/harunnryd/beacon/pkg/metrics"
)

// LoggerObserver mirrors metrics events into the structured log. Routine
// events go out at debug level; aborted cycles, failed tool calls and breaker
// trips are raised to warn so they show up with the default level.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := eventLevel(ev)
	ctx := context.Background()
	if !o.log.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(ev.Tags)+len(ev.Fields)+1)
	attrs = append(attrs, slog.Float64("value", ev.Value))
	keys := make([]string, 0, len(ev.Tags))
	for k := range ev.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	for k, v := range sanitizeFields(ev.Fields) {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(ctx, level, "metric_"+ev.Name, attrs...)
}

func eventLevel(ev metrics.MetricsEvent) slog.Level {
	switch ev.Name {
	case metrics.EventCycleDone:
		if ev.Tag(metrics.TagState) == "aborted" {
			return slog.LevelWarn
		}
	case metrics.EventToolCall:
		if ev.Tag(metrics.TagStatus) == "failure" {
			return slog.LevelWarn
		}
	case metrics.EventBreakerOpen, metrics.EventRateLimit:
		return slog.LevelWarn
	}
	return slog.LevelDebug
}

// MultiObserver fans each event out to every non-nil observer in order.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}
