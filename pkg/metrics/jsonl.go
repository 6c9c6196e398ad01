package metrics

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"time"
)

// JSONLObserver writes one JSON object per event: name, timestamp ("at") and
// value at the top level, tags flattened next to them and fields grouped
// under "fields".
type JSONLObserver struct {
	logger *slog.Logger
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// The event carries its own timestamp and name.
			if len(groups) == 0 && (a.Key == slog.TimeKey || a.Key == slog.LevelKey || a.Key == slog.MessageKey) {
				return slog.Attr{}
			}
			return a
		},
	})
	return &JSONLObserver{logger: slog.New(h)}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	attrs := make([]slog.Attr, 0, len(ev.Tags)+4)
	attrs = append(attrs,
		slog.String("name", ev.Name),
		slog.String("at", at.UTC().Format(time.RFC3339Nano)),
		slog.Float64("value", ev.Value),
	)
	for _, k := range sortedKeys(ev.Tags) {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	if len(ev.Fields) > 0 {
		fields := make([]any, 0, len(ev.Fields))
		for _, k := range sortedKeys(ev.Fields) {
			fields = append(fields, slog.Any(k, ev.Fields[k]))
		}
		attrs = append(attrs, slog.Group("fields", fields...))
	}
	o.logger.LogAttrs(context.Background(), slog.LevelInfo, "", attrs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
