package metrics

import "time"

// Event names emitted by the orchestrator and model clients.
const (
	EventCycleStart    = "cycle_start"
	EventCycleDone     = "cycle_done"
	EventStateChange   = "state_change"
	EventModelCall     = "model_call"
	EventToolCall      = "tool_call"
	EventRateLimit     = "rate_limit"
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
	EventQuestionRetry = "question_retry"
)

// Record sends an event stamped with the current time. A nil observer is a no-op.
func Record(obs Observer, name string, value float64, tags map[string]string, fields map[string]any) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Value:  value,
		Tags:   tags,
		Fields: fields,
	})
}
