package orchestrator

import (
	"context"
	"log/slog"

	"github.com/harunnryd/beacon/pkg/metrics"
	"github.com/harunnryd/beacon/pkg/resilience"
)

// AskWithRetry asks text and, when the cycle aborts for a backend reason,
// asks the whole question again under policy. Policy violations and
// cancellations are returned at once.
func AskWithRetry(ctx context.Context, sess *Session, text string, policy resilience.RetryPolicy) (Answer, error) {
	var ans Answer
	attempt := 0
	policy.Retryable = func(err error) bool {
		ae, ok := AsAbort(err)
		return ok && ae.Retryable()
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			slog.Info("question_retry", "session_id", sess.ID(), "attempt", attempt)
			metrics.Record(sess.loop.obs, metrics.EventQuestionRetry, float64(attempt), map[string]string{"session_id": sess.ID()}, nil)
		}
		var err error
		ans, err = sess.Ask(ctx, text)
		return err
	})
	return ans, err
}
