package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond)
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryPolicySkipsNonRetryable(t *testing.T) {
	p := NewRetryPolicy(5, time.Millisecond)
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	fatal := errors.New("fatal")
	p.Retryable = func(err error) bool { return !errors.Is(err, fatal) }
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Fatalf("expected single fatal attempt, got %d calls err=%v", calls, err)
	}
}

func TestRetryPolicyZeroRetries(t *testing.T) {
	p := NewRetryPolicy(0, time.Millisecond)
	calls := 0
	_ = p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("nope")
	})
	if calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls)
	}
}

func TestRetryPolicyBackoffCapped(t *testing.T) {
	p := RetryPolicy{Backoff: 100 * time.Millisecond, MaxBackoff: 250 * time.Millisecond}
	if d := p.delay(0, nil); d != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %v", d)
	}
	if d := p.delay(4, nil); d != 250*time.Millisecond {
		t.Fatalf("expected cap 250ms, got %v", d)
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	cb.OnError(errors.New("not a rate limit"))
	if !cb.Allow() {
		t.Fatalf("plain errors must not open the breaker")
	}
	cb.OnError(RateLimitError{Provider: "openai"})
	cb.OnError(RateLimitError{Provider: "openai"})
	if cb.Allow() {
		t.Fatalf("expected breaker open after threshold")
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("expected breaker closed after success")
	}
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(1, 10*time.Second)
	cb.now = func() time.Time { return now }

	cb.OnError(RateLimitError{Provider: "ollama", RetryAfter: 20 * time.Second})
	if cb.State() != BreakerOpen || cb.Allow() {
		t.Fatalf("expected open breaker, got %s", cb.State())
	}
	now = now.Add(15 * time.Second)
	if cb.Allow() {
		t.Fatalf("retry-after longer than cooldown must be honoured")
	}
	now = now.Add(10 * time.Second)
	if !cb.Allow() {
		t.Fatalf("expected a probe after the wait")
	}
	if cb.Allow() {
		t.Fatalf("only one probe may be in flight")
	}
	cb.OnError(RateLimitError{Provider: "ollama"})
	if cb.State() != BreakerOpen {
		t.Fatalf("failed probe must reopen, got %s", cb.State())
	}
	now = now.Add(11 * time.Second)
	if !cb.Allow() {
		t.Fatalf("expected second probe")
	}
	cb.OnSuccess()
	if cb.State() != BreakerClosed || !cb.Allow() {
		t.Fatalf("successful probe must close the breaker")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter("7"); d != 7*time.Second {
		t.Fatalf("expected 7s, got %v", d)
	}
	if d := ParseRetryAfter(""); d != 0 {
		t.Fatalf("expected 0, got %v", d)
	}
	if d := ParseRetryAfter("soon"); d != 0 {
		t.Fatalf("expected 0 for garbage, got %v", d)
	}
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	if d := ParseRetryAfter(future); d <= 50*time.Minute {
		t.Fatalf("expected about an hour, got %v", d)
	}
}
