package llm

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/beacon/pkg/metrics"
	"github.com/harunnryd/beacon/pkg/resilience"
)

// CircuitBreakerClient wraps a ModelClient with rate-limit circuit breaking.
// While open it fails fast with ErrModelUnavailable.
type CircuitBreakerClient struct {
	inner   ModelClient
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	open    bool
	mu      sync.Mutex
}

func NewCircuitBreakerClient(inner ModelClient, breaker *resilience.CircuitBreaker) *CircuitBreakerClient {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerClient{inner: inner, breaker: breaker}
}

func (c *CircuitBreakerClient) Name() string { return c.inner.Name() }

// SetObserver allows metrics emission for breaker events.
func (c *CircuitBreakerClient) SetObserver(obs metrics.Observer) { c.obs = obs }

func (c *CircuitBreakerClient) Complete(ctx context.Context, conv *Conversation, tools []ToolSpec) (Response, error) {
	if !c.breaker.Allow() {
		c.setOpen(true)
		c.record(metrics.EventBreakerDenied)
		return nil, Unavailable(c.Name(), resilience.RateLimitError{Provider: c.Name(), Message: "circuit open"})
	}
	resp, err := c.inner.Complete(ctx, conv, tools)
	if err != nil {
		if resilience.IsRateLimit(err) {
			c.record(metrics.EventRateLimit)
		}
		c.breaker.OnError(err)
		if c.breaker.State() == resilience.BreakerOpen {
			c.setOpen(true)
		}
		return nil, err
	}
	c.breaker.OnSuccess()
	c.setOpen(false)
	return resp, nil
}

func (c *CircuitBreakerClient) record(name string) {
	metrics.Record(c.obs, name, 1, map[string]string{
		"provider":  c.inner.Name(),
		"component": "llm",
	}, nil)
}

func (c *CircuitBreakerClient) setOpen(open bool) {
	c.mu.Lock()
	changed := c.open != open
	c.open = open
	c.mu.Unlock()
	if !changed {
		return
	}
	if open {
		c.record(metrics.EventBreakerOpen)
		return
	}
	c.record(metrics.EventBreakerClose)
}

var _ ModelClient = (*CircuitBreakerClient)(nil)
