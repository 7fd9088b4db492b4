package llm

import (
	"context"
	"time"

	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/metrics"
	"github.com/harunnryd/voiceturn/pkg/resilience"
)

// TripsOnOutage counts rate limits, timeouts and unreachable providers
// against the breaker. Rejections and barge-in cancellations do not count.
func TripsOnOutage(err error) bool {
	if resilience.IsRateLimit(err) {
		return true
	}
	switch errorsx.Classify(err) {
	case errorsx.KindProviderUnavailable, errorsx.KindProviderTimeout:
		return true
	}
	return false
}

// CircuitBreakerAdapter fails generations fast while the provider is degraded.
// Stream outcomes are settled when the stream ends, not when it opens.
type CircuitBreakerAdapter struct {
	inner   LLMAdapter
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
}

func NewCircuitBreakerAdapter(inner LLMAdapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second).WithTrips(TripsOnOutage)
	}
	return &CircuitBreakerAdapter{inner: inner, breaker: breaker}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

func (a *CircuitBreakerAdapter) SetObserver(obs metrics.Observer) { a.obs = obs }

func (a *CircuitBreakerAdapter) Generate(ctx context.Context, input Context) (Response, error) {
	if err := a.admit(); err != nil {
		return Response{}, err
	}
	resp, err := a.inner.Generate(ctx, input)
	a.settle(err)
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (a *CircuitBreakerAdapter) Stream(ctx context.Context, input Context) (<-chan Chunk, error) {
	if err := a.admit(); err != nil {
		return nil, err
	}
	in, err := a.inner.Stream(ctx, input)
	if err != nil {
		a.settle(err)
		return nil, err
	}
	out := make(chan Chunk)
	go func() {
		defer close(out)
		var last error
		for c := range in {
			if c.Err != nil {
				last = c.Err
			}
			select {
			case out <- c:
			case <-ctx.Done():
				// Abandoned by the consumer; the provider did nothing wrong.
				a.settle(context.Canceled)
				for range in {
				}
				return
			}
		}
		a.settle(last)
	}()
	return out, nil
}

func (a *CircuitBreakerAdapter) admit() error {
	before := a.breaker.State()
	if !a.breaker.Allow() {
		a.record(metrics.EventBreakerDenied)
		return errorsx.Wrap(resilience.RateLimitError{Provider: a.Name(), Message: "degraded"}, errorsx.ReasonLLMCircuitOpen)
	}
	a.transition(before)
	return nil
}

func (a *CircuitBreakerAdapter) settle(err error) {
	before := a.breaker.State()
	if resilience.IsRateLimit(err) {
		a.record(metrics.EventRateLimit)
	}
	a.breaker.OnError(err)
	a.transition(before)
}

func (a *CircuitBreakerAdapter) transition(before resilience.BreakerState) {
	after := a.breaker.State()
	switch {
	case after == before:
	case after == resilience.BreakerOpen:
		a.record(metrics.EventBreakerOpen)
	case after == resilience.BreakerClosed:
		a.record(metrics.EventBreakerClose)
	}
}

func (a *CircuitBreakerAdapter) record(name string) {
	if a.obs == nil {
		return
	}
	a.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			metrics.TagProvider:  a.inner.Name(),
			metrics.TagComponent: "llm",
		},
	})
}

var _ LLMAdapter = (*CircuitBreakerAdapter)(nil)
