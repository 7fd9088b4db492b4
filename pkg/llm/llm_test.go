package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/metrics"
	"github.com/harunnryd/voiceturn/pkg/resilience"
)

type flakyAdapter struct {
	failures int
	calls    int
	err      error
}

func (f *flakyAdapter) Name() string { return "flaky" }

func (f *flakyAdapter) Generate(ctx context.Context, input Context) (Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return Response{}, f.err
	}
	return Response{Text: "ok"}, nil
}

func (f *flakyAdapter) Stream(ctx context.Context, input Context) (<-chan Chunk, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	ch := make(chan Chunk, 1)
	ch <- Chunk{Text: "ok"}
	close(ch)
	return ch, nil
}

func noSleep(time.Duration) {}

func TestRetryAdapterRetriesStreamSetup(t *testing.T) {
	inner := &flakyAdapter{failures: 2, err: errors.New("connection reset")}
	a := NewRetryAdapter(inner, RetryConfig{MaxAttempts: 3, Sleep: noSleep})
	ch, err := a.Stream(context.Background(), Context{})
	if err != nil {
		t.Fatalf("expected stream after retries, got %v", err)
	}
	if c := <-ch; c.Text != "ok" {
		t.Fatalf("unexpected chunk %+v", c)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestRetryDoesNotRetryRejected(t *testing.T) {
	inner := &flakyAdapter{failures: 5, err: errorsx.Wrap(errors.New("bad input"), errorsx.ReasonLLMRejected)}
	a := NewRetryAdapter(inner, RetryConfig{MaxAttempts: 3, Sleep: noSleep})
	if _, err := a.Generate(context.Background(), Context{}); err == nil {
		t.Fatalf("expected error")
	}
	if inner.calls != 1 {
		t.Fatalf("expected a single attempt for rejected input, got %d", inner.calls)
	}
}

func TestRetryBackoffStopsOnCancel(t *testing.T) {
	inner := &flakyAdapter{failures: 5, err: errors.New("connection reset")}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	start := time.Now()
	_, err := Retry(ctx, RetryConfig{MaxAttempts: 5, BaseDelay: time.Second}, func(ctx context.Context) (Response, error) {
		return inner.Generate(ctx, Context{})
	})
	if err == nil || time.Since(start) > 500*time.Millisecond {
		t.Fatalf("expected cancel to cut the backoff short, err=%v after %s", err, time.Since(start))
	}
	if inner.calls != 1 {
		t.Fatalf("expected no attempt after cancel, got %d", inner.calls)
	}
}

func TestCircuitBreakerAdapterDeniesWhenOpen(t *testing.T) {
	inner := &flakyAdapter{failures: 10, err: resilience.RateLimitError{Provider: "flaky"}}
	mem := metrics.NewMemoryObserver()
	a := NewCircuitBreakerAdapter(inner, resilience.NewCircuitBreaker(2, time.Minute))
	a.SetObserver(mem)
	for i := 0; i < 2; i++ {
		if _, err := a.Stream(context.Background(), Context{}); err == nil {
			t.Fatalf("expected rate limit error")
		}
	}
	_, err := a.Stream(context.Background(), Context{})
	if !errorsx.HasReason(err, errorsx.ReasonLLMCircuitOpen) {
		t.Fatalf("expected circuit open reason, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected breaker to stop calls, got %d", inner.calls)
	}
	if mem.Count(metrics.EventBreakerDenied) != 1 || mem.Count(metrics.EventRateLimit) != 2 {
		t.Fatalf("unexpected breaker metrics: %+v", mem.Events())
	}
}

type streamFailAdapter struct {
	err   error
	calls int
}

func (s *streamFailAdapter) Name() string { return "streamfail" }

func (s *streamFailAdapter) Generate(ctx context.Context, input Context) (Response, error) {
	return Response{}, s.err
}

func (s *streamFailAdapter) Stream(ctx context.Context, input Context) (<-chan Chunk, error) {
	s.calls++
	ch := make(chan Chunk, 2)
	ch <- Chunk{Text: "partial "}
	ch <- Chunk{Err: s.err}
	close(ch)
	return ch, nil
}

func drain(ch <-chan Chunk) {
	for range ch {
	}
}

func TestCircuitBreakerSettlesStreamsOnCompletion(t *testing.T) {
	inner := &streamFailAdapter{err: errorsx.Wrap(errors.New("connection reset"), errorsx.ReasonLLMStream)}
	breaker := resilience.NewCircuitBreaker(2, time.Minute).WithTrips(TripsOnOutage)
	mem := metrics.NewMemoryObserver()
	a := NewCircuitBreakerAdapter(inner, breaker)
	a.SetObserver(mem)
	for i := 0; i < 2; i++ {
		ch, err := a.Stream(context.Background(), Context{})
		if err != nil {
			t.Fatalf("stream %d: %v", i, err)
		}
		drain(ch)
	}
	if breaker.State() != resilience.BreakerOpen {
		t.Fatalf("expected mid-stream outages to open the breaker, got %s", breaker.State())
	}
	if mem.Count(metrics.EventBreakerOpen) != 1 {
		t.Fatalf("expected one breaker_open event, got %d", mem.Count(metrics.EventBreakerOpen))
	}
}

func TestBargeInCancellationDoesNotTrip(t *testing.T) {
	breaker := resilience.NewCircuitBreaker(1, time.Minute).WithTrips(TripsOnOutage)
	a := NewCircuitBreakerAdapter(&streamFailAdapter{err: context.Canceled}, breaker)
	ch, err := a.Stream(context.Background(), Context{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	drain(ch)
	if breaker.State() != resilience.BreakerClosed {
		t.Fatalf("cancellation must not open the breaker")
	}
	if TripsOnOutage(errorsx.Wrap(errors.New("bad prompt"), errorsx.ReasonLLMRejected)) {
		t.Fatalf("rejections must not trip the breaker")
	}
	if !TripsOnOutage(context.DeadlineExceeded) {
		t.Fatalf("timeouts should trip the breaker")
	}
}

func TestContextAppendCopies(t *testing.T) {
	base := Context{Messages: []Message{{Role: RoleSystem, Content: "be brief"}}}
	next := base.Append(Message{Role: RoleUser, Content: "hi"})
	if len(base.Messages) != 1 || len(next.Messages) != 2 {
		t.Fatalf("expected append to leave base untouched")
	}
}
