package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/harunnryd/voiceturn/pkg/errorsx"
)

// RetryConfig controls how many times a provider call is attempted. Only
// establishing a call is retried; a barge-in cancels the backoff too.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter adds up to this fraction of the delay, at random.
	Jitter float64
	// IsRetryable defaults to IsTransient.
	IsRetryable func(error) bool
	// Sleep replaces the backoff wait, for tests. The default wait returns
	// early when ctx is done.
	Sleep func(time.Duration)
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = IsTransient
	}
	return cfg
}

func (cfg RetryConfig) delay(attempt int) time.Duration {
	d := cfg.BaseDelay << attempt
	if d <= 0 || d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if cfg.Jitter > 0 {
		d += time.Duration(float64(d) * cfg.Jitter * rand.Float64())
	}
	return d
}

func (cfg RetryConfig) wait(ctx context.Context, d time.Duration) error {
	if cfg.Sleep != nil {
		cfg.Sleep(d)
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry calls fn until it succeeds, fails permanently, runs out of attempts
// or ctx is done.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if attempt+1 >= cfg.MaxAttempts || !cfg.IsRetryable(err) {
			return zero, fmt.Errorf("llm call failed after %d attempt(s): %w", attempt+1, err)
		}
		if werr := cfg.wait(ctx, cfg.delay(attempt)); werr != nil {
			return zero, err
		}
	}
}

// IsTransient rejects cancellations, deadlines and provider rejections;
// anything else is worth another attempt.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return errorsx.Classify(err) != errorsx.KindProviderRejected
}

// RetryAdapter retries establishing a call. Once a stream has started
// delivering chunks it is never replayed.
type RetryAdapter struct {
	inner LLMAdapter
	cfg   RetryConfig
}

func NewRetryAdapter(inner LLMAdapter, cfg RetryConfig) *RetryAdapter {
	return &RetryAdapter{inner: inner, cfg: cfg}
}

func (a *RetryAdapter) Name() string { return a.inner.Name() }

func (a *RetryAdapter) Generate(ctx context.Context, input Context) (Response, error) {
	return Retry(ctx, a.cfg, func(ctx context.Context) (Response, error) {
		return a.inner.Generate(ctx, input)
	})
}

func (a *RetryAdapter) Stream(ctx context.Context, input Context) (<-chan Chunk, error) {
	return Retry(ctx, a.cfg, func(ctx context.Context) (<-chan Chunk, error) {
		return a.inner.Stream(ctx, input)
	})
}

var _ LLMAdapter = (*RetryAdapter)(nil)
