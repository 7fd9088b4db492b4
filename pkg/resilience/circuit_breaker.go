package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError represents a provider rate limit response.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	// BreakerHalfOpen admits a single probe after the cooldown.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops calls to a provider after threshold consecutive
// tripping failures, then lets one probe through once cooldown has passed.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	trips     func(error) bool
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker trips on rate limits only; use WithTrips to widen that.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, trips: IsRateLimit, now: time.Now}
}

// WithTrips sets the predicate deciding which errors count as failures.
func (c *CircuitBreaker) WithTrips(fn func(error) bool) *CircuitBreaker {
	if fn != nil {
		c.trips = fn
	}
	return c
}

// Allow reports whether a call may proceed. In the half-open state only the
// first caller is admitted until it settles.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case BreakerOpen:
		if c.now().Sub(c.openedAt) < c.cooldown {
			return false
		}
		c.state = BreakerHalfOpen
		c.probing = true
		return true
	case BreakerHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
	return true
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.state = BreakerClosed
	c.failures = 0
	c.probing = false
	c.mu.Unlock()
}

// OnError records a failed call. Errors the predicate ignores release a
// half-open probe without changing state.
func (c *CircuitBreaker) OnError(err error) {
	if err == nil {
		c.OnSuccess()
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probing = false
	if !c.trips(err) {
		return
	}
	c.failures++
	if c.state == BreakerHalfOpen || c.failures >= c.threshold {
		c.state = BreakerOpen
		c.openedAt = c.now()
	}
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
