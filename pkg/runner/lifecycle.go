package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var ErrDrainTimeout = errors.New("drain timeout")

// LifecycleRunner moves New -> Starting -> Running -> Draining -> Stopped.
// Stop is idempotent. The drainer runs at most once, under a context that
// expires after the drain timeout.
type LifecycleRunner struct {
	state   atomic.Int32
	hooks   Hooks
	drainer Drainer
	timeout time.Duration
	banner  io.Writer

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopping bool

	stopOnce sync.Once
	stopErr  error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		banner:  os.Stdout,
	}
}

// SetBannerOutput redirects the startup banner; nil disables it.
func (r *LifecycleRunner) SetBannerOutput(w io.Writer) { r.banner = w }

// Run blocks until ctx is done or Stop is called, then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return fmt.Errorf("run from state %s", r.State())
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	stopping := r.stopping
	r.mu.Unlock()
	if stopping {
		cancel()
		return r.stop()
	}

	PrintBanner(r.banner)
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
	<-runCtx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	r.stopping = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.stopOnce.Do(func() {
		r.state.Store(int32(StateDraining))
		r.stopErr = r.drain()
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))
	})
	return r.stopErr
}

func (r *LifecycleRunner) drain() error {
	if r.drainer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.drainer.Drain(ctx) }()
	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.Join(ErrDrainTimeout, err)
		}
		return err
	case <-ctx.Done():
		return ErrDrainTimeout
	}
}
