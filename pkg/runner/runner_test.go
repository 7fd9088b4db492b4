package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestLifecycleRunsHooksAndDrains(t *testing.T) {
	var started, stopped, drained atomic.Bool
	r := NewLifecycleRunner(DrainerFunc(func(context.Context) error {
		drained.Store(true)
		return nil
	}), Hooks{
		OnStart: func() { started.Store(true) },
		OnStop:  func() { stopped.Store(true) },
	}, time.Second)
	var out bytes.Buffer
	r.SetBannerOutput(&out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("runner never reached running, state=%s", r.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !started.Load() || !drained.Load() || !stopped.Load() {
		t.Fatalf("hooks: started=%v drained=%v stopped=%v", started.Load(), drained.Load(), stopped.Load())
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if !strings.Contains(out.String(), "Version: "+Version) {
		t.Fatalf("banner missing version line: %q", out.String())
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestLifecycleDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewLifecycleRunner(DrainerFunc(func(context.Context) error {
		<-block
		return nil
	}), Hooks{}, 20*time.Millisecond)
	r.SetBannerOutput(nil)
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("run after stop should fail")
	}
}

func TestLifecycleDrainHonoursDeadline(t *testing.T) {
	r := NewLifecycleRunner(DrainerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return fmt.Errorf("2 sessions still live: %w", ctx.Err())
	}), Hooks{}, 20*time.Millisecond)
	r.SetBannerOutput(nil)
	err := r.Stop()
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}

func TestLifecycleReportsDrainError(t *testing.T) {
	boom := errors.New("flush failed")
	r := NewLifecycleRunner(DrainerFunc(func(context.Context) error { return boom }), Hooks{}, time.Second)
	r.SetBannerOutput(nil)
	if err := r.Stop(); !errors.Is(err, boom) {
		t.Fatalf("expected drain error, got %v", err)
	}
}
