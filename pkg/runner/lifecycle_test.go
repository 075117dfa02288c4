package runner

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type stubDrainer struct {
	calls atomic.Int32
	block chan struct{}
	err   error
}

func (s *stubDrainer) Drain() error {
	s.calls.Add(1)
	if s.block != nil {
		<-s.block
	}
	return s.err
}

func init() {
	BannerEnabled = false
}

func TestLifecycleRunnerDrainsOnCancel(t *testing.T) {
	d := &stubDrainer{}
	var started, stopped atomic.Bool
	r := NewLifecycleRunner(d, Hooks{
		OnStart: func() { started.Store(true) },
		OnStop:  func() { stopped.Store(true) },
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if r.State() != StateRunning {
		t.Fatalf("expected running, got %s", r.State())
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not stop")
	}
	if d.calls.Load() != 1 {
		t.Fatalf("expected one drain, got %d", d.calls.Load())
	}
	if !started.Load() || !stopped.Load() {
		t.Fatalf("expected both hooks to run")
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if d.calls.Load() != 1 {
		t.Fatalf("drain must run once, got %d", d.calls.Load())
	}
}

func TestLifecycleRunnerDrainTimeout(t *testing.T) {
	d := &stubDrainer{block: make(chan struct{})}
	defer close(d.block)
	r := NewLifecycleRunner(d, Hooks{}, 20*time.Millisecond)

	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped after timeout, got %s", r.State())
	}
}

func TestLifecycleRunnerRejectsSecondRun(t *testing.T) {
	r := NewLifecycleRunner(nil, Hooks{}, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected already started, got %v", err)
	}
}

func TestLifecycleRunnerReportsDrainError(t *testing.T) {
	d := &stubDrainer{err: errors.New("stream close failed")}
	r := NewLifecycleRunner(d, Hooks{}, time.Second)
	err := r.Stop()
	if err == nil || !strings.Contains(err.Error(), "stream close failed") {
		t.Fatalf("expected drain error, got %v", err)
	}
	if r.DrainTimeout() != time.Second {
		t.Fatalf("unexpected drain timeout %s", r.DrainTimeout())
	}
}

func TestStateString(t *testing.T) {
	if StateDraining.String() != "draining" || State(42).String() != "unknown" {
		t.Fatalf("unexpected state names")
	}
}
