package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"jobagent/internal/registry"
)

type funcTicker func(ctx context.Context) error

func (f funcTicker) Tick(ctx context.Context) error { return f(ctx) }

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestLoop_SurvivesFailingTicks(t *testing.T) {
	var n atomic.Int32
	ticker := funcTicker(func(ctx context.Context) error {
		if n.Add(1)%2 == 0 {
			panic("tick blew up")
		}
		return errors.New("tick failed")
	})

	loop := NewLoop("flaky", 100*time.Millisecond, ticker, quietLogger())
	go loop.Run(context.Background())

	time.Sleep(520 * time.Millisecond)
	loop.Stop()
	<-loop.Done()

	// Ticks at 0, 100, 200, 300, 400, 500ms.
	if got := loop.Ticks(); got < 5 || got > 7 {
		t.Errorf("expected about one tick per interval, got %d", got)
	}
	if loop.Failures() != loop.Ticks() {
		t.Errorf("expected every tick to count as a failure, got %d of %d", loop.Failures(), loop.Ticks())
	}
}

func TestLoop_StopPreemptsWait(t *testing.T) {
	loop := NewLoop("slow", time.Hour, funcTicker(func(ctx context.Context) error { return nil }), quietLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(context.Background()) }()

	for loop.Ticks() == 0 {
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	loop.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("expected nil after Stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop did not pre-empt the inter-tick wait")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("stop took %v", time.Since(start))
	}
}

func TestLoop_StopWaitsForInFlightTick(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	ticker := funcTicker(func(ctx context.Context) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	})

	loop := NewLoop("busy", time.Hour, ticker, quietLogger())
	go loop.Run(context.Background())

	<-started
	loop.Stop()

	select {
	case <-loop.Done():
		t.Fatal("loop exited while a tick was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	<-loop.Done()
	if !finished.Load() {
		t.Error("expected the in-flight tick to finish")
	}
	if loop.Ticks() != 1 {
		t.Errorf("expected exactly one tick, got %d", loop.Ticks())
	}
}

func TestLoop_ContextCancellation(t *testing.T) {
	loop := NewLoop("ctx", time.Hour, funcTicker(func(ctx context.Context) error { return nil }), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLoop_StopIsIdempotent(t *testing.T) {
	loop := NewLoop("twice", time.Hour, funcTicker(func(ctx context.Context) error { return nil }), quietLogger())
	go loop.Run(context.Background())

	loop.Stop()
	loop.Stop()
	<-loop.Done()
}

type workers map[string]registry.WorkerDescriptor

func (w workers) Worker(name string) (registry.WorkerDescriptor, bool) {
	d, ok := w[name]
	return d, ok
}

func TestServe_UnknownWorker(t *testing.T) {
	err := Serve(context.Background(), workers{}, "ghost", quietLogger())
	if !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("expected ErrUnknownWorker, got %v", err)
	}
}

func TestServe_FactoryError(t *testing.T) {
	ws := workers{"broken": {
		Name:         "broken",
		TickInterval: time.Second,
		Factory:      func() (registry.Ticker, error) { return nil, errors.New("no config") },
	}}

	if err := Serve(context.Background(), ws, "broken", quietLogger()); err == nil {
		t.Error("expected factory error")
	}
}

func TestServe_StopsOnContextWithoutCancellingTick(t *testing.T) {
	tickErr := make(chan error, 1)
	started := make(chan struct{})
	ws := workers{"watcher": {
		Name:         "watcher",
		TickInterval: time.Hour,
		Factory: func() (registry.Ticker, error) {
			return funcTicker(func(ctx context.Context) error {
				close(started)
				time.Sleep(20 * time.Millisecond)
				tickErr <- ctx.Err()
				return nil
			}), nil
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, ws, "watcher", quietLogger()) }()

	<-started
	cancel()

	if err := <-errCh; err != nil {
		t.Errorf("expected clean exit, got %v", err)
	}
	if err := <-tickErr; err != nil {
		t.Errorf("in-flight tick saw cancelled context: %v", err)
	}
}
