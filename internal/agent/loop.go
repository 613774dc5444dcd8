// Package agent runs one continuous worker's tick loop inside its own process.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"jobagent/internal/registry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "jobagent/internal/agent"

// Loop invokes a Ticker repeatedly, waiting Interval between the end of one
// tick and the start of the next. A failing or panicking tick is logged and
// the loop carries on; only Stop or context cancellation ends it.
type Loop struct {
	name     string
	interval time.Duration
	ticker   registry.Ticker
	logger   *slog.Logger
	counter  metric.Int64Counter

	ticks    atomic.Int64
	failures atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewLoop creates a tick loop for the named worker.
func NewLoop(name string, interval time.Duration, t registry.Ticker, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	counter, _ := otel.Meter(meterName).Int64Counter(
		"jobagent.agent.ticks",
		metric.WithDescription("Tick invocations by result"),
		metric.WithUnit("{tick}"),
	)
	return &Loop{
		name:     name,
		interval: interval,
		ticker:   t,
		logger:   logger.With(slog.String("agent", name)),
		counter:  counter,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks until Stop is called or ctx is done. A tick in progress at that
// moment is allowed to finish. Run returns nil after Stop and ctx.Err()
// after cancellation.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	l.logger.Info("agent loop starting", slog.Duration("interval", l.interval))

	timer := time.NewTimer(l.interval)
	defer timer.Stop()

	for {
		select {
		case <-l.stop:
			l.logger.Info("agent loop stopped", slog.Int64("ticks", l.Ticks()))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		l.tick(ctx)

		timer.Reset(l.interval)
		select {
		case <-l.stop:
			l.logger.Info("agent loop stopped", slog.Int64("ticks", l.Ticks()))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Stop asks the loop to exit. It pre-empts the wait between ticks and is
// safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}

// Done returns a channel that is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Ticks returns the number of tick invocations so far.
func (l *Loop) Ticks() int64 {
	return l.ticks.Load()
}

// Failures returns the number of ticks that returned an error or panicked.
func (l *Loop) Failures() int64 {
	return l.failures.Load()
}

func (l *Loop) tick(ctx context.Context) {
	l.ticks.Add(1)
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			l.failures.Add(1)
			l.logger.Error("tick panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
		l.counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("agent", l.name),
			attribute.String("result", result),
		))
	}()

	if err := l.ticker.Tick(ctx); err != nil {
		result = "error"
		l.failures.Add(1)
		l.logger.Error("tick failed", slog.String("error", err.Error()))
	}
}

// ErrUnknownWorker is returned by Serve when the name is not registered.
var ErrUnknownWorker = errors.New("agent: unknown worker")

// Lookup resolves a continuous worker descriptor by name.
type Lookup interface {
	Worker(name string) (registry.WorkerDescriptor, bool)
}

// Serve builds the named worker and runs its loop until ctx is done. The
// in-flight tick keeps an uncancelled context so it can finish cleanly.
// A worker that cannot be built is a fatal error for the process.
func Serve(ctx context.Context, workers Lookup, name string, logger *slog.Logger) error {
	desc, ok := workers.Worker(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownWorker, name)
	}

	t, err := desc.Factory()
	if err != nil {
		return fmt.Errorf("create worker %q: %w", name, err)
	}

	loop := NewLoop(desc.Name, desc.TickInterval, t, logger)
	go func() {
		select {
		case <-ctx.Done():
			loop.Stop()
		case <-loop.Done():
		}
	}()

	return loop.Run(context.WithoutCancel(ctx))
}
