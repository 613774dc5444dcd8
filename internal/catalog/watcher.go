package catalog

import (
	"context"
	"log/slog"
	"runtime"

	"jobagent/internal/registry"
)

// Watcher logs the agent process's runtime statistics on every tick.
type Watcher struct {
	logger *slog.Logger
	ticks  int
}

// NewWatcherFactory returns a factory producing independent watchers.
func NewWatcherFactory(logger *slog.Logger) func() (registry.Ticker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return func() (registry.Ticker, error) {
		return &Watcher{logger: logger.With(slog.String("worker", "watcher"))}, nil
	}
}

// Tick implements registry.Ticker.
func (w *Watcher) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.ticks++

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	w.logger.Info("runtime stats",
		slog.Int("tick", w.ticks),
		slog.Int("goroutines", runtime.NumGoroutine()),
		slog.Uint64("heap_alloc_bytes", m.HeapAlloc),
		slog.Uint64("sys_bytes", m.Sys),
		slog.Uint64("gc_cycles", uint64(m.NumGC)),
	)
	return nil
}
