// Package catalog is the built-in set of job handlers and continuous workers
// compiled into the jobagent binary.
package catalog

import (
	"log/slog"
	"time"

	"jobagent/internal/registry"
)

// WatcherInterval is the tick interval of the runtime stats watcher.
const WatcherInterval = 30 * time.Second

// Handlers returns the discrete job handlers.
func Handlers() []registry.Descriptor {
	return []registry.Descriptor{
		Echo(),
		Fanout(),
	}
}

// Workers returns the continuous workers. logger is handed to each worker
// instance built by a factory.
func Workers(logger *slog.Logger) []registry.WorkerDescriptor {
	return []registry.WorkerDescriptor{
		{
			Name:         "watcher",
			TickInterval: WatcherInterval,
			Factory:      NewWatcherFactory(logger),
		},
	}
}

// New builds the registry holding the whole catalog.
func New(logger *slog.Logger) (*registry.Registry, error) {
	return registry.New(Handlers(), Workers(logger))
}
