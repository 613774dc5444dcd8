// Package runtime launches agent processes for the supervisor. Each backend
// runs one long-lived process per agent and exposes its lifecycle through a
// Handle.
package runtime

import (
	"context"
	"errors"
	"maps"
	"slices"
)

// ErrCommandRequired is returned when StartOptions has no command.
var ErrCommandRequired = errors.New("runtime: command is required")

// Runtime starts agent processes.
// Implementations include raw OS processes, Docker and Kubernetes.
type Runtime interface {
	// Start launches the process and returns once it is running.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for launching one agent.
type StartOptions struct {
	// Name is the agent name; backends use it for labels and work dirs.
	Name    string
	Image   string
	Command []string
	Env     map[string]string
}

// ExitResult describes how a process ended.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a running agent process.
type Handle interface {
	// ID identifies the process (pid, container ID or Kubernetes job name).
	ID() string

	// Wait blocks until the process exits or ctx is done.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop asks the process to exit gracefully.
	Stop(ctx context.Context) error

	// Kill terminates the process immediately.
	Kill(ctx context.Context) error
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}
