// Package registry maps job types to discrete-job handlers and agent names to
// continuous-worker factories. It is built once at startup and read-only afterwards.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"jobagent/internal/job"
)

var (
	ErrDuplicateHandler = errors.New("registry: duplicate handler")
	ErrDuplicateWorker  = errors.New("registry: duplicate worker")
	ErrInvalid          = errors.New("registry: invalid descriptor")
	ErrUnknownType      = errors.New("registry: unknown job type")
)

// Validator checks a raw payload and returns its typed form.
// Rejections should be *job.ValidationError.
type Validator func(raw json.RawMessage) (any, error)

// HandlerFunc executes one discrete job with an already validated payload.
type HandlerFunc func(ctx context.Context, j *job.Job, payload any, ec *job.ExecContext) (any, error)

// Descriptor binds a job type to its payload shape and handler.
type Descriptor struct {
	JobType  string
	Validate Validator
	Handler  HandlerFunc
}

// Ticker is a continuous worker instance. Tick is invoked repeatedly by the
// agent loop running in the worker's own process.
type Ticker interface {
	Tick(ctx context.Context) error
}

// WorkerDescriptor describes a continuous worker. Name is used both as the
// child process argument and as the supervisor's restart-tracking key.
type WorkerDescriptor struct {
	Name         string
	TickInterval time.Duration
	Factory      func() (Ticker, error)
}

// Registry holds handler and worker descriptors.
type Registry struct {
	handlers map[string]Descriptor
	workers  map[string]WorkerDescriptor
}

// New validates the descriptors and builds a registry. Registering two
// handlers for the same job type, or two workers with the same name, is a
// configuration error.
func New(handlers []Descriptor, workers []WorkerDescriptor) (*Registry, error) {
	r := &Registry{
		handlers: make(map[string]Descriptor, len(handlers)),
		workers:  make(map[string]WorkerDescriptor, len(workers)),
	}

	for _, d := range handlers {
		if d.JobType == "" {
			return nil, fmt.Errorf("%w: handler with empty job type", ErrInvalid)
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("%w: handler %q has no function", ErrInvalid, d.JobType)
		}
		if _, ok := r.handlers[d.JobType]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateHandler, d.JobType)
		}
		r.handlers[d.JobType] = d
	}

	for _, w := range workers {
		if w.Name == "" {
			return nil, fmt.Errorf("%w: worker with empty name", ErrInvalid)
		}
		if w.TickInterval <= 0 {
			return nil, fmt.Errorf("%w: worker %q needs a positive tick interval", ErrInvalid, w.Name)
		}
		if w.Factory == nil {
			return nil, fmt.Errorf("%w: worker %q has no factory", ErrInvalid, w.Name)
		}
		if _, ok := r.workers[w.Name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateWorker, w.Name)
		}
		r.workers[w.Name] = w
	}

	return r, nil
}

// Resolve returns the descriptor for jobType.
func (r *Registry) Resolve(jobType string) (Descriptor, bool) {
	d, ok := r.handlers[jobType]
	return d, ok
}

// Capabilities returns every registered job type, sorted.
func (r *Registry) Capabilities() []string {
	caps := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		caps = append(caps, t)
	}
	slices.Sort(caps)
	return caps
}

// Select narrows the capabilities to filter. An empty filter selects all of
// them; naming an unregistered type is an error.
func (r *Registry) Select(filter []string) ([]string, error) {
	if len(filter) == 0 {
		return r.Capabilities(), nil
	}

	caps := make([]string, 0, len(filter))
	for _, t := range filter {
		if _, ok := r.handlers[t]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
		}
		if !slices.Contains(caps, t) {
			caps = append(caps, t)
		}
	}
	slices.Sort(caps)
	return caps, nil
}

// Workers returns the continuous worker descriptors sorted by name.
func (r *Registry) Workers() []WorkerDescriptor {
	out := make([]WorkerDescriptor, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b WorkerDescriptor) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// WorkerNames returns the sorted worker names.
func (r *Registry) WorkerNames() []string {
	names := make([]string, 0, len(r.workers))
	for _, w := range r.Workers() {
		names = append(names, w.Name)
	}
	return names
}

// Worker returns the descriptor registered under name.
func (r *Registry) Worker(name string) (WorkerDescriptor, bool) {
	w, ok := r.workers[name]
	return w, ok
}
