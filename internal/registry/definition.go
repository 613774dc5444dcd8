package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"jobagent/internal/job"
)

// NewDescriptor builds a descriptor from a typed payload. The raw payload is
// decoded strictly into T (unknown fields are rejected) and then checked by
// validate, which may be nil. The typed handler is wrapped so the executor
// only deals with the type-erased form.
func NewDescriptor[T any](
	jobType string,
	validate func(*T) []string,
	handler func(ctx context.Context, j *job.Job, payload T, ec *job.ExecContext) (any, error),
) Descriptor {
	return Descriptor{
		JobType: jobType,
		Validate: func(raw json.RawMessage) (any, error) {
			var p T
			if len(bytes.TrimSpace(raw)) == 0 {
				raw = json.RawMessage("{}")
			}
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&p); err != nil {
				return nil, &job.ValidationError{JobType: jobType, Issues: []string{err.Error()}}
			}
			if validate != nil {
				if issues := validate(&p); len(issues) > 0 {
					return nil, &job.ValidationError{JobType: jobType, Issues: issues}
				}
			}
			return p, nil
		},
		Handler: func(ctx context.Context, j *job.Job, payload any, ec *job.ExecContext) (any, error) {
			p, ok := payload.(T)
			if !ok {
				return nil, fmt.Errorf("payload for %q has type %T", jobType, payload)
			}
			return handler(ctx, j, p, ec)
		},
	}
}
