package catalog

import (
	"context"

	"jobagent/internal/job"
	"jobagent/internal/registry"
)

// EchoPayload is the payload of an "echo" job.
type EchoPayload struct {
	Message string `json:"message"`
}

// EchoResult is returned by the "echo" handler.
type EchoResult struct {
	Echoed string `json:"echoed"`
}

// Echo returns its message unchanged.
func Echo() registry.Descriptor {
	return registry.NewDescriptor("echo",
		func(p *EchoPayload) []string {
			if p.Message == "" {
				return []string{"message is required"}
			}
			return nil
		},
		func(ctx context.Context, j *job.Job, p EchoPayload, ec *job.ExecContext) (any, error) {
			ec.Logger.Debug("echoing message")
			return EchoResult{Echoed: p.Message}, nil
		},
	)
}
