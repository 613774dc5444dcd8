// Package gateway is the network boundary to the orchestrator.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobagent/internal/job"
)

// Gateway is the orchestrator API consumed by the poller and handlers.
// Every call is independently retryable by the caller.
type Gateway interface {
	Register(ctx context.Context, hostname string, capabilities []string) error

	// Poll long-polls for a job. It returns ErrNoJob when the server-side
	// timeout elapses without work.
	Poll(ctx context.Context, capabilities []string, timeout time.Duration) (*job.Job, error)

	Complete(ctx context.Context, jobID string, result any) error
	Fail(ctx context.Context, jobID string, summary job.ErrorSummary) error
	UpdateProgress(ctx context.Context, jobID string, fraction float64, message string) error
	CreateChildJob(ctx context.Context, spec job.ChildSpec) (string, error)
}

var (
	// ErrNoJob means the long-poll finished without a job.
	ErrNoJob = errors.New("gateway: no job available")

	// ErrUnauthorized is matched by every *AuthError.
	ErrUnauthorized = errors.New("gateway: unauthorized")

	// ErrEncode means a value could not be serialized for the wire.
	ErrEncode = errors.New("gateway: cannot encode request")
)

// AuthError is returned for 401/403 responses. A worker that cannot
// authenticate cannot make progress, so callers treat it as fatal.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("orchestrator rejected credentials (%d): %s", e.StatusCode, e.Message)
}

func (e *AuthError) Unwrap() error { return ErrUnauthorized }

// NetworkError is a transient failure: transport errors, timeouts, 5xx and 429.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: orchestrator returned status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is returned when the orchestrator rejects a request body
// (400/422), e.g. an invalid child job spec.
type ValidationError struct {
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("orchestrator rejected request (%d): %s", e.StatusCode, e.Message)
}

// APIError represents any other unexpected response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
