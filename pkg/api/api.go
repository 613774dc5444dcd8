// Package api contains the JSON request/response structs exchanged with the orchestrator.
// This package is shared between the worker and the CLI.
package api

import (
	"encoding/json"
	"time"
)

// RegisterRequest announces a worker and its capabilities.
type RegisterRequest struct {
	WorkerID     string   `json:"worker_id"`
	Hostname     string   `json:"hostname"`
	Capabilities []string `json:"capabilities"`
}

// PollRequest asks for the next job matching the capabilities.
// The orchestrator holds the request for up to TimeoutSeconds.
type PollRequest struct {
	WorkerID       string   `json:"worker_id"`
	Capabilities   []string `json:"capabilities"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// JobResponse is a job as returned by poll and status queries.
type JobResponse struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Status      string            `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       *ErrorSummary     `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UserID      string            `json:"user_id,omitempty"`
	ParentJobID string            `json:"parent_job_id,omitempty"`
	Trace       map[string]string `json:"trace,omitempty"`
}

// ErrorSummary is the failure description attached to a failed job.
type ErrorSummary struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// CompleteRequest reports a successful outcome.
type CompleteRequest struct {
	Result json.RawMessage `json:"result"`
}

// FailRequest reports a failed outcome.
type FailRequest struct {
	Error ErrorSummary `json:"error"`
}

// ProgressRequest is a best-effort progress update.
type ProgressRequest struct {
	Fraction float64 `json:"fraction"`
	Message  string  `json:"message,omitempty"`
}

// CreateJobRequest asks the orchestrator to create a job.
type CreateJobRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	ParentJobID string          `json:"parent_job_id,omitempty"`
}

// CreateJobResponse is the response body after creating a job.
type CreateJobResponse struct {
	JobID string `json:"job_id"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// PollerStatusResponse is served by the worker admin endpoint GET /poller.
type PollerStatusResponse struct {
	State   string `json:"state"`
	Handled int64  `json:"handled"`
}

// UnreportedOutcome is a journaled outcome the worker could not deliver.
type UnreportedOutcome struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	JobType      string          `json:"job_type"`
	WorkerID     string          `json:"worker_id"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
	RecordedAt   time.Time       `json:"recorded_at"`
}
