// Package job contains the job model shared by the poller, the executor and handlers.
package job

import (
	"encoding/json"
	"time"
)

// Job is a transient copy of an orchestrator-owned unit of work.
// It lives for the duration of one execution.
type Job struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	Status      Status
	Result      any
	Error       *ErrorSummary
	CreatedAt   time.Time
	UserID      string
	ParentJobID string

	// Trace carries the producer's trace context (W3C headers), if any.
	Trace map[string]string
}

// Status represents the state of a job as seen by the runtime.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Attach records the outcome on the job before it is reported.
// It is the only local mutation a job goes through.
func (j *Job) Attach(o Outcome) {
	j.Status = o.Status
	j.Result = o.Result
	j.Error = o.Error
}

// ChildSpec describes a job a handler wants the orchestrator to create.
type ChildSpec struct {
	Type        string
	Payload     any
	UserID      string
	ParentJobID string
}
