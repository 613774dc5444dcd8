// Package store contains the persistence layer for outcomes the worker could not report.
package store

import (
	"encoding/json"
	"time"

	"jobagent/internal/job"

	"github.com/google/uuid"
)

// UnreportedOutcome is a job outcome that exhausted its report budget.
// It is kept so an operator can replay it once the orchestrator is reachable.
type UnreportedOutcome struct {
	ID         uuid.UUID
	JobID      string
	JobType    string
	WorkerID   string
	Status     job.Status
	Result     json.RawMessage
	Error      *job.ErrorSummary
	Attempts   int
	LastError  string
	RecordedAt time.Time
}

// Outcome rebuilds the job outcome carried by the entry.
func (u *UnreportedOutcome) Outcome() job.Outcome {
	if u.Status == job.StatusCompleted {
		return job.Completed(u.Result)
	}
	o := job.Outcome{Status: job.StatusFailed, Error: u.Error}
	if o.Error == nil {
		o.Error = &job.ErrorSummary{Kind: job.KindHandler, Message: "unknown failure"}
	}
	return o
}
