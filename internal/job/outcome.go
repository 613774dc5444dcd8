package job

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a failed outcome.
type ErrorKind string

const (
	KindValidation         ErrorKind = "ValidationError"
	KindHandler            ErrorKind = "HandlerError"
	KindCapabilityMismatch ErrorKind = "CapabilityMismatch"
)

// ErrorSummary is the serializable failure sent upstream.
// Stack traces never go here.
type ErrorSummary struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e ErrorSummary) String() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Outcome is the result of executing one job.
type Outcome struct {
	Status Status
	Result any
	Error  *ErrorSummary
}

// Completed wraps a handler return value.
func Completed(result any) Outcome {
	return Outcome{Status: StatusCompleted, Result: result}
}

// Failed builds a failed outcome. Failed outcomes are never retried locally.
func Failed(kind ErrorKind, message string) Outcome {
	return Outcome{
		Status: StatusFailed,
		Error:  &ErrorSummary{Kind: kind, Message: message},
	}
}

// IsCompleted reports whether the outcome carries a result.
func (o Outcome) IsCompleted() bool {
	return o.Status == StatusCompleted
}

// ValidationError is returned by payload validators when a payload does not
// match the handler's declared shape.
type ValidationError struct {
	JobType string
	Issues  []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("invalid payload for %q", e.JobType)
	}
	return fmt.Sprintf("invalid payload for %q: %s", e.JobType, strings.Join(e.Issues, "; "))
}
