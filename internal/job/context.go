package job

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/time/rate"
)

// API is the slice of the orchestrator gateway a handler may use.
type API interface {
	UpdateProgress(ctx context.Context, jobID string, fraction float64, message string) error
	CreateChildJob(ctx context.Context, spec ChildSpec) (string, error)
}

// ExecContext is handed to a handler for exactly one invocation.
type ExecContext struct {
	JobID  string
	Logger *slog.Logger

	api     API
	userID  string
	limiter *rate.Limiter
}

// NewExecContext builds a context scoped to j. A nil limiter disables
// progress throttling.
func NewExecContext(j *Job, api API, logger *slog.Logger, limiter *rate.Limiter) *ExecContext {
	return &ExecContext{
		JobID:   j.ID,
		Logger:  logger.With(slog.String("job_id", j.ID), slog.String("job_type", j.Type)),
		api:     api,
		userID:  j.UserID,
		limiter: limiter,
	}
}

// ReportProgress sends a best-effort progress update. Failures are logged
// and never returned.
func (c *ExecContext) ReportProgress(ctx context.Context, fraction float64, message string) {
	if c.api == nil {
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.Logger.Debug("progress update dropped by rate limit", slog.Float64("fraction", fraction))
		return
	}

	fraction = min(max(fraction, 0), 1)
	if err := c.api.UpdateProgress(ctx, c.JobID, fraction, message); err != nil {
		c.Logger.Warn("progress update failed", slog.String("error", err.Error()))
	}
}

// CreateChildJob asks the orchestrator for a new job parented to this one.
func (c *ExecContext) CreateChildJob(ctx context.Context, spec ChildSpec) (string, error) {
	if c.api == nil {
		return "", errors.New("no orchestrator available")
	}
	spec.ParentJobID = c.JobID
	if spec.UserID == "" {
		spec.UserID = c.userID
	}
	return c.api.CreateChildJob(ctx, spec)
}
