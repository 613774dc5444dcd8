// Package worker contains the poll → execute → report pipeline for discrete jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"jobagent/internal/job"
	"jobagent/internal/logger"
	"jobagent/internal/registry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "jobagent/internal/worker"

// ExecutorConfig holds the per-execution limits.
type ExecutorConfig struct {
	// JobTimeout bounds one handler invocation. Zero disables the deadline.
	JobTimeout time.Duration

	// ProgressRate is the number of progress updates per second a job may
	// send. Zero disables throttling.
	ProgressRate float64
}

// Executor runs one job against its descriptor and turns the result into an
// outcome. It never retries and never talks to the orchestrator about the
// outcome itself.
type Executor struct {
	api    job.API
	config ExecutorConfig
	logger *slog.Logger
	tracer trace.Tracer
}

// NewExecutor creates an executor. api is the restricted gateway surface
// handed to handlers through their ExecContext.
func NewExecutor(api job.API, config ExecutorConfig, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		api:    api,
		config: config,
		logger: log,
		tracer: otel.Tracer(tracerName),
	}
}

// Execute validates the payload, invokes the handler and returns the outcome.
// A validation failure short-circuits before the handler runs. Handler
// errors and panics become HandlerError outcomes; stacks are only logged.
func (e *Executor) Execute(ctx context.Context, j *job.Job, d registry.Descriptor) job.Outcome {
	if len(j.Trace) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(j.Trace))
	}
	ctx, span := e.tracer.Start(ctx, "execute_job",
		trace.WithAttributes(
			attribute.String("job.id", j.ID),
			attribute.String("job.type", j.Type),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	ctx = logger.WithJobID(ctx, j.ID)
	log := logger.FromContext(ctx, e.logger).With(slog.String("job_type", j.Type))

	outcome := e.execute(ctx, j, d, log)
	if !outcome.IsCompleted() {
		span.SetStatus(codes.Error, outcome.Error.Message)
		span.SetAttributes(attribute.String("job.error_kind", string(outcome.Error.Kind)))
	}
	return outcome
}

func (e *Executor) execute(ctx context.Context, j *job.Job, d registry.Descriptor, log *slog.Logger) job.Outcome {
	var payload any = j.Payload
	if d.Validate != nil {
		p, err := d.Validate(j.Payload)
		if err != nil {
			log.Warn("payload rejected", slog.String("error", err.Error()))
			return job.Failed(job.KindValidation, err.Error())
		}
		payload = p
	}

	var limiter *rate.Limiter
	if e.config.ProgressRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.config.ProgressRate), 1)
	}
	ec := job.NewExecContext(j, e.api, e.logger, limiter)

	// Independent of the poll context: a stop request lets the job finish.
	execCtx := ctx
	if e.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.config.JobTimeout)
		defer cancel()
	}

	result, err := invoke(execCtx, d.Handler, j, payload, ec, log)
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			log.Error("job timed out", slog.Duration("timeout", e.config.JobTimeout))
			return job.Failed(job.KindHandler, fmt.Sprintf("job timed out after %v", e.config.JobTimeout))
		}

		var vErr *job.ValidationError
		if errors.As(err, &vErr) {
			log.Warn("handler rejected payload", slog.String("error", err.Error()))
			return job.Failed(job.KindValidation, err.Error())
		}

		log.Error("handler failed", slog.String("error", err.Error()))
		return job.Failed(job.KindHandler, err.Error())
	}

	return job.Completed(result)
}

// invoke calls the handler and converts a panic into an error.
func invoke(ctx context.Context, h registry.HandlerFunc, j *job.Job, payload any, ec *job.ExecContext, log *slog.Logger) (result any, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = nil
			retErr = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, j, payload, ec)
}
