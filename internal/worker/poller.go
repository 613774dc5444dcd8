package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"jobagent/internal/backoff"
	"jobagent/internal/gateway"
	"jobagent/internal/job"
	"jobagent/internal/registry"
	"jobagent/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State is the poller's position in its loop.
type State int32

const (
	StateIdle State = iota
	StateRegistering
	StatePolling
	StateExecuting
	StateReporting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistering:
		return "registering"
	case StatePolling:
		return "polling"
	case StateExecuting:
		return "executing"
	case StateReporting:
		return "reporting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Resolver looks up the descriptor for a job type.
type Resolver interface {
	Resolve(jobType string) (registry.Descriptor, bool)
}

// PollerConfig holds configuration for the poller.
type PollerConfig struct {
	WorkerID     string
	Hostname     string
	Capabilities []string

	PollTimeout        time.Duration // Server-side long-poll hold (default: 30s)
	PollInitialBackoff time.Duration // First delay after a failed poll (default: 1s)
	PollMaxBackoff     time.Duration // Cap for poll and register retries (default: 30s)
	ReportAttempts     int           // Tries per outcome before it is abandoned (default: 5)
	ReportBackoff      time.Duration // First delay between report tries (default: 500ms)
}

// Option customizes a Poller.
type Option func(*Poller)

// WithJournal records outcomes that could not be reported.
func WithJournal(j store.Journal) Option {
	return func(p *Poller) { p.journal = j }
}

// WithMeter overrides the global meter, mainly for tests.
func WithMeter(m metric.Meter) Option {
	return func(p *Poller) { p.metrics = newPollerMetrics(m) }
}

// Poller runs the register → poll → execute → report loop. It processes one
// job at a time and never polls again before the previous outcome has been
// reported or abandoned.
type Poller struct {
	gw       gateway.Gateway
	resolver Resolver
	executor *Executor
	config   PollerConfig
	logger   *slog.Logger
	journal  store.Journal
	metrics  *pollerMetrics

	state    atomic.Int32
	handled  atomic.Int64
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewPoller creates a poller.
func NewPoller(gw gateway.Gateway, resolver Resolver, executor *Executor, config PollerConfig, log *slog.Logger, opts ...Option) *Poller {
	if config.PollTimeout <= 0 {
		config.PollTimeout = 30 * time.Second
	}
	if config.PollInitialBackoff <= 0 {
		config.PollInitialBackoff = 1 * time.Second
	}
	if config.PollMaxBackoff <= 0 {
		config.PollMaxBackoff = 30 * time.Second
	}
	if config.ReportAttempts <= 0 {
		config.ReportAttempts = 5
	}
	if config.ReportBackoff <= 0 {
		config.ReportBackoff = 500 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Poller{
		gw:       gw,
		resolver: resolver,
		executor: executor,
		config:   config,
		logger:   log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = newPollerMetrics(nil)
	}
	return p
}

// Run registers the worker and loops until Stop is called or ctx is
// cancelled. An execution in flight at that moment, and its report, always
// run to completion first. Stop interrupts an idle long-poll; a job that
// the interrupted poll still returns is executed and reported, but one the
// orchestrator claimed without the response arriving stays claimed until
// the orchestrator's own timeout.
//
// Run returns nil after Stop, ctx.Err() after cancellation, and an error
// wrapping gateway.ErrUnauthorized when the orchestrator rejects the token.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.done)
	defer p.setState(StateStopped)

	// pollCtx is cancelled by Stop so a long-poll or backoff wait returns early.
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-pollCtx.Done():
		}
	}()

	p.logger.Info("poller starting",
		slog.String("worker_id", p.config.WorkerID),
		slog.Any("capabilities", p.config.Capabilities),
	)

	if err := p.register(pollCtx); err != nil {
		return p.exit(ctx, err)
	}

	retry := backoff.NewExponentialWithJitter(p.config.PollInitialBackoff, p.config.PollMaxBackoff)
	failures := 0

	for {
		if pollCtx.Err() != nil {
			return p.exit(ctx, nil)
		}

		p.setState(StatePolling)
		j, err := p.gw.Poll(pollCtx, p.config.Capabilities, p.config.PollTimeout)
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, gateway.ErrNoJob):
			failures = 0
			continue
		case gateway.IsAuth(err):
			return p.exit(ctx, fmt.Errorf("poll: %w", err))
		case pollCtx.Err() != nil:
			return p.exit(ctx, nil)
		default:
			failures++
			p.metrics.pollErrors.Add(pollCtx, 1)
			delay := retry.Delay(failures)
			p.logger.Warn("poll failed, backing off",
				slog.String("error", err.Error()),
				slog.Int("attempt", failures),
				slog.Duration("delay", delay),
			)
			if !backoff.Sleep(pollCtx, delay, p.stop) {
				return p.exit(ctx, nil)
			}
			continue
		}

		// Execution and reporting are not interrupted by Stop or ctx.
		if err := p.handle(context.WithoutCancel(ctx), j); err != nil {
			return p.exit(ctx, err)
		}
	}
}

// Stop asks the loop to finish. It is safe to call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

// Done returns a channel that is closed when Run has returned.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// State returns the current loop state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// Handled returns the number of jobs taken from the orchestrator so far.
func (p *Poller) Handled() int64 {
	return p.handled.Load()
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
}

func (p *Poller) exit(ctx context.Context, err error) error {
	if err != nil {
		p.logger.Error("poller stopped", slog.String("error", err.Error()))
		return err
	}
	p.logger.Info("poller stopped", slog.Int64("jobs_handled", p.Handled()))
	return ctx.Err()
}

func (p *Poller) register(ctx context.Context) error {
	p.setState(StateRegistering)
	retry := backoff.NewExponential(p.config.PollInitialBackoff, p.config.PollMaxBackoff)

	for attempt := 1; ; attempt++ {
		err := p.gw.Register(ctx, p.config.Hostname, p.config.Capabilities)
		if err == nil {
			p.logger.Info("worker registered", slog.String("hostname", p.config.Hostname))
			return nil
		}
		if gateway.IsAuth(err) {
			return fmt.Errorf("register: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := retry.Delay(attempt)
		p.logger.Warn("registration failed, retrying",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		if !backoff.Sleep(ctx, delay, p.stop) {
			return nil
		}
	}
}

// handle executes one job and reports its outcome. It only returns an error
// when the orchestrator rejected the worker's credentials.
func (p *Poller) handle(ctx context.Context, j *job.Job) error {
	p.handled.Add(1)
	p.metrics.polled.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", j.Type)))
	log := p.logger.With(slog.String("job_id", j.ID), slog.String("job_type", j.Type))

	var outcome job.Outcome
	d, ok := p.resolver.Resolve(j.Type)
	if !ok {
		log.Warn("no handler registered for job type")
		outcome = job.Failed(job.KindCapabilityMismatch, fmt.Sprintf("no handler registered for job type %q", j.Type))
	} else {
		p.setState(StateExecuting)
		start := time.Now()
		outcome = p.executor.Execute(ctx, j, d)
		p.metrics.duration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("job_type", j.Type)))
	}

	j.Attach(outcome)
	attrs := []attribute.KeyValue{attribute.String("status", string(outcome.Status))}
	if outcome.Error != nil {
		attrs = append(attrs, attribute.String("kind", string(outcome.Error.Kind)))
	}
	p.metrics.outcomes.Add(ctx, 1, metric.WithAttributes(attrs...))

	p.setState(StateReporting)
	return p.report(ctx, j, outcome, log)
}

// report delivers the outcome, retrying transient failures with backoff.
// Once the attempts are used up the outcome is logged, journaled when a
// journal is configured, and dropped.
func (p *Poller) report(ctx context.Context, j *job.Job, outcome job.Outcome, log *slog.Logger) error {
	retry := backoff.NewExponential(p.config.ReportBackoff, p.config.PollMaxBackoff)

	var lastErr error
	attempt := 1
	for ; attempt <= p.config.ReportAttempts; attempt++ {
		err := sendOutcome(ctx, p.gw, j.ID, outcome)
		if err == nil {
			log.Info("job reported", slog.String("status", string(outcome.Status)))
			return nil
		}
		if gateway.IsAuth(err) {
			return fmt.Errorf("report job %s: %w", j.ID, err)
		}
		lastErr = err

		if errors.Is(err, gateway.ErrEncode) && outcome.IsCompleted() {
			log.Error("result cannot be serialized, reporting failure instead", slog.String("error", err.Error()))
			outcome = job.Failed(job.KindHandler, fmt.Sprintf("result is not serializable: %v", err))
			j.Attach(outcome)
			// The failure outcome gets the full set of attempts.
			attempt--
			continue
		}
		if !gateway.IsTransient(err) {
			log.Error("orchestrator rejected report", slog.String("error", err.Error()))
			break
		}
		if attempt == p.config.ReportAttempts {
			break
		}

		delay := retry.Delay(attempt)
		log.Warn("report failed, retrying",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		backoff.Sleep(ctx, delay, nil)
	}

	p.abandon(ctx, j, outcome, min(attempt, p.config.ReportAttempts), lastErr, log)
	return nil
}

func (p *Poller) abandon(ctx context.Context, j *job.Job, outcome job.Outcome, attempts int, lastErr error, log *slog.Logger) {
	p.metrics.abandoned.Add(ctx, 1)

	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	attrs := []any{
		slog.String("status", string(outcome.Status)),
		slog.Int("attempts", attempts),
		slog.String("error", errMsg),
	}
	if outcome.Error != nil {
		attrs = append(attrs, slog.String("outcome_error", outcome.Error.String()))
	}
	log.Error("outcome unreportable, giving up", attrs...)

	if p.journal == nil {
		return
	}

	entry := &store.UnreportedOutcome{
		JobID:     j.ID,
		JobType:   j.Type,
		WorkerID:  p.config.WorkerID,
		Status:    outcome.Status,
		Error:     outcome.Error,
		Attempts:  attempts,
		LastError: errMsg,
	}
	if outcome.IsCompleted() {
		raw, err := json.Marshal(outcome.Result)
		if err != nil {
			log.Error("cannot journal unserializable result", slog.String("error", err.Error()))
			return
		}
		entry.Result = raw
	}
	if err := p.journal.Record(ctx, entry); err != nil {
		log.Error("failed to journal outcome", slog.String("error", err.Error()))
		return
	}
	log.Info("outcome journaled for replay", slog.String("entry_id", entry.ID.String()))
}

func sendOutcome(ctx context.Context, gw gateway.Gateway, jobID string, outcome job.Outcome) error {
	if outcome.IsCompleted() {
		return gw.Complete(ctx, jobID, outcome.Result)
	}
	summary := job.ErrorSummary{Kind: job.KindHandler}
	if outcome.Error != nil {
		summary = *outcome.Error
	}
	return gw.Fail(ctx, jobID, summary)
}
