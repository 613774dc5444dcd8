package worker

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for poller and executor metrics.
const meterName = "jobagent/internal/worker"

type pollerMetrics struct {
	polled     metric.Int64Counter
	outcomes   metric.Int64Counter
	pollErrors metric.Int64Counter
	abandoned  metric.Int64Counter
	duration   metric.Float64Histogram
}

// newPollerMetrics creates the instruments once. On error the OTel API hands
// back noop instruments, so failures are ignored.
func newPollerMetrics(meter metric.Meter) *pollerMetrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	polled, _ := meter.Int64Counter(
		"jobagent.jobs.polled",
		metric.WithDescription("Jobs received from the orchestrator"),
		metric.WithUnit("{job}"),
	)
	outcomes, _ := meter.Int64Counter(
		"jobagent.jobs.outcomes",
		metric.WithDescription("Job outcomes by status and error kind"),
		metric.WithUnit("{job}"),
	)
	pollErrors, _ := meter.Int64Counter(
		"jobagent.poll.errors",
		metric.WithDescription("Failed poll calls"),
		metric.WithUnit("{error}"),
	)
	abandoned, _ := meter.Int64Counter(
		"jobagent.reports.abandoned",
		metric.WithDescription("Outcomes that exhausted their report attempts"),
		metric.WithUnit("{job}"),
	)
	duration, _ := meter.Float64Histogram(
		"jobagent.job.duration",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"),
	)

	return &pollerMetrics{
		polled:     polled,
		outcomes:   outcomes,
		pollErrors: pollErrors,
		abandoned:  abandoned,
		duration:   duration,
	}
}
