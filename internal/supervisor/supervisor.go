// Package supervisor keeps one OS-level process alive per continuous worker.
// Children are launched through a runtime.Runtime and restarted whenever they
// exit while the supervisor is running. The supervisor shares no memory with
// its children; it only observes their lifecycle.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"jobagent/internal/backoff"
	"jobagent/internal/worker/runtime"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "jobagent/internal/supervisor"

	// crashLoopThreshold consecutive short-lived runs make a crash loop.
	crashLoopThreshold = 3

	reapInitialBackoff = 100 * time.Millisecond
)

// ErrShutdown is returned by Start after Shutdown has been called.
var ErrShutdown = errors.New("supervisor: shut down")

// State is the lifecycle state of one supervised worker.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

// Record describes one supervised worker. A record is never changed once
// published; every transition swaps in a new one.
type Record struct {
	WorkerName    string    `json:"worker_name"`
	ProcessID     string    `json:"process_id,omitempty"`
	RestartCount  int       `json:"restart_count"`
	LastStartedAt time.Time `json:"last_started_at,omitzero"`
	State         State     `json:"state"`
	LastExitCode  *int      `json:"last_exit_code,omitempty"`
}

// Config holds supervisor settings.
type Config struct {
	// RestartDelay is the fixed wait before relaunching an exited child.
	RestartDelay time.Duration
	// GracePeriod bounds how long Shutdown waits after a graceful stop
	// before force-killing the remaining children.
	GracePeriod time.Duration
	// CrashLoopWindow is the run time under which an exit counts as rapid.
	CrashLoopWindow time.Duration

	// Command builds the child command line for a worker name.
	Command func(name string) []string
	// Image is passed to container launchers.
	Image string
	// Env is added to every child's environment.
	Env map[string]string
}

// Supervisor launches, monitors and restarts one child process per worker.
type Supervisor struct {
	rt       runtime.Runtime
	names    []string
	config   Config
	logger   *slog.Logger
	restarts metric.Int64Counter

	mu       sync.Mutex
	records  map[string]*Record
	handles  map[string]runtime.Handle
	started  bool
	stopping bool

	stop         chan struct{}
	shutdownOnce sync.Once
	doneOnce     sync.Once
	wg           sync.WaitGroup
	done         chan struct{}
}

// New creates a supervisor for the given worker names.
func New(rt runtime.Runtime, names []string, config Config, logger *slog.Logger) *Supervisor {
	if config.RestartDelay <= 0 {
		config.RestartDelay = 5 * time.Second
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 10 * time.Second
	}
	if config.CrashLoopWindow <= 0 {
		config.CrashLoopWindow = 2*config.RestartDelay + time.Second
	}
	if config.Command == nil {
		config.Command = func(name string) []string {
			return []string{os.Args[0], "agent", name}
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	restarts, _ := otel.Meter(meterName).Int64Counter(
		"jobagent.agent.restarts",
		metric.WithDescription("Child process restarts by agent"),
		metric.WithUnit("{restart}"),
	)

	records := make(map[string]*Record, len(names))
	for _, name := range names {
		records[name] = &Record{WorkerName: name, State: StateStopped}
	}

	return &Supervisor{
		rt:       rt,
		names:    slices.Clone(names),
		config:   config,
		logger:   logger.With(slog.String("component", "supervisor")),
		restarts: restarts,
		records:  records,
		handles:  make(map[string]runtime.Handle),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches a monitor per worker and returns immediately. Cancelling
// ctx has the same effect as calling Shutdown.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrShutdown
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	for _, name := range s.names {
		s.replaceLocked(name, func(r *Record) { r.State = StateStarting })
	}
	s.mu.Unlock()

	s.logger.Info("supervisor starting", slog.Any("agents", s.names))

	for _, name := range s.names {
		s.wg.Add(1)
		go s.monitor(ctx, name)
	}

	go func() {
		s.wg.Wait()
		s.doneOnce.Do(func() { close(s.done) })
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown(context.WithoutCancel(ctx))
		case <-s.done:
		}
	}()
	return nil
}

// Shutdown gracefully stops every child, force-kills those still running
// after GracePeriod and returns once every monitor has exited. It is safe to
// call more than once and concurrently; later calls wait for the first.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		close(s.stop)
		started := s.started
		for name, r := range s.records {
			if r.State != StateStopped {
				s.replaceLocked(name, func(next *Record) { next.State = StateStopping })
			}
		}
		handles := s.liveHandlesLocked()
		s.mu.Unlock()

		if !started {
			s.doneOnce.Do(func() { close(s.done) })
			return
		}

		s.logger.Info("supervisor shutting down", slog.Int("children", len(handles)))
		for name, h := range handles {
			if err := h.Stop(ctx); err != nil {
				s.logger.Warn("graceful stop failed", slog.String("agent", name), slog.String("error", err.Error()))
			}
		}

		timer := time.NewTimer(s.config.GracePeriod)
		defer timer.Stop()
		select {
		case <-s.done:
			return
		case <-timer.C:
		case <-ctx.Done():
		}

		s.mu.Lock()
		stragglers := s.liveHandlesLocked()
		s.mu.Unlock()
		for name, h := range stragglers {
			s.logger.Warn("grace period expired, killing agent", slog.String("agent", name), slog.String("process_id", h.ID()))
			if err := h.Kill(context.WithoutCancel(ctx)); err != nil {
				s.logger.Error("kill failed", slog.String("agent", name), slog.String("error", err.Error()))
			}
		}
	})

	select {
	case <-s.done:
		s.logger.Info("supervisor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel that is closed once every monitor has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Records returns a snapshot of every worker record, ordered by name.
func (s *Supervisor) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, name := range slices.Sorted(maps.Keys(s.records)) {
		out = append(out, s.snapshotLocked(name))
	}
	return out
}

// Record returns a snapshot of one worker record.
func (s *Supervisor) Record(name string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[name]; !ok {
		return Record{}, false
	}
	return s.snapshotLocked(name), true
}

func (s *Supervisor) snapshotLocked(name string) Record {
	r := *s.records[name]
	if r.LastExitCode != nil {
		code := *r.LastExitCode
		r.LastExitCode = &code
	}
	return r
}

// replaceLocked publishes a copy of the named record with update applied.
func (s *Supervisor) replaceLocked(name string, update func(r *Record)) {
	next := s.snapshotLocked(name)
	update(&next)
	s.records[name] = &next
}

func (s *Supervisor) liveHandlesLocked() map[string]runtime.Handle {
	return maps.Clone(s.handles)
}

// monitor owns the lifecycle of one worker: launch, wait, restart.
// A new child is launched only after the previous one has been reaped, so
// at most one process per worker is alive at any time.
func (s *Supervisor) monitor(ctx context.Context, name string) {
	defer s.wg.Done()
	logger := s.logger.With(slog.String("agent", name))
	rapidExits := 0
	restart := backoff.NewConstant(s.config.RestartDelay)

	for {
		h, startedAt, err := s.launch(ctx, name)
		if errors.Is(err, ErrShutdown) {
			s.setStopped(name, nil)
			return
		}

		if err != nil {
			logger.Error("launch failed", slog.String("error", err.Error()))
			rapidExits++
		} else {
			result := s.reap(context.WithoutCancel(ctx), h, logger)
			code := result.ExitCode

			s.mu.Lock()
			delete(s.handles, name)
			stopping := s.stopping
			s.mu.Unlock()

			if stopping {
				logger.Info("agent stopped", slog.Int("exit_code", code))
				s.setStopped(name, &code)
				return
			}

			attrs := []any{slog.Int("exit_code", code), slog.Duration("uptime", time.Since(startedAt))}
			if result.Error != nil {
				attrs = append(attrs, slog.String("error", result.Error.Error()))
			}
			logger.Warn("agent exited unexpectedly", attrs...)

			if time.Since(startedAt) < s.config.CrashLoopWindow {
				rapidExits++
			} else {
				rapidExits = 0
			}
			s.mu.Lock()
			s.replaceLocked(name, func(r *Record) { r.LastExitCode = &code })
			s.mu.Unlock()
		}

		if rapidExits >= crashLoopThreshold {
			logger.Error("agent is crash looping",
				slog.Int("rapid_exits", rapidExits),
				slog.Duration("restart_delay", s.config.RestartDelay),
			)
		}

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			s.setStopped(name, nil)
			return
		}
		s.replaceLocked(name, func(r *Record) {
			r.RestartCount++
			r.State = StateRestarting
			r.ProcessID = ""
		})
		restarts := s.records[name].RestartCount
		s.mu.Unlock()
		s.restarts.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", name)))

		if !backoff.Sleep(context.WithoutCancel(ctx), restart.Delay(restarts), s.stop) {
			s.setStopped(name, nil)
			return
		}
	}
}

// reap blocks until h has exited. A failed Wait does not prove the child is
// gone, so the child is killed and waited on again until a Wait succeeds.
func (s *Supervisor) reap(ctx context.Context, h runtime.Handle, logger *slog.Logger) runtime.ExitResult {
	retry := backoff.NewExponential(reapInitialBackoff, max(s.config.RestartDelay, reapInitialBackoff))
	for attempt := 1; ; attempt++ {
		result, err := h.Wait(ctx)
		if err == nil {
			return result
		}
		logger.Error("wait failed, killing agent",
			slog.String("process_id", h.ID()),
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
		)
		if err := h.Kill(ctx); err != nil {
			logger.Error("kill failed", slog.String("process_id", h.ID()), slog.String("error", err.Error()))
		}
		backoff.Sleep(ctx, retry.Delay(attempt), nil)
	}
}

// launch starts a child unless shutdown has begun. A child that comes up
// after shutdown started is stopped straight away and still tracked so the
// grace-period kill can reach it.
func (s *Supervisor) launch(ctx context.Context, name string) (runtime.Handle, time.Time, error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, time.Time{}, ErrShutdown
	}
	s.replaceLocked(name, func(r *Record) { r.State = StateStarting })
	s.mu.Unlock()

	env := maps.Clone(s.config.Env)
	if env == nil {
		env = make(map[string]string, 1)
	}
	env["JOBAGENT_AGENT"] = name

	startedAt := time.Now()
	h, err := s.rt.Start(context.WithoutCancel(ctx), runtime.StartOptions{
		Name:    name,
		Image:   s.config.Image,
		Command: s.config.Command(name),
		Env:     env,
	})
	if err != nil {
		return nil, startedAt, err
	}

	s.mu.Lock()
	s.handles[name] = h
	prev := s.snapshotLocked(name)
	stopping := s.stopping
	state := StateRunning
	if stopping {
		state = StateStopping
	}
	s.records[name] = &Record{
		WorkerName:    name,
		ProcessID:     h.ID(),
		RestartCount:  prev.RestartCount,
		LastStartedAt: startedAt,
		State:         state,
		LastExitCode:  prev.LastExitCode,
	}
	s.mu.Unlock()

	if stopping {
		if err := h.Stop(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("graceful stop failed", slog.String("agent", name), slog.String("error", err.Error()))
		}
	} else {
		s.logger.Info("agent running", slog.String("agent", name), slog.String("process_id", h.ID()))
	}
	return h, startedAt, nil
}

func (s *Supervisor) setStopped(name string, code *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceLocked(name, func(r *Record) {
		r.State = StateStopped
		r.ProcessID = ""
		if code != nil {
			r.LastExitCode = code
		}
	})
}
