package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobagent/internal/worker/runtime"
)

// MockHandle is a controllable child process.
type MockHandle struct {
	id         string
	rt         *MockRuntime
	name       string
	exit       chan runtime.ExitResult
	ignoreStop bool
	// waitErrs is the number of Wait calls that fail while the process
	// is still alive.
	waitErrs atomic.Int32

	StopCalls atomic.Int32
	KillCalls atomic.Int32
}

func (h *MockHandle) ID() string { return h.id }

func (h *MockHandle) Wait(ctx context.Context) (runtime.ExitResult, error) {
	if h.waitErrs.Add(-1) >= 0 {
		return runtime.ExitResult{ExitCode: -1}, errors.New("watch closed")
	}
	select {
	case res := <-h.exit:
		h.rt.exited(h.name)
		return res, nil
	case <-ctx.Done():
		return runtime.ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

func (h *MockHandle) Stop(ctx context.Context) error {
	h.StopCalls.Add(1)
	if !h.ignoreStop {
		h.Crash(143)
	}
	return nil
}

func (h *MockHandle) Kill(ctx context.Context) error {
	h.KillCalls.Add(1)
	h.Crash(137)
	return nil
}

// Crash makes the process exit with code, unless it already has.
func (h *MockHandle) Crash(code int) {
	select {
	case h.exit <- runtime.ExitResult{ExitCode: code}:
	default:
	}
}

// MockRuntime records launches and tracks live processes per agent.
type MockRuntime struct {
	mu         sync.Mutex
	handles    map[string][]*MockHandle
	live       map[string]int
	maxLive    int
	IgnoreStop bool
	// WaitErrs is copied into every new handle.
	WaitErrs int32
	// StartErr, when set, is consulted before each launch.
	StartErr func(name string, attempt int) error
}

func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		handles: make(map[string][]*MockHandle),
		live:    make(map[string]int),
	}
}

func (m *MockRuntime) Start(ctx context.Context, opts runtime.StartOptions) (runtime.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt := len(m.handles[opts.Name]) + 1
	if m.StartErr != nil {
		if err := m.StartErr(opts.Name, attempt); err != nil {
			m.handles[opts.Name] = append(m.handles[opts.Name], nil)
			return nil, err
		}
	}

	h := &MockHandle{
		id:         fmt.Sprintf("%s-%d", opts.Name, attempt),
		rt:         m,
		name:       opts.Name,
		exit:       make(chan runtime.ExitResult, 1),
		ignoreStop: m.IgnoreStop,
	}
	h.waitErrs.Store(m.WaitErrs)
	m.handles[opts.Name] = append(m.handles[opts.Name], h)
	m.live[opts.Name]++
	if m.live[opts.Name] > m.maxLive {
		m.maxLive = m.live[opts.Name]
	}
	return h, nil
}

func (m *MockRuntime) exited(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[name]--
}

// latest returns the most recent successfully started handle for name.
func (m *MockRuntime) latest(name string) *MockHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := m.handles[name]
	for i := len(hs) - 1; i >= 0; i-- {
		if hs[i] != nil {
			return hs[i]
		}
	}
	return nil
}

func (m *MockRuntime) all() []*MockHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*MockHandle
	for _, hs := range m.handles {
		for _, h := range hs {
			if h != nil {
				out = append(out, h)
			}
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testConfig() Config {
	return Config{
		RestartDelay: 20 * time.Millisecond,
		GracePeriod:  time.Second,
		Command:      func(name string) []string { return []string{"jobagent", "agent", name} },
	}
}

func recordState(s *Supervisor, name string) Record {
	r, _ := s.Record(name)
	return r
}

func TestNew_Defaults(t *testing.T) {
	s := New(NewMockRuntime(), []string{"a"}, Config{}, nil)

	if s.config.RestartDelay != 5*time.Second {
		t.Errorf("expected restart delay 5s, got %v", s.config.RestartDelay)
	}
	if s.config.GracePeriod != 10*time.Second {
		t.Errorf("expected grace period 10s, got %v", s.config.GracePeriod)
	}
	if cmd := s.config.Command("a"); len(cmd) != 3 || cmd[1] != "agent" || cmd[2] != "a" {
		t.Errorf("unexpected default command: %v", cmd)
	}
	if r := recordState(s, "a"); r.State != StateStopped {
		t.Errorf("expected initial state stopped, got %s", r.State)
	}
}

func TestStart_LaunchesOneChildPerWorker(t *testing.T) {
	rt := NewMockRuntime()
	s := New(rt, []string{"alpha", "beta"}, testConfig(), discardLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Shutdown(context.Background())

	waitFor(t, time.Second, func() bool {
		return recordState(s, "alpha").State == StateRunning && recordState(s, "beta").State == StateRunning
	})

	records := s.Records()
	if len(records) != 2 || records[0].WorkerName != "alpha" || records[1].WorkerName != "beta" {
		t.Fatalf("unexpected records: %+v", records)
	}
	for _, r := range records {
		if r.ProcessID == "" || r.LastStartedAt.IsZero() || r.RestartCount != 0 {
			t.Errorf("unexpected record: %+v", r)
		}
	}
}

func TestStart_PassesAgentNameAndCommand(t *testing.T) {
	var got runtime.StartOptions
	rt := &recordingRuntime{MockRuntime: NewMockRuntime(), last: &got}
	cfg := testConfig()
	cfg.Image = "registry.local/jobagent"
	cfg.Env = map[string]string{"LOG_LEVEL": "debug"}
	s := New(rt, []string{"watcher"}, cfg, discardLogger())

	s.Start(context.Background())
	defer s.Shutdown(context.Background())
	waitFor(t, time.Second, func() bool { return recordState(s, "watcher").State == StateRunning })

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if got.Name != "watcher" || got.Image != "registry.local/jobagent" {
		t.Errorf("unexpected options: %+v", got)
	}
	if got.Env["JOBAGENT_AGENT"] != "watcher" || got.Env["LOG_LEVEL"] != "debug" {
		t.Errorf("unexpected env: %v", got.Env)
	}
	if cfg.Env["JOBAGENT_AGENT"] != "" {
		t.Error("configured env must not be mutated")
	}
}

type recordingRuntime struct {
	*MockRuntime
	last *runtime.StartOptions
}

func (r *recordingRuntime) Start(ctx context.Context, opts runtime.StartOptions) (runtime.Handle, error) {
	h, err := r.MockRuntime.Start(ctx, opts)
	r.MockRuntime.mu.Lock()
	*r.last = opts
	r.MockRuntime.mu.Unlock()
	return h, err
}

// A child that crashes once is relaunched after the restart delay.
func TestCrashedChildIsRestarted(t *testing.T) {
	rt := NewMockRuntime()
	s := New(rt, []string{"w"}, testConfig(), discardLogger())
	s.Start(context.Background())
	defer s.Shutdown(context.Background())

	waitFor(t, time.Second, func() bool { return rt.latest("w") != nil })
	first := rt.latest("w")
	first.Crash(1)

	waitFor(t, time.Second, func() bool {
		r := recordState(s, "w")
		return r.State == StateRunning && r.ProcessID == "w-2"
	})

	r := recordState(s, "w")
	if r.RestartCount != 1 {
		t.Errorf("expected restart count 1, got %d", r.RestartCount)
	}
	if r.LastExitCode == nil || *r.LastExitCode != 1 {
		t.Errorf("expected last exit code 1, got %v", r.LastExitCode)
	}
	if first.StopCalls.Load() != 0 {
		t.Error("crashed child must not be stopped")
	}
}

func TestRestartWaitsForDelay(t *testing.T) {
	rt := NewMockRuntime()
	cfg := testConfig()
	cfg.RestartDelay = 100 * time.Millisecond
	s := New(rt, []string{"w"}, cfg, discardLogger())
	s.Start(context.Background())
	defer s.Shutdown(context.Background())

	waitFor(t, time.Second, func() bool { return rt.latest("w") != nil })
	crashedAt := time.Now()
	rt.latest("w").Crash(2)

	waitFor(t, time.Second, func() bool { return recordState(s, "w").ProcessID == "w-2" })
	if elapsed := time.Since(crashedAt); elapsed < 100*time.Millisecond {
		t.Errorf("relaunched after %v, before the restart delay", elapsed)
	}
}

func TestLaunchFailureIsRetried(t *testing.T) {
	rt := NewMockRuntime()
	rt.StartErr = func(name string, attempt int) error {
		if attempt == 1 {
			return errors.New("image not found")
		}
		return nil
	}
	s := New(rt, []string{"w"}, testConfig(), discardLogger())
	s.Start(context.Background())
	defer s.Shutdown(context.Background())

	waitFor(t, time.Second, func() bool { return recordState(s, "w").State == StateRunning })
	if r := recordState(s, "w"); r.RestartCount != 1 {
		t.Errorf("expected restart count 1, got %d", r.RestartCount)
	}
}

func TestAtMostOneLiveProcessPerWorker(t *testing.T) {
	rt := NewMockRuntime()
	cfg := testConfig()
	cfg.RestartDelay = time.Millisecond
	s := New(rt, []string{"w"}, cfg, discardLogger())
	s.Start(context.Background())

	for i := range 10 {
		waitFor(t, time.Second, func() bool { return recordState(s, "w").ProcessID == fmt.Sprintf("w-%d", i+1) })
		rt.latest("w").Crash(1)
	}
	s.Shutdown(context.Background())

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.maxLive != 1 {
		t.Errorf("expected at most one live process, saw %d", rt.maxLive)
	}
}

// A failed Wait leaves the child alive, so it must be killed and reaped
// before a replacement is launched.
func TestWaitErrorKillsChildBeforeRelaunch(t *testing.T) {
	rt := NewMockRuntime()
	rt.WaitErrs = 2
	s := New(rt, []string{"w"}, testConfig(), discardLogger())
	s.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool { return recordState(s, "w").ProcessID == "w-2" })
	if r := recordState(s, "w"); r.LastExitCode == nil || *r.LastExitCode != 137 {
		t.Errorf("expected last exit code 137, got %v", r.LastExitCode)
	}
	s.Shutdown(context.Background())

	rt.mu.Lock()
	first := rt.handles["w"][0]
	maxLive := rt.maxLive
	rt.mu.Unlock()

	if maxLive != 1 {
		t.Errorf("expected at most one live process, saw %d", maxLive)
	}
	if first.KillCalls.Load() == 0 {
		t.Error("expected the child to be killed after a failed wait")
	}
}

func TestRecordReplacedOnRestart(t *testing.T) {
	rt := NewMockRuntime()
	s := New(rt, []string{"w"}, testConfig(), discardLogger())
	s.Start(context.Background())
	defer s.Shutdown(context.Background())

	waitFor(t, time.Second, func() bool { return recordState(s, "w").ProcessID == "w-1" })
	s.mu.Lock()
	before := s.records["w"]
	s.mu.Unlock()

	rt.latest("w").Crash(3)
	waitFor(t, time.Second, func() bool { return recordState(s, "w").ProcessID == "w-2" })

	s.mu.Lock()
	after := s.records["w"]
	s.mu.Unlock()
	if after == before {
		t.Fatal("expected a new record after restart")
	}
	if before.ProcessID != "w-1" || before.State != StateRunning || before.RestartCount != 0 || before.LastExitCode != nil {
		t.Errorf("published record was mutated: %+v", *before)
	}
	if after.RestartCount != 1 || after.LastExitCode == nil || *after.LastExitCode != 3 {
		t.Errorf("restart bookkeeping not carried over: %+v", *after)
	}
}

func TestShutdown_StopsEveryChildOnce(t *testing.T) {
	rt := NewMockRuntime()
	s := New(rt, []string{"a", "b", "c"}, testConfig(), discardLogger())
	s.Start(context.Background())
	waitFor(t, time.Second, func() bool { return len(rt.all()) == 3 })
	waitFor(t, time.Second, func() bool {
		for _, r := range s.Records() {
			if r.State != StateRunning {
				return false
			}
		}
		return true
	})

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("repeated Shutdown failed: %v", err)
	}

	for _, h := range rt.all() {
		if n := h.StopCalls.Load(); n != 1 {
			t.Errorf("%s: expected 1 stop call, got %d", h.ID(), n)
		}
		if n := h.KillCalls.Load(); n != 0 {
			t.Errorf("%s: expected no kill, got %d", h.ID(), n)
		}
	}
	for _, r := range s.Records() {
		if r.State != StateStopped {
			t.Errorf("%s: expected stopped, got %s", r.WorkerName, r.State)
		}
	}
	if len(rt.all()) != 3 {
		t.Errorf("no child may be relaunched during shutdown, got %d launches", len(rt.all()))
	}
	select {
	case <-s.Done():
	default:
		t.Error("expected Done to be closed")
	}
}

func TestShutdown_KillsAfterGracePeriod(t *testing.T) {
	rt := NewMockRuntime()
	rt.IgnoreStop = true
	cfg := testConfig()
	cfg.GracePeriod = 50 * time.Millisecond
	s := New(rt, []string{"stubborn"}, cfg, discardLogger())
	s.Start(context.Background())
	waitFor(t, time.Second, func() bool { return recordState(s, "stubborn").State == StateRunning })

	start := time.Now()
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("killed before grace period elapsed: %v", elapsed)
	}

	h := rt.latest("stubborn")
	if h.StopCalls.Load() != 1 || h.KillCalls.Load() != 1 {
		t.Errorf("expected one stop and one kill, got %d and %d", h.StopCalls.Load(), h.KillCalls.Load())
	}
	r := recordState(s, "stubborn")
	if r.State != StateStopped || r.LastExitCode == nil || *r.LastExitCode != 137 {
		t.Errorf("unexpected record after kill: %+v", r)
	}
}

func TestShutdown_DuringRestartDelay(t *testing.T) {
	rt := NewMockRuntime()
	cfg := testConfig()
	cfg.RestartDelay = time.Hour
	s := New(rt, []string{"w"}, cfg, discardLogger())
	s.Start(context.Background())

	waitFor(t, time.Second, func() bool { return rt.latest("w") != nil })
	rt.latest("w").Crash(1)
	waitFor(t, time.Second, func() bool { return recordState(s, "w").State == StateRestarting })

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not pre-empt the restart delay")
	}
	if r := recordState(s, "w"); r.State != StateStopped || r.RestartCount != 1 {
		t.Errorf("unexpected record: %+v", r)
	}
}

func TestShutdown_BeforeStart(t *testing.T) {
	s := New(NewMockRuntime(), []string{"w"}, testConfig(), discardLogger())

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown, got %v", err)
	}
}

func TestContextCancellationShutsDown(t *testing.T) {
	rt := NewMockRuntime()
	s := New(rt, []string{"w"}, testConfig(), discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitFor(t, time.Second, func() bool { return recordState(s, "w").State == StateRunning })

	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}
	if n := rt.latest("w").StopCalls.Load(); n != 1 {
		t.Errorf("expected 1 stop call, got %d", n)
	}
}
