package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"jobagent/internal/gateway"
	"jobagent/internal/job"
	"jobagent/internal/store"

	"github.com/google/uuid"
)

type completeCall struct {
	JobID  string
	Result any
}

type failCall struct {
	JobID   string
	Summary job.ErrorSummary
}

// MockGateway implements gateway.Gateway for testing.
type MockGateway struct {
	mu sync.Mutex

	RegisterFunc func(ctx context.Context) error
	PollFunc     func(ctx context.Context) (*job.Job, error)
	CompleteFunc func(ctx context.Context, jobID string, result any) error
	FailFunc     func(ctx context.Context, jobID string, summary job.ErrorSummary) error

	RegisterCalls int
	PollTimes     []time.Time
	CompleteCalls []completeCall
	FailCalls     []failCall
	ProgressCalls int
	ChildSpecs    []job.ChildSpec
}

func (m *MockGateway) Register(ctx context.Context, hostname string, capabilities []string) error {
	m.mu.Lock()
	m.RegisterCalls++
	fn := m.RegisterFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (m *MockGateway) Poll(ctx context.Context, capabilities []string, timeout time.Duration) (*job.Job, error) {
	m.mu.Lock()
	m.PollTimes = append(m.PollTimes, time.Now())
	fn := m.PollFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *MockGateway) Complete(ctx context.Context, jobID string, result any) error {
	m.mu.Lock()
	m.CompleteCalls = append(m.CompleteCalls, completeCall{JobID: jobID, Result: result})
	fn := m.CompleteFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, jobID, result)
	}
	return nil
}

func (m *MockGateway) Fail(ctx context.Context, jobID string, summary job.ErrorSummary) error {
	m.mu.Lock()
	m.FailCalls = append(m.FailCalls, failCall{JobID: jobID, Summary: summary})
	fn := m.FailFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, jobID, summary)
	}
	return nil
}

func (m *MockGateway) UpdateProgress(ctx context.Context, jobID string, fraction float64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProgressCalls++
	return nil
}

func (m *MockGateway) CreateChildJob(ctx context.Context, spec job.ChildSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChildSpecs = append(m.ChildSpecs, spec)
	return fmt.Sprintf("child-%d", len(m.ChildSpecs)), nil
}

func (m *MockGateway) completes() []completeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]completeCall(nil), m.CompleteCalls...)
}

func (m *MockGateway) fails() []failCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]failCall(nil), m.FailCalls...)
}

func (m *MockGateway) pollTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.PollTimes...)
}

var _ gateway.Gateway = (*MockGateway)(nil)

// jobsThenBlock hands out the jobs in order, then behaves like an idle
// long-poll that only returns when the context is cancelled.
func jobsThenBlock(jobs ...*job.Job) func(ctx context.Context) (*job.Job, error) {
	var mu sync.Mutex
	next := 0
	return func(ctx context.Context) (*job.Job, error) {
		mu.Lock()
		if next < len(jobs) {
			j := jobs[next]
			next++
			mu.Unlock()
			return j, nil
		}
		mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// MockJournal is an in-memory store.Journal.
type MockJournal struct {
	mu        sync.Mutex
	Entries   map[uuid.UUID]*store.UnreportedOutcome
	RecordErr error
}

func NewMockJournal() *MockJournal {
	return &MockJournal{Entries: make(map[uuid.UUID]*store.UnreportedOutcome)}
}

func (m *MockJournal) Record(ctx context.Context, o *store.UnreportedOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecordErr != nil {
		return m.RecordErr
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	cp := *o
	m.Entries[o.ID] = &cp
	return nil
}

func (m *MockJournal) Get(ctx context.Context, id uuid.UUID) (*store.UnreportedOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MockJournal) List(ctx context.Context, limit int) ([]store.UnreportedOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.UnreportedOutcome
	for _, o := range m.Entries {
		out = append(out, *o)
	}
	return out, nil
}

func (m *MockJournal) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Entries[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.Entries, id)
	return nil
}

func (m *MockJournal) all() []store.UnreportedOutcome {
	out, _ := m.List(context.Background(), 0)
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

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}
