package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"safe-python-exec/internal/policy"
	"safe-python-exec/internal/sandbox"
	"safe-python-exec/internal/storage"
)

// fakeBackend scripts outcomes per code snippet so pipeline behavior can be
// tested without containers.
type fakeBackend struct {
	mu       sync.Mutex
	executed []string
	outcome  func(code string) *sandbox.Outcome
	err      error
}

func (f *fakeBackend) Execute(_ context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
	f.mu.Lock()
	f.executed = append(f.executed, req.Code)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.outcome != nil {
		return f.outcome(req.Code), nil
	}
	return &sandbox.Outcome{
		ID:       uuid.New().String(),
		Status:   sandbox.StatusSuccess,
		Stdout:   "ok\n",
		Duration: 10 * time.Millisecond,
	}, nil
}

func (f *fakeBackend) ActiveCount() int64 { return 0 }
func (f *fakeBackend) Close() error       { return nil }

func (f *fakeBackend) executedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

// memStore is an in-memory Store for submission round-trips.
type memStore struct {
	mu   sync.Mutex
	subs map[string]*storage.Submission
}

func newMemStore() *memStore {
	return &memStore{subs: make(map[string]*storage.Submission)}
}

func (s *memStore) CreateSubmission(_ context.Context, code string) (*storage.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &storage.Submission{
		ID:        uuid.New().String(),
		Code:      code,
		Status:    storage.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	s.subs[sub.ID] = sub
	copied := *sub
	return &copied, nil
}

func (s *memStore) CompleteSubmission(_ context.Context, id, status, output, errMsg string, executionTime float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return storage.ErrNotFound
	}
	now := time.Now().UTC()
	sub.Status = status
	sub.Output = output
	sub.Error = errMsg
	sub.ExecutionTime = executionTime
	sub.UpdatedAt = &now
	return nil
}

func (s *memStore) GetSubmission(_ context.Context, id string) (*storage.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *sub
	return &copied, nil
}

func (s *memStore) ListSubmissions(_ context.Context, _ storage.SubmissionFilter) ([]storage.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Submission
	for _, sub := range s.subs {
		out = append(out, *sub)
	}
	return out, nil
}

func newTestEngine(t *testing.T, backend sandbox.Backend, store Store) *Engine {
	t.Helper()
	return New(Options{
		Policies: policy.Default(),
		Backend:  backend,
		Store:    store,
		Timeout:  time.Second,
	})
}

func TestExecuteSuccess(t *testing.T) {
	backend := &fakeBackend{
		outcome: func(string) *sandbox.Outcome {
			return &sandbox.Outcome{
				ID:       uuid.New().String(),
				Status:   sandbox.StatusSuccess,
				Stdout:   "2\n",
				Duration: 25 * time.Millisecond,
			}
		},
	}
	e := newTestEngine(t, backend, nil)

	result, err := e.Execute(context.Background(), "print(1+1)", "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != "success" {
		t.Errorf("status = %q, want success", result.Status)
	}
	if result.Output != "2\n" {
		t.Errorf("output = %q, want %q", result.Output, "2\n")
	}
	if result.Error != "" {
		t.Errorf("error = %q, want empty", result.Error)
	}
	if result.ExecutionTime <= 0 {
		t.Errorf("execution time = %v, want > 0", result.ExecutionTime)
	}
}

func TestExecuteRejectedNeverReachesSandbox(t *testing.T) {
	backend := &fakeBackend{}
	e := newTestEngine(t, backend, nil)

	tests := []struct {
		name string
		code string
		want string // substring of the rejection message
	}{
		{"blocked import", "import os", "os"},
		{"eval call", `result = eval("1+1")`, "eval"},
		{"dunder attribute", "().__class__.__bases__", "not allowed"},
		{"syntax error", "def broken(:", "not valid Python"},
		{"empty code", "   \n  ", "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Execute(context.Background(), tt.code, "")
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if result.Status != "error" {
				t.Errorf("status = %q, want error", result.Status)
			}
			if !strings.Contains(result.Error, tt.want) {
				t.Errorf("error %q does not mention %q", result.Error, tt.want)
			}
			if result.Output != "" {
				t.Errorf("rejected code produced output %q", result.Output)
			}
		})
	}

	if n := backend.executedCount(); n != 0 {
		t.Errorf("sandbox executed %d times for rejected code, want 0", n)
	}
}

func TestExecuteRejectionIsDeterministic(t *testing.T) {
	e := newTestEngine(t, &fakeBackend{}, nil)
	code := "import os\nimport socket\neval('x')"

	first, err := e.Execute(context.Background(), code, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for i := 0; i < 10; i++ {
		result, err := e.Execute(context.Background(), code, "")
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if result.Error != first.Error {
			t.Fatalf("run %d rejection %q differs from first %q", i, result.Error, first.Error)
		}
	}
}

func TestExecuteAliasBypassRejected(t *testing.T) {
	e := newTestEngine(t, &fakeBackend{}, nil)

	result, err := e.Execute(context.Background(), "f = getattr\nf(str, 'upper')", "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != "error" {
		t.Errorf("status = %q, want error", result.Status)
	}
	if !strings.Contains(result.Error, "getattr") {
		t.Errorf("error %q does not name the aliased builtin", result.Error)
	}
}

func TestExecuteTimeout(t *testing.T) {
	backend := &fakeBackend{
		outcome: func(string) *sandbox.Outcome {
			return &sandbox.Outcome{
				ID:       uuid.New().String(),
				Status:   sandbox.StatusTimeout,
				ExitCode: -1,
				Duration: time.Second,
			}
		},
	}
	e := newTestEngine(t, backend, nil)

	result, err := e.Execute(context.Background(), "while True:\n    pass", "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != "timeout" {
		t.Errorf("status = %q, want timeout", result.Status)
	}
	if !strings.Contains(result.Error, "timed out") {
		t.Errorf("error = %q, want timeout message", result.Error)
	}
}

func TestExecuteMemoryLimit(t *testing.T) {
	backend := &fakeBackend{
		outcome: func(string) *sandbox.Outcome {
			return &sandbox.Outcome{
				ID:       uuid.New().String(),
				Status:   sandbox.StatusMemoryLimit,
				ExitCode: 137,
				Duration: 300 * time.Millisecond,
			}
		},
	}
	e := newTestEngine(t, backend, nil)

	result, err := e.Execute(context.Background(), "x = [0] * (10**9)", "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != "memory_limit" {
		t.Errorf("status = %q, want memory_limit", result.Status)
	}
	if !strings.Contains(result.Error, "memory limit") {
		t.Errorf("error = %q, want memory limit message", result.Error)
	}
}

func TestExecuteSanitizesOutput(t *testing.T) {
	backend := &fakeBackend{
		outcome: func(string) *sandbox.Outcome {
			return &sandbox.Outcome{
				ID:     uuid.New().String(),
				Status: sandbox.StatusError,
				Stderr: `Traceback (most recent call last):
  File "/workspace/script.py", line 2, in <module>
ZeroDivisionError: division by zero`,
				ExitCode: 1,
				Duration: 20 * time.Millisecond,
			}
		},
	}
	e := newTestEngine(t, backend, nil)

	result, err := e.Execute(context.Background(), "x = 1/0", "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != "error" {
		t.Errorf("status = %q, want error", result.Status)
	}
	if strings.Contains(result.Error, "/workspace") {
		t.Errorf("error leaks container path: %q", result.Error)
	}
	if !strings.Contains(result.Error, "ZeroDivisionError") {
		t.Errorf("error lost the exception name: %q", result.Error)
	}
	if !strings.Contains(result.Error, "line 2") {
		t.Errorf("error lost the line number: %q", result.Error)
	}
}

func TestExecuteInfraFault(t *testing.T) {
	backend := &fakeBackend{err: sandbox.ErrInfra}
	e := newTestEngine(t, backend, nil)

	_, err := e.Execute(context.Background(), "print(1)", "")
	if err == nil {
		t.Fatal("expected error for infrastructure fault")
	}
	if !sandbox.IsInfra(err) {
		t.Errorf("error %v does not unwrap to ErrInfra", err)
	}
}

func TestSubmitAndGet(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, &fakeBackend{
		outcome: func(string) *sandbox.Outcome {
			return &sandbox.Outcome{
				ID:       uuid.New().String(),
				Status:   sandbox.StatusSuccess,
				Stdout:   "done\n",
				Duration: 5 * time.Millisecond,
			}
		},
	}, store)

	sub, err := e.Submit(context.Background(), "print('done')")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Status != storage.StatusPending {
		t.Errorf("initial status = %q, want pending", sub.Status)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := e.GetSubmission(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if got.Status != "success" {
		t.Errorf("final status = %q, want success", got.Status)
	}
	if got.Output != "done\n" {
		t.Errorf("output = %q, want %q", got.Output, "done\n")
	}
	if got.UpdatedAt == nil {
		t.Error("updated_at not set after completion")
	}
}

func TestSubmitRejectedCodeRecordsError(t *testing.T) {
	store := newMemStore()
	backend := &fakeBackend{}
	e := newTestEngine(t, backend, store)

	sub, err := e.Submit(context.Background(), "import subprocess")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := e.GetSubmission(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if got.Status != "error" {
		t.Errorf("status = %q, want error", got.Status)
	}
	if !strings.Contains(got.Error, "subprocess") {
		t.Errorf("error %q does not name the blocked module", got.Error)
	}
	if n := backend.executedCount(); n != 0 {
		t.Errorf("sandbox executed %d times for rejected submission, want 0", n)
	}
}

func TestSubmitInfraFaultNeverStaysPending(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, &fakeBackend{err: sandbox.ErrInfra}, store)

	sub, err := e.Submit(context.Background(), "print(1)")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := e.GetSubmission(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if got.Status != "error" {
		t.Errorf("status = %q, want error", got.Status)
	}
	if got.Error != "internal execution error" {
		t.Errorf("error = %q, want generic message", got.Error)
	}
}

func TestSubmissionOpsWithoutStore(t *testing.T) {
	e := newTestEngine(t, &fakeBackend{}, nil)

	if _, err := e.Submit(context.Background(), "print(1)"); err != ErrStoreDisabled {
		t.Errorf("Submit err = %v, want ErrStoreDisabled", err)
	}
	if _, err := e.GetSubmission(context.Background(), uuid.New().String()); err != ErrStoreDisabled {
		t.Errorf("GetSubmission err = %v, want ErrStoreDisabled", err)
	}
}

func TestGetSubmissionNotFound(t *testing.T) {
	e := newTestEngine(t, &fakeBackend{}, newMemStore())

	_, err := e.GetSubmission(context.Background(), uuid.New().String())
	if err != storage.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
