// Package engine ties the pipeline together: pattern and syntax validation,
// structural analysis, sandboxed execution, and output sanitization. Every
// submission passes the stages in that order; the first rejecting stage ends
// the pipeline with no container ever created.
package engine

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"safe-python-exec/internal/analyzer"
	"safe-python-exec/internal/monitor"
	"safe-python-exec/internal/policy"
	"safe-python-exec/internal/sandbox"
	"safe-python-exec/internal/sanitize"
	"safe-python-exec/internal/storage"
	"safe-python-exec/internal/validator"
)

// ErrStoreDisabled is returned by submission operations when no database is
// configured.
var ErrStoreDisabled = errors.New("submission storage is not configured")

// Store persists submissions. *storage.DB is the production implementation.
type Store interface {
	CreateSubmission(ctx context.Context, code string) (*storage.Submission, error)
	CompleteSubmission(ctx context.Context, id, status, output, errMsg string, executionTime float64) error
	GetSubmission(ctx context.Context, id string) (*storage.Submission, error)
	ListSubmissions(ctx context.Context, filter storage.SubmissionFilter) ([]storage.Submission, error)
}

// Auditor records synchronous executions off the request path.
type Auditor interface {
	Log(entry *storage.AuditEntry)
}

// Result is the outcome of one execution as presented to clients. Error holds
// either the rejection reason or the sanitized stderr; it never contains raw
// parser output or host details.
type Result struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"` // success, error, timeout, memory_limit
	Output        string  `json:"output"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"execution_time"` // seconds
}

// Engine is the execution orchestrator.
type Engine struct {
	validator *validator.Validator
	analyzer  *analyzer.Analyzer
	backend   sandbox.Backend
	sanitizer *sanitize.Sanitizer
	store     Store
	audit     Auditor
	watchdog  *monitor.Watchdog
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer

	timeout time.Duration
	limits  sandbox.ResourceLimits

	wg sync.WaitGroup
}

// Options configures an Engine. Store and Audit may be nil; submission
// endpoints then report storage as disabled while Execute keeps working.
type Options struct {
	Policies *policy.Set
	Backend  sandbox.Backend
	Store    Store
	Audit    Auditor
	Metrics  *monitor.Metrics
	Timeout  time.Duration
	Limits   sandbox.ResourceLimits

	// MaxOutputBytes caps sanitized output size. Zero means the sanitizer
	// default.
	MaxOutputBytes int
}

func New(opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Limits == (sandbox.ResourceLimits{}) {
		opts.Limits = sandbox.DefaultLimits()
	}
	return &Engine{
		validator: validator.New(opts.Policies),
		analyzer:  analyzer.New(opts.Policies),
		backend:   opts.Backend,
		sanitizer: sanitize.New(opts.MaxOutputBytes),
		store:     opts.Store,
		audit:     opts.Audit,
		watchdog:  monitor.NewWatchdog(opts.Metrics),
		metrics:   opts.Metrics,
		tracer:    monitor.NewTracer(),
		timeout:   opts.Timeout,
		limits:    opts.Limits,
	}
}

// Execute runs code synchronously through the full pipeline. A non-nil error
// means the sandbox infrastructure failed; every verdict about the code
// itself, including rejection, comes back as a Result.
func (e *Engine) Execute(ctx context.Context, code string, requestIP string) (*Result, error) {
	result, exitCode, err := e.process(ctx, code)
	if err != nil {
		return nil, err
	}

	if e.audit != nil {
		e.audit.Log(&storage.AuditEntry{
			CodeHash:    fmt.Sprintf("%x", sha256.Sum256([]byte(code))),
			Status:      result.Status,
			ExitCode:    exitCode,
			DurationMS:  int64(result.ExecutionTime * 1000),
			CodeBytes:   len(code),
			OutputBytes: len(result.Output),
			RequestIP:   requestIP,
		})
	}

	return result, nil
}

// Submit stores the code and processes it in the background. The returned
// submission is still pending; GetSubmission observes the terminal state once
// processing finishes.
func (e *Engine) Submit(ctx context.Context, code string) (*storage.Submission, error) {
	if e.store == nil {
		return nil, ErrStoreDisabled
	}

	sub, err := e.store.CreateSubmission(ctx, code)
	if err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.processSubmission(sub.ID, code)
	}()

	return sub, nil
}

// GetSubmission returns a stored submission by id.
func (e *Engine) GetSubmission(ctx context.Context, id string) (*storage.Submission, error) {
	if e.store == nil {
		return nil, ErrStoreDisabled
	}
	return e.store.GetSubmission(ctx, id)
}

// ListSubmissions returns stored submissions, newest first.
func (e *Engine) ListSubmissions(ctx context.Context, filter storage.SubmissionFilter) ([]storage.Submission, error) {
	if e.store == nil {
		return nil, ErrStoreDisabled
	}
	return e.store.ListSubmissions(ctx, filter)
}

// Close waits for background submission processing to finish.
func (e *Engine) Close() error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.timeout + 30*time.Second):
		log.Warn().Msg("timed out waiting for background submissions to drain")
	}
	return nil
}

// processSubmission runs the pipeline for an async submission and records the
// result. Infrastructure faults surface as a generic stored error so the
// submission never stays pending forever.
func (e *Engine) processSubmission(id, code string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout+30*time.Second)
	defer cancel()

	logger := log.With().Str("submission_id", id).Logger()

	result, _, err := e.process(ctx, code)
	if err != nil {
		logger.Error().Err(err).Msg("submission processing failed")
		result = &Result{Status: string(sandbox.StatusError), Error: "internal execution error"}
	}

	storeCtx, storeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer storeCancel()
	if err := e.store.CompleteSubmission(storeCtx, id,
		result.Status, result.Output, result.Error, result.ExecutionTime); err != nil {
		logger.Error().Err(err).Msg("failed to record submission result")
		return
	}

	logger.Info().Str("status", result.Status).Msg("submission processed")
}

// process runs the pipeline stages for a single piece of code.
func (e *Engine) process(ctx context.Context, code string) (*Result, int, error) {
	if e.metrics != nil {
		e.metrics.CodeSizeBytes.Observe(float64(len(code)))
	}

	ctx, span := e.tracer.StartSpan(ctx, "validate")
	verdict, tree := e.validator.Check(code)
	span.End()

	if verdict.Accepted() {
		ctx, span = e.tracer.StartSpan(ctx, "analyze")
		verdict = e.analyzer.Analyze(tree)
		span.End()
	}

	if !verdict.Accepted() {
		if e.metrics != nil {
			e.metrics.RecordRejection(string(verdict.Category()))
		}
		log.Info().
			Str("category", string(verdict.Category())).
			Str("construct", verdict.Construct()).
			Msg("submission rejected")

		return &Result{
			ID:     uuid.New().String(),
			Status: string(sandbox.StatusError),
			Error:  "code validation failed: " + verdict.Reason(),
		}, 0, nil
	}

	ctx, span = e.tracer.StartSpan(ctx, "execute")
	defer span.End()

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}

	outcome, err := e.backend.Execute(ctx, sandbox.Request{
		Code:    code,
		Timeout: e.timeout,
		Limits:  e.limits,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("executing code: %w", err)
	}

	e.watchdog.Inspect(outcome.ID, outcome.Stdout+"\n"+outcome.Stderr)

	result := &Result{
		ID:            outcome.ID,
		Status:        string(outcome.Status),
		Output:        e.sanitizer.Clean(outcome.Stdout),
		ExecutionTime: outcome.Duration.Seconds(),
	}

	switch outcome.Status {
	case sandbox.StatusTimeout:
		result.Error = fmt.Sprintf("execution timed out after %s", e.timeout)
	case sandbox.StatusMemoryLimit:
		result.Error = fmt.Sprintf("memory limit of %d MB exceeded", e.limits.MemoryMB)
	default:
		result.Error = e.sanitizer.Clean(outcome.Stderr)
	}

	if e.metrics != nil {
		e.metrics.RecordExecution(result.Status, result.ExecutionTime)
		e.metrics.OutputSizeBytes.Observe(float64(len(result.Output)))
	}

	return result, outcome.ExitCode, nil
}
