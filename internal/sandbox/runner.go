package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	provisionAttempts = 3
	provisionBackoff  = 200 * time.Millisecond
	killGracePeriod   = 5 * time.Second
)

// LatencyObserver receives the duration of one containerd operation, in
// seconds. Used to feed the metrics layer without coupling to it.
type LatencyObserver func(operation string, seconds float64)

// Runner is the containerd-based backend. One container is created per
// execution and torn down unconditionally when the call returns.
type Runner struct {
	client  *Client
	image   string
	observe LatencyObserver
	sem     chan struct{} // concurrency limiter
	active  atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewRunner creates a containerd runner. maxConcurrent bounds simultaneous
// sandboxes; submissions beyond it queue on the semaphore. observe may be nil.
func NewRunner(client *Client, image string, maxConcurrent int, observe LatencyObserver) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 64
	}
	if image == "" {
		image = DefaultImage
	}
	if observe == nil {
		observe = func(string, float64) {}
	}
	return &Runner{
		client:  client,
		image:   image,
		observe: observe,
		sem:     make(chan struct{}, maxConcurrent),
	}
}

// Execute runs one validated submission in an isolated container. Terminal
// program states (success, error, timeout, memory_limit) come back in the
// Outcome; a non-nil error means no outcome could be produced at all.
func (r *Runner) Execute(ctx context.Context, req Request) (*Outcome, error) {
	execID := uuid.New().String()

	logger := log.With().Str("exec_id", execID).Logger()
	logger.Info().Int("code_bytes", len(req.Code)).Msg("execution requested")

	if err := r.validateRequest(req); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ErrClosed}
	}
	r.mu.Unlock()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	r.active.Add(1)
	defer r.active.Add(-1)

	execCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	hostDir, err := os.MkdirTemp("", "sandbox-"+execID+"-*")
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_temp_dir", Err: err}
	}
	defer os.RemoveAll(hostDir)

	hostCodePath := filepath.Join(hostDir, ScriptName)
	if err := os.WriteFile(hostCodePath, []byte(req.Code), 0600); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
	}
	if err := os.Chmod(hostCodePath, 0444); err != nil { // container runs as nobody (UID 65534)
		return nil, &ExecutionError{ExecID: execID, Op: "chmod_code", Err: err}
	}

	// Provisioning failures are the only retryable faults, and only before
	// the container exists.
	provisionStart := time.Now()
	container, err := r.provision(execCtx, execID, hostDir, req.Limits)
	r.observe("provision", time.Since(provisionStart).Seconds())
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "provision", Err: err}
	}

	h := &handle{runner: r, container: container, id: execID}
	defer h.release(logger)

	var stdoutBuf, stderrBuf bytes.Buffer
	taskStart := time.Now()
	task, err := container.NewTask(r.client.WithNamespace(execCtx),
		cio.NewCreator(cio.WithStreams(nil, &stdoutBuf, &stderrBuf)),
	)
	r.observe("create_task", time.Since(taskStart).Seconds())
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_task", Err: fmt.Errorf("%w: %v", ErrInfra, err)}
	}
	h.task = task

	exitCh, err := task.Wait(r.client.WithNamespace(execCtx))
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_wait", Err: fmt.Errorf("%w: %v", ErrInfra, err)}
	}

	start := time.Now()
	if err := task.Start(r.client.WithNamespace(execCtx)); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "task_start", Err: fmt.Errorf("%w: %v", ErrInfra, err)}
	}

	var outcome *Outcome
	select {
	case status := <-exitCh:
		duration := time.Since(start)
		exitCode := int(status.ExitCode())
		outcome = &Outcome{
			ID:       execID,
			Status:   classifyExit(exitCode),
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			ExitCode: exitCode,
			Duration: duration,
		}

	case <-execCtx.Done():
		logger.Warn().Dur("timeout", req.Timeout).Msg("deadline expired, killing task")
		h.kill(logger)
		// Wait bounded for the exit event so output pipes flush.
		select {
		case <-exitCh:
		case <-time.After(killGracePeriod):
			logger.Error().Msg("task did not stop after kill")
		}
		outcome = &Outcome{
			ID:       execID,
			Status:   StatusTimeout,
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
			ExitCode: -1,
			Duration: time.Since(start),
		}
	}

	logger.Info().
		Str("status", string(outcome.Status)).
		Int("exit_code", outcome.ExitCode).
		Dur("duration", outcome.Duration).
		Msg("execution completed")

	return outcome, nil
}

// provision pulls the image and creates the container, retrying transient
// provider failures with exponential backoff.
func (r *Runner) provision(ctx context.Context, execID, hostDir string, limits ResourceLimits) (containerd.Container, error) {
	var lastErr error
	for attempt := 0; attempt < provisionAttempts; attempt++ {
		if attempt > 0 {
			backoff := provisionBackoff << (attempt - 1)
			log.Warn().
				Err(lastErr).
				Str("exec_id", execID).
				Dur("backoff", backoff).
				Msg("sandbox provisioning failed, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrInfra, ctx.Err())
			}
		}

		container, err := r.createContainer(ctx, execID, hostDir, limits)
		if err == nil {
			return container, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrInfra, lastErr)
}

func (r *Runner) createContainer(ctx context.Context, execID, hostDir string, limits ResourceLimits) (containerd.Container, error) {
	image, err := r.client.EnsureImage(ctx, r.image)
	if err != nil {
		return nil, err
	}

	nsCtx := r.client.WithNamespace(ctx)
	id := "sandbox-" + execID
	codePath := "/workspace/" + ScriptName
	profile := InterpreterProfile()

	return r.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(interpreterArgs(codePath)...),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, profile)
				ApplyResourceLimits(s, limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      hostDir,
					Options:     []string{"rbind", "ro"},
				})

				// No credentials or host identity ever enter the container.
				s.Process.Env = []string{
					"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
					"HOME=/tmp",
					"LANG=C.UTF-8",
				}
				return nil
			},
		),
	)
}

func (r *Runner) validateRequest(req Request) error {
	if req.Code == "" {
		return fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	if req.Timeout <= 0 || req.Timeout > 5*time.Minute {
		return fmt.Errorf("%w: timeout must be in (0, 5m], got %s", ErrInvalidRequest, req.Timeout)
	}
	return req.Limits.Validate()
}

// ActiveCount returns the number of currently running executions.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close marks the runner shut down. In-flight executions finish; new ones
// are refused.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// handle owns one live sandbox: the container, its task, and the teardown
// that must run exactly once on every exit path.
type handle struct {
	runner    *Runner
	container containerd.Container
	task      containerd.Task
	id        string
	once      sync.Once
}

func (h *handle) kill(logger zerolog.Logger) {
	if h.task == nil {
		return
	}
	killCtx, cancel := context.WithTimeout(context.Background(), killGracePeriod)
	defer cancel()
	if err := h.task.Kill(h.runner.client.WithNamespace(killCtx), 9); err != nil {
		logger.Error().Err(err).Msg("failed to kill task")
	}
}

// release tears the sandbox down. Uses a fresh context: teardown must happen
// even when the execution context is already dead.
func (h *handle) release(logger zerolog.Logger) {
	h.once.Do(func() {
		start := time.Now()
		err := h.runner.cleanupContainer(context.Background(), h.container, h.task)
		h.runner.observe("teardown", time.Since(start).Seconds())
		if err != nil {
			logger.Error().Err(err).Msg("sandbox teardown failed")
		} else {
			logger.Debug().Msg("sandbox torn down")
		}
	})
}
