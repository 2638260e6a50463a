package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"safe-python-exec/pkg/seccomp"
)

// DockerRunner is the Docker CLI backend, used on macOS and on Linux hosts
// without a containerd socket.
type DockerRunner struct {
	image         string
	sem           chan struct{}
	active        atomic.Int64
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	dockerHost    string // resolved DOCKER_HOST (e.g. from Docker context)
	cancelCleanup context.CancelFunc
}

func NewDockerRunner(image string, maxConcurrent int) *DockerRunner {
	if maxConcurrent < 1 {
		maxConcurrent = 64
	}
	if image == "" {
		image = DefaultImage
	}
	d := &DockerRunner{
		image:      strings.TrimPrefix(image, "docker.io/library/"),
		sem:        make(chan struct{}, maxConcurrent),
		dockerHost: resolveDockerHost(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d
}

// orphanCleanupLoop periodically kills sandbox containers that survived a
// server crash.
func (d *DockerRunner) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans()
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerRunner) cleanupOrphans() {
	cmd := exec.Command("docker", "ps", "--filter", "name=sandbox-", "-q") // #nosec G204 -- no user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	out, err := cmd.Output()
	if err != nil {
		return
	}
	ids := strings.Fields(strings.TrimSpace(string(out)))
	for _, id := range ids {
		log.Warn().Str("container_id", id).Msg("killing orphaned sandbox container")
		kill := exec.Command("docker", "rm", "-f", id) // #nosec G204 -- id from docker ps
		if d.dockerHost != "" {
			kill.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
		}
		_ = kill.Run()
	}
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop
// uses a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerRunner) Execute(ctx context.Context, req Request) (*Outcome, error) {
	execID := uuid.New().String()

	logger := log.With().Str("exec_id", execID).Logger()
	logger.Info().Int("code_bytes", len(req.Code)).Msg("docker execution requested")

	if err := d.validateRequest(req); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ErrClosed}
	}
	d.mu.Unlock()

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	d.wg.Add(1)
	defer d.wg.Done()
	d.active.Add(1)
	defer d.active.Add(-1)

	execCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	hostDir, err := os.MkdirTemp("", "sandbox-"+execID+"-*")
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_temp_dir", Err: err}
	}
	defer os.RemoveAll(hostDir)

	codeFile := filepath.Join(hostDir, ScriptName)
	if err := os.WriteFile(codeFile, []byte(req.Code), 0600); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
	}
	if err := os.Chmod(codeFile, 0444); err != nil { // container runs as nobody
		return nil, &ExecutionError{ExecID: execID, Op: "chmod_code", Err: err}
	}

	// Docker wants the seccomp profile as a file for --security-opt.
	profileJSON, err := seccomp.DockerProfileJSON()
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "seccomp_profile", Err: err}
	}
	seccompPath := filepath.Join(hostDir, "seccomp.json")
	if err := os.WriteFile(seccompPath, profileJSON, 0600); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_seccomp", Err: err}
	}

	containerCodePath := "/workspace/" + ScriptName
	args := d.buildDockerArgs(execID, codeFile, containerCodePath, seccompPath, req.Limits)

	start := time.Now()

	cmd := exec.CommandContext(execCtx, "docker", args...) // #nosec G204 -- args built internally, not from raw user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	duration := time.Since(start)

	outcome := &Outcome{
		ID:       execID,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		// Killing the docker CLI client does not stop the container; it keeps
		// running detached from the dead client until removed by name.
		d.removeContainer(execID)
		outcome.Status = StatusTimeout
		outcome.ExitCode = -1

	case runErr == nil:
		outcome.Status = StatusSuccess
		outcome.ExitCode = 0

	default:
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			// docker itself failed to run, not the user program.
			return nil, &ExecutionError{ExecID: execID, Op: "docker_run",
				Err: fmt.Errorf("%w: %v", ErrInfra, runErr)}
		}
		outcome.ExitCode = exitErr.ExitCode()
		outcome.Status = classifyExit(outcome.ExitCode)
	}

	logger.Info().
		Str("status", string(outcome.Status)).
		Int("exit_code", outcome.ExitCode).
		Dur("duration", duration).
		Msg("docker execution completed")

	return outcome, nil
}

// removeContainer force-removes one sandbox container by name. Best effort:
// a container that already exited under --rm is gone and the removal fails
// harmlessly.
func (d *DockerRunner) removeContainer(execID string) {
	cmd := exec.Command("docker", "rm", "-f", "sandbox-"+execID) // #nosec G204 -- id generated internally
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	if err := cmd.Run(); err != nil {
		log.Debug().Err(err).Str("exec_id", execID).Msg("container removal after timeout returned an error")
	}
}

func (d *DockerRunner) buildDockerArgs(execID, hostCodeFile, containerCodePath, seccompPath string, limits ResourceLimits) []string {
	args := []string{
		"run", "--rm",
		"--name", "sandbox-" + execID,
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + seccompPath,
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
		"--cpus", fmt.Sprintf("%.1f", float64(limits.CPUShares)/1024.0),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", limits.ScratchMB),
		"--read-only",
		"-v", fmt.Sprintf("%s:%s:ro", hostCodeFile, containerCodePath),
		"--user", "65534:65534",
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
	}

	args = append(args, d.image)
	args = append(args, interpreterArgs(containerCodePath)...)

	return args
}

func (d *DockerRunner) validateRequest(req Request) error {
	if req.Code == "" {
		return fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	if req.Timeout <= 0 || req.Timeout > 5*time.Minute {
		return fmt.Errorf("%w: timeout must be in (0, 5m], got %s", ErrInvalidRequest, req.Timeout)
	}
	return req.Limits.Validate()
}

func (d *DockerRunner) ActiveCount() int64 {
	return d.active.Load()
}

func (d *DockerRunner) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}

	// Wait up to 30s for active executions to drain.
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all docker executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", d.active.Load()).Msg("timed out waiting for docker executions to drain")
	}
	return nil
}
