package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/rs/zerolog/log"

	"safe-python-exec/internal/config"
)

// Backend runs one already-validated submission in an isolated container.
type Backend interface {
	Execute(ctx context.Context, req Request) (*Outcome, error)
	ActiveCount() int64
	Close() error
}

// NewBackend picks the best available backend: containerd on Linux, Docker
// elsewhere. observe may be nil.
func NewBackend(ctx context.Context, cfg *config.Config, observe LatencyObserver) (Backend, error) {
	preference := cfg.Sandbox.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "containerd":
		return newContainerdBackend(ctx, cfg, observe)
	case "docker":
		return newDockerBackend(cfg)
	case "auto":
		if runtime.GOOS == "linux" {
			backend, err := newContainerdBackend(ctx, cfg, observe)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		backend, err := newDockerBackend(cfg)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}

		return nil, fmt.Errorf("no sandbox backend available: install Docker Desktop (macOS/Windows) or containerd (Linux)")
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, or docker", preference)
	}
}

func newContainerdBackend(ctx context.Context, cfg *config.Config, observe LatencyObserver) (Backend, error) {
	client, err := NewClient(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	if err != nil {
		return nil, err
	}

	runner := NewRunner(client, cfg.Sandbox.Image, cfg.Sandbox.MaxConcurrent, observe)

	if err := runner.CleanupOrphaned(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	}

	return runner, nil
}

func newDockerBackend(cfg *config.Config) (Backend, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}

	if err := exec.Command("docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}

	return NewDockerRunner(cfg.Sandbox.Image, cfg.Sandbox.MaxConcurrent), nil
}

// LimitsFromConfig maps configured defaults onto per-execution limits.
func LimitsFromConfig(c config.LimitsConfig) ResourceLimits {
	l := ResourceLimits{
		CPUShares: c.CPUShares,
		MemoryMB:  c.MemoryMB,
		PidsLimit: c.PidsLimit,
		ScratchMB: c.ScratchMB,
	}
	if l == (ResourceLimits{}) {
		return DefaultLimits()
	}
	return l
}
