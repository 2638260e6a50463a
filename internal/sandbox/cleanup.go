package sandbox

import (
	"context"
	"strings"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

const cleanupTimeout = 30 * time.Second

// cleanupContainer deletes a task and its container. Tolerates partial
// teardown: a resource that is already gone is not an error.
func (r *Runner) cleanupContainer(ctx context.Context, container containerd.Container, task containerd.Task) error {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	nsCtx := r.client.WithNamespace(ctx)

	var firstErr error

	if task != nil {
		// Kill is best-effort; the task may have exited already.
		_ = task.Kill(nsCtx, 9)
		if _, err := task.Delete(nsCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			firstErr = err
		}
	}

	if container != nil {
		if err := container.Delete(nsCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// CleanupOrphaned removes sandbox containers left behind by a previous
// process, identified by the "sandbox-" id prefix. Called once at startup.
func (r *Runner) CleanupOrphaned(ctx context.Context) error {
	nsCtx := r.client.WithNamespace(ctx)

	containers, err := r.client.Raw().Containers(nsCtx)
	if err != nil {
		return err
	}

	removed := 0
	for _, c := range containers {
		if !strings.HasPrefix(c.ID(), "sandbox-") {
			continue
		}
		task, err := c.Task(nsCtx, nil)
		if err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("container", c.ID()).Msg("orphan task lookup failed")
		}
		if err := r.cleanupContainer(ctx, c, task); err != nil {
			log.Warn().Err(err).Str("container", c.ID()).Msg("orphan cleanup failed")
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Info().Int("count", removed).Msg("removed orphaned sandbox containers")
	}
	return nil
}
