package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ResourceLimits are the ceilings the isolation layer enforces. They come
// from configuration, not from the caller; a runaway program is contained by
// the kernel, not by this process's bookkeeping.
type ResourceLimits struct {
	CPUShares int64 `yaml:"cpu_shares"` // 1024 = 1 CPU core, applied as a hard CFS quota
	MemoryMB  int64 `yaml:"memory_mb"`  // hard memory+swap limit
	PidsLimit int64 `yaml:"pids_limit"` // fork bomb protection
	ScratchMB int64 `yaml:"scratch_mb"` // tmpfs size for /tmp, the only writable path
}

// DefaultLimits sizes the sandbox for a single data-analysis script.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUShares: 1024, // pandas/numpy are CPU-hungry; give a full core
		MemoryMB:  512,
		PidsLimit: 32,
		ScratchMB: 64,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.CPUShares < 2 || rl.CPUShares > 4096 {
		return fmt.Errorf("%w: cpu_shares must be 2-4096, got %d", ErrInvalidRequest, rl.CPUShares)
	}
	if rl.MemoryMB < 64 || rl.MemoryMB > 4096 {
		return fmt.Errorf("%w: memory_mb must be 64-4096, got %d", ErrInvalidRequest, rl.MemoryMB)
	}
	if rl.PidsLimit < 4 || rl.PidsLimit > 256 {
		return fmt.Errorf("%w: pids_limit must be 4-256, got %d", ErrInvalidRequest, rl.PidsLimit)
	}
	if rl.ScratchMB < 1 || rl.ScratchMB > 1024 {
		return fmt.Errorf("%w: scratch_mb must be 1-1024, got %d", ErrInvalidRequest, rl.ScratchMB)
	}
	return nil
}

// ApplyResourceLimits writes the limits into an OCI runtime spec. CPU uses a
// CFS quota rather than shares: shares are best-effort, a quota is a hard cap.
func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}

	period := uint64(100000) // 100ms
	quota := int64(float64(limits.CPUShares) / 1024.0 * float64(period))
	if quota < 1000 {
		quota = 1000
	}
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	// Swap equals the memory limit so allocation beyond the ceiling hits the
	// OOM killer instead of swapping forever.
	memoryBytes := limits.MemoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.PidsLimit,
	}

	scratchBytes := limits.ScratchMB * 1024 * 1024
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", scratchBytes),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 256, Soft: 256},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.PidsLimit), Soft: safeUint64(limits.PidsLimit)},
		{Type: "RLIMIT_FSIZE", Hard: safeUint64(scratchBytes), Soft: safeUint64(scratchBytes)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_STACK", Hard: 8388608, Soft: 8388608},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
