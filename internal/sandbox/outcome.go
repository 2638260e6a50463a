package sandbox

import "time"

// Status tags the terminal state of one execution. The strings are part of
// the external contract.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusError       Status = "error"
	StatusTimeout     Status = "timeout"
	StatusMemoryLimit Status = "memory_limit"
)

// Request carries one validated submission into a backend. The code has
// already passed static validation; the backend extends it no further trust
// than the isolation layer enforces.
type Request struct {
	Code    string
	Timeout time.Duration
	Limits  ResourceLimits
}

// Outcome is the raw capture of one finished execution, produced exactly
// once per request and immutable thereafter. Stdout and Stderr are unsanitized;
// they must pass through the sanitizer before leaving the process.
type Outcome struct {
	ID       string
	Status   Status
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// classifyExit maps a container exit code to a status. 137 is SIGKILL, which
// under a memory+swap hard limit means the kernel OOM killer fired; the
// timeout path never reaches this function.
func classifyExit(exitCode int) Status {
	switch {
	case exitCode == 0:
		return StatusSuccess
	case exitCode == 137:
		return StatusMemoryLimit
	default:
		return StatusError
	}
}
