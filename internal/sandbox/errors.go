package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. Timeouts and memory kills are
// reported through Outcome.Status, not errors; the sentinels below cover the
// cases where no outcome could be produced at all.
var (
	ErrInvalidRequest = errors.New("invalid execution request")
	ErrInfra          = errors.New("sandbox infrastructure unavailable")
	ErrClosed         = errors.New("backend is shut down")
)

// ExecutionError wraps a failure with the execution id and the operation that
// failed. It is logged internally with full detail and never shown to callers
// verbatim.
type ExecutionError struct {
	ExecID string
	Op     string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsInfra reports whether the error is an infrastructure fault (environment
// could not be provisioned or reached), as opposed to a bad request.
func IsInfra(err error) bool {
	return errors.Is(err, ErrInfra)
}
