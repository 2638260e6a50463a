package storage

import "time"

// Submission is a stored code submission and, once processed, its result.
type Submission struct {
	ID            string     `json:"id" db:"id"`
	Code          string     `json:"code" db:"code"`
	Output        string     `json:"output" db:"output"`
	Error         string     `json:"error" db:"error"`
	Status        string     `json:"status" db:"status"` // pending, success, error, timeout, memory_limit
	ExecutionTime float64    `json:"execution_time" db:"execution_time"` // seconds
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// StatusPending marks a submission that has been accepted but not yet
// processed. Terminal statuses come from the execution outcome.
const StatusPending = "pending"

// AuditEntry records one synchronous /execute call for the audit trail. The
// code itself is never stored on this path, only its hash.
type AuditEntry struct {
	ID          string    `json:"id" db:"id"`
	CodeHash    string    `json:"code_hash" db:"code_hash"`
	Status      string    `json:"status" db:"status"`
	ExitCode    int       `json:"exit_code" db:"exit_code"`
	DurationMS  int64     `json:"duration_ms" db:"duration_ms"`
	CodeBytes   int       `json:"code_bytes" db:"code_bytes"`
	OutputBytes int       `json:"output_bytes" db:"output_bytes"`
	RequestIP   string    `json:"request_ip" db:"request_ip"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// SubmissionFilter provides criteria for querying submissions.
type SubmissionFilter struct {
	Status string
	Limit  int
	Offset int
}
