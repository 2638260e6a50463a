package api

// ExecuteRequest is the API-level request to run Python code.
type ExecuteRequest struct {
	Code string `json:"code"`
}

// ExecuteResponse reports the terminal state of one execution. Error carries
// the rejection reason or sanitized stderr; it is empty on success.
type ExecuteResponse struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"` // success, error, timeout, memory_limit
	Output        string  `json:"output"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"execution_time"`
}

// SubmitResponse acknowledges an accepted asynchronous submission.
type SubmitResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status         string   `json:"status"`
	Database       bool     `json:"database"`
	Sandbox        bool     `json:"sandbox"`
	AllowedModules []string `json:"allowed_modules"`
	Uptime         string   `json:"uptime"`
}
