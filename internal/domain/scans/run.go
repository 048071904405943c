package scans

import "time"

// ExecOptions untuk Runner
type ExecOptions struct {
	Benchmark   string
	Target      string
	CallbackURL string
	// ExpectedChecks guards the bare-array payload fallback; 0 disables the check.
	ExpectedChecks int
	Extra          map[string]string
}

// ExecutionResult hasil dari Runner
type ExecutionResult struct {
	Status      string
	Results     []map[string]any
	TotalChecks int
	// Implicit is set when the checker printed a bare result array instead of an envelope.
	Implicit bool
	Payload  []byte
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Job is the unit handed to a Dispatcher.
type Job struct {
	ScanID       ScanID            `json:"scanId"`
	TenantID     string            `json:"tenantId"`
	AssignmentID string            `json:"assignmentId"`
	Target       string            `json:"target"`
	Benchmark    string            `json:"benchmark"`
	Options      map[string]string `json:"options,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueuedAt"`
}
