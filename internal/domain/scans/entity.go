package scans

import (
	"encoding/json"
	"time"
)

// ScanID is the caller-visible scan token. It is distinct from the internal row id.
type ScanID string

// Status enum
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is accepted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Outcome of one check.
type Outcome string

const (
	OutcomePass  Outcome = "pass"
	OutcomeFail  Outcome = "fail"
	OutcomeError Outcome = "error"
)

func (o Outcome) Valid() bool {
	return o == OutcomePass || o == OutcomeFail || o == OutcomeError
}

// Counters value object. JSON names follow the status view of the API.
type Counters struct {
	Total  int `json:"totalChecks"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	Errors int `json:"errors"`
}

// CounterUpdate carries counters reported by the checker; nil fields are left untouched.
type CounterUpdate struct {
	Total  *int `json:"totalChecks,omitempty"`
	Passed *int `json:"passed,omitempty"`
	Failed *int `json:"failed,omitempty"`
	Errors *int `json:"errors,omitempty"`
}

func (u *CounterUpdate) empty() bool {
	return u == nil || (u.Total == nil && u.Passed == nil && u.Failed == nil && u.Errors == nil)
}

// Aggregate Root: Scan
type Scan struct {
	ID           int64   `json:"-"`
	Version      int64   `json:"-"` // bumped on every state write
	ScanID       ScanID  `json:"scanId"`
	TenantID     string  `json:"tenantId"`
	AssignmentID string  `json:"assignmentId"`
	Target       string  `json:"target"`
	Benchmark    string  `json:"benchmark"`
	Status       Status  `json:"status"`
	Progress     int     `json:"progressPercentage"`
	CurrentCheck *string `json:"currentCheck"`
	Counters
	CreatedAt    time.Time         `json:"createdAt"`
	StartedAt    *time.Time        `json:"startedAt"`
	CompletedAt  *time.Time        `json:"completedAt"`
	TaskHandle   string            `json:"taskHandle,omitempty"`
	ErrorMessage string            `json:"errorMessage"`
	ArtifactURL  string            `json:"artifactUrl,omitempty"`
	Options      map[string]string `json:"options,omitempty"`
}

// Clone returns a copy that shares no pointers with s.
func (s *Scan) Clone() *Scan {
	c := *s
	if s.CurrentCheck != nil {
		v := *s.CurrentCheck
		c.CurrentCheck = &v
	}
	if s.StartedAt != nil {
		v := *s.StartedAt
		c.StartedAt = &v
	}
	if s.CompletedAt != nil {
		v := *s.CompletedAt
		c.CompletedAt = &v
	}
	if s.Options != nil {
		c.Options = make(map[string]string, len(s.Options))
		for k, v := range s.Options {
			c.Options[k] = v
		}
	}
	return &c
}

// CheckResult is one outcome row of a scan. Immutable once written.
type CheckResult struct {
	ID          int64           `json:"id"`
	ScanRef     int64           `json:"-"`
	CheckID     string          `json:"checkId"`
	Category    string          `json:"category,omitempty"`
	Level       string          `json:"level,omitempty"`
	Outcome     Outcome         `json:"status"`
	Severity    string          `json:"severity,omitempty"`
	StartedAt   *time.Time      `json:"startedAt"`
	FinishedAt  *time.Time      `json:"finishedAt"`
	DurationMS  int64           `json:"durationMs"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Remediation string          `json:"remediation,omitempty"`
	Rationale   string          `json:"rationale,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Assignment binds a tenant target to a benchmark.
type Assignment struct {
	ID             string
	TenantID       string
	Target         string
	Benchmark      string
	Active         bool
	ExpectedChecks int
}

// Benchmark is the named ruleset the checker executes.
type Benchmark struct {
	Name    string
	Version string
}

// CredentialBundle is opaque key/value material for one target.
type CredentialBundle map[string]string
