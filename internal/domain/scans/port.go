package scans

import (
	"context"
	"time"
)

// Repository port (interface untuk persistence)
type Repository interface {
	Create(ctx context.Context, s *Scan) error
	Get(ctx context.Context, tenant string, id ScanID) (*Scan, error)
	// Find looks a scan up without a tenant; only the webhook and the runtime use it.
	Find(ctx context.Context, id ScanID) (*Scan, error)
	List(ctx context.Context, tenant string, f ScanFilter) (PaginatedResult, error)
	// SaveState writes the lifecycle columns only if s.Version is still current,
	// otherwise ErrStaleWrite.
	SaveState(ctx context.Context, s *Scan) error
	SetTaskHandle(ctx context.Context, id ScanID, handle string) error
	SetArtifactURL(ctx context.Context, id ScanID, url string) error

	// InsertResults writes all rows and recomputes the scan counters in one transaction.
	InsertResults(ctx context.Context, s *Scan, results []*CheckResult) (Counters, error)
	ListResults(ctx context.Context, tenant string, id ScanID, f ResultFilter) (ResultPage, error)

	ListStaleRunning(ctx context.Context, startedBefore time.Time) ([]*Scan, error)
}

// Runner port (interface untuk eksekusi checker)
type Runner interface {
	Execute(ctx context.Context, creds CredentialBundle, id ScanID, opts ExecOptions, timeout time.Duration) (ExecutionResult, error)
}

// ArtifactStore port (interface untuk penyimpanan artefak)
type ArtifactStore interface {
	UploadBytes(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// AssignmentResolver resolves tenant target assignments and benchmarks.
type AssignmentResolver interface {
	ResolveAssignment(ctx context.Context, tenant, assignmentID string) (Assignment, error)
	ResolveBenchmark(ctx context.Context, name string) (Benchmark, error)
}

// CredentialProvider returns the credential bundle for a target.
type CredentialProvider interface {
	Credentials(ctx context.Context, tenant, target string) (CredentialBundle, error)
}

// JobHandler runs one dispatched job to completion.
type JobHandler func(ctx context.Context, job Job)

// Dispatcher hands a job to whatever executes supervised tasks.
type Dispatcher interface {
	Name() string
	// Remote reports whether the job may be consumed by another process.
	Remote() bool
	// Dispatch returns an opaque task handle.
	Dispatch(ctx context.Context, job Job) (string, error)
}
