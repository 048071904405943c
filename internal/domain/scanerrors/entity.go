package scanerrors

import "time"

type Phase string

const (
	PhaseDispatch Phase = "dispatch"
	PhaseExecute  Phase = "execute"
	PhaseIngest   Phase = "ingest"
	PhaseReaper   Phase = "reaper"
)

// ScanError represents a persisted scan error entry
type ScanError struct {
	ID          int64     `json:"id"`
	TenantID    string    `json:"tenantId"`
	ScanID      string    `json:"scanId"`
	Phase       Phase     `json:"phase"`
	Message     string    `json:"message"`
	DetailsJSON string    `json:"details,omitempty"` // raw JSON string
	CreatedAt   time.Time `json:"createdAt"`
}
