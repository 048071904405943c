package scanerrors

import (
	"context"
)

// Repository is the append-only scan error log.
type Repository interface {
	Save(ctx context.Context, e *ScanError) error
	// ListByScan returns the newest entries first, at most limit.
	ListByScan(ctx context.Context, tenant string, scanID string, limit int) ([]*ScanError, error)
}
