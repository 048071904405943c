package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scanerrors"
)

type ScanErrorRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewScanErrorRepository(db *sql.DB, d Dialect) *ScanErrorRepository {
	return &ScanErrorRepository{db: db, dialect: d}
}

func (r *ScanErrorRepository) Save(ctx context.Context, e *domain.ScanError) error {
	const q = `
INSERT INTO security_scan_errors
  (tenant_id, scan_id, phase, message, details_json, created_at)
VALUES (?,?,?,?,?,?)`

	msg := e.Message
	if strings.TrimSpace(msg) == "" {
		msg = "-"
	}
	details := e.DetailsJSON
	if strings.TrimSpace(details) == "" {
		details = "{}"
	} else {
		// ensure valid json; if invalid, wrap as string field
		var js any
		if json.Unmarshal([]byte(details), &js) != nil {
			b, _ := json.Marshal(map[string]string{"raw": details})
			details = string(b)
		}
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := r.db.ExecContext(ctx, r.dialect.rebind(q),
		stringOrDash(e.TenantID), stringOrDash(e.ScanID), stringOrDash(string(e.Phase)), msg, details, utc(created))
	return err
}

func (r *ScanErrorRepository) ListByScan(ctx context.Context, tenant string, scanID string, limit int) ([]*domain.ScanError, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, tenant_id, scan_id, phase, message, details_json, created_at
FROM security_scan_errors
WHERE tenant_id = ? AND scan_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(q), tenant, scanID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*domain.ScanError{}
	for rows.Next() {
		var e domain.ScanError
		var phase string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ScanID, &phase, &e.Message, &e.DetailsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Phase = domain.Phase(phase)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}
