package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
)

const insertChunk = 200

const scanColumns = `id, scan_id, tenant_id, assignment_id, target, benchmark, status,
       progress, current_check, total_checks, passed, failed, errors,
       created_at, started_at, completed_at, task_handle, error_message, artifact_url, options_json, version`

const resultColumns = `id, scan_ref, check_id, category, level, outcome, severity,
       started_at, finished_at, duration_ms, title, description, remediation, rationale,
       details_json, created_at`

type ScanRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewScanRepository(db *sql.DB, d Dialect) *ScanRepository {
	return &ScanRepository{db: db, dialect: d}
}

// Create inserts a new scan row and sets s.ID.
func (r *ScanRepository) Create(ctx context.Context, s *domain.Scan) error {
	const q = `
INSERT INTO compliance_scans
(scan_id, tenant_id, assignment_id, target, benchmark, status,
 progress, current_check, total_checks, passed, failed, errors,
 created_at, started_at, completed_at, task_handle, error_message, artifact_url, options_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

	created := s.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	opts, err := json.Marshal(s.Options)
	if err != nil || s.Options == nil {
		opts = []byte("{}")
	}
	args := []any{
		string(s.ScanID), s.TenantID, s.AssignmentID, s.Target, s.Benchmark, string(s.Status),
		s.Progress, nullString(s.CurrentCheck), s.Total, s.Passed, s.Failed, s.Errors,
		utc(created), nullTime(s.StartedAt), nullTime(s.CompletedAt), s.TaskHandle, s.ErrorMessage, s.ArtifactURL, string(opts),
	}

	if r.dialect == Postgres {
		err = r.db.QueryRowContext(ctx, r.dialect.rebind(q)+" RETURNING id", args...).Scan(&s.ID)
		if err != nil {
			return fmt.Errorf("inserting scan: %w", err)
		}
		return nil
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("inserting scan: %w", err)
	}
	s.ID, err = res.LastInsertId()
	return err
}

// Get by scan id + tenant
func (r *ScanRepository) Get(ctx context.Context, tenant string, id domain.ScanID) (*domain.Scan, error) {
	q := `SELECT ` + scanColumns + ` FROM compliance_scans WHERE tenant_id=? AND scan_id=? LIMIT 1`
	s, err := scanScan(r.db.QueryRowContext(ctx, r.dialect.rebind(q), tenant, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("scan", string(id))
	}
	return s, err
}

// Find by scan id regardless of tenant
func (r *ScanRepository) Find(ctx context.Context, id domain.ScanID) (*domain.Scan, error) {
	q := `SELECT ` + scanColumns + ` FROM compliance_scans WHERE scan_id=? LIMIT 1`
	s, err := scanScan(r.db.QueryRowContext(ctx, r.dialect.rebind(q), string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("scan", string(id))
	}
	return s, err
}

// List with offset + limit (classic pagination)
func (r *ScanRepository) List(ctx context.Context, tenant string, f domain.ScanFilter) (domain.PaginatedResult, error) {
	page, pageSize := f.Page, f.PageSize
	if page <= 0 {
		page = 1
	}
	page = min(page, domain.MaxPage)
	if pageSize <= 0 {
		pageSize = 20
	}
	pageSize = min(pageSize, 100)
	offset := (page - 1) * pageSize

	where, args := scanFilterClause(tenant, f)

	var total int64
	if err := r.db.QueryRowContext(ctx, r.dialect.rebind("SELECT COUNT(*) FROM compliance_scans WHERE "+where), args...).Scan(&total); err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("counting scans: %w", err)
	}

	q := `SELECT ` + scanColumns + ` FROM compliance_scans WHERE ` + where + `
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(q), append(args, pageSize, offset)...)
	if err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("querying scans: %w", err)
	}
	defer rows.Close()

	out := []*domain.Scan{}
	for rows.Next() {
		s, err := scanScan(rows)
		if err != nil {
			return domain.PaginatedResult{}, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("iterating rows: %w", err)
	}

	return domain.PaginatedResult{
		Data:       out,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
	}, nil
}

// SaveState writes the lifecycle columns of the scan if nobody else wrote
// them since s was read, and bumps s.Version. Otherwise it returns
// domain.ErrStaleWrite and the caller re-reads.
func (r *ScanRepository) SaveState(ctx context.Context, s *domain.Scan) error {
	const q = `
UPDATE compliance_scans
SET status = ?,
    progress = ?,
    current_check = ?,
    total_checks = ?,
    passed = ?,
    failed = ?,
    errors = ?,
    started_at = ?,
    completed_at = ?,
    error_message = ?,
    version = version + 1
WHERE id = ? AND version = ?`
	res, err := r.db.ExecContext(ctx, r.dialect.rebind(q),
		string(s.Status), s.Progress, nullString(s.CurrentCheck),
		s.Total, s.Passed, s.Failed, s.Errors,
		nullTime(s.StartedAt), nullTime(s.CompletedAt),
		s.ErrorMessage,
		s.ID, s.Version,
	)
	if err != nil {
		return fmt.Errorf("updating scan %s: %w", s.ScanID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating scan %s: %w", s.ScanID, err)
	}
	// version always changes, so mysql reports the matched row too
	if n == 0 {
		return fmt.Errorf("updating scan %s: %w", s.ScanID, domain.ErrStaleWrite)
	}
	s.Version++
	return nil
}

// SetTaskHandle writes only the task handle column.
func (r *ScanRepository) SetTaskHandle(ctx context.Context, id domain.ScanID, handle string) error {
	return r.setColumn(ctx, id, "task_handle", handle)
}

// SetArtifactURL writes only the artifact url column.
func (r *ScanRepository) SetArtifactURL(ctx context.Context, id domain.ScanID, url string) error {
	return r.setColumn(ctx, id, "artifact_url", url)
}

// column is one of the constants above, never user input
func (r *ScanRepository) setColumn(ctx context.Context, id domain.ScanID, column, value string) error {
	q := `UPDATE compliance_scans SET ` + column + ` = ? WHERE scan_id = ?`
	res, err := r.db.ExecContext(ctx, r.dialect.rebind(q), value, string(id))
	if err != nil {
		return fmt.Errorf("updating %s of scan %s: %w", column, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 && r.dialect != MySQL {
		// mysql reports 0 when the value is unchanged
		return domain.NotFound("scan", string(id))
	}
	return nil
}

// InsertResults writes all rows and recomputes counters by aggregation, in one transaction.
func (r *ScanRepository) InsertResults(ctx context.Context, s *domain.Scan, results []*domain.CheckResult) (domain.Counters, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Counters{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRowContext(ctx, r.dialect.rebind(`SELECT COUNT(*) FROM compliance_check_results WHERE scan_ref = ?`), s.ID).Scan(&existing); err != nil {
		return domain.Counters{}, fmt.Errorf("checking existing results: %w", err)
	}
	if existing > 0 {
		return domain.Counters{}, domain.Validationf("results for scan %s were already ingested", s.ScanID)
	}

	for start := 0; start < len(results); start += insertChunk {
		end := min(start+insertChunk, len(results))
		if err := r.insertChunk(ctx, tx, s.ID, results[start:end]); err != nil {
			return domain.Counters{}, err
		}
	}

	counters, err := r.recount(ctx, tx, s.ID)
	if err != nil {
		return domain.Counters{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Counters{}, fmt.Errorf("commit results: %w", err)
	}
	s.Version++
	return counters, nil
}

func (r *ScanRepository) insertChunk(ctx context.Context, tx *sql.Tx, scanRef int64, rows []*domain.CheckResult) error {
	var b strings.Builder
	b.WriteString(`INSERT INTO compliance_check_results
(scan_ref, check_id, category, level, outcome, severity, started_at, finished_at, duration_ms,
 title, description, remediation, rationale, details_json, created_at) VALUES `)
	args := make([]any, 0, len(rows)*15)
	for i, cr := range rows {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)")
		details := string(cr.Details)
		if strings.TrimSpace(details) == "" {
			details = "null"
		}
		created := cr.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		args = append(args,
			scanRef, stringOrDash(cr.CheckID), cr.Category, cr.Level, string(cr.Outcome), cr.Severity,
			nullTime(cr.StartedAt), nullTime(cr.FinishedAt), cr.DurationMS,
			cr.Title, cr.Description, cr.Remediation, cr.Rationale, details, utc(created),
		)
	}
	if _, err := tx.ExecContext(ctx, r.dialect.rebind(b.String()), args...); err != nil {
		return fmt.Errorf("inserting check results: %w", err)
	}
	return nil
}

func (r *ScanRepository) recount(ctx context.Context, tx *sql.Tx, scanRef int64) (domain.Counters, error) {
	rows, err := tx.QueryContext(ctx, r.dialect.rebind(`
SELECT outcome, COUNT(*) FROM compliance_check_results
WHERE scan_ref = ?
GROUP BY outcome`), scanRef)
	if err != nil {
		return domain.Counters{}, fmt.Errorf("aggregating results: %w", err)
	}
	var c domain.Counters
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			rows.Close()
			return domain.Counters{}, err
		}
		c.Total += n
		switch domain.Outcome(outcome) {
		case domain.OutcomePass:
			c.Passed += n
		case domain.OutcomeFail:
			c.Failed += n
		default:
			c.Errors += n
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return domain.Counters{}, err
	}
	rows.Close()

	const q = `
UPDATE compliance_scans
SET total_checks = ?,
    passed = ?,
    failed = ?,
    errors = ?,
    version = version + 1
WHERE id = ?`
	if _, err := tx.ExecContext(ctx, r.dialect.rebind(q), c.Total, c.Passed, c.Failed, c.Errors, scanRef); err != nil {
		return domain.Counters{}, fmt.Errorf("updating counters: %w", err)
	}
	return c, nil
}

// ListResults returns a page of a tenant scan's check results.
func (r *ScanRepository) ListResults(ctx context.Context, tenant string, id domain.ScanID, f domain.ResultFilter) (domain.ResultPage, error) {
	s, err := r.Get(ctx, tenant, id)
	if err != nil {
		return domain.ResultPage{}, err
	}
	limit, offset := f.Limit, f.Offset
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	where := "scan_ref = ?"
	args := []any{s.ID}
	if f.Outcome != "" {
		where += " AND outcome = ?"
		args = append(args, string(f.Outcome))
	}
	if f.Category != "" {
		where += " AND category = ?"
		args = append(args, f.Category)
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, r.dialect.rebind("SELECT COUNT(*) FROM compliance_check_results WHERE "+where), args...).Scan(&total); err != nil {
		return domain.ResultPage{}, fmt.Errorf("counting results: %w", err)
	}

	q := `SELECT ` + resultColumns + ` FROM compliance_check_results WHERE ` + where + `
ORDER BY id
LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(q), append(args, limit, offset)...)
	if err != nil {
		return domain.ResultPage{}, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close()

	out := []*domain.CheckResult{}
	for rows.Next() {
		var cr domain.CheckResult
		var outcome, details string
		var started, finished sql.NullTime
		if err := rows.Scan(
			&cr.ID, &cr.ScanRef, &cr.CheckID, &cr.Category, &cr.Level, &outcome, &cr.Severity,
			&started, &finished, &cr.DurationMS, &cr.Title, &cr.Description, &cr.Remediation, &cr.Rationale,
			&details, &cr.CreatedAt,
		); err != nil {
			return domain.ResultPage{}, fmt.Errorf("scanning result: %w", err)
		}
		cr.Outcome = domain.Outcome(outcome)
		cr.StartedAt = timePtr(started)
		cr.FinishedAt = timePtr(finished)
		if details != "" && details != "null" {
			cr.Details = json.RawMessage(details)
		}
		out = append(out, &cr)
	}
	if err := rows.Err(); err != nil {
		return domain.ResultPage{}, err
	}
	return domain.ResultPage{Data: out, Limit: limit, Offset: offset, Total: total}, nil
}

// ListStaleRunning returns running scans started before the cutoff, oldest first.
func (r *ScanRepository) ListStaleRunning(ctx context.Context, startedBefore time.Time) ([]*domain.Scan, error) {
	q := `SELECT ` + scanColumns + ` FROM compliance_scans
WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
ORDER BY started_at`
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(q), string(domain.StatusRunning), utc(startedBefore))
	if err != nil {
		return nil, fmt.Errorf("querying stale scans: %w", err)
	}
	defer rows.Close()

	var out []*domain.Scan
	for rows.Next() {
		s, err := scanScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Ping is used by the health checks.
func (r *ScanRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func scanFilterClause(tenant string, f domain.ScanFilter) (string, []any) {
	where := "tenant_id = ?"
	args := []any{tenant}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Benchmark != "" {
		where += " AND benchmark = ?"
		args = append(args, f.Benchmark)
	}
	if f.AssignmentID != "" {
		where += " AND assignment_id = ?"
		args = append(args, f.AssignmentID)
	}
	return where, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScan(row rowScanner) (*domain.Scan, error) {
	var s domain.Scan
	var scanID, status, opts string
	var current sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(
		&s.ID, &scanID, &s.TenantID, &s.AssignmentID, &s.Target, &s.Benchmark, &status,
		&s.Progress, &current, &s.Total, &s.Passed, &s.Failed, &s.Errors,
		&s.CreatedAt, &started, &completed, &s.TaskHandle, &s.ErrorMessage, &s.ArtifactURL, &opts, &s.Version,
	); err != nil {
		return nil, err
	}
	s.ScanID = domain.ScanID(scanID)
	s.Status = domain.Status(status)
	if current.Valid {
		v := current.String
		s.CurrentCheck = &v
	}
	s.StartedAt = timePtr(started)
	s.CompletedAt = timePtr(completed)
	s.CreatedAt = s.CreatedAt.UTC()
	if opts != "" && opts != "{}" {
		_ = json.Unmarshal([]byte(opts), &s.Options)
	}
	return &s, nil
}
