package scans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/automaton-compliance/internal/application"
	"github.com/bryanwahyu/automaton-compliance/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
)

// OptExpectedChecks is the scan option carrying the assignment's expected check count.
const OptExpectedChecks = "expected_checks"

// Publisher receives every state change of a scan (the broadcaster).
type Publisher interface {
	Publish(ev domain.Event)
}

// Recorder gets lifecycle metrics. Optional.
type Recorder interface {
	ScanCreated(benchmark string)
	ScanFinished(status domain.Status, d time.Duration)
	ProgressIngested()
}

// Service implements use-cases untuk Scan
// Service is designed to be used concurrently and is thread-safe
type Service struct {
	Repo     domain.Repository
	Errors   scanerrors.Repository
	Resolver domain.AssignmentResolver
	Creds    domain.CredentialProvider
	Events   Publisher
	Metrics  Recorder
	Clock    application.Clock
	Log      logrus.FieldLogger

	locks keyedMutex
}

//
// ==== USE CASES ====
//

// Command untuk create scan
type CreateScanCommand struct {
	AssignmentID string            `json:"assignmentId" validate:"required,max=128"`
	Benchmark    string            `json:"benchmark,omitempty" validate:"omitempty,max=128"`
	Options      map[string]string `json:"options,omitempty" validate:"omitempty,max=32"`
}

// ProgressUpdate is one progress report from the checker.
type ProgressUpdate struct {
	ScanID       domain.ScanID
	Percentage   int
	CurrentCheck *string
	Status       domain.Status
	Counters     *domain.CounterUpdate
}

// CreateScan validates the assignment and writes a pending scan.
func (s *Service) CreateScan(ctx context.Context, tenant string, cmd CreateScanCommand) (*domain.Scan, error) {
	if strings.TrimSpace(cmd.AssignmentID) == "" {
		return nil, domain.Validationf("assignmentId is required")
	}

	asg, err := s.Resolver.ResolveAssignment(ctx, tenant, cmd.AssignmentID)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, domain.Validationf("target assignment %s does not exist", cmd.AssignmentID)
		}
		return nil, fmt.Errorf("resolving assignment: %w", err)
	}
	if !asg.Active {
		return nil, domain.Validationf("target assignment %s is not active", asg.ID)
	}

	creds, err := s.Creds.Credentials(ctx, tenant, asg.Target)
	if err != nil || len(creds) == 0 {
		s.log().WithError(err).WithField("target", asg.Target).Warn("credentials not resolvable")
		return nil, domain.Validationf("target %s has no resolvable credentials", asg.Target)
	}

	name := asg.Benchmark
	if cmd.Benchmark != "" {
		name = cmd.Benchmark
	}
	bench, err := s.Resolver.ResolveBenchmark(ctx, name)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, err
		}
		return nil, domain.NotFound("benchmark", name)
	}

	opts := make(map[string]string, len(cmd.Options)+1)
	for k, v := range cmd.Options {
		opts[k] = v
	}
	if asg.ExpectedChecks > 0 {
		opts[OptExpectedChecks] = strconv.Itoa(asg.ExpectedChecks)
	}

	scan := &domain.Scan{
		ScanID:       domain.ScanID(uuid.New().String()),
		TenantID:     tenant,
		AssignmentID: asg.ID,
		Target:       asg.Target,
		Benchmark:    bench.Name,
		Status:       domain.StatusPending,
		CreatedAt:    s.now(),
		Options:      opts,
	}
	if err := s.Repo.Create(ctx, scan); err != nil {
		return nil, fmt.Errorf("creating scan: %w", err)
	}
	if s.Metrics != nil {
		s.Metrics.ScanCreated(scan.Benchmark)
	}
	s.log().WithFields(logrus.Fields{
		"tenant":    tenant,
		"scan_id":   scan.ScanID,
		"benchmark": scan.Benchmark,
	}).Info("scan created")
	return scan, nil
}

// UpdateStatus moves a scan through the state machine and always broadcasts.
func (s *Service) UpdateStatus(ctx context.Context, id domain.ScanID, status domain.Status, errMsg string) (*domain.Scan, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	return s.retryStale(func() (*domain.Scan, error) {
		scan, err := s.Repo.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.transition(ctx, scan, status, errMsg)
	})
}

// maxWriteAttempts bounds re-reads when another replica keeps writing the same scan.
const maxWriteAttempts = 5

// retryStale re-runs a read-modify-write while the store reports the row
// changed underneath it. The keyed mutex only orders writers in this process.
func (s *Service) retryStale(fn func() (*domain.Scan, error)) (*domain.Scan, error) {
	for attempt := 1; ; attempt++ {
		scan, err := fn()
		if errors.Is(err, domain.ErrStaleWrite) && attempt < maxWriteAttempts {
			continue
		}
		return scan, err
	}
}

// caller holds the scan lock
func (s *Service) transition(ctx context.Context, scan *domain.Scan, status domain.Status, errMsg string) (*domain.Scan, error) {
	prev := scan.Status
	prevMsg := scan.ErrorMessage
	if err := scan.Transition(status, errMsg, s.now()); err != nil {
		return nil, err
	}
	if scan.Status != prev || scan.ErrorMessage != prevMsg {
		if err := s.Repo.SaveState(ctx, scan); err != nil {
			return nil, fmt.Errorf("saving scan state: %w", err)
		}
	}

	s.publish(domain.EventStatus, scan)
	if scan.Status != prev && scan.Status.Terminal() {
		s.finished(scan)
	}
	return scan, nil
}

// IngestProgress applies a checker progress report. Unknown or malformed ids are NotFound.
func (s *Service) IngestProgress(ctx context.Context, u ProgressUpdate) (*domain.Scan, error) {
	if uuid.Validate(string(u.ScanID)) != nil {
		return nil, domain.NotFound("scan", string(u.ScanID))
	}
	if u.Status != "" && !u.Status.Valid() {
		return nil, domain.Validationf("invalid status %q", u.Status)
	}

	unlock := s.locks.lock(u.ScanID)
	defer unlock()

	return s.retryStale(func() (*domain.Scan, error) {
		return s.ingestProgress(ctx, u)
	})
}

// caller holds the scan lock
func (s *Service) ingestProgress(ctx context.Context, u ProgressUpdate) (*domain.Scan, error) {
	scan, err := s.Repo.Find(ctx, u.ScanID)
	if err != nil {
		return nil, err
	}
	if scan.Status.Terminal() {
		// late reports are dropped
		return scan, nil
	}

	prev := scan.Status
	scan.ApplyProgress(u.Percentage, u.CurrentCheck, u.Counters, s.now())
	if u.Status != "" && u.Status != scan.Status {
		if err := scan.Transition(u.Status, "", s.now()); err != nil {
			return nil, err
		}
	}
	if err := s.Repo.SaveState(ctx, scan); err != nil {
		return nil, fmt.Errorf("saving progress: %w", err)
	}
	if s.Metrics != nil {
		s.Metrics.ProgressIngested()
	}

	if scan.Status != prev {
		s.publish(domain.EventStatus, scan)
		if scan.Status.Terminal() {
			s.finished(scan)
			return scan, nil
		}
	}
	s.publish(domain.EventProgress, scan)
	return scan, nil
}

// BulkIngestResults maps raw checker results and stores them with the recomputed counters.
func (s *Service) BulkIngestResults(ctx context.Context, id domain.ScanID, raw []map[string]any) (int, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	scan, err := s.Repo.Find(ctx, id)
	if err != nil {
		return 0, err
	}
	// the checker may report completed over the webhook before its output is ingested
	if scan.Status == domain.StatusFailed || scan.Status == domain.StatusCancelled {
		return 0, domain.Validationf("scan %s is already %s", id, scan.Status)
	}

	now := s.now()
	rows := make([]*domain.CheckResult, 0, len(raw))
	for _, r := range raw {
		if r == nil {
			continue
		}
		rows = append(rows, domain.MapResult(r, scan.ID, now))
	}

	counters, err := s.Repo.InsertResults(ctx, scan, rows)
	if err != nil {
		return 0, err
	}
	scan.Counters = counters
	s.publish(domain.EventProgress, scan)

	s.log().WithFields(logrus.Fields{
		"scan_id": id,
		"total":   counters.Total,
		"passed":  counters.Passed,
		"failed":  counters.Failed,
		"errors":  counters.Errors,
	}).Info("results ingested")
	return len(rows), nil
}

// SetArtifact records where the raw checker output was uploaded.
func (s *Service) SetArtifact(ctx context.Context, id domain.ScanID, url string) error {
	return s.Repo.SetArtifactURL(ctx, id, url)
}

// SetTaskHandle records the dispatcher's handle for the supervised task.
func (s *Service) SetTaskHandle(ctx context.Context, id domain.ScanID, handle string) error {
	return s.Repo.SetTaskHandle(ctx, id, handle)
}

// CancelScan is legal from pending or running only.
func (s *Service) CancelScan(ctx context.Context, tenant string, id domain.ScanID) (*domain.Scan, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	return s.retryStale(func() (*domain.Scan, error) {
		scan, err := s.Repo.Get(ctx, tenant, id)
		if err != nil {
			return nil, err
		}
		if scan.Status.Terminal() {
			return nil, domain.Validationf("scan %s is %s and cannot be cancelled", id, scan.Status)
		}
		return s.transition(ctx, scan, domain.StatusCancelled, "")
	})
}

// Fail marks the scan failed and records why in the error log.
func (s *Service) Fail(ctx context.Context, id domain.ScanID, phase scanerrors.Phase, cause error, details map[string]any) (*domain.Scan, error) {
	msg := cause.Error()
	scan, err := s.UpdateStatus(ctx, id, domain.StatusFailed, msg)
	if err != nil {
		return nil, err
	}
	s.RecordError(ctx, scan.TenantID, id, phase, cause, details)
	return scan, nil
}

// RecordError appends to the scan error log; failures here are only logged.
func (s *Service) RecordError(ctx context.Context, tenant string, id domain.ScanID, phase scanerrors.Phase, cause error, details map[string]any) {
	log := s.log().WithFields(logrus.Fields{"scan_id": id, "phase": phase})
	log.WithError(cause).Warn("scan error")
	if s.Errors == nil {
		return
	}

	if details == nil {
		details = map[string]any{}
	}
	var failed *domain.ExecutionFailedError
	if errors.As(cause, &failed) {
		details["exit_code"] = failed.ExitCode
		if failed.Stderr != "" {
			details["stderr"] = failed.Stderr
		}
	}
	b, _ := json.Marshal(details)
	e := &scanerrors.ScanError{
		TenantID:    tenant,
		ScanID:      string(id),
		Phase:       phase,
		Message:     cause.Error(),
		DetailsJSON: string(b),
		CreatedAt:   s.now(),
	}
	if err := s.Errors.Save(context.WithoutCancel(ctx), e); err != nil {
		log.WithError(err).Error("saving scan error")
	}
}

// GetScan ambil 1 scan by id
func (s *Service) GetScan(ctx context.Context, tenant string, id domain.ScanID) (*domain.Scan, error) {
	return s.Repo.Get(ctx, tenant, id)
}

// FindScan is untenanted; only the webhook and the runtime use it.
func (s *Service) FindScan(ctx context.Context, id domain.ScanID) (*domain.Scan, error) {
	return s.Repo.Find(ctx, id)
}

func (s *Service) ListScans(ctx context.Context, tenant string, f domain.ScanFilter) (domain.PaginatedResult, error) {
	if f.Status != "" && !f.Status.Valid() {
		return domain.PaginatedResult{}, domain.Validationf("invalid status filter %q", f.Status)
	}
	return s.Repo.List(ctx, tenant, f)
}

func (s *Service) ListResults(ctx context.Context, tenant string, id domain.ScanID, f domain.ResultFilter) (domain.ResultPage, error) {
	if f.Outcome != "" && !f.Outcome.Valid() {
		return domain.ResultPage{}, domain.Validationf("invalid status filter %q", f.Outcome)
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
	return s.Repo.ListResults(ctx, tenant, id, f)
}

// StaleRunning lists running scans started before t. Only the reaper uses it.
func (s *Service) StaleRunning(ctx context.Context, before time.Time) ([]*domain.Scan, error) {
	return s.Repo.ListStaleRunning(ctx, before.UTC())
}

// ListErrors returns the newest error log entries of a tenant scan.
func (s *Service) ListErrors(ctx context.Context, tenant string, id domain.ScanID, limit int) ([]*scanerrors.ScanError, error) {
	if _, err := s.Repo.Get(ctx, tenant, id); err != nil {
		return nil, err
	}
	if s.Errors == nil {
		return []*scanerrors.ScanError{}, nil
	}
	return s.Errors.ListByScan(ctx, tenant, string(id), limit)
}

// helper

func (s *Service) publish(t domain.EventType, scan *domain.Scan) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(domain.NewEvent(t, scan, s.now()))
}

func (s *Service) finished(scan *domain.Scan) {
	log := s.log().WithFields(logrus.Fields{"scan_id": scan.ScanID, "status": scan.Status})
	if scan.ErrorMessage != "" {
		log = log.WithField("error", scan.ErrorMessage)
	}
	log.Info("scan finished")

	if s.Metrics == nil {
		return
	}
	var d time.Duration
	if scan.StartedAt != nil && scan.CompletedAt != nil {
		d = scan.CompletedAt.Sub(*scan.StartedAt)
	}
	s.Metrics.ScanFinished(scan.Status, d)
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s *Service) log() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

// ExpectedChecks reads the expected check count stored on a scan, 0 when unknown.
func ExpectedChecks(scan *domain.Scan) int {
	n, err := strconv.Atoi(scan.Options[OptExpectedChecks])
	if err != nil || n < 0 {
		return 0
	}
	return n
}
