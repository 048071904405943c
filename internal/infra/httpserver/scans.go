package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	appscans "github.com/bryanwahyu/automaton-compliance/internal/application/scans"
	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
	"github.com/bryanwahyu/automaton-compliance/internal/middleware"
)

// statusView is the polling shape of a scan.
type statusView struct {
	ScanID       domain.ScanID `json:"scanId"`
	Status       domain.Status `json:"status"`
	Progress     int           `json:"progressPercentage"`
	CurrentCheck *string       `json:"currentCheck"`
	domain.Counters
	StartedAt    *time.Time `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt"`
	ErrorMessage string     `json:"errorMessage"`
}

func viewOf(s *domain.Scan) statusView {
	return statusView{
		ScanID:       s.ScanID,
		Status:       s.Status,
		Progress:     s.Progress,
		CurrentCheck: s.CurrentCheck,
		Counters:     s.Counters,
		StartedAt:    s.StartedAt,
		CompletedAt:  s.CompletedAt,
		ErrorMessage: s.ErrorMessage,
	}
}

func viewOfEvent(ev domain.Event) statusView {
	return statusView{
		ScanID:       ev.ScanID,
		Status:       ev.Status,
		Progress:     ev.Progress,
		CurrentCheck: ev.CurrentCheck,
		Counters:     ev.Counters,
		StartedAt:    ev.StartedAt,
		CompletedAt:  ev.CompletedAt,
		ErrorMessage: ev.ErrorMessage,
	}
}

type startFunc func(ctx context.Context, scan *domain.Scan) (bool, error)

// POST /v1/{tenant}/scans
func (r *Router) handleStartScan(w http.ResponseWriter, req *http.Request) error {
	return r.start(w, req, r.rt.StartScan)
}

// POST /v1/{tenant}/scans/local
func (r *Router) handleStartLocal(w http.ResponseWriter, req *http.Request) error {
	return r.start(w, req, r.rt.StartLocal)
}

func (r *Router) start(w http.ResponseWriter, req *http.Request, start startFunc) error {
	tenant := chi.URLParam(req, "tenant")

	var cmd appscans.CreateScanCommand
	if err := middleware.DecodeJSON(req, &cmd); err != nil {
		return err
	}
	scan, err := r.scansSvc.CreateScan(req.Context(), tenant, cmd)
	if err != nil {
		return err
	}
	// dispatch failures already marked the scan failed
	if _, err := start(req.Context(), scan); err != nil {
		return err
	}

	return writeJSON(w, http.StatusAccepted, map[string]any{
		"scanId":       scan.ScanID,
		"status":       domain.StatusPending,
		"assignmentId": scan.AssignmentID,
		"target":       scan.Target,
		"benchmark":    scan.Benchmark,
		"createdAt":    scan.CreatedAt,
	})
}

// GET /v1/{tenant}/scans?status=&benchmark=&assignment=&page=&page_size=
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	q := req.URL.Query()
	page, err := middleware.QueryInt(req, "page")
	if err != nil {
		return err
	}
	if page > domain.MaxPage {
		return domain.Validationf("page must be at most %d", domain.MaxPage)
	}
	size, err := middleware.QueryInt(req, "page_size")
	if err != nil {
		return err
	}
	if size > 100 {
		size = 100
	}

	list, err := r.scansSvc.ListScans(req.Context(), chi.URLParam(req, "tenant"), domain.ScanFilter{
		Status:       domain.Status(q.Get("status")),
		Benchmark:    q.Get("benchmark"),
		AssignmentID: q.Get("assignment"),
		Page:         page,
		PageSize:     size,
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /v1/{tenant}/scans/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	scan, err := r.tenantScan(req)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, scan)
}

// GET /v1/{tenant}/scans/{id}/status
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) error {
	scan, err := r.tenantScan(req)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, viewOf(scan))
}

// GET /v1/{tenant}/scans/{id}/results?status=&category=&limit=&offset=
func (r *Router) handleResults(w http.ResponseWriter, req *http.Request) error {
	id, err := scanIDParam(req, "id")
	if err != nil {
		return err
	}
	limit, err := middleware.QueryInt(req, "limit")
	if err != nil {
		return err
	}
	offset, err := middleware.QueryInt(req, "offset")
	if err != nil {
		return err
	}
	q := req.URL.Query()
	page, err := r.scansSvc.ListResults(req.Context(), chi.URLParam(req, "tenant"), id, domain.ResultFilter{
		Outcome:  domain.Outcome(q.Get("status")),
		Category: q.Get("category"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, page)
}

// GET /v1/{tenant}/scans/{id}/errors?limit=
func (r *Router) handleErrors(w http.ResponseWriter, req *http.Request) error {
	id, err := scanIDParam(req, "id")
	if err != nil {
		return err
	}
	limit, err := middleware.QueryInt(req, "limit")
	if err != nil {
		return err
	}
	list, err := r.scansSvc.ListErrors(req.Context(), chi.URLParam(req, "tenant"), id, limit)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

// DELETE /v1/{tenant}/scans/{id}/cancel
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	id, err := scanIDParam(req, "id")
	if err != nil {
		return err
	}
	scan, err := r.rt.CancelScan(req.Context(), chi.URLParam(req, "tenant"), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, viewOf(scan))
}

func (r *Router) tenantScan(req *http.Request) (*domain.Scan, error) {
	id, err := scanIDParam(req, "id")
	if err != nil {
		return nil, err
	}
	return r.scansSvc.GetScan(req.Context(), chi.URLParam(req, "tenant"), id)
}

// scanIDParam treats malformed ids like unknown ones.
func scanIDParam(req *http.Request, name string) (domain.ScanID, error) {
	raw := chi.URLParam(req, name)
	if err := middleware.ValidateScanID(raw); err != nil {
		return "", domain.NotFound("scan", raw)
	}
	return domain.ScanID(raw), nil
}
