package httpserver

import (
	"net/http"

	appscans "github.com/bryanwahyu/automaton-compliance/internal/application/scans"
	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
	"github.com/bryanwahyu/automaton-compliance/internal/middleware"
)

type progressBody struct {
	ProgressPercentage *int `json:"progressPercentage"`
	// older checkers send "percentage"
	Percentage   *int    `json:"percentage"`
	CurrentCheck *string `json:"currentCheck" validate:"omitempty,max=512"`
	Status       string  `json:"status" validate:"omitempty,oneof=pending running completed failed cancelled"`
	TotalChecks  *int    `json:"totalChecks" validate:"omitempty,gte=0"`
	Passed       *int    `json:"passed" validate:"omitempty,gte=0"`
	Failed       *int    `json:"failed" validate:"omitempty,gte=0"`
	Errors       *int    `json:"errors" validate:"omitempty,gte=0"`
}

// POST /webhook/progress/{scanId}
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) error {
	id, err := scanIDParam(req, "scanId")
	if err != nil {
		return err
	}
	// unknown ids are refused before the body is even read
	if _, err := r.scansSvc.FindScan(req.Context(), id); err != nil {
		return err
	}

	var body progressBody
	if err := middleware.DecodeJSON(req, &body); err != nil {
		return err
	}
	pct := body.ProgressPercentage
	if pct == nil {
		pct = body.Percentage
	}
	if pct == nil {
		return domain.Validationf("progressPercentage is required")
	}

	u := appscans.ProgressUpdate{
		ScanID:     id,
		Percentage: *pct,
		Status:     domain.Status(body.Status),
	}
	if body.CurrentCheck != nil {
		// checker output lands in logs and SSE frames
		check := middleware.SanitizeString(*body.CurrentCheck)
		u.CurrentCheck = &check
	}
	if body.TotalChecks != nil || body.Passed != nil || body.Failed != nil || body.Errors != nil {
		u.Counters = &domain.CounterUpdate{
			Total:  body.TotalChecks,
			Passed: body.Passed,
			Failed: body.Failed,
			Errors: body.Errors,
		}
	}

	scan, err := r.scansSvc.IngestProgress(req.Context(), u)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"status":             "success",
		"scanId":             scan.ScanID,
		"progressPercentage": scan.Progress,
	})
}
