package checker

import (
	"encoding/json"
	"fmt"
	"strings"

	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
)

// Interpret turns an extracted payload into an execution result. A bare
// result array is only accepted when expectedChecks is 0 or matches its length.
func Interpret(ex Extraction, expectedChecks int) (domain.ExecutionResult, error) {
	if !ex.Found {
		return domain.ExecutionResult{}, &domain.ExecutionFailedError{Msg: ex.Error}
	}

	if ex.Implicit {
		if expectedChecks > 0 && len(ex.Results) != expectedChecks {
			return domain.ExecutionResult{}, &domain.ExecutionFailedError{
				Msg: fmt.Sprintf("partial results: checker printed %d results without a status envelope, expected %d", len(ex.Results), expectedChecks),
			}
		}
		return domain.ExecutionResult{
			Status:      "success",
			Results:     ex.Results,
			TotalChecks: len(ex.Results),
			Implicit:    true,
			Payload:     ex.Raw,
		}, nil
	}

	obj := ex.Object
	status := strings.ToLower(strings.TrimSpace(fmt.Sprint(obj["status"])))
	if status != "success" && status != "completed" {
		msg := firstText(obj, "error", "message", "detail")
		if msg == "" {
			msg = fmt.Sprintf("checker reported status %q", status)
		}
		return domain.ExecutionResult{}, &domain.ExecutionFailedError{Msg: msg}
	}

	rawResults, _ := obj["results"].([]any)
	results := make([]map[string]any, 0, len(rawResults))
	for _, it := range rawResults {
		if m, ok := it.(map[string]any); ok {
			results = append(results, m)
		}
	}

	total := len(results)
	if n, ok := obj["total_checks"].(json.Number); ok {
		if v, err := n.Int64(); err == nil && v >= 0 {
			total = int(v)
		}
	}
	return domain.ExecutionResult{
		Status:      status,
		Results:     results,
		TotalChecks: total,
		Payload:     ex.Raw,
	}, nil
}

func firstText(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	return ""
}
