package scans

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
}

// Epoch values above these are read as milliseconds and microseconds.
const (
	epochMillisFrom = 1e11
	epochMicrosFrom = 1e14
)

// ParseTimestamp accepts the layouts the checker is known to emit plus unix
// seconds, milliseconds or microseconds. Anything outside 1970..9999 is dropped
// since the stores cannot hold it. It returns nil instead of failing so one bad
// row never aborts a batch.
func ParseTimestamp(v any) *time.Time {
	ts, ok := parseTimestamp(v)
	if !ok || ts.Year() < 1970 || ts.Year() > 9999 {
		return nil
	}
	ts = ts.UTC()
	return &ts
}

func parseTimestamp(v any) (time.Time, bool) {
	if f, ok := number(v); ok {
		return fromEpoch(f)
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f)
	}
	return time.Time{}, false
}

func fromEpoch(f float64) (time.Time, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	switch {
	case f >= epochMicrosFrom:
		f /= 1e6
	case f >= epochMillisFrom:
		f /= 1e3
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}

// number reads a JSON numeric value, decoded either as float64 or json.Number.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// NormalizeOutcome maps the checker's loose status vocabulary onto pass/fail/error.
func NormalizeOutcome(v any) Outcome {
	s, _ := v.(string)
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pass", "passed", "ok", "success", "compliant":
		return OutcomePass
	case "fail", "failed", "failure", "non_compliant", "noncompliant", "violation":
		return OutcomeFail
	default:
		return OutcomeError
	}
}

// MapResult converts one raw result object from the checker into a CheckResult row.
func MapResult(raw map[string]any, scanRef int64, now time.Time) *CheckResult {
	r := &CheckResult{
		ScanRef:     scanRef,
		CheckID:     firstString(raw, "check_id", "checkId", "id", "control_id", "rule_id"),
		Category:    firstString(raw, "category", "section", "group"),
		Level:       firstString(raw, "level", "profile"),
		Outcome:     NormalizeOutcome(firstValue(raw, "status", "result", "outcome")),
		Severity:    firstString(raw, "severity"),
		StartedAt:   ParseTimestamp(firstValue(raw, "start_time", "started_at", "startedAt")),
		FinishedAt:  ParseTimestamp(firstValue(raw, "end_time", "finished_at", "finishedAt", "completed_at")),
		Title:       firstString(raw, "title", "name"),
		Description: firstString(raw, "description"),
		Remediation: firstString(raw, "remediation", "fix"),
		Rationale:   firstString(raw, "rationale"),
		CreatedAt:   now,
	}
	if r.CheckID == "" {
		r.CheckID = "-"
	}

	if ms, ok := number(firstValue(raw, "duration_ms", "durationMs")); ok {
		r.DurationMS = int64(ms)
	} else if secs, ok := number(firstValue(raw, "duration", "execution_time")); ok {
		r.DurationMS = int64(secs * 1000)
	} else if r.StartedAt != nil && r.FinishedAt != nil && r.FinishedAt.After(*r.StartedAt) {
		r.DurationMS = r.FinishedAt.Sub(*r.StartedAt).Milliseconds()
	}

	details := firstValue(raw, "details", "evidence", "output")
	if details == nil {
		details = raw
	}
	if b, err := json.Marshal(details); err == nil {
		r.Details = b
	}
	return r
}

func firstValue(raw map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(raw map[string]any, keys ...string) string {
	switch v := firstValue(raw, keys...).(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
