package scans

import (
	"time"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the scan to status `to`, stamping timestamps exactly once.
// Re-applying the current non-terminal status is a no-op.
func (s *Scan) Transition(to Status, errMsg string, now time.Time) error {
	if !to.Valid() {
		return Validationf("invalid status %q", to)
	}
	if s.Status.Terminal() {
		return Validationf("scan %s is already %s", s.ScanID, s.Status)
	}
	if s.Status == to {
		if errMsg != "" {
			s.ErrorMessage = errMsg
		}
		return nil
	}
	if !CanTransition(s.Status, to) {
		return Validationf("illegal transition %s -> %s", s.Status, to)
	}

	s.Status = to
	if to == StatusRunning && s.StartedAt == nil {
		t := now
		s.StartedAt = &t
	}
	if to.Terminal() {
		if s.CompletedAt == nil {
			t := now
			s.CompletedAt = &t
		}
		s.CurrentCheck = nil
	}
	if to == StatusCompleted {
		s.Progress = 100
	}
	if errMsg != "" {
		s.ErrorMessage = errMsg
	}
	return nil
}

// ApplyProgress merges a progress report. It returns false when the scan is
// terminal and nothing was applied.
func (s *Scan) ApplyProgress(pct int, currentCheck *string, counters *CounterUpdate, now time.Time) bool {
	if s.Status.Terminal() {
		return false
	}
	if s.Status == StatusPending {
		_ = s.Transition(StatusRunning, "", now)
	}

	pct = ClampPercentage(pct)
	if pct > s.Progress {
		s.Progress = pct
	}
	if currentCheck != nil && *currentCheck != "" {
		v := *currentCheck
		s.CurrentCheck = &v
	}
	if s.Progress >= 100 {
		s.CurrentCheck = nil
	}
	if !counters.empty() {
		if counters.Total != nil {
			s.Total = *counters.Total
		}
		if counters.Passed != nil {
			s.Passed = *counters.Passed
		}
		if counters.Failed != nil {
			s.Failed = *counters.Failed
		}
		if counters.Errors != nil {
			s.Errors = *counters.Errors
		}
	}
	return true
}

func ClampPercentage(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
