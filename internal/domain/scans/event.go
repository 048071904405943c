package scans

import "time"

type EventType string

const (
	EventSnapshot EventType = "snapshot"
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
)

// Event is what observers of a scan receive. Seq is assigned by the broadcaster's event log.
type Event struct {
	Event        EventType `json:"event"`
	Seq          uint64    `json:"seq,omitempty"`
	ScanID       ScanID    `json:"scanId"`
	Status       Status    `json:"status"`
	Progress     int       `json:"progressPercentage"`
	CurrentCheck *string   `json:"currentCheck"`
	Counters
	StartedAt    *time.Time `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	At           time.Time  `json:"at"`
}

// NewEvent snapshots s into an event of type t.
func NewEvent(t EventType, s *Scan, at time.Time) Event {
	c := s.Clone()
	return Event{
		Event:        t,
		ScanID:       c.ScanID,
		Status:       c.Status,
		Progress:     c.Progress,
		CurrentCheck: c.CurrentCheck,
		Counters:     c.Counters,
		StartedAt:    c.StartedAt,
		CompletedAt:  c.CompletedAt,
		ErrorMessage: c.ErrorMessage,
		At:           at,
	}
}

// Terminal reports whether the event carries a terminal status.
func (e Event) Terminal() bool { return e.Status.Terminal() }
