// Package audit records security-relevant assistant activity: executed writes,
// vetoed or denied SQL, suspected prompt injection and model failures.
package audit

import (
	"context"
	"time"
)

type EventType string

const (
	EventQuery              EventType = "SQL_ASSIST_QUERY"
	EventDataCreate         EventType = "DATA_CREATE"
	EventDataUpdate         EventType = "DATA_UPDATE"
	EventDataDelete         EventType = "DATA_DELETE"
	EventSchemaChange       EventType = "SCHEMA_CHANGE"
	EventSecurityViolation  EventType = "SECURITY_VIOLATION"
	EventPotentialInjection EventType = "POTENTIAL_INJECTION"
	EventApplicationError   EventType = "APPLICATION_ERROR"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

func SeverityFor(eventType EventType) Severity {
	switch eventType {
	case EventSecurityViolation, EventPotentialInjection:
		return SeverityCritical
	case EventApplicationError:
		return SeverityError
	case EventDataDelete, EventSchemaChange:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

type Event struct {
	LogID       int64          `json:"log_id,omitempty"`
	At          time.Time      `json:"at"`
	UserID      int64          `json:"user_id,omitempty"`
	ArcherID    int64          `json:"archer_id,omitempty"`
	Role        string         `json:"role,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	TurnID      string         `json:"turn_id,omitempty"`
	Type        EventType      `json:"event_type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	SQL         string         `json:"sql,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Reviewed    bool           `json:"reviewed"`
}

// Recorder persists events. Callers treat failures as non-fatal.
type Recorder interface {
	Record(ctx context.Context, event Event) (Event, error)
}

type Filter struct {
	Since time.Time
	Until time.Time
	Limit int
}

type SeverityCount struct {
	Severity Severity `json:"severity"`
	Count    int64    `json:"count"`
}

type Summary struct {
	Since      time.Time       `json:"since"`
	Total      int64           `json:"total"`
	Unreviewed int64           `json:"unreviewed"`
	BySeverity []SeverityCount `json:"by_severity"`
}

type Discard struct{}

func (Discard) Record(_ context.Context, event Event) (Event, error) {
	return event, nil
}
