package domain

import "time"

// TimeFormat is fixed-width so that lexical order of stored timestamps matches chronological order.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in UTC using TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

const (
	StatusPending   MissionStatus = "pending"
	StatusExecuting MissionStatus = "executing"
	StatusCompleted MissionStatus = "completed"
	StatusFailed    MissionStatus = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []MissionStatus{StatusPending, StatusExecuting, StatusCompleted, StatusFailed}

func (s MissionStatus) String() string { return string(s) }

// Valid reports whether s is a known status.
func (s MissionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusExecuting, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed out of s.
func (s MissionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether s -> target is an edge of the mission state machine.
func (s MissionStatus) CanTransitionTo(target MissionStatus) bool {
	switch s {
	case StatusPending:
		return target == StatusExecuting || target == StatusFailed
	case StatusExecuting:
		return target == StatusCompleted || target == StatusFailed
	default:
		return false
	}
}

type Mission struct {
	ID           string            `json:"id"`
	Prompt       string            `json:"prompt"`
	Agent        string            `json:"agent"`
	Status       MissionStatus     `json:"status" enum:"pending,executing,completed,failed"`
	Result       *string           `json:"result,omitempty"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
	UpdatedAt    string            `json:"updated_at" format:"date-time"`
	CompletedAt  *string           `json:"completed_at,omitempty" format:"date-time"`
}

// Update types used by the progress log. They are tags for readers, not control flow.
const (
	UpdateInfo     = "info"
	UpdateProgress = "progress"
	UpdateWarning  = "warning"
	UpdateError    = "error"
)

// NormalizeUpdateType maps unknown or empty tags to UpdateInfo.
func NormalizeUpdateType(t string) string {
	switch t {
	case UpdateInfo, UpdateProgress, UpdateWarning, UpdateError:
		return t
	}
	return UpdateInfo
}

type MissionUpdate struct {
	MissionID  string `json:"mission_id"`
	Seq        int64  `json:"seq"`
	Message    string `json:"message"`
	UpdateType string `json:"update_type" enum:"info,progress,warning,error"`
	Timestamp  string `json:"timestamp" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
