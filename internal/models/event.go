package models

import "time"

// Level enumerates accepted event log levels.
type Level string

const (
	LevelError Level = "ERROR"
	LevelWarn  Level = "WARN"
	LevelInfo  Level = "INFO"
)

// Valid reports whether the level is one of the accepted values.
func (l Level) Valid() bool {
	switch l {
	case LevelError, LevelWarn, LevelInfo:
		return true
	}
	return false
}

// EventInput is the payload accepted at ingestion, before an ID and
// incident assignment exist.
type EventInput struct {
	Service   string    `json:"service"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is a single reported log/error occurrence. Events are immutable
// once persisted; IncidentID is assigned exactly once during correlation.
type Event struct {
	ID         string    `json:"id"`
	Service    string    `json:"service"`
	Level      Level     `json:"level"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	IncidentID string    `json:"incident_id"`
}
