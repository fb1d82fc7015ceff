package models

import (
	"errors"
	"fmt"
)

// ErrIncidentNotFound is returned by stores when no incident matches the
// requested ID.
var ErrIncidentNotFound = errors.New("incident not found")

// ErrVersionConflict signals a lost optimistic-concurrency race: the
// incident's version no longer matches the expected value. Callers retry
// or fall back; the error never reaches ingestion callers.
var ErrVersionConflict = errors.New("incident version conflict")

// ValidationError rejects malformed input before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError rejects a lifecycle transition the state machine
// does not define. State is left unchanged.
type InvalidTransitionError struct {
	IncidentID string
	From       IncidentStatus
	To         IncidentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("incident %s: transition %s -> %s not permitted", e.IncidentID, e.From, e.To)
}
