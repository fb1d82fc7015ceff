// Package classify turns incident snapshots into categories, severities
// and remediation recommendations, and dispatches that work off the
// ingestion path.
package classify

import (
	"context"
	"fmt"

	"github.com/incidentstack/correlator/internal/models"
)

// Classifier is the external classification capability. Implementations
// may be slow or unreliable; callers own retries and backoff.
type Classifier interface {
	Classify(ctx context.Context, snapshot models.IncidentSnapshot) (models.Classification, error)
}

// ClassificationError wraps a failure of the classification backend.
type ClassificationError struct {
	IncidentID string
	Err        error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify incident %s: %v", e.IncidentID, e.Err)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// IncidentStore is the persistence subset the dispatcher needs to read
// incidents and write classification results back under a version check.
type IncidentStore interface {
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	CompareAndSwapIncident(ctx context.Context, id string, expectedVersion int64, mutate func(*models.Incident) error) (*models.Incident, error)
	EventsForIncident(ctx context.Context, incidentID string, limit int) ([]*models.Event, error)
}

// snapshotMessageLimit caps how many recent messages are handed to the
// classifier per incident.
const snapshotMessageLimit = 25

func buildSnapshot(inc *models.Incident, events []*models.Event) models.IncidentSnapshot {
	messages := make([]string, 0, len(events))
	for _, ev := range events {
		messages = append(messages, ev.Message)
	}
	return models.IncidentSnapshot{
		ID:           inc.ID,
		Service:      inc.Service,
		EventCount:   inc.EventCount,
		FirstEventAt: inc.FirstEventAt,
		LastEventAt:  inc.LastEventAt,
		Messages:     messages,
	}
}
