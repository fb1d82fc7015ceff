package engine

import (
	"context"
	"time"

	"github.com/incidentstack/correlator/internal/models"
)

// Store is the persistence handle injected into the engine. Attach and
// create operations are transactional across the incident and event
// tables: either both rows persist or neither does.
type Store interface {
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	ListIncidents(ctx context.Context, filter models.IncidentFilter) ([]*models.Incident, error)
	// StaleIncidents returns active incidents whose last event predates
	// the cutoff.
	StaleIncidents(ctx context.Context, olderThan time.Time) ([]*models.Incident, error)

	// CreateIncidentWithEvent atomically inserts a new incident and its
	// first event.
	CreateIncidentWithEvent(ctx context.Context, inc *models.Incident, ev *models.Event) error
	// AttachEvent atomically applies mutate to the incident identified by
	// id and inserts the event, provided the stored version still equals
	// expectedVersion; otherwise it returns models.ErrVersionConflict.
	// Errors returned by mutate abort the whole operation.
	AttachEvent(ctx context.Context, id string, expectedVersion int64, ev *models.Event, mutate func(*models.Incident) error) (*models.Incident, error)
	// CompareAndSwapIncident is AttachEvent without an event row.
	CompareAndSwapIncident(ctx context.Context, id string, expectedVersion int64, mutate func(*models.Incident) error) (*models.Incident, error)

	QueryEvents(ctx context.Context, service string, since time.Time) ([]*models.Event, error)
	EventsForIncident(ctx context.Context, incidentID string, limit int) ([]*models.Event, error)
}

// ClassificationScheduler accepts asynchronous classification requests.
// Enqueue must not block; it reports whether the request was accepted.
type ClassificationScheduler interface {
	Enqueue(incidentID string, version int64) bool
}
