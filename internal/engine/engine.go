package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/incidentstack/correlator/internal/analytics"
	"github.com/incidentstack/correlator/internal/config"
	"github.com/incidentstack/correlator/internal/metrics"
	"github.com/incidentstack/correlator/internal/models"
	"github.com/incidentstack/correlator/internal/utils"
)

// errCandidateStale aborts an attach whose candidate became ineligible
// between lookup and the version-checked swap.
var errCandidateStale = errors.New("candidate no longer eligible")

// Engine correlates incoming events into incidents, manages their
// lifecycle, and hands classification work to the scheduler. Incident
// mutation is serialized per incident through the store's version check;
// distinct incidents proceed fully in parallel.
type Engine struct {
	logger    *slog.Logger
	store     Store
	scheduler ClassificationScheduler
	index     *candidateIndex
	latencies *utils.LatencyTracker

	threshold     int
	window        time.Duration
	attachRetries int
	sweepInterval time.Duration
}

// New constructs an Engine around the injected store and scheduler. The
// scheduler may be nil, in which case classification is never requested.
func New(logger *slog.Logger, store Store, scheduler ClassificationScheduler, cfg config.CorrelationConfig) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IncidentThreshold <= 0 {
		cfg.IncidentThreshold = 1
	}
	if cfg.IncidentTimeWindow <= 0 {
		cfg.IncidentTimeWindow = 5 * time.Minute
	}
	if cfg.AttachRetries < 0 {
		cfg.AttachRetries = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.IncidentTimeWindow / 2
	}

	return &Engine{
		logger:        logger,
		store:         store,
		scheduler:     scheduler,
		index:         newCandidateIndex(),
		latencies:     utils.NewLatencyTracker(1024),
		threshold:     cfg.IncidentThreshold,
		window:        cfg.IncidentTimeWindow,
		attachRetries: cfg.AttachRetries,
		sweepInterval: cfg.SweepInterval,
	}
}

// Restore rebuilds the candidate index from persisted active incidents.
// Call once before serving ingestion.
func (e *Engine) Restore(ctx context.Context) error {
	incidents, err := e.store.ListIncidents(ctx, models.IncidentFilter{
		Statuses: []models.IncidentStatus{models.StatusOpen, models.StatusInvestigating},
	})
	if err != nil {
		return fmt.Errorf("restore index: %w", err)
	}
	for _, inc := range incidents {
		e.index.Upsert(inc.Service, inc.ID, inc.LastEventAt)
	}
	e.logger.Info("candidate index restored", slog.Int("incidents", len(incidents)))
	return nil
}

// Ingest correlates one event: it attaches to the most recent eligible
// active incident for the event's service, or creates a new incident when
// none exists. The returned bool reports whether an incident was created.
// Lost attach races are retried up to the configured bound, then resolved
// by opening a fresh incident so ingestion latency stays bounded.
func (e *Engine) Ingest(ctx context.Context, in models.EventInput) (*models.Incident, bool, error) {
	start := time.Now()

	if err := validateInput(in); err != nil {
		metrics.ObserveIngest(time.Since(start), metrics.OutcomeError)
		return nil, false, err
	}

	ev := &models.Event{
		ID:        uuid.NewString(),
		Service:   strings.TrimSpace(in.Service),
		Level:     in.Level,
		Message:   in.Message,
		Timestamp: in.Timestamp.UTC(),
	}

	for attempt := 0; attempt <= e.attachRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			metrics.ObserveIngest(time.Since(start), metrics.OutcomeError)
			return nil, false, err
		}

		inc, attached, err := e.attachCandidate(ctx, ev)
		if err != nil {
			metrics.ObserveIngest(time.Since(start), metrics.OutcomeError)
			return nil, false, err
		}
		if attached {
			e.finishIngest(start, metrics.OutcomeAttached)
			return inc, false, nil
		}

		inc, created, err := e.createIfNone(ctx, ev)
		if err != nil {
			metrics.ObserveIngest(time.Since(start), metrics.OutcomeError)
			return nil, false, err
		}
		if created {
			e.finishIngest(start, metrics.OutcomeCreated)
			return inc, true, nil
		}

		// A candidate appeared or changed underneath us; go around.
		metrics.ObserveAttachConflict()
	}

	// Retry bound exhausted under contention. Open a fresh incident
	// rather than spinning; the sweep merges nothing, but ingestion
	// latency stays bounded.
	e.logger.Warn("attach retries exhausted, creating incident",
		slog.String("service", ev.Service), slog.Int("retries", e.attachRetries))
	inc, err := e.createIncident(ctx, ev)
	if err != nil {
		metrics.ObserveIngest(time.Since(start), metrics.OutcomeError)
		return nil, false, err
	}
	e.finishIngest(start, metrics.OutcomeCreated)
	return inc, true, nil
}

// attachCandidate walks index candidates most-recent-first and tries a
// version-checked attach against the first eligible one.
func (e *Engine) attachCandidate(ctx context.Context, ev *models.Event) (*models.Incident, bool, error) {
	for _, id := range e.index.Lookup(ev.Service, ev.Timestamp, e.window) {
		cur, err := e.store.GetIncident(ctx, id)
		if errors.Is(err, models.ErrIncidentNotFound) {
			e.index.Remove(ev.Service, id)
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if !cur.Status.Active() {
			e.index.Remove(ev.Service, id)
			continue
		}
		if !withinWindow(cur.LastEventAt, ev.Timestamp, e.window) {
			continue
		}

		attachEv := *ev
		attachEv.IncidentID = cur.ID
		crossed := false
		updated, err := e.store.AttachEvent(ctx, cur.ID, cur.Version, &attachEv, func(inc *models.Incident) error {
			// Re-check eligibility against the row actually being
			// swapped; a concurrent transition or late event may have
			// changed it since the lookup.
			if !inc.Status.Active() || !withinWindow(inc.LastEventAt, ev.Timestamp, e.window) {
				return errCandidateStale
			}
			before := inc.EventCount
			inc.EventCount++
			if ev.Timestamp.After(inc.LastEventAt) {
				inc.LastEventAt = ev.Timestamp
			}
			if ev.Timestamp.Before(inc.FirstEventAt) {
				inc.FirstEventAt = ev.Timestamp
			}
			if before < e.threshold && inc.EventCount >= e.threshold {
				crossed = true
				if inc.Status == models.StatusOpen {
					inc.Status = models.StatusInvestigating
				}
				inc.Classification = models.ClassificationPending
			}
			return nil
		})
		if errors.Is(err, models.ErrVersionConflict) {
			// Lost the race; retry from a fresh lookup.
			return nil, false, nil
		}
		if errors.Is(err, errCandidateStale) {
			continue
		}
		if err != nil {
			return nil, false, err
		}

		e.index.Upsert(updated.Service, updated.ID, updated.LastEventAt)
		if crossed {
			e.schedule(updated)
		}
		return updated, true, nil
	}
	return nil, false, nil
}

// createIfNone creates a new incident for the event unless another
// goroutine created an eligible candidate first. The per-service lock
// makes first-event creation race-free: concurrent first events for the
// same service yield exactly one incident.
func (e *Engine) createIfNone(ctx context.Context, ev *models.Event) (*models.Incident, bool, error) {
	lock := e.index.ServiceLock(ev.Service)
	lock.Lock()
	defer lock.Unlock()

	if ids := e.index.Lookup(ev.Service, ev.Timestamp, e.window); len(ids) > 0 {
		return nil, false, nil
	}

	inc, err := e.createIncident(ctx, ev)
	if err != nil {
		return nil, false, err
	}
	return inc, true, nil
}

func (e *Engine) createIncident(ctx context.Context, ev *models.Event) (*models.Incident, error) {
	now := time.Now().UTC()
	inc := &models.Incident{
		ID:             uuid.NewString(),
		Service:        ev.Service,
		Status:         models.StatusOpen,
		Classification: models.ClassificationNone,
		EventCount:     1,
		FirstEventAt:   ev.Timestamp,
		LastEventAt:    ev.Timestamp,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        0,
	}
	crossed := e.threshold <= 1
	if crossed {
		inc.Classification = models.ClassificationPending
	}

	ev.IncidentID = inc.ID
	if err := e.store.CreateIncidentWithEvent(ctx, inc, ev); err != nil {
		return nil, err
	}

	// The incident must be visible to concurrent lookups before Ingest
	// returns, or the next event on this service races into a duplicate.
	e.index.Upsert(inc.Service, inc.ID, inc.LastEventAt)

	if crossed {
		e.schedule(inc)
	}
	e.logger.Debug("incident created", slog.String("incident_id", inc.ID), slog.String("service", inc.Service))
	return inc, nil
}

// GetIncident returns one incident by ID.
func (e *Engine) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	return e.store.GetIncident(ctx, id)
}

// ListIncidents returns incidents matching the filter, newest first.
func (e *Engine) ListIncidents(ctx context.Context, filter models.IncidentFilter) ([]*models.Incident, error) {
	return e.store.ListIncidents(ctx, filter)
}

// QueryEvents returns a service's events since the given time.
func (e *Engine) QueryEvents(ctx context.Context, service string, since time.Time) ([]*models.Event, error) {
	return e.store.QueryEvents(ctx, service, since)
}

// EventsForIncident returns an incident's most recent events.
func (e *Engine) EventsForIncident(ctx context.Context, incidentID string, limit int) ([]*models.Event, error) {
	return e.store.EventsForIncident(ctx, incidentID, limit)
}

// Summary aggregates all incidents into an analytics summary.
func (e *Engine) Summary(ctx context.Context) (models.AnalyticsSummary, error) {
	incidents, err := e.store.ListIncidents(ctx, models.IncidentFilter{})
	if err != nil {
		return models.AnalyticsSummary{}, err
	}
	return analytics.Summarize(incidents), nil
}

// ForceTransition applies an externally requested lifecycle transition,
// such as an operator resolving or closing an incident.
func (e *Engine) ForceTransition(ctx context.Context, id string, target models.IncidentStatus) (*models.Incident, error) {
	if !target.Valid() {
		return nil, &models.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", target)}
	}

	for attempt := 0; attempt <= e.attachRetries; attempt++ {
		cur, err := e.store.GetIncident(ctx, id)
		if err != nil {
			return nil, err
		}
		if !cur.Status.CanTransitionTo(target) {
			return nil, &models.InvalidTransitionError{IncidentID: id, From: cur.Status, To: target}
		}

		updated, err := e.store.CompareAndSwapIncident(ctx, id, cur.Version, func(inc *models.Incident) error {
			if !inc.Status.CanTransitionTo(target) {
				return &models.InvalidTransitionError{IncidentID: id, From: inc.Status, To: target}
			}
			inc.Status = target
			return nil
		})
		if errors.Is(err, models.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if !updated.Status.Active() {
			e.index.Remove(updated.Service, updated.ID)
		}
		e.logger.Info("incident transitioned",
			slog.String("incident_id", id), slog.String("status", string(target)))
		return updated, nil
	}
	return nil, fmt.Errorf("force transition %s: %w", id, models.ErrVersionConflict)
}

// LatencyP95 returns the current p95 ingestion latency.
func (e *Engine) LatencyP95() time.Duration {
	return e.latencies.Percentile(95)
}

func (e *Engine) finishIngest(start time.Time, outcome string) {
	duration := time.Since(start)
	metrics.ObserveIngest(duration, outcome)
	e.latencies.Observe(duration)
	if count := e.latencies.Count(); count >= 100 && count%100 == 0 {
		e.logger.Info("ingest latency", slog.Duration("p95", e.latencies.Percentile(95)), slog.Int("samples", count))
	}
}

func (e *Engine) schedule(inc *models.Incident) {
	if e.scheduler == nil {
		return
	}
	if !e.scheduler.Enqueue(inc.ID, inc.Version) {
		e.logger.Warn("classification request dropped", slog.String("incident_id", inc.ID))
	}
}

func validateInput(in models.EventInput) error {
	if strings.TrimSpace(in.Service) == "" {
		return &models.ValidationError{Field: "service", Reason: "must not be empty"}
	}
	if !in.Level.Valid() {
		return &models.ValidationError{Field: "level", Reason: fmt.Sprintf("unknown level %q", in.Level)}
	}
	if strings.TrimSpace(in.Message) == "" {
		return &models.ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if in.Timestamp.IsZero() {
		return &models.ValidationError{Field: "timestamp", Reason: "must be set"}
	}
	return nil
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}
