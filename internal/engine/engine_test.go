package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/incidentstack/correlator/internal/config"
	"github.com/incidentstack/correlator/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeStore is an in-memory Store with real version-check semantics so
// the engine's concurrency paths behave as they do against SQLite.
type fakeStore struct {
	mu        sync.Mutex
	incidents map[string]*models.Incident
	events    map[string][]*models.Event

	// afterStaleScan, when set, runs after StaleIncidents returns its
	// snapshot. Used to interleave attaches with the sweep.
	afterStaleScan func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		incidents: make(map[string]*models.Incident),
		events:    make(map[string][]*models.Event),
	}
}

func (s *fakeStore) GetIncident(_ context.Context, id string) (*models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, models.ErrIncidentNotFound
	}
	return inc.Clone(), nil
}

func (s *fakeStore) ListIncidents(_ context.Context, filter models.IncidentFilter) ([]*models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Incident
	for _, inc := range s.incidents {
		if filter.Matches(inc) {
			out = append(out, inc.Clone())
		}
	}
	return out, nil
}

func (s *fakeStore) StaleIncidents(_ context.Context, olderThan time.Time) ([]*models.Incident, error) {
	s.mu.Lock()
	var out []*models.Incident
	for _, inc := range s.incidents {
		if inc.Status.Active() && inc.LastEventAt.Before(olderThan) {
			out = append(out, inc.Clone())
		}
	}
	hook := s.afterStaleScan
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (s *fakeStore) CreateIncidentWithEvent(_ context.Context, inc *models.Incident, ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.ID] = inc.Clone()
	evCopy := *ev
	s.events[inc.ID] = append(s.events[inc.ID], &evCopy)
	return nil
}

func (s *fakeStore) AttachEvent(_ context.Context, id string, expectedVersion int64, ev *models.Event, mutate func(*models.Incident) error) (*models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, models.ErrIncidentNotFound
	}
	if inc.Version != expectedVersion {
		return nil, models.ErrVersionConflict
	}
	next := inc.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	s.incidents[id] = next
	evCopy := *ev
	s.events[id] = append(s.events[id], &evCopy)
	return next.Clone(), nil
}

func (s *fakeStore) CompareAndSwapIncident(_ context.Context, id string, expectedVersion int64, mutate func(*models.Incident) error) (*models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, models.ErrIncidentNotFound
	}
	if inc.Version != expectedVersion {
		return nil, models.ErrVersionConflict
	}
	next := inc.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	s.incidents[id] = next
	return next.Clone(), nil
}

func (s *fakeStore) QueryEvents(_ context.Context, service string, since time.Time) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Event
	for _, evs := range s.events {
		for _, ev := range evs {
			if ev.Service == service && !ev.Timestamp.Before(since) {
				evCopy := *ev
				out = append(out, &evCopy)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) EventsForIncident(_ context.Context, incidentID string, limit int) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[incidentID]
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	out := make([]*models.Event, 0, len(evs))
	for _, ev := range evs {
		evCopy := *ev
		out = append(out, &evCopy)
	}
	return out, nil
}

func (s *fakeStore) incidentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.incidents)
}

// recordingScheduler captures classification requests.
type recordingScheduler struct {
	mu       sync.Mutex
	requests []string
	versions []int64
}

func (r *recordingScheduler) Enqueue(incidentID string, version int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, incidentID)
	r.versions = append(r.versions, version)
	return true
}

func (r *recordingScheduler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func input(service string, ts time.Time) models.EventInput {
	return models.EventInput{
		Service:   service,
		Level:     models.LevelError,
		Message:   "connection refused",
		Timestamp: ts,
	}
}

func newTestEngine(store Store, scheduler ClassificationScheduler, cfg config.CorrelationConfig) *Engine {
	return New(testLogger(), store, scheduler, cfg)
}

func TestIngestCreatesThenAttachesWithinWindow(t *testing.T) {
	store := newFakeStore()
	sched := &recordingScheduler{}
	eng := newTestEngine(store, sched, config.CorrelationConfig{
		IncidentThreshold:  2,
		IncidentTimeWindow: 300 * time.Second,
	})
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	incA, created, err := eng.Ingest(ctx, input("checkout", base))
	if err != nil {
		t.Fatalf("ingest A: %v", err)
	}
	if !created {
		t.Fatal("first event must create an incident")
	}
	if incA.Status != models.StatusOpen || incA.EventCount != 1 {
		t.Fatalf("incident after A: %+v", incA)
	}
	if sched.count() != 0 {
		t.Fatal("below threshold, nothing should be scheduled")
	}

	incB, created, err := eng.Ingest(ctx, input("checkout", base.Add(100*time.Second)))
	if err != nil {
		t.Fatalf("ingest B: %v", err)
	}
	if created {
		t.Fatal("second event within window must attach")
	}
	if incB.ID != incA.ID {
		t.Fatalf("attached to %s, want %s", incB.ID, incA.ID)
	}
	if incB.EventCount != 2 {
		t.Fatalf("event count = %d, want 2", incB.EventCount)
	}
	if incB.Status != models.StatusInvestigating {
		t.Fatalf("threshold crossing must move to investigating, got %s", incB.Status)
	}
	if incB.Classification != models.ClassificationPending {
		t.Fatalf("classification = %s, want pending", incB.Classification)
	}
	if sched.count() != 1 {
		t.Fatalf("scheduler requests = %d, want 1", sched.count())
	}

	// 400s after the incident's last event: outside the window, so a
	// fresh incident opens.
	incC, created, err := eng.Ingest(ctx, input("checkout", base.Add(500*time.Second)))
	if err != nil {
		t.Fatalf("ingest C: %v", err)
	}
	if !created {
		t.Fatal("event beyond the window must open a new incident")
	}
	if incC.ID == incA.ID {
		t.Fatal("expected a distinct incident")
	}
	if store.incidentCount() != 2 {
		t.Fatalf("incidents = %d, want 2", store.incidentCount())
	}
}

func TestIngestAttachUpdatesWindowAnchor(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, nil, config.CorrelationConfig{
		IncidentThreshold:  5,
		IncidentTimeWindow: 300 * time.Second,
	})
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// Each event lands 200s after the previous one. The window anchors
	// on the last event, so the chain keeps extending.
	var last *models.Incident
	for i := 0; i < 4; i++ {
		inc, _, err := eng.Ingest(ctx, input("api", base.Add(time.Duration(i)*200*time.Second)))
		if err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		last = inc
	}
	if store.incidentCount() != 1 {
		t.Fatalf("incidents = %d, want 1", store.incidentCount())
	}
	if last.EventCount != 4 {
		t.Fatalf("event count = %d, want 4", last.EventCount)
	}
	if !last.LastEventAt.Equal(base.Add(600 * time.Second)) {
		t.Fatalf("last event at = %v", last.LastEventAt)
	}
}

func TestIngestConcurrentFirstEventsSingleIncident(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, nil, config.CorrelationConfig{
		IncidentThreshold:  5,
		IncidentTimeWindow: 300 * time.Second,
		AttachRetries:      64,
	})
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			_, _, err := eng.Ingest(ctx, input("checkout", base.Add(time.Duration(i)*time.Millisecond)))
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent ingest: %v", err)
	}

	if store.incidentCount() != 1 {
		t.Fatalf("incidents = %d, want exactly 1", store.incidentCount())
	}
	incidents, err := store.ListIncidents(ctx, models.IncidentFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if incidents[0].EventCount != workers {
		t.Fatalf("event count = %d, want %d", incidents[0].EventCount, workers)
	}
	if incidents[0].Version != workers-1 {
		t.Fatalf("version = %d, want %d", incidents[0].Version, workers-1)
	}
}

func TestIngestValidation(t *testing.T) {
	eng := newTestEngine(newFakeStore(), nil, config.CorrelationConfig{})
	ctx := context.Background()
	now := time.Now().UTC()

	cases := []struct {
		name  string
		in    models.EventInput
		field string
	}{
		{"empty service", models.EventInput{Level: models.LevelError, Message: "x", Timestamp: now}, "service"},
		{"blank service", models.EventInput{Service: "   ", Level: models.LevelError, Message: "x", Timestamp: now}, "service"},
		{"bad level", models.EventInput{Service: "api", Level: "FATAL", Message: "x", Timestamp: now}, "level"},
		{"empty message", models.EventInput{Service: "api", Level: models.LevelWarn, Timestamp: now}, "message"},
		{"zero timestamp", models.EventInput{Service: "api", Level: models.LevelInfo, Message: "x"}, "timestamp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := eng.Ingest(ctx, tc.in)
			var verr *models.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field = %q, want %q", verr.Field, tc.field)
			}
		})
	}
}

func TestIngestThresholdOneSchedulesOnCreate(t *testing.T) {
	store := newFakeStore()
	sched := &recordingScheduler{}
	eng := newTestEngine(store, sched, config.CorrelationConfig{
		IncidentThreshold:  1,
		IncidentTimeWindow: 300 * time.Second,
	})

	inc, created, err := eng.Ingest(context.Background(), input("api", time.Now().UTC()))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !created {
		t.Fatal("expected creation")
	}
	if inc.Status != models.StatusOpen {
		t.Fatalf("status = %s, want open at creation", inc.Status)
	}
	if inc.Classification != models.ClassificationPending {
		t.Fatalf("classification = %s, want pending", inc.Classification)
	}
	if sched.count() != 1 {
		t.Fatalf("scheduler requests = %d, want 1", sched.count())
	}
}

func TestIngestSkipsInactiveCandidates(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, nil, config.CorrelationConfig{
		IncidentThreshold:  5,
		IncidentTimeWindow: 300 * time.Second,
	})
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	incA, _, err := eng.Ingest(ctx, input("api", base))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := eng.ForceTransition(ctx, incA.ID, models.StatusResolved); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	incB, created, err := eng.Ingest(ctx, input("api", base.Add(10*time.Second)))
	if err != nil {
		t.Fatalf("ingest after resolve: %v", err)
	}
	if !created || incB.ID == incA.ID {
		t.Fatal("resolved incidents must not accept events")
	}
}

func TestForceTransitionLifecycle(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, nil, config.CorrelationConfig{
		IncidentThreshold:  5,
		IncidentTimeWindow: 300 * time.Second,
	})
	ctx := context.Background()

	inc, _, err := eng.Ingest(ctx, input("api", time.Now().UTC()))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// open -> closed skips resolved and must be rejected.
	_, err = eng.ForceTransition(ctx, inc.ID, models.StatusClosed)
	var terr *models.InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	if terr.From != models.StatusOpen || terr.To != models.StatusClosed {
		t.Fatalf("transition error = %+v", terr)
	}

	updated, err := eng.ForceTransition(ctx, inc.ID, models.StatusInvestigating)
	if err != nil {
		t.Fatalf("open->investigating: %v", err)
	}
	if updated.Status != models.StatusInvestigating {
		t.Fatalf("status = %s", updated.Status)
	}

	if _, err = eng.ForceTransition(ctx, inc.ID, models.StatusResolved); err != nil {
		t.Fatalf("investigating->resolved: %v", err)
	}
	if _, err = eng.ForceTransition(ctx, inc.ID, models.StatusClosed); err != nil {
		t.Fatalf("resolved->closed: %v", err)
	}

	_, err = eng.ForceTransition(ctx, inc.ID, models.StatusOpen)
	if !errors.As(err, &terr) {
		t.Fatalf("closed is terminal, err = %v", err)
	}

	_, err = eng.ForceTransition(ctx, inc.ID, "bogus")
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError for unknown status", err)
	}

	_, err = eng.ForceTransition(ctx, "missing", models.StatusResolved)
	if !errors.Is(err, models.ErrIncidentNotFound) {
		t.Fatalf("err = %v, want ErrIncidentNotFound", err)
	}
}

func TestRestoreRebuildsIndex(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, nil, config.CorrelationConfig{
		IncidentThreshold:  5,
		IncidentTimeWindow: 300 * time.Second,
	})
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	incA, _, err := eng.Ingest(ctx, input("api", base))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, _, err := eng.Ingest(ctx, input("billing", base)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// A second engine over the same store starts with an empty index and
	// must restore candidates before serving.
	restored := newTestEngine(store, nil, config.CorrelationConfig{
		IncidentThreshold:  5,
		IncidentTimeWindow: 300 * time.Second,
	})
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.index.Size() != 2 {
		t.Fatalf("index size = %d, want 2", restored.index.Size())
	}

	inc, created, err := restored.Ingest(ctx, input("api", base.Add(10*time.Second)))
	if err != nil {
		t.Fatalf("ingest after restore: %v", err)
	}
	if created || inc.ID != incA.ID {
		t.Fatal("restored engine must attach to the persisted incident")
	}
}

func TestSummaryAggregates(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, nil, config.CorrelationConfig{
		IncidentThreshold:  5,
		IncidentTimeWindow: 300 * time.Second,
	})
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if _, _, err := eng.Ingest(ctx, input("api", base)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, _, err := eng.Ingest(ctx, input("billing", base)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	inc, _, err := eng.Ingest(ctx, input("billing", base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := eng.ForceTransition(ctx, inc.ID, models.StatusResolved); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	summary, err := eng.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalIncidents != 3 {
		t.Fatalf("total = %d, want 3", summary.TotalIncidents)
	}
	if summary.ByStatus[models.StatusOpen] != 2 || summary.ByStatus[models.StatusResolved] != 1 {
		t.Fatalf("by status = %v", summary.ByStatus)
	}
	if len(summary.ByService) == 0 || summary.ByService[0].Service != "billing" {
		t.Fatalf("by service = %v", summary.ByService)
	}
}
