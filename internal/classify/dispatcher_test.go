package classify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/incidentstack/correlator/internal/cache"
	"github.com/incidentstack/correlator/internal/models"
)

// fakeIncidentStore is an in-memory IncidentStore with real version
// semantics so conflict paths can be exercised.
type fakeIncidentStore struct {
	mu        sync.Mutex
	incidents map[string]*models.Incident
	events    map[string][]*models.Event
}

func newFakeIncidentStore() *fakeIncidentStore {
	return &fakeIncidentStore{
		incidents: make(map[string]*models.Incident),
		events:    make(map[string][]*models.Event),
	}
}

func (s *fakeIncidentStore) put(inc *models.Incident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.ID] = inc.Clone()
}

func (s *fakeIncidentStore) get(id string) *models.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incidents[id].Clone()
}

func (s *fakeIncidentStore) GetIncident(_ context.Context, id string) (*models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, models.ErrIncidentNotFound
	}
	return inc.Clone(), nil
}

func (s *fakeIncidentStore) CompareAndSwapIncident(_ context.Context, id string, expectedVersion int64, mutate func(*models.Incident) error) (*models.Incident, error) {
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

func (s *fakeIncidentStore) EventsForIncident(_ context.Context, incidentID string, limit int) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[incidentID]
	if limit > 0 && len(evs) > limit {
		evs = evs[:limit]
	}
	out := make([]*models.Event, len(evs))
	copy(out, evs)
	return out, nil
}

// stubClassifier returns scripted results per call.
type stubClassifier struct {
	mu      sync.Mutex
	calls   int
	results []func(models.IncidentSnapshot) (models.Classification, error)
}

func (c *stubClassifier) Classify(_ context.Context, snapshot models.IncidentSnapshot) (models.Classification, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	c.mu.Unlock()
	if idx >= len(c.results) {
		idx = len(c.results) - 1
	}
	return c.results[idx](snapshot)
}

func (c *stubClassifier) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func classified(category string, severity models.Severity) func(models.IncidentSnapshot) (models.Classification, error) {
	return func(models.IncidentSnapshot) (models.Classification, error) {
		return models.Classification{
			Category:           category,
			Severity:           severity,
			Summary:            "stubbed",
			RecommendedActions: []string{"do_the_thing"},
		}, nil
	}
}

func failing(msg string) func(models.IncidentSnapshot) (models.Classification, error) {
	return func(s models.IncidentSnapshot) (models.Classification, error) {
		return models.Classification{}, &ClassificationError{IncidentID: s.ID, Err: errors.New(msg)}
	}
}

func pendingIncident(id string, version int64) *models.Incident {
	now := time.Now().UTC()
	return &models.Incident{
		ID:             id,
		Service:        "checkout",
		Status:         models.StatusInvestigating,
		Classification: models.ClassificationPending,
		EventCount:     6,
		FirstEventAt:   now.Add(-2 * time.Minute),
		LastEventAt:    now,
		CreatedAt:      now.Add(-2 * time.Minute),
		UpdatedAt:      now,
		Version:        version,
	}
}

func runDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return cancel
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestDispatcherWritesBackClassification(t *testing.T) {
	store := newFakeIncidentStore()
	store.put(pendingIncident("inc-1", 3))
	clf := &stubClassifier{results: []func(models.IncidentSnapshot) (models.Classification, error){
		classified("database_connectivity", models.SeverityP1),
	}}
	d := NewDispatcher(testLogger(), clf, store, nil, DispatcherConfig{MaxAttempts: 2, BackoffBase: time.Millisecond, QueueSize: 8})
	defer runDispatcher(t, d)()

	if !d.Enqueue("inc-1", 3) {
		t.Fatal("enqueue rejected")
	}

	waitFor(t, 2*time.Second, func() bool {
		return store.get("inc-1").Classification == models.ClassificationComplete
	})

	inc := store.get("inc-1")
	if inc.Category != "database_connectivity" || inc.Severity != models.SeverityP1 {
		t.Fatalf("unexpected classification: %+v", inc)
	}
	if inc.Version != 4 {
		t.Fatalf("version = %d, want 4", inc.Version)
	}
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	store := newFakeIncidentStore()
	store.put(pendingIncident("inc-1", 1))
	clf := &stubClassifier{results: []func(models.IncidentSnapshot) (models.Classification, error){
		failing("backend unavailable"),
		failing("backend unavailable"),
		classified("latency", models.SeverityP2),
	}}
	d := NewDispatcher(testLogger(), clf, store, nil, DispatcherConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, QueueSize: 8})
	defer runDispatcher(t, d)()

	d.Enqueue("inc-1", 1)

	waitFor(t, 2*time.Second, func() bool {
		return store.get("inc-1").Classification == models.ClassificationComplete
	})
	if got := clf.callCount(); got != 3 {
		t.Fatalf("classifier calls = %d, want 3", got)
	}
}

func TestDispatcherMarksFailureAfterExhaustion(t *testing.T) {
	store := newFakeIncidentStore()
	store.put(pendingIncident("inc-1", 1))
	clf := &stubClassifier{results: []func(models.IncidentSnapshot) (models.Classification, error){
		failing("backend unavailable"),
	}}
	d := NewDispatcher(testLogger(), clf, store, nil, DispatcherConfig{MaxAttempts: 2, BackoffBase: time.Millisecond, QueueSize: 8})
	defer runDispatcher(t, d)()

	d.Enqueue("inc-1", 1)

	waitFor(t, 2*time.Second, func() bool {
		return store.get("inc-1").Classification == models.ClassificationFailed
	})
	inc := store.get("inc-1")
	if inc.Category != "" {
		t.Fatalf("failed incident should carry no category, got %q", inc.Category)
	}
}

func TestDispatcherStaleResultRequeued(t *testing.T) {
	store := newFakeIncidentStore()
	store.put(pendingIncident("inc-1", 1))

	var bumped sync.Once
	clf := &stubClassifier{}
	clf.results = []func(models.IncidentSnapshot) (models.Classification, error){
		func(s models.IncidentSnapshot) (models.Classification, error) {
			// Simulate a concurrent attach landing while the first
			// classification is in flight.
			bumped.Do(func() {
				_, err := store.CompareAndSwapIncident(context.Background(), "inc-1", 1, func(inc *models.Incident) error {
					inc.EventCount++
					return nil
				})
				if err != nil {
					panic(fmt.Sprintf("bump version: %v", err))
				}
			})
			return classified("latency", models.SeverityP2)(s)
		},
	}
	d := NewDispatcher(testLogger(), clf, store, nil, DispatcherConfig{MaxAttempts: 1, BackoffBase: time.Millisecond, QueueSize: 8})
	defer runDispatcher(t, d)()

	d.Enqueue("inc-1", 1)

	waitFor(t, 2*time.Second, func() bool {
		return store.get("inc-1").Classification == models.ClassificationComplete
	})
	if got := clf.callCount(); got < 2 {
		t.Fatalf("expected a second classification pass, calls = %d", got)
	}
}

func TestDispatcherDropsClosedIncidents(t *testing.T) {
	store := newFakeIncidentStore()
	inc := pendingIncident("inc-1", 2)
	inc.Status = models.StatusClosed
	store.put(inc)
	clf := &stubClassifier{results: []func(models.IncidentSnapshot) (models.Classification, error){
		classified("latency", models.SeverityP2),
	}}
	d := NewDispatcher(testLogger(), clf, store, nil, DispatcherConfig{MaxAttempts: 1, BackoffBase: time.Millisecond, QueueSize: 8})
	defer runDispatcher(t, d)()

	d.Enqueue("inc-1", 2)

	time.Sleep(50 * time.Millisecond)
	if clf.callCount() != 0 {
		t.Fatalf("closed incident should not be classified, calls = %d", clf.callCount())
	}
	if store.get("inc-1").Version != 2 {
		t.Fatal("closed incident must not be mutated")
	}
}

func TestDispatcherDeduplicatesQueuedRequests(t *testing.T) {
	store := newFakeIncidentStore()
	store.put(pendingIncident("inc-1", 1))
	clf := &stubClassifier{results: []func(models.IncidentSnapshot) (models.Classification, error){
		classified("latency", models.SeverityP2),
	}}
	d := NewDispatcher(testLogger(), clf, store, nil, DispatcherConfig{MaxAttempts: 1, BackoffBase: time.Millisecond, QueueSize: 8})

	for i := 0; i < 5; i++ {
		if !d.Enqueue("inc-1", 1) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	if got := len(d.queue); got != 1 {
		t.Fatalf("queue length = %d, want 1 after dedup", got)
	}
}

func TestDispatcherUsesCachedResult(t *testing.T) {
	store := newFakeIncidentStore()
	first := pendingIncident("inc-1", 1)
	second := pendingIncident("inc-2", 1)
	store.put(first)
	store.put(second)
	// Identical snapshots: same service, no messages.
	clf := &stubClassifier{results: []func(models.IncidentSnapshot) (models.Classification, error){
		classified("latency", models.SeverityP2),
	}}
	provider := newMemoryCache()
	d := NewDispatcher(testLogger(), clf, store, provider, DispatcherConfig{MaxAttempts: 1, BackoffBase: time.Millisecond, QueueSize: 8, ResultTTL: time.Minute})
	defer runDispatcher(t, d)()

	d.Enqueue("inc-1", 1)
	waitFor(t, 2*time.Second, func() bool {
		return store.get("inc-1").Classification == models.ClassificationComplete
	})

	d.Enqueue("inc-2", 1)
	waitFor(t, 2*time.Second, func() bool {
		return store.get("inc-2").Classification == models.ClassificationComplete
	})

	if got := clf.callCount(); got != 1 {
		t.Fatalf("classifier calls = %d, want 1 (second hit served from cache)", got)
	}
	if store.get("inc-2").Category != "latency" {
		t.Fatalf("cached category not applied: %+v", store.get("inc-2"))
	}
}

// memoryCache is a map-backed cache.Provider for tests.
type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: make(map[string][]byte)}
}

func (m *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return v, nil
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryCache) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryCache) Close() error { return nil }
