package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/incidentstack/correlator/internal/cache"
	"github.com/incidentstack/correlator/internal/metrics"
	"github.com/incidentstack/correlator/internal/models"
)

// DispatcherConfig tunes the classification worker.
type DispatcherConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	QueueSize   int
	ResultTTL   time.Duration
}

type request struct {
	incidentID string
	version    int64
}

// Dispatcher owns the asynchronous classification pipeline: a
// deduplicated queue of incident IDs consumed by a single worker that
// invokes the classifier and writes results back under a version check.
type Dispatcher struct {
	logger     *slog.Logger
	classifier Classifier
	store      IncidentStore
	cache      cache.Provider
	cfg        DispatcherConfig

	mu      sync.Mutex
	pending map[string]struct{}
	queue   chan request
}

// NewDispatcher wires the dispatcher. A nil cache provider disables
// result reuse.
func NewDispatcher(logger *slog.Logger, classifier Classifier, store IncidentStore, provider cache.Provider, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	return &Dispatcher{
		logger:     logger,
		classifier: classifier,
		store:      store,
		cache:      provider,
		cfg:        cfg,
		pending:    make(map[string]struct{}),
		queue:      make(chan request, cfg.QueueSize),
	}
}

// Enqueue requests classification of an incident at the given version.
// Requests for an incident already queued are coalesced. Returns false
// when the request was dropped.
func (d *Dispatcher) Enqueue(incidentID string, version int64) bool {
	d.mu.Lock()
	if _, ok := d.pending[incidentID]; ok {
		d.mu.Unlock()
		return true
	}
	d.pending[incidentID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.queue <- request{incidentID: incidentID, version: version}:
		return true
	default:
		d.mu.Lock()
		delete(d.pending, incidentID)
		d.mu.Unlock()
		metrics.ObserveClassificationDrop()
		d.logger.Warn("classification queue full, dropping request", "incident_id", incidentID)
		return false
	}
}

// Run consumes the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.queue:
			d.mu.Lock()
			delete(d.pending, req.incidentID)
			d.mu.Unlock()
			d.process(ctx, req)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, req request) {
	inc, err := d.store.GetIncident(ctx, req.incidentID)
	if err != nil {
		if errors.Is(err, models.ErrIncidentNotFound) {
			return
		}
		d.logger.Warn("classification lookup failed", "incident_id", req.incidentID, "error", err)
		return
	}
	if inc.Status == models.StatusClosed {
		return
	}

	events, err := d.store.EventsForIncident(ctx, inc.ID, snapshotMessageLimit)
	if err != nil {
		d.logger.Warn("classification snapshot failed", "incident_id", inc.ID, "error", err)
		return
	}
	snapshot := buildSnapshot(inc, events)

	result, err := d.classify(ctx, snapshot)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.recordFailure(ctx, req, err)
		return
	}

	d.writeBack(ctx, req, result)
}

// classify consults the result cache, then the classifier with
// exponential backoff between attempts.
func (d *Dispatcher) classify(ctx context.Context, snapshot models.IncidentSnapshot) (models.Classification, error) {
	key := resultKey(snapshot)
	if raw, err := d.cache.Get(ctx, key); err == nil && len(raw) > 0 {
		var cached models.Classification
		if err := json.Unmarshal(raw, &cached); err == nil && cached.Category != "" {
			return cached, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, d.cfg.BackoffBase<<(attempt-1)); err != nil {
				return models.Classification{}, err
			}
		}
		result, err := d.classifier.Classify(ctx, snapshot)
		if err == nil {
			if raw, merr := json.Marshal(result); merr == nil {
				if cerr := d.cache.Set(ctx, key, raw, d.cfg.ResultTTL); cerr != nil {
					d.logger.Debug("classification cache write failed", "error", cerr)
				}
			}
			return result, nil
		}
		lastErr = err
		d.logger.Warn("classification attempt failed",
			"incident_id", snapshot.ID,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return models.Classification{}, lastErr
}

// writeBack applies the result against the version observed at enqueue
// time. A version conflict means the incident changed while we were
// classifying; the stale result is discarded and the incident requeued.
func (d *Dispatcher) writeBack(ctx context.Context, req request, result models.Classification) {
	_, err := d.store.CompareAndSwapIncident(ctx, req.incidentID, req.version, func(inc *models.Incident) error {
		inc.Category = result.Category
		inc.Severity = result.Severity
		inc.Summary = result.Summary
		inc.RecommendedActions = result.RecommendedActions
		inc.Classification = models.ClassificationComplete
		return nil
	})
	switch {
	case err == nil:
		metrics.ObserveClassification(metrics.ClassificationSuccess)
		d.logger.Info("incident classified",
			"incident_id", req.incidentID,
			"category", result.Category,
			"severity", result.Severity,
		)
	case errors.Is(err, models.ErrVersionConflict):
		metrics.ObserveClassification(metrics.ClassificationStale)
		d.requeue(ctx, req.incidentID)
	case errors.Is(err, models.ErrIncidentNotFound):
	default:
		d.logger.Error("classification write-back failed", "incident_id", req.incidentID, "error", err)
	}
}

// recordFailure marks the incident as classification-failed once all
// attempts are exhausted so operators can tell it apart from pending.
func (d *Dispatcher) recordFailure(ctx context.Context, req request, cause error) {
	metrics.ObserveClassification(metrics.ClassificationFailed)
	d.logger.Error("classification exhausted retries", "incident_id", req.incidentID, "error", cause)

	_, err := d.store.CompareAndSwapIncident(ctx, req.incidentID, req.version, func(inc *models.Incident) error {
		inc.Classification = models.ClassificationFailed
		return nil
	})
	if errors.Is(err, models.ErrVersionConflict) {
		d.requeue(ctx, req.incidentID)
	} else if err != nil && !errors.Is(err, models.ErrIncidentNotFound) {
		d.logger.Error("classification failure marker not persisted", "incident_id", req.incidentID, "error", err)
	}
}

// requeue re-reads the incident to pick up its current version and
// schedules another pass. Closed or deleted incidents are dropped.
func (d *Dispatcher) requeue(ctx context.Context, incidentID string) {
	inc, err := d.store.GetIncident(ctx, incidentID)
	if err != nil {
		return
	}
	if inc.Status == models.StatusClosed {
		return
	}
	d.Enqueue(incidentID, inc.Version)
}

// resultKey fingerprints the classifiable shape of an incident so
// repeat incidents reuse cached verdicts.
func resultKey(snapshot models.IncidentSnapshot) string {
	h := sha256.New()
	h.Write([]byte(snapshot.Service))
	for _, msg := range snapshot.Messages {
		h.Write([]byte{0})
		h.Write([]byte(msg))
	}
	return "correlator:classification:" + hex.EncodeToString(h.Sum(nil))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
