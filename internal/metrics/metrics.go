package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeCreated labels ingestions that opened a new incident.
	OutcomeCreated = "created"
	// OutcomeAttached labels ingestions correlated to an existing incident.
	OutcomeAttached = "attached"
	// OutcomeError labels rejected or failed ingestions.
	OutcomeError = "error"

	// ClassificationSuccess labels completed classifications.
	ClassificationSuccess = "success"
	// ClassificationStale labels results discarded because the incident
	// changed while classification was in flight.
	ClassificationStale = "stale"
	// ClassificationFailed labels classifications that exhausted retries.
	ClassificationFailed = "failed"
)

var (
	ingestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "correlator",
			Name:      "ingest_total",
			Help:      "Total events ingested, partitioned by correlation outcome.",
		},
		[]string{"outcome"},
	)

	ingestDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "correlator",
			Name:      "ingest_seconds",
			Help:      "Ingestion latency in seconds.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	attachConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "correlator",
			Name:      "attach_conflicts_total",
			Help:      "Lost attach races retried against the same incident.",
		},
	)

	autoResolvedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "correlator",
			Name:      "auto_resolved_total",
			Help:      "Incidents auto-resolved by the staleness sweep.",
		},
	)

	classificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "correlator",
			Name:      "classifications_total",
			Help:      "Classification dispatch results, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	classificationDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "correlator",
			Name:      "classification_queue_drops_total",
			Help:      "Classification requests dropped because the queue was full.",
		},
	)
)

// Register attaches correlator collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		ingestTotal,
		ingestDurationSeconds,
		attachConflictsTotal,
		autoResolvedTotal,
		classificationsTotal,
		classificationDropsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIngest records an ingestion duration and outcome label.
func ObserveIngest(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeCreated, OutcomeAttached, OutcomeError:
	default:
		outcome = OutcomeError
	}
	ingestTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	ingestDurationSeconds.Observe(duration.Seconds())
}

// ObserveAttachConflict counts a lost attach race.
func ObserveAttachConflict() {
	attachConflictsTotal.Inc()
}

// ObserveAutoResolve counts a sweep-driven resolution.
func ObserveAutoResolve() {
	autoResolvedTotal.Inc()
}

// ObserveClassification records a classification dispatch outcome.
func ObserveClassification(outcome string) {
	switch outcome {
	case ClassificationSuccess, ClassificationStale, ClassificationFailed:
	default:
		outcome = ClassificationFailed
	}
	classificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveClassificationDrop counts a request rejected by a full queue.
func ObserveClassificationDrop() {
	classificationDropsTotal.Inc()
}
