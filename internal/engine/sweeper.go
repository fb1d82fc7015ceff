package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/incidentstack/correlator/internal/metrics"
	"github.com/incidentstack/correlator/internal/models"
)

// errStillFresh aborts an auto-resolve swap when the incident received an
// event after the staleness scan.
var errStillFresh = errors.New("incident received a recent event")

// RunSweeper auto-resolves stale incidents on a fixed interval until the
// context is cancelled.
func (e *Engine) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	e.logger.Info("auto-resolution sweep started", slog.Duration("interval", e.sweepInterval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("auto-resolution sweep stopped")
			return
		case <-ticker.C:
			if n := e.Sweep(ctx, time.Now().UTC()); n > 0 {
				e.logger.Info("incidents auto-resolved", slog.Int("count", n))
			}
		}
	}
}

// Sweep resolves active incidents whose last event is older than the
// incident time window as of now. Each transition re-checks staleness
// inside the version-checked swap, so an incident that just received an
// event is never resolved. Returns the number of incidents resolved.
func (e *Engine) Sweep(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-e.window)
	stale, err := e.store.StaleIncidents(ctx, cutoff)
	if err != nil {
		e.logger.Error("stale incident scan failed", slog.Any("error", err))
		return 0
	}

	resolved := 0
	for _, inc := range stale {
		if err := ctx.Err(); err != nil {
			return resolved
		}

		updated, err := e.store.CompareAndSwapIncident(ctx, inc.ID, inc.Version, func(cur *models.Incident) error {
			if !cur.Status.Active() {
				return errStillFresh
			}
			if now.Sub(cur.LastEventAt) <= e.window {
				return errStillFresh
			}
			cur.Status = models.StatusResolved
			return nil
		})
		if errors.Is(err, models.ErrVersionConflict) || errors.Is(err, errStillFresh) {
			// A concurrent attach won; the incident stays active and a
			// later sweep will revisit it.
			continue
		}
		if errors.Is(err, models.ErrIncidentNotFound) {
			continue
		}
		if err != nil {
			e.logger.Error("auto-resolve failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
			continue
		}

		e.index.Remove(updated.Service, updated.ID)
		metrics.ObserveAutoResolve()
		resolved++
	}
	return resolved
}
