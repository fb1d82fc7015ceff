// Package analytics aggregates incident records into reporting summaries.
package analytics

import (
	"sort"
	"time"

	"github.com/incidentstack/correlator/internal/models"
)

type serviceAggregate struct {
	count    int
	open     int
	lastSeen time.Time
}

// Summarize aggregates incidents into totals, a per-status breakdown, and
// a per-service breakdown ordered by incident count descending.
func Summarize(incidents []*models.Incident) models.AnalyticsSummary {
	summary := models.AnalyticsSummary{
		ByStatus: make(map[models.IncidentStatus]int),
	}

	serviceStats := make(map[string]*serviceAggregate)
	for _, inc := range incidents {
		summary.TotalIncidents++
		summary.ByStatus[inc.Status]++
		if inc.Status.Active() {
			summary.OpenIncidents++
		}
		if inc.Status == models.StatusResolved || inc.Status == models.StatusClosed {
			summary.ResolvedIncidents++
		}

		agg := serviceStats[inc.Service]
		if agg == nil {
			agg = &serviceAggregate{}
			serviceStats[inc.Service] = agg
		}
		agg.count++
		if inc.Status.Active() {
			agg.open++
		}
		if inc.LastEventAt.After(agg.lastSeen) {
			agg.lastSeen = inc.LastEventAt
		}
	}

	summary.ByService = make([]models.ServiceIncidentCount, 0, len(serviceStats))
	for service, agg := range serviceStats {
		summary.ByService = append(summary.ByService, models.ServiceIncidentCount{
			Service:    service,
			Count:      agg.count,
			OpenCount:  agg.open,
			LastSeenAt: agg.lastSeen,
		})
	}
	sort.Slice(summary.ByService, func(i, j int) bool {
		if summary.ByService[i].Count != summary.ByService[j].Count {
			return summary.ByService[i].Count > summary.ByService[j].Count
		}
		return summary.ByService[i].Service < summary.ByService[j].Service
	})

	return summary
}
