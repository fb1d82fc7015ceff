package models

import "time"

// IncidentStatus enumerates lifecycle states. Transitions are monotonic:
// once an incident leaves a state it never returns to it.
type IncidentStatus string

const (
	StatusOpen          IncidentStatus = "open"
	StatusInvestigating IncidentStatus = "investigating"
	StatusResolved      IncidentStatus = "resolved"
	StatusClosed        IncidentStatus = "closed"
)

// Valid reports whether the status is a known lifecycle state.
func (s IncidentStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Active reports whether the incident still accepts correlated events.
func (s IncidentStatus) Active() bool {
	return s == StatusOpen || s == StatusInvestigating
}

// CanTransitionTo reports whether the lifecycle permits moving from s to
// target. No transition is defined out of closed.
func (s IncidentStatus) CanTransitionTo(target IncidentStatus) bool {
	switch s {
	case StatusOpen:
		return target == StatusInvestigating || target == StatusResolved
	case StatusInvestigating:
		return target == StatusResolved
	case StatusResolved:
		return target == StatusClosed
	}
	return false
}

// Severity is the classified priority of an incident.
type Severity string

const (
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
)

// Valid reports whether s is a recognised severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityP1, SeverityP2, SeverityP3:
		return true
	}
	return false
}

// ClassificationState tracks the progress of asynchronous classification.
type ClassificationState string

const (
	ClassificationNone     ClassificationState = "none"
	ClassificationPending  ClassificationState = "pending"
	ClassificationComplete ClassificationState = "complete"
	ClassificationFailed   ClassificationState = "failed"
)

// Incident is a lifecycle-managed aggregate of correlated events. Version
// is an optimistic-concurrency counter incremented on every mutation.
type Incident struct {
	ID                 string              `json:"id"`
	Service            string              `json:"service"`
	Status             IncidentStatus      `json:"status"`
	Category           string              `json:"category,omitempty"`
	Severity           Severity            `json:"severity,omitempty"`
	Summary            string              `json:"summary,omitempty"`
	RecommendedActions []string            `json:"recommended_actions,omitempty"`
	Classification     ClassificationState `json:"classification"`
	EventCount         int                 `json:"event_count"`
	FirstEventAt       time.Time           `json:"first_event_at"`
	LastEventAt        time.Time           `json:"last_event_at"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	Version            int64               `json:"version"`
}

// Clone returns a deep copy, so callers can mutate a snapshot without
// affecting shared state.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	dup := *i
	if i.RecommendedActions != nil {
		dup.RecommendedActions = append([]string(nil), i.RecommendedActions...)
	}
	return &dup
}

// IncidentFilter narrows ListIncidents results. Zero values match
// everything.
type IncidentFilter struct {
	Service  string
	Statuses []IncidentStatus
	Since    time.Time
	Limit    int
}

// Matches reports whether the incident satisfies the filter.
func (f IncidentFilter) Matches(inc *Incident) bool {
	if f.Service != "" && inc.Service != f.Service {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if inc.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && inc.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// IncidentSnapshot is the read-only view handed to classifiers.
type IncidentSnapshot struct {
	ID           string    `json:"id"`
	Service      string    `json:"service"`
	EventCount   int       `json:"event_count"`
	FirstEventAt time.Time `json:"first_event_at"`
	LastEventAt  time.Time `json:"last_event_at"`
	Messages     []string  `json:"messages"`
}

// Classification is the result of classifying an incident snapshot.
type Classification struct {
	Category           string   `json:"category"`
	Severity           Severity `json:"severity"`
	Summary            string   `json:"summary"`
	RecommendedActions []string `json:"recommended_actions"`
}

// AnalyticsSummary aggregates incident counts for reporting.
type AnalyticsSummary struct {
	TotalIncidents    int                    `json:"total_incidents"`
	OpenIncidents     int                    `json:"open_incidents"`
	ResolvedIncidents int                    `json:"resolved_incidents"`
	ByStatus          map[IncidentStatus]int `json:"by_status"`
	ByService         []ServiceIncidentCount `json:"by_service"`
}

// ServiceIncidentCount is one row of the per-service breakdown.
type ServiceIncidentCount struct {
	Service    string    `json:"service"`
	Count      int       `json:"count"`
	OpenCount  int       `json:"open_count"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
