package engine

import (
	"sync"
	"time"
)

// indexEntry tracks one active incident in the candidate index.
type indexEntry struct {
	id          string
	lastEventAt time.Time
}

// candidateIndex maps service names to their active incidents, ordered by
// last_event_at descending so the best attachment candidate comes first.
// Lookups tolerate concurrent attaches; per-service creation locks
// serialize first-event races so a service never gets two incidents for
// the same window.
type candidateIndex struct {
	mu        sync.RWMutex
	byService map[string][]indexEntry
	locks     sync.Map // service -> *sync.Mutex
}

func newCandidateIndex() *candidateIndex {
	return &candidateIndex{byService: make(map[string][]indexEntry)}
}

// Lookup returns the IDs of active incidents for service whose last event
// lies within window of at, most recent first.
func (x *candidateIndex) Lookup(service string, at time.Time, window time.Duration) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	entries := x.byService[service]
	var ids []string
	for _, entry := range entries {
		delta := at.Sub(entry.lastEventAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			ids = append(ids, entry.id)
		}
	}
	return ids
}

// Upsert records or refreshes an incident's position in the index.
func (x *candidateIndex) Upsert(service, id string, lastEventAt time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entries := x.byService[service]
	for i, entry := range entries {
		if entry.id == id {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}

	// Insert keeping most-recent-first order.
	pos := len(entries)
	for i, entry := range entries {
		if lastEventAt.After(entry.lastEventAt) {
			pos = i
			break
		}
	}
	entries = append(entries, indexEntry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = indexEntry{id: id, lastEventAt: lastEventAt}
	x.byService[service] = entries
}

// Remove drops an incident from the index once it leaves the active states.
func (x *candidateIndex) Remove(service, id string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	entries := x.byService[service]
	for i, entry := range entries {
		if entry.id == id {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(x.byService, service)
		return
	}
	x.byService[service] = entries
}

// ServiceLock returns the mutex serializing incident creation for a service.
func (x *candidateIndex) ServiceLock(service string) *sync.Mutex {
	v, _ := x.locks.LoadOrStore(service, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Size reports the number of indexed incidents across all services.
func (x *candidateIndex) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	total := 0
	for _, entries := range x.byService {
		total += len(entries)
	}
	return total
}
