package engine

import (
	"sync"
	"testing"
	"time"
)

func TestCandidateIndexLookupWindowFilter(t *testing.T) {
	idx := newCandidateIndex()
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	window := 300 * time.Second

	idx.Upsert("api", "old", base.Add(-10*time.Minute))
	idx.Upsert("api", "recent", base.Add(-1*time.Minute))
	idx.Upsert("billing", "other", base)

	ids := idx.Lookup("api", base, window)
	if len(ids) != 1 || ids[0] != "recent" {
		t.Fatalf("lookup = %v, want [recent]", ids)
	}
	if got := idx.Lookup("unknown", base, window); got != nil {
		t.Fatalf("lookup unknown service = %v, want nil", got)
	}
}

func TestCandidateIndexOrdersMostRecentFirst(t *testing.T) {
	idx := newCandidateIndex()
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	idx.Upsert("api", "a", base.Add(-3*time.Minute))
	idx.Upsert("api", "b", base.Add(-1*time.Minute))
	idx.Upsert("api", "c", base.Add(-2*time.Minute))

	ids := idx.Lookup("api", base, time.Hour)
	want := []string{"b", "c", "a"}
	if len(ids) != len(want) {
		t.Fatalf("lookup = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("lookup = %v, want %v", ids, want)
		}
	}

	// Refreshing an entry moves it to the front.
	idx.Upsert("api", "a", base)
	ids = idx.Lookup("api", base, time.Hour)
	if ids[0] != "a" {
		t.Fatalf("after refresh lookup = %v, want a first", ids)
	}
	if idx.Size() != 3 {
		t.Fatalf("size = %d, want 3", idx.Size())
	}
}

func TestCandidateIndexRemove(t *testing.T) {
	idx := newCandidateIndex()
	base := time.Now().UTC()

	idx.Upsert("api", "a", base)
	idx.Upsert("api", "b", base)
	idx.Remove("api", "a")

	ids := idx.Lookup("api", base, time.Minute)
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("lookup = %v, want [b]", ids)
	}

	idx.Remove("api", "b")
	if idx.Size() != 0 {
		t.Fatalf("size = %d, want 0", idx.Size())
	}
	// Removing a missing entry is a no-op.
	idx.Remove("api", "b")
}

func TestCandidateIndexConcurrentUpserts(t *testing.T) {
	idx := newCandidateIndex()
	base := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			for j := 0; j < 100; j++ {
				idx.Upsert("api", id, base.Add(time.Duration(j)*time.Millisecond))
				idx.Lookup("api", base, time.Minute)
			}
		}(i)
	}
	wg.Wait()

	if idx.Size() != 8 {
		t.Fatalf("size = %d, want 8", idx.Size())
	}
}

func TestServiceLockIsStablePerService(t *testing.T) {
	idx := newCandidateIndex()
	if idx.ServiceLock("api") != idx.ServiceLock("api") {
		t.Fatal("same service must share one lock")
	}
	if idx.ServiceLock("api") == idx.ServiceLock("billing") {
		t.Fatal("distinct services must not share a lock")
	}
}
