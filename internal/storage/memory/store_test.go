package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/solhall/logsift/pkg/models"
)

func seedRawEntries(t *testing.T, s *Store, n int) {
	t.Helper()

	base := time.Now().UTC().Add(-time.Hour)
	entries := make([]*models.RawEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, &models.RawEntry{
			RawPayload: fmt.Sprintf(`{"message":"m%d"}`, i),
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	if err := s.InsertRawEntries(context.Background(), entries); err != nil {
		t.Fatalf("seeding raw entries: %v", err)
	}
}

func TestClaimBatchOldestFirst(t *testing.T) {
	s := New()
	seedRawEntries(t, s, 5)

	batch, err := s.ClaimBatch(context.Background(), 3)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("claimed %d entries, want 3", len(batch))
	}
	for i := 1; i < len(batch); i++ {
		if batch[i].ReceivedAt.Before(batch[i-1].ReceivedAt) {
			t.Error("claimed batch not ordered oldest first")
		}
	}
	for _, e := range batch {
		if !e.Parsed || e.ParsedAt == nil {
			t.Errorf("entry %d returned unmarked", e.ID)
		}
	}

	n, err := s.CountUnparsed(context.Background())
	if err != nil {
		t.Fatalf("CountUnparsed: %v", err)
	}
	if n != 2 {
		t.Errorf("unparsed count = %d, want 2", n)
	}
}

// Concurrent claimers must never receive overlapping rows, and together
// they must drain the queue exactly once.
func TestClaimBatchConcurrentNoOverlap(t *testing.T) {
	const (
		rows    = 500
		workers = 8
		limit   = 17
	)

	s := New()
	seedRawEntries(t, s, rows)

	var mu sync.Mutex
	seen := make(map[int64]int)
	var total int

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.ClaimBatch(context.Background(), limit)
				if err != nil {
					t.Errorf("ClaimBatch: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					seen[e.ID]++
				}
				total += len(batch)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if total != rows {
		t.Errorf("claimed %d rows in total, want %d", total, rows)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("row %d claimed %d times", id, n)
		}
	}
}

func TestClaimBatchZeroLimit(t *testing.T) {
	s := New()
	seedRawEntries(t, s, 2)

	batch, err := s.ClaimBatch(context.Background(), 0)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("claimed %d entries with zero limit", len(batch))
	}
}

func TestStaleUnparsed(t *testing.T) {
	s := New()
	ctx := context.Background()

	old := &models.RawEntry{RawPayload: `{}`, ReceivedAt: time.Now().UTC().Add(-2 * time.Hour)}
	fresh := &models.RawEntry{RawPayload: `{}`, ReceivedAt: time.Now().UTC()}
	if err := s.InsertRawEntries(ctx, []*models.RawEntry{old, fresh}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stale, err := s.StaleUnparsed(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("StaleUnparsed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Errorf("stale report = %v, want only the old row", stale)
	}

	// Claimed rows leave the stale report even when old.
	if _, err := s.ClaimBatch(ctx, 10); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	stale, err = s.StaleUnparsed(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("StaleUnparsed: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("claimed rows must not appear stale, got %d", len(stale))
	}
}

func TestUpsertFieldUsageFirstSeenTypeWins(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.UpsertFieldUsage(ctx, "status", models.FieldTypeNumber, now); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertFieldUsage(ctx, "status", models.FieldTypeString, now.Add(time.Second)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	fields, err := s.ListFields(ctx)
	if err != nil {
		t.Fatalf("ListFields: %v", err)
	}
	if len(fields) != 1 {
		t.Fatalf("got %d fields, want 1", len(fields))
	}
	f := fields[0]
	if f.UsageCount != 2 {
		t.Errorf("usage_count = %d, want 2", f.UsageCount)
	}
	if f.FieldType != models.FieldTypeNumber {
		t.Errorf("field_type = %q, want first-seen %q", f.FieldType, models.FieldTypeNumber)
	}
	if f.FilterType != models.FilterTypeRange {
		t.Errorf("filter_type = %q, want %q for a number field", f.FilterType, models.FilterTypeRange)
	}
	if !f.LastSeenAt.Equal(now.Add(time.Second)) {
		t.Errorf("last_seen_at not updated")
	}
}

func TestListFieldsOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		if err := s.UpsertFieldUsage(ctx, "busy", models.FieldTypeString, now); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpsertFieldUsage(ctx, "quiet", models.FieldTypeString, now); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertFieldUsage(ctx, "recent", models.FieldTypeString, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	fields, err := s.ListFields(ctx)
	if err != nil {
		t.Fatalf("ListFields: %v", err)
	}
	want := []string{"busy", "recent", "quiet"}
	for i, name := range want {
		if fields[i].Name != name {
			t.Errorf("fields[%d] = %s, want %s", i, fields[i].Name, name)
		}
	}
}

func TestPromoteFields(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, name := range []string{"a", "b"} {
		if err := s.UpsertFieldUsage(ctx, name, models.FieldTypeString, now); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PromoteFields(ctx, []string{"a", "missing"})
	if err != nil {
		t.Fatalf("PromoteFields: %v", err)
	}
	if n != 1 {
		t.Errorf("promoted %d fields, want 1", n)
	}

	// Idempotent: re-promoting changes nothing.
	n, err = s.PromoteFields(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("PromoteFields: %v", err)
	}
	if n != 0 {
		t.Errorf("re-promotion changed %d rows, want 0", n)
	}
}

func TestFacetCounts(t *testing.T) {
	s := New()
	ctx := context.Background()

	entries := []*models.Entry{
		{RawEntryID: 1, Timestamp: time.Now(), Level: "error", ExtraFields: map[string]any{"service": "api"}},
		{RawEntryID: 2, Timestamp: time.Now(), Level: "error", ExtraFields: map[string]any{"service": "db"}},
		{RawEntryID: 3, Timestamp: time.Now(), Level: "info", ExtraFields: map[string]any{"service": "api"}},
	}
	for _, e := range entries {
		if err := s.InsertEntry(ctx, e); err != nil {
			t.Fatalf("InsertEntry: %v", err)
		}
	}

	counts, err := s.FacetCounts(ctx, "level", nil)
	if err != nil {
		t.Fatalf("FacetCounts: %v", err)
	}
	if counts["error"] != 2 || counts["info"] != 1 {
		t.Errorf("level counts = %v", counts)
	}

	counts, err = s.FacetCounts(ctx, "service", models.FilterSet{"level": "error"})
	if err != nil {
		t.Fatalf("FacetCounts: %v", err)
	}
	if counts["api"] != 1 || counts["db"] != 1 {
		t.Errorf("filtered service counts = %v", counts)
	}
}

func TestCacheSweep(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	for _, e := range []*models.FacetCacheEntry{
		{CacheKey: "expired", CacheValue: "{}", ExpiresAt: &past},
		{CacheKey: "live", CacheValue: "{}", ExpiresAt: &future},
		{CacheKey: "pinned", CacheValue: "{}"},
	} {
		if err := s.PutCacheEntry(ctx, e); err != nil {
			t.Fatalf("PutCacheEntry: %v", err)
		}
	}

	n, err := s.SweepExpiredCache(ctx, now)
	if err != nil {
		t.Fatalf("SweepExpiredCache: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d rows, want 1", n)
	}

	if _, err := s.GetCacheEntry(ctx, "expired"); err == nil {
		t.Error("expired entry survived the sweep")
	}
	for _, key := range []string{"live", "pinned"} {
		if _, err := s.GetCacheEntry(ctx, key); err != nil {
			t.Errorf("entry %q deleted by sweep: %v", key, err)
		}
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	sub := &models.TailSubscription{
		Key:        models.FilterSet{"level": "error"}.Key(),
		Filters:    models.FilterSet{"level": "error"},
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := s.RegisterSubscription(ctx, sub); err != nil {
		t.Fatalf("RegisterSubscription: %v", err)
	}

	subs, err := s.ListSubscriptions(ctx)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].Key != sub.Key {
		t.Fatalf("subscriptions = %v", subs)
	}

	if err := s.TouchSubscription(ctx, sub.Key, now.Add(time.Minute)); err != nil {
		t.Fatalf("TouchSubscription: %v", err)
	}

	n, err := s.SweepStaleSubscriptions(ctx, now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("SweepStaleSubscriptions: %v", err)
	}
	if n != 0 {
		t.Error("touched subscription swept as stale")
	}

	n, err = s.SweepStaleSubscriptions(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("SweepStaleSubscriptions: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d subscriptions, want 1", n)
	}
}
