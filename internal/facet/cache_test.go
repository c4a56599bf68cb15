package facet

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/solhall/logsift/internal/storage/memory"
	"github.com/solhall/logsift/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedEntries(t *testing.T, store *memory.Store) {
	t.Helper()
	ctx := context.Background()
	for i, level := range []string{"error", "error", "info"} {
		e := &models.Entry{
			RawEntryID:  int64(i + 1),
			Timestamp:   time.Now().UTC(),
			Level:       level,
			ExtraFields: map[string]any{"service": "api"},
		}
		if err := store.InsertEntry(ctx, e); err != nil {
			t.Fatalf("InsertEntry: %v", err)
		}
	}
}

func TestGetOrComputePopulatesCache(t *testing.T) {
	store := memory.New()
	cache := New(store, time.Minute, testLogger())
	ctx := context.Background()
	seedEntries(t, store)

	counts, err := cache.GetOrCompute(ctx, "level", nil)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if counts["error"] != 2 || counts["info"] != 1 {
		t.Errorf("counts = %v", counts)
	}

	if _, err := store.GetCacheEntry(ctx, CacheKey("level", nil)); err != nil {
		t.Errorf("cache row not written: %v", err)
	}
}

// Reordered filter sets must hit the same cache entry.
func TestGetOrComputeKeyNormalization(t *testing.T) {
	store := memory.New()
	cache := New(store, time.Minute, testLogger())
	ctx := context.Background()
	seedEntries(t, store)

	a := models.FilterSet{"level": "error", "service": "api"}
	b := models.FilterSet{"service": "api", "level": "error"}

	if CacheKey("level", a) != CacheKey("level", b) {
		t.Fatal("reordered filters produce different cache keys")
	}

	if _, err := cache.GetOrCompute(ctx, "level", a); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}

	// Poison the stored value: a hit must return it verbatim, proving the
	// second call did not recompute.
	key := CacheKey("level", b)
	expires := time.Now().UTC().Add(time.Minute)
	if err := store.PutCacheEntry(ctx, &models.FacetCacheEntry{
		CacheKey:   key,
		CacheValue: `{"sentinel":99}`,
		ExpiresAt:  &expires,
	}); err != nil {
		t.Fatal(err)
	}

	counts, err := cache.GetOrCompute(ctx, "level", b)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if counts["sentinel"] != 99 {
		t.Errorf("cache miss for reordered filters: %v", counts)
	}
}

// A call after expiry recomputes instead of returning the stale value.
func TestGetOrComputeExpiryRecomputes(t *testing.T) {
	store := memory.New()
	cache := New(store, time.Minute, testLogger())
	ctx := context.Background()
	seedEntries(t, store)

	key := CacheKey("level", nil)
	past := time.Now().UTC().Add(-time.Second)
	if err := store.PutCacheEntry(ctx, &models.FacetCacheEntry{
		CacheKey:   key,
		CacheValue: `{"stale":1}`,
		ExpiresAt:  &past,
	}); err != nil {
		t.Fatal(err)
	}

	counts, err := cache.GetOrCompute(ctx, "level", nil)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if _, ok := counts["stale"]; ok {
		t.Error("stale cache value returned after expiry")
	}
	if counts["error"] != 2 {
		t.Errorf("recomputed counts = %v", counts)
	}

	// The recompute refreshed the row with a future expiry.
	stored, err := store.GetCacheEntry(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Expired(time.Now().UTC()) {
		t.Error("recomputed cache row is already expired")
	}
}

func TestCacheKeyVariesWithField(t *testing.T) {
	filters := models.FilterSet{"service": "api"}
	if CacheKey("level", filters) == CacheKey("message", filters) {
		t.Error("different faceted fields must not share a cache entry")
	}
}

func TestSweep(t *testing.T) {
	store := memory.New()
	cache := New(store, time.Minute, testLogger())
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	if err := store.PutCacheEntry(ctx, &models.FacetCacheEntry{
		CacheKey:   "gone",
		CacheValue: "{}",
		ExpiresAt:  &past,
	}); err != nil {
		t.Fatal(err)
	}

	n, err := cache.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d rows, want 1", n)
	}
}
