package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/solhall/logsift/pkg/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(Config{DBPath: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func insertRaw(t *testing.T, store *Store, payloads []string, base time.Time) {
	t.Helper()
	entries := make([]*models.RawEntry, 0, len(payloads))
	for i, p := range payloads {
		entries = append(entries, &models.RawEntry{
			RawPayload: p,
			ReceivedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
	}
	if err := store.InsertRawEntries(context.Background(), entries); err != nil {
		t.Fatalf("InsertRawEntries: %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tok := &models.Token{
		ID:        "tok-1",
		Name:      "ci",
		TokenHash: "abc123",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := store.CreateToken(ctx, tok); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetTokenByHash(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != tok.ID || got.Name != tok.Name {
		t.Errorf("got %+v, want %+v", got, tok)
	}
	if !got.CreatedAt.Equal(tok.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, tok.CreatedAt)
	}
	if got.LastUsedAt != nil {
		t.Errorf("last_used_at = %v, want nil", got.LastUsedAt)
	}

	used := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.TouchToken(ctx, tok.ID, used); err != nil {
		t.Fatal(err)
	}
	got, err = store.GetTokenByHash(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(used) {
		t.Errorf("last_used_at = %v, want %v", got.LastUsedAt, used)
	}

	if err := store.RevokeToken(ctx, tok.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetTokenByHash(ctx, "abc123"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("after revoke: err = %v, want ErrNotFound", err)
	}
	if err := store.RevokeToken(ctx, tok.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("double revoke: err = %v, want ErrNotFound", err)
	}
}

// Pragmas must apply to every connection the pool opens, not only the
// first; a later connection without busy_timeout turns concurrent claims
// into SQLITE_BUSY failures.
func TestPragmasOnEveryConnection(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Hold several connections at once so each is freshly opened.
	conns := make([]*sql.Conn, 4)
	for i := range conns {
		c, err := store.db.Conn(ctx)
		if err != nil {
			t.Fatalf("opening connection %d: %v", i, err)
		}
		defer c.Close()
		conns[i] = c
	}

	for i, c := range conns {
		var ms int
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&ms); err != nil {
			t.Fatalf("reading busy_timeout on connection %d: %v", i, err)
		}
		if ms != 5000 {
			t.Errorf("connection %d busy_timeout = %d, want 5000", i, ms)
		}
		var mode string
		if err := c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
			t.Fatalf("reading journal_mode on connection %d: %v", i, err)
		}
		if mode != "wal" {
			t.Errorf("connection %d journal_mode = %q, want wal", i, mode)
		}
	}
}

func TestClaimBatchOldestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	insertRaw(t, store, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, base)

	claimed, err := store.ClaimBatch(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d rows, want 2", len(claimed))
	}
	if claimed[0].RawPayload != `{"n":1}` || claimed[1].RawPayload != `{"n":2}` {
		t.Errorf("wrong claim order: %q, %q", claimed[0].RawPayload, claimed[1].RawPayload)
	}
	for _, e := range claimed {
		if !e.Parsed || e.ParsedAt == nil {
			t.Errorf("claimed row %d not marked parsed", e.ID)
		}
	}

	n, err := store.CountUnparsed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("unparsed after claim = %d, want 1", n)
	}
}

// Concurrent claimers over one database file must partition the queue:
// every row claimed exactly once, no row claimed twice.
func TestClaimBatchConcurrentNoOverlap(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const rows = 200
	payloads := make([]string, rows)
	for i := range payloads {
		payloads[i] = fmt.Sprintf(`{"n":%d}`, i)
	}
	insertRaw(t, store, payloads, time.Now().UTC())

	const workers = 4
	results := make(chan []*models.RawEntry, workers*rows)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := store.ClaimBatch(ctx, 13)
				if err != nil {
					t.Error(err)
					return
				}
				if len(batch) == 0 {
					return
				}
				results <- batch
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for batch := range results {
		for _, e := range batch {
			if seen[e.ID] {
				t.Errorf("row %d claimed twice", e.ID)
			}
			seen[e.ID] = true
		}
	}
	if len(seen) != rows {
		t.Errorf("claimed %d distinct rows, want %d", len(seen), rows)
	}
}

func TestStaleUnparsed(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-2 * time.Hour)
	insertRaw(t, store, []string{`{"old":true}`}, base)
	insertRaw(t, store, []string{`{"old":false}`}, time.Now().UTC())

	stale, err := store.StaleUnparsed(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].RawPayload != `{"old":true}` {
		t.Fatalf("stale = %+v, want only the old row", stale)
	}

	// Claimed rows never count as stale, however old.
	if _, err := store.ClaimBatch(ctx, 10); err != nil {
		t.Fatal(err)
	}
	stale, err = store.StaleUnparsed(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Errorf("stale after claim = %d rows, want 0", len(stale))
	}
}

// insertEntry stores a parsed entry with its backing raw row, since every
// entry references exactly one raw entry.
func insertEntry(t *testing.T, store *Store, level, message string, extras map[string]any) {
	t.Helper()
	ctx := context.Background()
	raw := &models.RawEntry{RawPayload: "{}", ReceivedAt: time.Now().UTC()}
	if err := store.InsertRawEntries(ctx, []*models.RawEntry{raw}); err != nil {
		t.Fatalf("InsertRawEntries: %v", err)
	}
	err := store.InsertEntry(ctx, &models.Entry{
		RawEntryID:  raw.ID,
		Timestamp:   time.Now().UTC(),
		Level:       level,
		Message:     message,
		ExtraFields: extras,
	})
	if err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}
}

func TestQueryEntriesFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	insertEntry(t, store, "error", "boom", map[string]any{"service": "api"})
	insertEntry(t, store, "error", "crash", map[string]any{"service": "worker"})
	insertEntry(t, store, "info", "ok", map[string]any{"service": "api"})

	entries, total, err := store.QueryEntries(ctx, models.FilterSet{"level": "error"}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(entries) != 2 {
		t.Fatalf("level filter: total=%d len=%d, want 2/2", total, len(entries))
	}

	entries, total, err = store.QueryEntries(ctx, models.FilterSet{"level": "error", "service": "api"}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(entries) != 1 {
		t.Fatalf("combined filter: total=%d len=%d, want 1/1", total, len(entries))
	}
	if entries[0].Message != "boom" {
		t.Errorf("message = %q, want boom", entries[0].Message)
	}
	if entries[0].ExtraFields["service"] != "api" {
		t.Errorf("extra fields = %v", entries[0].ExtraFields)
	}

	// Absent extra field matches nothing.
	_, total, err = store.QueryEntries(ctx, models.FilterSet{"missing": "x"}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("missing-field filter matched %d entries", total)
	}
}

// Boolean extra fields compare as "true"/"false", the same string form
// the in-memory matcher and the other SQL backends produce.
func TestBooleanExtraFieldFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	insertEntry(t, store, "info", "hit", map[string]any{"cached": true})
	insertEntry(t, store, "info", "miss", map[string]any{"cached": false})

	entries, total, err := store.QueryEntries(ctx, models.FilterSet{"cached": "true"}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(entries) != 1 {
		t.Fatalf("cached=true: total=%d len=%d, want 1/1", total, len(entries))
	}
	if entries[0].Message != "hit" {
		t.Errorf("message = %q, want hit", entries[0].Message)
	}

	counts, err := store.FacetCounts(ctx, "cached", nil)
	if err != nil {
		t.Fatal(err)
	}
	if counts["true"] != 1 || counts["false"] != 1 {
		t.Errorf("cached counts = %v, want true:1 false:1", counts)
	}
	if _, ok := counts["1"]; ok {
		t.Error("boolean facet bucket keyed on 1 instead of true")
	}
}

func TestQueryEntriesPagination(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		insertEntry(t, store, "info", fmt.Sprintf("m%d", i), nil)
	}

	page, total, err := store.QueryEntries(ctx, nil, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Errorf("page size = %d, want 2", len(page))
	}
}

func TestFacetCounts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	insertEntry(t, store, "error", "a", map[string]any{"service": "api"})
	insertEntry(t, store, "error", "b", map[string]any{"service": "api"})
	insertEntry(t, store, "info", "c", map[string]any{"service": "worker"})
	insertEntry(t, store, "info", "d", nil)
	insertEntry(t, store, "", "no level", nil)

	counts, err := store.FacetCounts(ctx, "level", nil)
	if err != nil {
		t.Fatal(err)
	}
	if counts["error"] != 2 || counts["info"] != 2 {
		t.Errorf("level counts = %v", counts)
	}
	if _, ok := counts[""]; ok {
		t.Error("entries without a level must not contribute a facet bucket")
	}

	counts, err = store.FacetCounts(ctx, "service", nil)
	if err != nil {
		t.Fatal(err)
	}
	if counts["api"] != 2 || counts["worker"] != 1 {
		t.Errorf("service counts = %v", counts)
	}
	if _, ok := counts[""]; ok {
		t.Error("entries without the field must not contribute a facet bucket")
	}

	counts, err = store.FacetCounts(ctx, "service", models.FilterSet{"level": "error"})
	if err != nil {
		t.Fatal(err)
	}
	if counts["api"] != 2 || len(counts) != 1 {
		t.Errorf("filtered service counts = %v", counts)
	}
}

func TestUpsertFieldUsageFirstTypeWins(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := store.UpsertFieldUsage(ctx, "latency", models.FieldTypeNumber, now); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertFieldUsage(ctx, "latency", models.FieldTypeString, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	fields, err := store.ListFields(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(fields) != 1 {
		t.Fatalf("got %d fields, want 1", len(fields))
	}
	f := fields[0]
	if f.FieldType != models.FieldTypeNumber {
		t.Errorf("field_type = %q, first-seen type must stick", f.FieldType)
	}
	if f.FilterType != models.FilterTypeRange {
		t.Errorf("filter_type = %q, want %q for a number field", f.FilterType, models.FilterTypeRange)
	}
	if f.UsageCount != 2 {
		t.Errorf("usage_count = %d, want 2", f.UsageCount)
	}
	if !f.LastSeenAt.After(now) {
		t.Errorf("last_seen_at = %v, should have advanced", f.LastSeenAt)
	}
}

func TestPromoteFields(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, name := range []string{"a", "b", "c"} {
		if err := store.UpsertFieldUsage(ctx, name, models.FieldTypeString, now); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.PromoteFields(ctx, []string{"a", "b", "nope"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("promoted %d, want 2", n)
	}

	// Idempotent: already-promoted rows do not count again.
	n, err = store.PromoteFields(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second promote = %d, want 0", n)
	}
}

func TestFacetCacheLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	expires := time.Now().UTC().Add(time.Minute)
	entry := &models.FacetCacheEntry{
		CacheKey:   "k1",
		CacheValue: `{"error":2}`,
		ExpiresAt:  &expires,
	}
	if err := store.PutCacheEntry(ctx, entry); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetCacheEntry(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CacheValue != entry.CacheValue {
		t.Errorf("cache_value = %q", got.CacheValue)
	}

	// Overwrite wins.
	entry.CacheValue = `{"error":3}`
	if err := store.PutCacheEntry(ctx, entry); err != nil {
		t.Fatal(err)
	}
	got, err = store.GetCacheEntry(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CacheValue != `{"error":3}` {
		t.Errorf("cache_value after overwrite = %q", got.CacheValue)
	}

	if _, err := store.GetCacheEntry(ctx, "absent"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing key: err = %v, want ErrNotFound", err)
	}
}

func TestSweepExpiredCache(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	for key, exp := range map[string]*time.Time{"dead": &past, "live": &future} {
		err := store.PutCacheEntry(ctx, &models.FacetCacheEntry{CacheKey: key, CacheValue: "{}", ExpiresAt: exp})
		if err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.SweepExpiredCache(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("swept %d rows, want 1", n)
	}
	if _, err := store.GetCacheEntry(ctx, "dead"); !errors.Is(err, models.ErrNotFound) {
		t.Error("expired entry survived the sweep")
	}
	if _, err := store.GetCacheEntry(ctx, "live"); err != nil {
		t.Errorf("live entry swept: %v", err)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	sub := &models.TailSubscription{
		Key:        "sub-1",
		Filters:    models.FilterSet{"level": "error"},
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := store.RegisterSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	subs, err := store.ListSubscriptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("got %d subscriptions, want 1", len(subs))
	}
	if subs[0].Filters["level"] != "error" {
		t.Errorf("filters = %v", subs[0].Filters)
	}

	later := now.Add(time.Minute)
	if err := store.TouchSubscription(ctx, "sub-1", later); err != nil {
		t.Fatal(err)
	}
	if err := store.TouchSubscription(ctx, "absent", later); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("touching absent subscription: err = %v, want ErrNotFound", err)
	}

	// Heartbeat keeps it past the sweep cutoff.
	n, err := store.SweepStaleSubscriptions(ctx, now.Add(30*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("swept %d fresh subscriptions", n)
	}

	n, err = store.SweepStaleSubscriptions(ctx, later.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("swept %d, want 1", n)
	}

	subs, err = store.ListSubscriptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 0 {
		t.Errorf("%d subscriptions remain after sweep", len(subs))
	}
}
