// Package memory provides an in-memory storage implementation.
//
// It exists for tests and single-process development runs. The claim
// operation is serialized by a mutex, which satisfies the no-overlap
// contract within one process; cross-process exclusion needs one of the
// SQL backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/solhall/logsift/pkg/models"
)

// Store is an in-memory storage for the log pipeline.
type Store struct {
	mu sync.Mutex

	tokens map[string]*models.Token // id -> token
	byHash map[string]string        // token_hash -> id

	raw    []*models.RawEntry
	nextID int64

	entries     []*models.Entry
	nextEntryID int64

	fields      map[string]*models.Field // name -> field
	nextFieldID int64

	cache map[string]*models.FacetCacheEntry // cache_key -> entry

	subs map[string]*models.TailSubscription // key -> subscription
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		tokens: make(map[string]*models.Token),
		byHash: make(map[string]string),
		fields: make(map[string]*models.Field),
		cache:  make(map[string]*models.FacetCacheEntry),
		subs:   make(map[string]*models.TailSubscription),
	}
}

// CreateToken stores a new token.
func (s *Store) CreateToken(ctx context.Context, token *models.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHash[token.TokenHash]; exists {
		return fmt.Errorf("token hash already exists")
	}
	cp := *token
	s.tokens[token.ID] = &cp
	s.byHash[token.TokenHash] = token.ID
	return nil
}

// GetTokenByHash looks up a token by its keyed hash.
func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (*models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[tokenHash]
	if !ok {
		return nil, fmt.Errorf("token: %w", models.ErrNotFound)
	}
	cp := *s.tokens[id]
	return &cp, nil
}

// ListTokens returns all tokens ordered by creation time.
func (s *Store) ListTokens(ctx context.Context) ([]*models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// TouchToken updates last_used_at.
func (s *Store) TouchToken(ctx context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return fmt.Errorf("token %s: %w", id, models.ErrNotFound)
	}
	t.LastUsedAt = &usedAt
	return nil
}

// RevokeToken deletes a token. Raw entries keep a dangling token id.
func (s *Store) RevokeToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return fmt.Errorf("token %s: %w", id, models.ErrNotFound)
	}
	delete(s.byHash, t.TokenHash)
	delete(s.tokens, id)
	return nil
}

// InsertRawEntries appends unparsed rows to the queue.
func (s *Store) InsertRawEntries(ctx context.Context, entries []*models.RawEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		s.nextID++
		cp := *e
		cp.ID = s.nextID
		cp.Parsed = false
		cp.ParsedAt = nil
		s.raw = append(s.raw, &cp)
		e.ID = cp.ID
	}
	return nil
}

// ClaimBatch reserves up to limit unparsed rows, oldest first, marking each
// parsed before returning it. The store mutex makes the claim atomic.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]*models.RawEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*models.RawEntry, 0, limit)
	for _, e := range s.raw {
		if !e.Parsed {
			candidates = append(candidates, e)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ReceivedAt.Before(candidates[j].ReceivedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := time.Now().UTC()
	out := make([]*models.RawEntry, 0, len(candidates))
	for _, e := range candidates {
		e.Parsed = true
		at := now
		e.ParsedAt = &at
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// StaleUnparsed returns never-claimed rows older than the cutoff.
func (s *Store) StaleUnparsed(ctx context.Context, olderThan time.Time) ([]*models.RawEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.RawEntry
	for _, e := range s.raw {
		if !e.Parsed && e.ReceivedAt.Before(olderThan) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// CountUnparsed returns the current queue depth.
func (s *Store) CountUnparsed(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.raw {
		if !e.Parsed {
			n++
		}
	}
	return n, nil
}

// InsertEntry stores a parsed entry.
func (s *Store) InsertEntry(ctx context.Context, entry *models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEntryID++
	cp := *entry
	cp.ID = s.nextEntryID
	if cp.ExtraFields != nil {
		extras := make(map[string]any, len(cp.ExtraFields))
		for k, v := range cp.ExtraFields {
			extras[k] = v
		}
		cp.ExtraFields = extras
	}
	s.entries = append(s.entries, &cp)
	entry.ID = cp.ID
	return nil
}

// QueryEntries returns entries matching the filters, newest first, with the
// total match count for pagination.
func (s *Store) QueryEntries(ctx context.Context, filters models.FilterSet, limit, offset int) ([]*models.Entry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Entry
	for _, e := range s.entries {
		if filters.Matches(e) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}

	out := make([]*models.Entry, 0, end-offset)
	for _, e := range matched[offset:end] {
		cp := *e
		out = append(out, &cp)
	}
	return out, total, nil
}

// FacetCounts aggregates distinct values of field over matching entries.
func (s *Store) FacetCounts(ctx context.Context, field string, filters models.FilterSet) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int64)
	for _, e := range s.entries {
		if !filters.Matches(e) {
			continue
		}
		if v, ok := e.FieldValue(field); ok {
			counts[v]++
		}
	}
	return counts, nil
}

// UpsertFieldUsage increments usage for a field, creating the registry row
// with the inferred type on first sight. A later conflicting type does not
// overwrite the recorded one.
func (s *Store) UpsertFieldUsage(ctx context.Context, name, fieldType string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.fields[name]; ok {
		f.UsageCount++
		f.LastSeenAt = seenAt
		return nil
	}
	s.nextFieldID++
	s.fields[name] = &models.Field{
		ID:         s.nextFieldID,
		Name:       name,
		FieldType:  fieldType,
		UsageCount: 1,
		FilterType: models.FilterTypeFor(fieldType),
		LastSeenAt: seenAt,
	}
	return nil
}

// ListFields returns all registry rows ordered by usage descending.
func (s *Store) ListFields(ctx context.Context) ([]*models.Field, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Field, 0, len(s.fields))
	for _, f := range s.fields {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UsageCount != out[j].UsageCount {
			return out[i].UsageCount > out[j].UsageCount
		}
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out, nil
}

// PromoteFields flips promoted=true for the named fields, returning how many
// rows changed.
func (s *Store) PromoteFields(ctx context.Context, names []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, name := range names {
		if f, ok := s.fields[name]; ok && !f.Promoted {
			f.Promoted = true
			n++
		}
	}
	return n, nil
}

// GetCacheEntry returns the cache row for a key, expired or not.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (*models.FacetCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache[key]
	if !ok {
		return nil, fmt.Errorf("cache %s: %w", key, models.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

// PutCacheEntry overwrites the cache row for a key. Last write wins.
func (s *Store) PutCacheEntry(ctx context.Context, entry *models.FacetCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.cache[entry.CacheKey] = &cp
	return nil
}

// SweepExpiredCache deletes rows whose expiry has passed.
func (s *Store) SweepExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, e := range s.cache {
		if e.Expired(now) {
			delete(s.cache, key)
			n++
		}
	}
	return n, nil
}

// RegisterSubscription stores a live-tail registration, refreshing the
// heartbeat if the key already exists.
func (s *Store) RegisterSubscription(ctx context.Context, sub *models.TailSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subs[sub.Key]; ok {
		existing.LastSeenAt = sub.LastSeenAt
		return nil
	}
	cp := *sub
	cp.Filters = sub.Filters.Normalized()
	s.subs[sub.Key] = &cp
	return nil
}

// UnregisterSubscription removes a registration.
func (s *Store) UnregisterSubscription(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subs, key)
	return nil
}

// ListSubscriptions returns every active registration.
func (s *Store) ListSubscriptions(ctx context.Context) ([]*models.TailSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.TailSubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		cp := *sub
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// TouchSubscription refreshes a registration's heartbeat.
func (s *Store) TouchSubscription(ctx context.Context, key string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[key]
	if !ok {
		return fmt.Errorf("subscription %s: %w", key, models.ErrNotFound)
	}
	sub.LastSeenAt = seenAt
	return nil
}

// SweepStaleSubscriptions removes registrations with no heartbeat since the
// cutoff.
func (s *Store) SweepStaleSubscriptions(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, sub := range s.subs {
		if sub.LastSeenAt.Before(olderThan) {
			delete(s.subs, key)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
