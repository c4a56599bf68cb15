// Package facet memoizes aggregate facet queries with TTL expiry.
//
// Cache keys are the normalized filter-set hash with the faceted field
// folded in, so two logically identical queries share one row regardless of
// filter order. Concurrent misses for the same key may both compute and
// both write; aggregation is deterministic, so last write wins is fine and
// per-key locking is not worth its complexity.
package facet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/solhall/logsift/internal/storage"
	"github.com/solhall/logsift/pkg/models"
)

// facetKeyField is the reserved filter key that folds the faceted field
// into the cache key.
const facetKeyField = "__facet"

// Cache serves facet aggregates through the persisted cache table.
type Cache struct {
	store  storage.Storage
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a Cache with the given TTL for computed results.
func New(store storage.Storage, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		store:  store,
		ttl:    ttl,
		logger: logger.With("component", "facet"),
	}
}

// CacheKey returns the canonical key for a facet query.
func CacheKey(field string, filters models.FilterSet) string {
	keyed := filters.Normalized()
	keyed[facetKeyField] = field
	return keyed.Key()
}

// GetOrCompute returns the cached aggregate for the query if present and
// unexpired, otherwise computes it, stores it with expires_at = now + TTL,
// and returns it. A failing cache read degrades to a compute; a failing
// cache write degrades to returning the computed value uncached.
func (c *Cache) GetOrCompute(ctx context.Context, field string, filters models.FilterSet) (map[string]int64, error) {
	key := CacheKey(field, filters)
	now := time.Now().UTC()

	cached, err := c.store.GetCacheEntry(ctx, key)
	switch {
	case err == nil && !cached.Expired(now):
		var counts map[string]int64
		if err := json.Unmarshal([]byte(cached.CacheValue), &counts); err == nil {
			return counts, nil
		}
		c.logger.Warn("discarding undecodable cache value", "key", key)
	case err != nil && !errors.Is(err, models.ErrNotFound):
		c.logger.Error("cache read failed", "key", key, "error", err)
	}

	counts, err := c.store.FacetCounts(ctx, field, filters)
	if err != nil {
		return nil, fmt.Errorf("computing facet %s: %w", field, err)
	}

	value, err := json.Marshal(counts)
	if err != nil {
		return nil, fmt.Errorf("encoding facet result: %w", err)
	}
	expires := now.Add(c.ttl)
	if err := c.store.PutCacheEntry(ctx, &models.FacetCacheEntry{
		CacheKey:   key,
		CacheValue: string(value),
		ExpiresAt:  &expires,
	}); err != nil {
		c.logger.Error("cache write failed", "key", key, "error", err)
	}
	return counts, nil
}

// Sweep deletes expired cache rows. It runs on a schedule, independent of
// read traffic, so a cold cache does not grow unbounded between reads.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	n, err := c.store.SweepExpiredCache(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweeping facet cache: %w", err)
	}
	if n > 0 {
		c.logger.Debug("swept expired cache rows", "count", n)
	}
	return n, nil
}
