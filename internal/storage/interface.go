// Package storage defines the storage interface for the log pipeline.
package storage

import (
	"context"
	"time"

	"github.com/solhall/logsift/pkg/models"
)

// Storage is the interface shared by every backend. Implementations must be
// safe for concurrent use within a process; ClaimBatch must additionally be
// safe across separate processes sharing the same backing store.
type Storage interface {
	// Token operations
	CreateToken(ctx context.Context, token *models.Token) error
	GetTokenByHash(ctx context.Context, tokenHash string) (*models.Token, error)
	ListTokens(ctx context.Context) ([]*models.Token, error)
	TouchToken(ctx context.Context, id string, usedAt time.Time) error
	RevokeToken(ctx context.Context, id string) error

	// Raw queue operations
	InsertRawEntries(ctx context.Context, entries []*models.RawEntry) error

	// ClaimBatch atomically reserves up to limit unparsed rows, oldest
	// first, flipping each to parsed as a side effect of being returned.
	// No two concurrent callers ever receive overlapping rows, whether
	// they are goroutines in one process or separate worker processes.
	ClaimBatch(ctx context.Context, limit int) ([]*models.RawEntry, error)

	// StaleUnparsed returns rows that were never claimed and are older
	// than the cutoff. Operational reporting only; nothing is requeued.
	StaleUnparsed(ctx context.Context, olderThan time.Time) ([]*models.RawEntry, error)
	CountUnparsed(ctx context.Context) (int64, error)

	// Entry operations
	InsertEntry(ctx context.Context, entry *models.Entry) error
	QueryEntries(ctx context.Context, filters models.FilterSet, limit, offset int) ([]*models.Entry, int, error)

	// FacetCounts aggregates distinct values of field over entries
	// matching the filters.
	FacetCounts(ctx context.Context, field string, filters models.FilterSet) (map[string]int64, error)

	// Field registry operations
	UpsertFieldUsage(ctx context.Context, name, fieldType string, seenAt time.Time) error
	ListFields(ctx context.Context) ([]*models.Field, error)
	PromoteFields(ctx context.Context, names []string) (int64, error)

	// Facet cache operations
	GetCacheEntry(ctx context.Context, key string) (*models.FacetCacheEntry, error)
	PutCacheEntry(ctx context.Context, entry *models.FacetCacheEntry) error
	SweepExpiredCache(ctx context.Context, now time.Time) (int64, error)

	// Live tail subscription registry, shared across worker processes.
	RegisterSubscription(ctx context.Context, sub *models.TailSubscription) error
	UnregisterSubscription(ctx context.Context, key string) error
	ListSubscriptions(ctx context.Context) ([]*models.TailSubscription, error)
	TouchSubscription(ctx context.Context, key string, seenAt time.Time) error
	SweepStaleSubscriptions(ctx context.Context, olderThan time.Time) (int64, error)

	// Close the storage (for cleanup, e.g., DB connections)
	Close() error
}
