// Package livetail fans newly parsed entries out to active filter
// subscriptions.
//
// Subscriptions live in the shared store, not process memory, so a match
// computed in one worker process reaches subscribers attached to another.
// The matcher's contract is purely "which topics does this entry belong
// to"; rendering and transport belong to the Publisher implementation.
package livetail

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/solhall/logsift/internal/storage"
	"github.com/solhall/logsift/pkg/models"
)

// Publisher delivers a payload to every subscriber of a topic. The topic id
// is the normalized filter-set key.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Matcher maintains the subscription registry and evaluates entries
// against it.
type Matcher struct {
	store     storage.Storage
	publisher Publisher
	logger    *slog.Logger

	// Subscription reads are memoized briefly so a large batch does not
	// hammer the registry table. refreshEvery trades at most that much
	// registration latency for load.
	refreshEvery time.Duration

	mu          sync.Mutex
	cached      []*models.TailSubscription
	lastRefresh time.Time
}

// New creates a Matcher over the shared store.
func New(store storage.Storage, publisher Publisher, logger *slog.Logger) *Matcher {
	return &Matcher{
		store:        store,
		publisher:    publisher,
		logger:       logger.With("component", "livetail"),
		refreshEvery: time.Second,
	}
}

// Register adds (or refreshes) a subscription for the filter set and
// returns its topic key.
func (m *Matcher) Register(ctx context.Context, filters models.FilterSet) (string, error) {
	now := time.Now().UTC()
	sub := &models.TailSubscription{
		Key:        filters.Key(),
		Filters:    filters.Normalized(),
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := m.store.RegisterSubscription(ctx, sub); err != nil {
		return "", err
	}
	m.invalidate()
	return sub.Key, nil
}

// Unregister removes a subscription by topic key.
func (m *Matcher) Unregister(ctx context.Context, key string) error {
	if err := m.store.UnregisterSubscription(ctx, key); err != nil {
		return err
	}
	m.invalidate()
	return nil
}

// Touch refreshes a subscription's heartbeat. The owning connection calls
// this for as long as it is attached.
func (m *Matcher) Touch(ctx context.Context, key string) error {
	return m.store.TouchSubscription(ctx, key, time.Now().UTC())
}

// OnEntriesParsed evaluates each entry against every active subscription
// and publishes matches once per matching topic.
func (m *Matcher) OnEntriesParsed(ctx context.Context, entries []*models.Entry) {
	subs, err := m.subscriptions(ctx)
	if err != nil {
		m.logger.Error("listing subscriptions failed", "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	for _, sub := range subs {
		for _, entry := range entries {
			if !sub.Filters.Matches(entry) {
				continue
			}
			payload, err := json.Marshal(entry)
			if err != nil {
				m.logger.Error("encoding entry failed", "entry", entry.ID, "error", err)
				continue
			}
			if err := m.publisher.Publish(sub.Key, payload); err != nil {
				m.logger.Warn("publish failed", "topic", sub.Key, "error", err)
			}
		}
	}
}

// SweepStale drops subscriptions whose heartbeat is older than ttl.
func (m *Matcher) SweepStale(ctx context.Context, ttl time.Duration) (int64, error) {
	n, err := m.store.SweepStaleSubscriptions(ctx, time.Now().UTC().Add(-ttl))
	if n > 0 {
		m.invalidate()
		m.logger.Debug("swept stale subscriptions", "count", n)
	}
	return n, err
}

func (m *Matcher) subscriptions(ctx context.Context) ([]*models.TailSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastRefresh) < m.refreshEvery && m.cached != nil {
		return m.cached, nil
	}
	subs, err := m.store.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	m.cached = subs
	m.lastRefresh = time.Now()
	return subs, nil
}

func (m *Matcher) invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}
