// Package models defines the core data structures for the log pipeline.
//
// This package contains the domain models shared by the ingestion surface,
// the parse workers, and the query API.
package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested item is not found.
// Storage implementations wrap this error when an item doesn't exist.
var ErrNotFound = errors.New("not found")

// Token is an ingestion credential. Only the keyed hash of the secret is
// stored; the plaintext is shown once at creation time and never again.
type Token struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	TokenHash  string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// RawEntry is an ingested, not-yet-structured log payload awaiting parsing.
//
// A row transitions Parsed false->true exactly once, as a side effect of
// being claimed by a worker. Rows are never deleted by the pipeline;
// retention is an external concern.
type RawEntry struct {
	ID         int64      `json:"id"`
	TokenID    *string    `json:"token_id,omitempty"`
	RawPayload string     `json:"raw_payload"`
	ReceivedAt time.Time  `json:"received_at"`
	Parsed     bool       `json:"parsed"`
	ParsedAt   *time.Time `json:"parsed_at,omitempty"`
}

// Entry is a parsed, structured log record derived from exactly one RawEntry.
// Entries are immutable once written.
type Entry struct {
	ID         int64     `json:"id"`
	RawEntryID int64     `json:"raw_entry_id"`
	Timestamp  time.Time `json:"timestamp"`
	Level      string    `json:"level,omitempty"`
	Message    string    `json:"message,omitempty"`

	// ExtraFields holds every payload key that is not promoted to a
	// first-class column.
	ExtraFields map[string]any `json:"extra_fields,omitempty"`
}

// FieldValue returns the entry's value for a field name as a string, and
// whether the field is present at all. Structured columns are consulted
// before extra fields. An empty column and a JSON null both count as
// absent.
func (e *Entry) FieldValue(name string) (string, bool) {
	switch name {
	case "level":
		return e.Level, e.Level != ""
	case "message":
		return e.Message, e.Message != ""
	}
	v, ok := e.ExtraFields[name]
	if !ok || v == nil {
		return "", false
	}
	return Stringify(v), true
}

// Field types recorded by the registry.
const (
	FieldTypeString   = "string"
	FieldTypeNumber   = "number"
	FieldTypeBoolean  = "boolean"
	FieldTypeDatetime = "datetime"
)

// Filter types advertised by the registry. The query surface uses them to
// pick a filter control for a field.
const (
	FilterTypeExact = "exact"
	FilterTypeRange = "range"
)

// FilterTypeFor maps a field type to how the field should be filtered:
// numbers and datetimes by range, everything else by exact match.
func FilterTypeFor(fieldType string) string {
	switch fieldType {
	case FieldTypeNumber, FieldTypeDatetime:
		return FilterTypeRange
	default:
		return FilterTypeExact
	}
}

// Field is a registry row describing a discovered payload key.
//
// UsageCount equals the number of parsed entries observed to date that
// contained the field name. The recorded type is the first-seen type; later
// mismatches do not overwrite it. FilterType is derived from the recorded
// type at first sight and sticks with it.
type Field struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	FieldType  string    `json:"field_type"`
	UsageCount int64     `json:"usage_count"`
	Promoted   bool      `json:"promoted"`
	FilterType string    `json:"filter_type,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// FacetCacheEntry is a memoized aggregate result keyed by a normalized
// filter-set hash. A nil ExpiresAt means the entry never expires.
type FacetCacheEntry struct {
	CacheKey   string     `json:"cache_key"`
	CacheValue string     `json:"cache_value"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the entry is past its expiry at the given time.
func (c *FacetCacheEntry) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// TailSubscription is a persisted live-tail registration. Subscriptions are
// keyed by the normalized filter-set key so identical filter combinations
// share one topic across processes.
type TailSubscription struct {
	Key        string    `json:"key"`
	Filters    FilterSet `json:"filters"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
