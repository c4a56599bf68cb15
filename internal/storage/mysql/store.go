// Package mysql provides a MySQL-backed storage implementation.
//
// The claim strategy is row-skip locking inside one transaction: SELECT ...
// FOR UPDATE SKIP LOCKED picks the oldest unparsed rows (MySQL 8+), the
// UPDATE flips exactly those ids, and the commit releases the locks. Rows
// locked by another in-flight claimer are skipped, so concurrent workers
// never receive overlapping rows.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/solhall/logsift/pkg/models"
)

// Store is a MySQL-backed storage for the log pipeline.
type Store struct {
	db *sql.DB
}

// New opens a connection pool and applies the schema.
func New(dsn string) (*Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateToken stores a new token.
func (s *Store) CreateToken(ctx context.Context, token *models.Token) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (id, name, token_hash, created_at, last_used_at) VALUES (?, ?, ?, ?, ?)`,
		token.ID, token.Name, token.TokenHash, token.CreatedAt.UTC(), token.LastUsedAt)
	if err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

// GetTokenByHash looks up a token by its keyed hash using the unique index.
func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (*models.Token, error) {
	var t models.Token
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, token_hash, created_at, last_used_at FROM tokens WHERE token_hash = ?`, tokenHash).
		Scan(&t.ID, &t.Name, &t.TokenHash, &t.CreatedAt, &t.LastUsedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("token: %w", models.ErrNotFound)
		}
		return nil, fmt.Errorf("reading token: %w", err)
	}
	return &t, nil
}

// ListTokens returns all tokens ordered by creation time.
func (s *Store) ListTokens(ctx context.Context) ([]*models.Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, token_hash, created_at, last_used_at FROM tokens ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	defer rows.Close()

	var out []*models.Token
	for rows.Next() {
		var t models.Token
		if err := rows.Scan(&t.ID, &t.Name, &t.TokenHash, &t.CreatedAt, &t.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scanning token: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// TouchToken updates last_used_at.
func (s *Store) TouchToken(ctx context.Context, id string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET last_used_at = ? WHERE id = ?`, usedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("touching token: %w", err)
	}
	return nil
}

// RevokeToken deletes a token.
func (s *Store) RevokeToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("token %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// InsertRawEntries appends unparsed rows in one transaction.
func (s *Store) InsertRawEntries(ctx context.Context, entries []*models.RawEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO raw_entries (token_id, raw_payload, received_at, parsed) VALUES (?, ?, ?, 0)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		res, err := stmt.ExecContext(ctx, e.TokenID, e.RawPayload, e.ReceivedAt.UTC())
		if err != nil {
			return fmt.Errorf("inserting raw entry: %w", err)
		}
		if e.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("raw entry id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ClaimBatch locks up to limit unparsed rows with FOR UPDATE SKIP LOCKED,
// flips exactly those ids and commits. The select and the update run inside
// the same transaction, so a second claimer skips the locked rows instead of
// racing for them.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]*models.RawEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, token_id, raw_payload, received_at
		FROM raw_entries
		WHERE parsed = 0
		ORDER BY received_at, id
		LIMIT ?
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting claim candidates: %w", err)
	}

	now := time.Now().UTC()
	var claimed []*models.RawEntry
	var ids []any
	for rows.Next() {
		var e models.RawEntry
		if err := rows.Scan(&e.ID, &e.TokenID, &e.RawPayload, &e.ReceivedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning raw entry: %w", err)
		}
		e.Parsed = true
		at := now
		e.ParsedAt = &at
		claimed = append(claimed, &e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating claim candidates: %w", err)
	}
	rows.Close()

	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := append([]any{now}, ids...)
	if _, err := tx.ExecContext(ctx,
		`UPDATE raw_entries SET parsed = 1, parsed_at = ? WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return nil, fmt.Errorf("marking claimed rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return claimed, nil
}

// StaleUnparsed returns never-claimed rows older than the cutoff.
func (s *Store) StaleUnparsed(ctx context.Context, olderThan time.Time) ([]*models.RawEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token_id, raw_payload, received_at, parsed, parsed_at
		FROM raw_entries
		WHERE parsed = 0 AND received_at < ?
		ORDER BY received_at`, olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying stale unparsed: %w", err)
	}
	defer rows.Close()

	var out []*models.RawEntry
	for rows.Next() {
		var e models.RawEntry
		if err := rows.Scan(&e.ID, &e.TokenID, &e.RawPayload, &e.ReceivedAt, &e.Parsed, &e.ParsedAt); err != nil {
			return nil, fmt.Errorf("scanning raw entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CountUnparsed returns the current queue depth.
func (s *Store) CountUnparsed(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM raw_entries WHERE parsed = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unparsed: %w", err)
	}
	return n, nil
}

// InsertEntry stores a parsed entry.
func (s *Store) InsertEntry(ctx context.Context, entry *models.Entry) error {
	extras, err := json.Marshal(entry.ExtraFields)
	if err != nil {
		return fmt.Errorf("encoding extra fields: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (raw_entry_id, ts, level, message, extra_fields)
		VALUES (?, ?, ?, ?, ?)`,
		entry.RawEntryID, entry.Timestamp.UTC(), entry.Level, entry.Message, string(extras))
	if err != nil {
		return fmt.Errorf("inserting entry: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("entry id: %w", err)
	}
	return nil
}

func jsonPath(field string) string {
	return `$."` + field + `"`
}

// entryFilterSQL builds the WHERE clause for a filter set.
func entryFilterSQL(filters models.FilterSet) (string, []any) {
	where := "1=1"
	var args []any
	for name, value := range filters.Normalized() {
		switch name {
		case "level":
			where += " AND level = ?"
			args = append(args, value)
		case "message":
			where += " AND message = ?"
			args = append(args, value)
		default:
			where += " AND JSON_UNQUOTE(JSON_EXTRACT(extra_fields, ?)) = ?"
			args = append(args, jsonPath(name), value)
		}
	}
	return where, args
}

// QueryEntries returns entries matching the filters, newest first.
func (s *Store) QueryEntries(ctx context.Context, filters models.FilterSet, limit, offset int) ([]*models.Entry, int, error) {
	where, args := entryFilterSQL(filters)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting entries: %w", err)
	}

	query := `SELECT id, raw_entry_id, ts, level, message, extra_fields FROM entries WHERE ` +
		where + ` ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var out []*models.Entry
	for rows.Next() {
		var e models.Entry
		var extras []byte
		if err := rows.Scan(&e.ID, &e.RawEntryID, &e.Timestamp, &e.Level, &e.Message, &extras); err != nil {
			return nil, 0, fmt.Errorf("scanning entry: %w", err)
		}
		if err := json.Unmarshal(extras, &e.ExtraFields); err != nil {
			return nil, 0, fmt.Errorf("decoding extra fields: %w", err)
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

// FacetCounts aggregates distinct values of field over matching entries.
// An empty level or message column means the payload had no such key and
// is not a facet bucket.
func (s *Store) FacetCounts(ctx context.Context, field string, filters models.FilterSet) (map[string]int64, error) {
	where, filterArgs := entryFilterSQL(filters)

	var valueExpr, present string
	var args []any
	switch field {
	case "level", "message":
		valueExpr = field
		present = valueExpr + " <> ''"
	default:
		valueExpr = "JSON_UNQUOTE(JSON_EXTRACT(extra_fields, ?))"
		present = valueExpr + " IS NOT NULL"
		args = append(args, jsonPath(field))
	}
	args = append(args, filterArgs...)

	query := `SELECT ` + valueExpr + ` AS v, COUNT(*) FROM entries WHERE ` + where +
		` AND ` + present + ` GROUP BY v`
	if field != "level" && field != "message" {
		args = append(args, jsonPath(field))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying facets: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var v string
		var n int64
		if err := rows.Scan(&v, &n); err != nil {
			return nil, fmt.Errorf("scanning facet: %w", err)
		}
		counts[v] = n
	}
	return counts, rows.Err()
}

// UpsertFieldUsage increments usage for a field. The first-seen type and
// its filter type stick.
func (s *Store) UpsertFieldUsage(ctx context.Context, name, fieldType string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fields (name, field_type, usage_count, filter_type, last_seen_at)
		VALUES (?, ?, 1, ?, ?)
		ON DUPLICATE KEY UPDATE
			usage_count = usage_count + 1,
			last_seen_at = VALUES(last_seen_at)`,
		name, fieldType, models.FilterTypeFor(fieldType), seenAt.UTC())
	if err != nil {
		return fmt.Errorf("upserting field %s: %w", name, err)
	}
	return nil
}

// ListFields returns all registry rows ordered by usage descending.
func (s *Store) ListFields(ctx context.Context) ([]*models.Field, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, field_type, usage_count, promoted, filter_type, last_seen_at
		FROM fields
		ORDER BY usage_count DESC, last_seen_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing fields: %w", err)
	}
	defer rows.Close()

	var out []*models.Field
	for rows.Next() {
		var f models.Field
		if err := rows.Scan(&f.ID, &f.Name, &f.FieldType, &f.UsageCount, &f.Promoted, &f.FilterType, &f.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scanning field: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// PromoteFields flips promoted=true for the named fields.
func (s *Store) PromoteFields(ctx context.Context, names []string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]any, 0, len(names))
	for _, name := range names {
		args = append(args, name)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE fields SET promoted = 1 WHERE promoted = 0 AND name IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("promoting fields: %w", err)
	}
	return res.RowsAffected()
}

// GetCacheEntry returns the cache row for a key, expired or not.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (*models.FacetCacheEntry, error) {
	var e models.FacetCacheEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT cache_key, cache_value, expires_at FROM facet_cache WHERE cache_key = ?`, key).
		Scan(&e.CacheKey, &e.CacheValue, &e.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cache %s: %w", key, models.ErrNotFound)
		}
		return nil, fmt.Errorf("reading cache: %w", err)
	}
	return &e, nil
}

// PutCacheEntry overwrites the cache row for a key. Last write wins.
func (s *Store) PutCacheEntry(ctx context.Context, entry *models.FacetCacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facet_cache (cache_key, cache_value, expires_at)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			cache_value = VALUES(cache_value),
			expires_at = VALUES(expires_at)`,
		entry.CacheKey, entry.CacheValue, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}
	return nil
}

// SweepExpiredCache deletes rows whose expiry has passed.
func (s *Store) SweepExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM facet_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweeping cache: %w", err)
	}
	return res.RowsAffected()
}

// RegisterSubscription stores a live-tail registration.
func (s *Store) RegisterSubscription(ctx context.Context, sub *models.TailSubscription) error {
	filters, err := json.Marshal(sub.Filters.Normalized())
	if err != nil {
		return fmt.Errorf("encoding filters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tail_subscriptions (`+"`key`"+`, filters, created_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE last_seen_at = VALUES(last_seen_at)`,
		sub.Key, string(filters), sub.CreatedAt.UTC(), sub.LastSeenAt.UTC())
	if err != nil {
		return fmt.Errorf("registering subscription: %w", err)
	}
	return nil
}

// UnregisterSubscription removes a registration.
func (s *Store) UnregisterSubscription(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tail_subscriptions WHERE `key` = ?", key)
	if err != nil {
		return fmt.Errorf("unregistering subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns every active registration.
func (s *Store) ListSubscriptions(ctx context.Context) ([]*models.TailSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT `key`, filters, created_at, last_seen_at FROM tail_subscriptions ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*models.TailSubscription
	for rows.Next() {
		var sub models.TailSubscription
		var filters []byte
		if err := rows.Scan(&sub.Key, &filters, &sub.CreatedAt, &sub.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		if err := json.Unmarshal(filters, &sub.Filters); err != nil {
			return nil, fmt.Errorf("decoding filters: %w", err)
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

// TouchSubscription refreshes a registration's heartbeat.
func (s *Store) TouchSubscription(ctx context.Context, key string, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tail_subscriptions SET last_seen_at = ? WHERE `key` = ?", seenAt.UTC(), key)
	if err != nil {
		return fmt.Errorf("touching subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription %s: %w", key, models.ErrNotFound)
	}
	return nil
}

// SweepStaleSubscriptions removes registrations with no recent heartbeat.
func (s *Store) SweepStaleSubscriptions(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tail_subscriptions WHERE last_seen_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweeping subscriptions: %w", err)
	}
	return res.RowsAffected()
}
