// Package postgres provides a PostgreSQL-backed storage implementation.
//
// The claim strategy is row-skip locking: a CTE selects the oldest unparsed
// rows with FOR UPDATE SKIP LOCKED and the enclosing UPDATE flips them, all
// in one statement. Rows locked by another in-flight claimer are skipped
// rather than waited on, so concurrent workers never block each other and
// never receive overlapping rows.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/solhall/logsift/pkg/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a PostgreSQL-backed storage for the log pipeline.
type Store struct {
	db *sql.DB
}

// New opens a connection pool and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
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
		`INSERT INTO tokens (id, name, token_hash, created_at, last_used_at) VALUES ($1, $2, $3, $4, $5)`,
		token.ID, token.Name, token.TokenHash, token.CreatedAt, token.LastUsedAt)
	if err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

// GetTokenByHash looks up a token by its keyed hash using the unique index.
func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (*models.Token, error) {
	var t models.Token
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, token_hash, created_at, last_used_at FROM tokens WHERE token_hash = $1`, tokenHash).
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
		`UPDATE tokens SET last_used_at = $1 WHERE id = $2`, usedAt, id)
	if err != nil {
		return fmt.Errorf("touching token: %w", err)
	}
	return nil
}

// RevokeToken deletes a token.
func (s *Store) RevokeToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = $1`, id)
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
		`INSERT INTO raw_entries (token_id, raw_payload, received_at, parsed) VALUES ($1, $2, $3, FALSE) RETURNING id`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if err := stmt.QueryRowContext(ctx, e.TokenID, e.RawPayload, e.ReceivedAt).Scan(&e.ID); err != nil {
			return fmt.Errorf("inserting raw entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ClaimBatch reserves up to limit unparsed rows with FOR UPDATE SKIP LOCKED.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]*models.RawEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH claimed AS (
			SELECT id FROM raw_entries
			WHERE parsed = FALSE
			ORDER BY received_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE raw_entries r
		SET parsed = TRUE, parsed_at = now()
		FROM claimed c
		WHERE r.id = c.id
		RETURNING r.id, r.token_id, r.raw_payload, r.received_at, r.parsed, r.parsed_at`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("claiming batch: %w", err)
	}
	defer rows.Close()

	claimed, err := scanRawEntries(rows)
	if err != nil {
		return nil, err
	}
	sortRawEntries(claimed)
	return claimed, nil
}

func scanRawEntries(rows *sql.Rows) ([]*models.RawEntry, error) {
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

func sortRawEntries(entries []*models.RawEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].ReceivedAt.Before(entries[j-1].ReceivedAt); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// StaleUnparsed returns never-claimed rows older than the cutoff.
func (s *Store) StaleUnparsed(ctx context.Context, olderThan time.Time) ([]*models.RawEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token_id, raw_payload, received_at, parsed, parsed_at
		FROM raw_entries
		WHERE parsed = FALSE AND received_at < $1
		ORDER BY received_at`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("querying stale unparsed: %w", err)
	}
	defer rows.Close()
	return scanRawEntries(rows)
}

// CountUnparsed returns the current queue depth.
func (s *Store) CountUnparsed(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM raw_entries WHERE parsed = FALSE`).Scan(&n)
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
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO entries (raw_entry_id, ts, level, message, extra_fields)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		entry.RawEntryID, entry.Timestamp, entry.Level, entry.Message, string(extras)).
		Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("inserting entry: %w", err)
	}
	return nil
}

// entryFilterSQL builds the WHERE clause for a filter set, continuing
// placeholder numbering from argn.
func entryFilterSQL(filters models.FilterSet, argn int) (string, []any, int) {
	where := "TRUE"
	var args []any
	for name, value := range filters.Normalized() {
		switch name {
		case "level":
			where += fmt.Sprintf(" AND level = $%d", argn)
			args = append(args, value)
			argn++
		case "message":
			where += fmt.Sprintf(" AND message = $%d", argn)
			args = append(args, value)
			argn++
		default:
			where += fmt.Sprintf(" AND extra_fields->>$%d = $%d", argn, argn+1)
			args = append(args, name, value)
			argn += 2
		}
	}
	return where, args, argn
}

// QueryEntries returns entries matching the filters, newest first.
func (s *Store) QueryEntries(ctx context.Context, filters models.FilterSet, limit, offset int) ([]*models.Entry, int, error) {
	where, args, argn := entryFilterSQL(filters, 1)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting entries: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT id, raw_entry_id, ts, level, message, extra_fields FROM entries WHERE %s ORDER BY ts DESC, id DESC LIMIT $%d OFFSET $%d`,
		where, argn, argn+1)
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
	var valueExpr, present string
	var args []any
	argn := 1
	switch field {
	case "level", "message":
		valueExpr = field
		present = valueExpr + " <> ''"
	default:
		valueExpr = "extra_fields->>$1"
		present = valueExpr + " IS NOT NULL"
		args = append(args, field)
		argn = 2
	}

	where, filterArgs, _ := entryFilterSQL(filters, argn)
	args = append(args, filterArgs...)

	query := `SELECT ` + valueExpr + ` AS v, COUNT(*) FROM entries WHERE ` + where +
		` AND ` + present + ` GROUP BY v`
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
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			usage_count = fields.usage_count + 1,
			last_seen_at = EXCLUDED.last_seen_at`,
		name, fieldType, models.FilterTypeFor(fieldType), seenAt)
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE fields SET promoted = TRUE WHERE promoted = FALSE AND name = ANY($1)`, names)
	if err != nil {
		return 0, fmt.Errorf("promoting fields: %w", err)
	}
	return res.RowsAffected()
}

// GetCacheEntry returns the cache row for a key, expired or not.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (*models.FacetCacheEntry, error) {
	var e models.FacetCacheEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT cache_key, cache_value, expires_at FROM facet_cache WHERE cache_key = $1`, key).
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
		VALUES ($1, $2, $3)
		ON CONFLICT (cache_key) DO UPDATE SET
			cache_value = EXCLUDED.cache_value,
			expires_at = EXCLUDED.expires_at`,
		entry.CacheKey, entry.CacheValue, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}
	return nil
}

// SweepExpiredCache deletes rows whose expiry has passed.
func (s *Store) SweepExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM facet_cache WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
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
		INSERT INTO tail_subscriptions (key, filters, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at`,
		sub.Key, string(filters), sub.CreatedAt, sub.LastSeenAt)
	if err != nil {
		return fmt.Errorf("registering subscription: %w", err)
	}
	return nil
}

// UnregisterSubscription removes a registration.
func (s *Store) UnregisterSubscription(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tail_subscriptions WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("unregistering subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns every active registration.
func (s *Store) ListSubscriptions(ctx context.Context) ([]*models.TailSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, filters, created_at, last_seen_at FROM tail_subscriptions ORDER BY created_at`)
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
		`UPDATE tail_subscriptions SET last_seen_at = $1 WHERE key = $2`, seenAt, key)
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
		`DELETE FROM tail_subscriptions WHERE last_seen_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("sweeping subscriptions: %w", err)
	}
	return res.RowsAffected()
}
