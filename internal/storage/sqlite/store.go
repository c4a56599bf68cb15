// Package sqlite provides a SQLite-backed storage implementation.
//
// The claim strategy here is a single conditional bulk update: one UPDATE
// statement picks the oldest unparsed rows, flips them and returns them via
// RETURNING. SQLite serializes writers, so the statement is atomic across
// processes sharing the database file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/solhall/logsift/pkg/models"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.up.sql
var migrationSQL string

const timeLayout = time.RFC3339Nano

// Store is a SQLite-backed storage for the log pipeline.
type Store struct {
	db *sql.DB
}

// Config holds SQLite store configuration.
type Config struct {
	DBPath string
}

// New creates a new SQLite store with the given configuration.
func New(cfg Config) (*Store, error) {
	// Pragmas ride on the DSN so every connection the pool opens gets
	// them; an Exec-ed pragma only configures the connection it ran on.
	dsn := "file:" + cfg.DBPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the store and releases resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateToken stores a new token.
func (s *Store) CreateToken(ctx context.Context, token *models.Token) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (id, name, token_hash, created_at, last_used_at) VALUES (?, ?, ?, ?, ?)`,
		token.ID, token.Name, token.TokenHash, fmtTime(token.CreatedAt), fmtTimePtr(token.LastUsedAt))
	if err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

// GetTokenByHash looks up a token by its keyed hash using the unique index.
func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (*models.Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, token_hash, created_at, last_used_at FROM tokens WHERE token_hash = ?`, tokenHash)
	return scanToken(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanToken(row rowScanner) (*models.Token, error) {
	var t models.Token
	var createdAt string
	var lastUsed sql.NullString
	if err := row.Scan(&t.ID, &t.Name, &t.TokenHash, &createdAt, &lastUsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("token: %w", models.ErrNotFound)
		}
		return nil, fmt.Errorf("scanning token: %w", err)
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.LastUsedAt, err = parseTimePtr(lastUsed); err != nil {
		return nil, fmt.Errorf("parsing last_used_at: %w", err)
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
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TouchToken updates last_used_at.
func (s *Store) TouchToken(ctx context.Context, id string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET last_used_at = ? WHERE id = ?`, fmtTime(usedAt), id)
	if err != nil {
		return fmt.Errorf("touching token: %w", err)
	}
	return nil
}

// RevokeToken deletes a token. Raw entries keep their token_id as a weak
// reference; the pipeline never dereferences it.
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
		res, err := stmt.ExecContext(ctx, e.TokenID, e.RawPayload, fmtTime(e.ReceivedAt))
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

// ClaimBatch flips up to limit unparsed rows in one UPDATE ... RETURNING
// statement. Choosing and flipping happen in the same statement, so there is
// no window for a second claimer to see the same rows.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]*models.RawEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		UPDATE raw_entries
		SET parsed = 1, parsed_at = ?
		WHERE id IN (
			SELECT id FROM raw_entries
			WHERE parsed = 0
			ORDER BY received_at, id
			LIMIT ?
		)
		RETURNING id, token_id, raw_payload, received_at, parsed, parsed_at`,
		fmtTime(time.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("claiming batch: %w", err)
	}
	defer rows.Close()

	claimed, err := scanRawEntries(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified; callers expect oldest first.
	sortRawEntries(claimed)
	return claimed, nil
}

func scanRawEntries(rows *sql.Rows) ([]*models.RawEntry, error) {
	var out []*models.RawEntry
	for rows.Next() {
		var e models.RawEntry
		var tokenID sql.NullString
		var receivedAt string
		var parsed int
		var parsedAt sql.NullString
		if err := rows.Scan(&e.ID, &tokenID, &e.RawPayload, &receivedAt, &parsed, &parsedAt); err != nil {
			return nil, fmt.Errorf("scanning raw entry: %w", err)
		}
		if tokenID.Valid {
			e.TokenID = &tokenID.String
		}
		var err error
		if e.ReceivedAt, err = parseTime(receivedAt); err != nil {
			return nil, fmt.Errorf("parsing received_at: %w", err)
		}
		e.Parsed = parsed != 0
		if e.ParsedAt, err = parseTimePtr(parsedAt); err != nil {
			return nil, fmt.Errorf("parsing parsed_at: %w", err)
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
		WHERE parsed = 0 AND received_at < ?
		ORDER BY received_at`, fmtTime(olderThan))
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
		INSERT INTO entries (raw_entry_id, timestamp, level, message, extra_fields)
		VALUES (?, ?, ?, ?, ?)`,
		entry.RawEntryID, fmtTime(entry.Timestamp), entry.Level, entry.Message, string(extras))
	if err != nil {
		return fmt.Errorf("inserting entry: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("entry id: %w", err)
	}
	return nil
}

// jsonValueSQL renders an extra field as the string form filters compare
// against: booleans as true/false, everything else as its text form. A
// missing field or a JSON null yields NULL. Bind the json path twice.
const jsonValueSQL = `CASE json_type(extra_fields, ?)
	WHEN 'true' THEN 'true'
	WHEN 'false' THEN 'false'
	ELSE CAST(json_extract(extra_fields, ?) AS TEXT) END`

// entryFilterSQL builds the WHERE clause for a filter set. Structured
// columns compare directly; everything else goes through json_extract.
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
			where += " AND " + jsonValueSQL + " = ?"
			path := jsonPath(name)
			args = append(args, path, path, value)
		}
	}
	return where, args
}

func jsonPath(field string) string {
	return `$."` + field + `"`
}

// QueryEntries returns entries matching the filters, newest first.
func (s *Store) QueryEntries(ctx context.Context, filters models.FilterSet, limit, offset int) ([]*models.Entry, int, error) {
	where, args := entryFilterSQL(filters)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting entries: %w", err)
	}

	query := `SELECT id, raw_entry_id, timestamp, level, message, extra_fields FROM entries WHERE ` +
		where + ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var out []*models.Entry
	for rows.Next() {
		var e models.Entry
		var ts, extras string
		if err := rows.Scan(&e.ID, &e.RawEntryID, &ts, &e.Level, &e.Message, &extras); err != nil {
			return nil, 0, fmt.Errorf("scanning entry: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, 0, fmt.Errorf("parsing timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(extras), &e.ExtraFields); err != nil {
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
	where, args := entryFilterSQL(filters)

	var query string
	switch field {
	case "level", "message":
		query = `SELECT ` + field + ` AS v, COUNT(*) FROM entries WHERE ` + where +
			` AND ` + field + ` <> '' GROUP BY v`
	default:
		path := jsonPath(field)
		// jsonValueSQL appears twice; each occurrence binds the path twice.
		query = `SELECT ` + jsonValueSQL + ` AS v, COUNT(*) FROM entries WHERE ` + where +
			` AND ` + jsonValueSQL + ` IS NOT NULL GROUP BY v`
		args = append([]any{path, path}, args...)
		args = append(args, path, path)
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

// UpsertFieldUsage increments usage for a field. The ON CONFLICT clause
// leaves field_type and filter_type untouched, so the first-seen type
// sticks.
func (s *Store) UpsertFieldUsage(ctx context.Context, name, fieldType string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fields (name, field_type, usage_count, filter_type, last_seen_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			usage_count = usage_count + 1,
			last_seen_at = excluded.last_seen_at`,
		name, fieldType, models.FilterTypeFor(fieldType), fmtTime(seenAt))
	if err != nil {
		return fmt.Errorf("upserting field %s: %w", name, err)
	}
	return nil
}

// ListFields returns all registry rows ordered by usage descending, most
// recently seen first on ties.
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
		var promoted int
		var lastSeen string
		if err := rows.Scan(&f.ID, &f.Name, &f.FieldType, &f.UsageCount, &promoted, &f.FilterType, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning field: %w", err)
		}
		f.Promoted = promoted != 0
		if f.LastSeenAt, err = parseTime(lastSeen); err != nil {
			return nil, fmt.Errorf("parsing last_seen_at: %w", err)
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
	placeholders := ""
	args := make([]any, 0, len(names))
	for i, name := range names {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
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
	var expires sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT cache_key, cache_value, expires_at FROM facet_cache WHERE cache_key = ?`, key).
		Scan(&e.CacheKey, &e.CacheValue, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cache %s: %w", key, models.ErrNotFound)
		}
		return nil, fmt.Errorf("reading cache: %w", err)
	}
	if e.ExpiresAt, err = parseTimePtr(expires); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	return &e, nil
}

// PutCacheEntry overwrites the cache row for a key. Last write wins.
func (s *Store) PutCacheEntry(ctx context.Context, entry *models.FacetCacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facet_cache (cache_key, cache_value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			cache_value = excluded.cache_value,
			expires_at = excluded.expires_at`,
		entry.CacheKey, entry.CacheValue, fmtTimePtr(entry.ExpiresAt))
	if err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}
	return nil
}

// SweepExpiredCache deletes rows whose expiry has passed.
func (s *Store) SweepExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM facet_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("sweeping cache: %w", err)
	}
	return res.RowsAffected()
}

// RegisterSubscription stores a live-tail registration, refreshing the
// heartbeat if the key already exists.
func (s *Store) RegisterSubscription(ctx context.Context, sub *models.TailSubscription) error {
	filters, err := json.Marshal(sub.Filters.Normalized())
	if err != nil {
		return fmt.Errorf("encoding filters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tail_subscriptions (key, filters, created_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
		sub.Key, string(filters), fmtTime(sub.CreatedAt), fmtTime(sub.LastSeenAt))
	if err != nil {
		return fmt.Errorf("registering subscription: %w", err)
	}
	return nil
}

// UnregisterSubscription removes a registration.
func (s *Store) UnregisterSubscription(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tail_subscriptions WHERE key = ?`, key)
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
		var filters, createdAt, lastSeen string
		if err := rows.Scan(&sub.Key, &filters, &createdAt, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		if err := json.Unmarshal([]byte(filters), &sub.Filters); err != nil {
			return nil, fmt.Errorf("decoding filters: %w", err)
		}
		if sub.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if sub.LastSeenAt, err = parseTime(lastSeen); err != nil {
			return nil, fmt.Errorf("parsing last_seen_at: %w", err)
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

// TouchSubscription refreshes a registration's heartbeat.
func (s *Store) TouchSubscription(ctx context.Context, key string, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tail_subscriptions SET last_seen_at = ? WHERE key = ?`, fmtTime(seenAt), key)
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
		`DELETE FROM tail_subscriptions WHERE last_seen_at < ?`, fmtTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("sweeping subscriptions: %w", err)
	}
	return res.RowsAffected()
}
