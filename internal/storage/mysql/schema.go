package mysql

// Schema statements are applied one at a time at open; the driver does not
// enable multi-statements by default.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tokens (
		id           VARCHAR(36) PRIMARY KEY,
		name         VARCHAR(255) NOT NULL,
		token_hash   VARCHAR(64) NOT NULL,
		created_at   DATETIME(6) NOT NULL,
		last_used_at DATETIME(6),
		UNIQUE KEY uniq_tokens_hash (token_hash)
	)`,

	`CREATE TABLE IF NOT EXISTS raw_entries (
		id          BIGINT AUTO_INCREMENT PRIMARY KEY,
		token_id    VARCHAR(36),
		raw_payload MEDIUMTEXT NOT NULL,
		received_at DATETIME(6) NOT NULL,
		parsed      TINYINT(1) NOT NULL DEFAULT 0,
		parsed_at   DATETIME(6),
		KEY idx_raw_entries_parsed_received (parsed, received_at)
	)`,

	`CREATE TABLE IF NOT EXISTS entries (
		id           BIGINT AUTO_INCREMENT PRIMARY KEY,
		raw_entry_id BIGINT NOT NULL,
		ts           DATETIME(6) NOT NULL,
		level        VARCHAR(64) NOT NULL DEFAULT '',
		message      TEXT NOT NULL,
		extra_fields JSON NOT NULL,
		UNIQUE KEY uniq_entries_raw (raw_entry_id),
		KEY idx_entries_ts (ts),
		KEY idx_entries_level (level)
	)`,

	`CREATE TABLE IF NOT EXISTS fields (
		id           BIGINT AUTO_INCREMENT PRIMARY KEY,
		name         VARCHAR(255) NOT NULL,
		field_type   VARCHAR(16) NOT NULL,
		usage_count  BIGINT NOT NULL DEFAULT 0,
		promoted     TINYINT(1) NOT NULL DEFAULT 0,
		filter_type  VARCHAR(32) NOT NULL DEFAULT '',
		last_seen_at DATETIME(6) NOT NULL,
		UNIQUE KEY uniq_fields_name (name)
	)`,

	`CREATE TABLE IF NOT EXISTS facet_cache (
		cache_key   VARCHAR(64) PRIMARY KEY,
		cache_value MEDIUMTEXT NOT NULL,
		expires_at  DATETIME(6),
		KEY idx_facet_cache_expires (expires_at)
	)`,

	`CREATE TABLE IF NOT EXISTS tail_subscriptions (
		` + "`key`" + `      VARCHAR(64) PRIMARY KEY,
		filters      JSON NOT NULL,
		created_at   DATETIME(6) NOT NULL,
		last_seen_at DATETIME(6) NOT NULL
	)`,
}
