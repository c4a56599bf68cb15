// Package storage provides storage implementations for the log pipeline.
package storage

import (
	"fmt"
	"log/slog"

	"github.com/solhall/logsift/internal/storage/memory"
	"github.com/solhall/logsift/internal/storage/mysql"
	"github.com/solhall/logsift/internal/storage/postgres"
	"github.com/solhall/logsift/internal/storage/sqlite"
)

// Config holds storage configuration.
type Config struct {
	// Backend selects the storage backend: "memory", "sqlite",
	// "postgres" or "mysql".
	Backend string

	// SQLitePath is the database file path for the sqlite backend.
	SQLitePath string

	// DSN is the connection string for the postgres and mysql backends.
	DSN string
}

// DefaultConfig returns default storage configuration.
func DefaultConfig() Config {
	return Config{
		Backend:    "sqlite",
		SQLitePath: "logsift.db",
	}
}

// New creates a storage implementation based on configuration. The claim
// strategy comes with the backend: sqlite claims with a single conditional
// bulk update, postgres and mysql with row-skip locking.
func New(cfg Config, logger *slog.Logger) (Storage, error) {
	switch cfg.Backend {
	case "memory":
		logger.Info("using in-memory storage")
		return memory.New(), nil

	case "sqlite":
		logger.Info("using sqlite storage", "path", cfg.SQLitePath)
		store, err := sqlite.New(sqlite.Config{DBPath: cfg.SQLitePath})
		if err != nil {
			return nil, err
		}
		return store, nil

	case "postgres":
		logger.Info("using postgres storage")
		store, err := postgres.New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil

	case "mysql":
		logger.Info("using mysql storage")
		store, err := mysql.New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: memory, sqlite, postgres, mysql)", cfg.Backend)
	}
}
