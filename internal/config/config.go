// Package config loads server configuration from an optional YAML file with
// environment overrides. The resulting value is passed explicitly to each
// component; nothing reads configuration ambiently at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	// ListenAddr is the address for the combined ingest + API server.
	ListenAddr string `yaml:"listen_addr"`

	// Secret keys the token hashes. Required outside of tests.
	Secret string `yaml:"secret"`

	// MaxBatchSize caps the number of entries in one ingest request.
	MaxBatchSize int `yaml:"max_batch_size"`

	Storage StorageConfig `yaml:"storage"`
	Worker  WorkerConfig  `yaml:"worker"`
	Facet   FacetConfig   `yaml:"facet"`
	Fields  FieldsConfig  `yaml:"fields"`
	Tail    TailConfig    `yaml:"tail"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
	DSN        string `yaml:"dsn"`
}

// WorkerConfig tunes the parse workers.
type WorkerConfig struct {
	// Count is the number of concurrent claim/parse loops.
	Count int `yaml:"count"`

	// BatchSize is the claim limit per poll.
	BatchSize int `yaml:"batch_size"`

	// PollInterval is the delay between claim attempts.
	PollInterval time.Duration `yaml:"poll_interval"`

	// AnalyzeInterval is the delay between field analysis runs.
	AnalyzeInterval time.Duration `yaml:"analyze_interval"`

	// SweepInterval is the delay between cache/subscription sweeps.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// StaleAfter is the age past which a never-claimed row counts as stale.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// FacetConfig tunes the facet cache.
type FacetConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// FieldsConfig tunes the field analyzer.
type FieldsConfig struct {
	// PromotionThreshold is the usage count past which a field qualifies
	// for promotion.
	PromotionThreshold int64 `yaml:"promotion_threshold"`
}

// TailConfig tunes the live tail registry.
type TailConfig struct {
	// SubscriptionTTL is the heartbeat age past which a subscription is
	// swept.
	SubscriptionTTL time.Duration `yaml:"subscription_ttl"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		ListenAddr:   "0.0.0.0:8080",
		MaxBatchSize: 1000,
		Storage: StorageConfig{
			Backend:    "sqlite",
			SQLitePath: "logsift.db",
		},
		Worker: WorkerConfig{
			Count:           2,
			BatchSize:       200,
			PollInterval:    time.Second,
			AnalyzeInterval: time.Minute,
			SweepInterval:   time.Minute,
			StaleAfter:      time.Hour,
		},
		Facet: FacetConfig{
			TTL: 5 * time.Minute,
		},
		Fields: FieldsConfig{
			PromotionThreshold: 1000,
		},
		Tail: TailConfig{
			SubscriptionTTL: 5 * time.Minute,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "LOGSIFT_LISTEN_ADDR")
	setString(&cfg.Secret, "LOGSIFT_SECRET")
	setInt(&cfg.MaxBatchSize, "LOGSIFT_MAX_BATCH_SIZE")
	setString(&cfg.Storage.Backend, "LOGSIFT_STORAGE_BACKEND")
	setString(&cfg.Storage.SQLitePath, "LOGSIFT_SQLITE_PATH")
	setString(&cfg.Storage.DSN, "LOGSIFT_STORAGE_DSN")
	setInt(&cfg.Worker.Count, "LOGSIFT_WORKER_COUNT")
	setInt(&cfg.Worker.BatchSize, "LOGSIFT_WORKER_BATCH_SIZE")
	setDuration(&cfg.Worker.PollInterval, "LOGSIFT_POLL_INTERVAL")
	setDuration(&cfg.Worker.AnalyzeInterval, "LOGSIFT_ANALYZE_INTERVAL")
	setDuration(&cfg.Worker.SweepInterval, "LOGSIFT_SWEEP_INTERVAL")
	setDuration(&cfg.Worker.StaleAfter, "LOGSIFT_STALE_AFTER")
	setDuration(&cfg.Facet.TTL, "LOGSIFT_FACET_TTL")
	setInt64(&cfg.Fields.PromotionThreshold, "LOGSIFT_PROMOTION_THRESHOLD")
	setDuration(&cfg.Tail.SubscriptionTTL, "LOGSIFT_TAIL_SUBSCRIPTION_TTL")
}

func (c Config) validate() error {
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive, got %d", c.MaxBatchSize)
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.Worker.Count)
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker batch_size must be positive, got %d", c.Worker.BatchSize)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
