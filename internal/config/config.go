// Package config loads the engine's own configuration - dataset location,
// which attributes get a dedicated index, and the ingestion/persistence
// tuning knobs (§6.4). It intentionally says nothing about the host
// application's configuration format; that is an explicit Non-goal.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the engine's own tuning surface. Durations are configured in
// milliseconds - yaml.v2 has no native time.Duration decoding, and the
// teacher's own YAML configs (service_discovery/global) stick to plain
// scalar fields rather than custom unmarshalers.
type Config struct {
	DatasetPath              string   `yaml:"dataset_path"`
	Backend                  string   `yaml:"backend"`
	IndexedAttributes        []string `yaml:"indexed_attributes"`
	PendingParentCapacity    int      `yaml:"pending_parent_capacity"`
	PendingParentTTLMillis   int      `yaml:"pending_parent_ttl_ms"`
	PersistBatchBytes        int      `yaml:"persist_batch_bytes"`
	PersistBatchMaxAgeMillis int      `yaml:"persist_batch_max_age_ms"`
}

// Recognized Backend values. Sqlite is the default: it is pure Go and
// always available, unlike Duckdb which requires a cgo-enabled build.
const (
	BackendSQLite = "sqlite"
	BackendDuckDB = "duckdb"
)

func (c Config) PendingParentTTL() time.Duration {
	return time.Duration(c.PendingParentTTLMillis) * time.Millisecond
}

func (c Config) PersistBatchMaxAge() time.Duration {
	return time.Duration(c.PersistBatchMaxAgeMillis) * time.Millisecond
}

// Default matches the size/latency figures §4.8 gives as an example
// (<=8MiB or <=100ms per batch).
func Default() Config {
	return Config{
		Backend:                  BackendSQLite,
		PendingParentCapacity:    4096,
		PendingParentTTLMillis:   30_000,
		PersistBatchBytes:        8 << 20,
		PersistBatchMaxAgeMillis: 100,
	}
}

// Load reads and parses a YAML config file, filling in defaults for any
// field the file does not set.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.DatasetPath == "" {
		return Config{}, fmt.Errorf("config %s: dataset_path is required", path)
	}
	if cfg.Backend != BackendSQLite && cfg.Backend != BackendDuckDB {
		return Config{}, fmt.Errorf("config %s: unrecognized backend %q", path, cfg.Backend)
	}
	return cfg, nil
}
