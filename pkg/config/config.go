// Package config holds application configuration loaded from environment
// variables via koanf.
package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// DefaultTimeZone is used when SOCHITIEU_TZ is unset. Dates and capture
// times are resolved in this zone.
const DefaultTimeZone = "Asia/Ho_Chi_Minh"

// Config holds the application configuration loaded from environment variables.
type Config struct {
	// Store selects the ledger backend: "postgres", "sqlite" or "remote".
	// Environment variable: SOCHITIEU_STORE
	Store string `koanf:"SOCHITIEU_STORE"`

	// TimeZone is the IANA zone used for "today" defaults.
	// Environment variable: SOCHITIEU_TZ
	TimeZone string `koanf:"SOCHITIEU_TZ"`

	// APIKey gates the HTTP API and the remote ledger client.
	// Environment variable: SOCHITIEU_API_KEY
	APIKey string `koanf:"SOCHITIEU_API_KEY"`

	// HTTPAddr is the listen address for the serve command.
	// Environment variable: SOCHITIEU_HTTP_ADDR
	HTTPAddr string `koanf:"SOCHITIEU_HTTP_ADDR"`

	// LockWaitMS bounds the wait for the dedup-check-then-insert critical
	// section, in milliseconds. Environment variable: SOCHITIEU_LOCK_WAIT_MS
	LockWaitMS int `koanf:"SOCHITIEU_LOCK_WAIT_MS"`

	// ScanIntervalSec is the interval between ingestion sweeps.
	// Environment variable: SOCHITIEU_SCAN_INTERVAL_SEC
	ScanIntervalSec int `koanf:"SOCHITIEU_SCAN_INTERVAL_SEC"`

	// SQLitePath is the database file for the sqlite backend.
	// Environment variable: SOCHITIEU_SQLITE_PATH
	SQLitePath string `koanf:"SOCHITIEU_SQLITE_PATH"`

	// RemoteURL is the base URL for the remote ledger backend.
	// Environment variable: SOCHITIEU_REMOTE_URL
	RemoteURL string `koanf:"SOCHITIEU_REMOTE_URL"`

	// SpoolPath is the JSON-lines file the scanner sweeps.
	// Environment variable: SOCHITIEU_SPOOL_PATH
	SpoolPath string `koanf:"SOCHITIEU_SPOOL_PATH"`

	// ScanUser is the user id swept records are committed under.
	// Environment variable: SOCHITIEU_SCAN_USER
	ScanUser string `koanf:"SOCHITIEU_SCAN_USER"`

	Postgres PostgresConfig
}

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host     string `koanf:"POSTGRES_HOST"`
	Port     int    `koanf:"POSTGRES_PORT"`
	Database string `koanf:"POSTGRES_DB"`
	User     string `koanf:"POSTGRES_USER"`
	Password string `koanf:"POSTGRES_PASSWORD"`
	SSLMode  string `koanf:"POSTGRES_SSLMODE"`
}

// Load reads configuration from the environment and applies defaults.
func Load() (Config, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", nil), nil); err != nil {
		return Config{}, fmt.Errorf("loading config from environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf", FlatPaths: true}); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Store == "" {
		cfg.Store = "sqlite"
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = DefaultTimeZone
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.LockWaitMS <= 0 {
		cfg.LockWaitMS = 2000
	}
	if cfg.ScanIntervalSec <= 0 {
		cfg.ScanIntervalSec = 300
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "data/sochitieu.db"
	}
	if cfg.SpoolPath == "" {
		cfg.SpoolPath = "data/spool.jsonl"
	}

	return cfg, nil
}

// Location resolves the configured time zone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("loading time zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// LockWait returns the critical-section wait bound as a duration.
func (c Config) LockWait() time.Duration {
	return time.Duration(c.LockWaitMS) * time.Millisecond
}
