// Package store opens the ledger backend selected by configuration.
package store

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/nvqanh/sochitieu/pkg/api"
	"github.com/nvqanh/sochitieu/pkg/config"
	"github.com/nvqanh/sochitieu/pkg/ledger/postgres"
	"github.com/nvqanh/sochitieu/pkg/ledger/remote"
	"github.com/nvqanh/sochitieu/pkg/ledger/sqlite"
)

// Open builds the api.Ledger named by cfg.Store. The caller owns the
// returned ledger and must Close it.
func Open(cfg config.Config, loc *time.Location, logger *slog.Logger) (api.Ledger, error) {
	switch cfg.Store {
	case "sqlite":
		st, err := sqlite.New(sqlite.Config{
			Path:     cfg.SQLitePath,
			TimeZone: loc,
			LockWait: cfg.LockWait(),
		}, logger)
		if err != nil {
			return nil, errors.Wrap(err, "opening sqlite ledger")
		}
		return st, nil

	case "postgres":
		st, err := postgres.New(postgres.Config{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			TimeZone: loc,
			LockWait: cfg.LockWait(),
		}, logger)
		if err != nil {
			return nil, errors.Wrap(err, "opening postgres ledger")
		}
		return st, nil

	case "remote":
		if cfg.RemoteURL == "" {
			return nil, errors.New("SOCHITIEU_REMOTE_URL is required for the remote backend")
		}
		st, err := remote.New(remote.Config{
			BaseURL: cfg.RemoteURL,
			APIKey:  cfg.APIKey,
		}, logger)
		if err != nil {
			return nil, errors.Wrap(err, "opening remote ledger")
		}
		return st, nil

	default:
		return nil, errors.Errorf("unknown store backend %q", cfg.Store)
	}
}
