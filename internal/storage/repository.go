package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"gold-price-alerts/internal/config"
)

// Backend names accepted by storage.backend.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Open builds the History selected by storage.backend.
func Open(ctx context.Context, cfg config.StorageConfig, db config.DatabaseConfig, logger zerolog.Logger) (History, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	logger.Debug().Str("backend", backend).Int("retention", cfg.Retention).Msg("opening history store")

	switch backend {
	case "", BackendFile:
		store, err := NewFileStore(cfg.Path, cfg.Retention, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendSQLite:
		store, err := NewSQLiteStore(ctx, cfg.Path, cfg.Retention)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendPostgres:
		pool, err := NewPool(ctx, db)
		if err != nil {
			return nil, err
		}
		store, err := NewPGStore(ctx, pool, cfg.Retention)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	case BackendMemory:
		return NewMemoryStore(cfg.Retention), nil
	default:
		return nil, fmt.Errorf("unknown storage.backend %q", cfg.Backend)
	}
}
