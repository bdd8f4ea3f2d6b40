package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keygate/keygate/internal/config"
	"github.com/rs/zerolog/log"
)

// DB wraps the pgx pool shared by the key store, the API store and
// the counter fallback paths.
type DB struct {
	Pool *pgxpool.Pool
}

// New opens the pool and verifies connectivity before returning.
// Sizing comes from configuration: verification traffic is read-heavy
// with short queries, so the defaults are far smaller than a
// write-heavy service would want.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	log.Info().
		Int("max_conns", cfg.MaxConns).
		Int("min_conns", cfg.MinConns).
		Msg("Database pool ready")

	return &DB{Pool: pool}, nil
}

// Close releases all pool connections.
func (db *DB) Close() {
	db.Pool.Close()
	log.Info().Msg("Database pool closed")
}

// Health reports whether the store answers a ping.
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
