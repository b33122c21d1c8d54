// Package database owns the PostgreSQL connection pool behind the
// meter, bucket and rate-table stores. Every ingest holds a pooled
// connection for one short row-locked transaction, so the pool is
// sized from config rather than left at pgx defaults.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridpulse/metering-plane/internal/config"
)

const connectTimeout = 5 * time.Second

// Database wraps a pgx connection pool.
type Database struct {
	Pool *pgxpool.Pool
}

// NewDatabase opens the pool and verifies connectivity before
// returning, so a bad DSN fails at startup rather than on the first
// sample.
func NewDatabase(cfg config.DatabaseConfig) (*Database, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &Database{Pool: pool}, nil
}

// Close releases the pool.
func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Health pings the pool for the readiness probe.
func (db *Database) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
