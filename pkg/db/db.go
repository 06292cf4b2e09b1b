package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig overrides the pool limits. Zero values keep the defaults.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

func Connect(ctx context.Context, dsn string, pc PoolConfig) (*pgxpool.Pool, error) {
	const op = "db.Connect"

	if dsn == "" {
		return nil, fmt.Errorf("%s: %w", op, errors.New("database url is required"))
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	if pc.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = pc.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: ping failed: %w", op, err)
	}
	return pool, nil
}

func MustConnect(ctx context.Context, dsn string, pc PoolConfig) *pgxpool.Pool {
	pool, err := Connect(ctx, dsn, pc)
	if err != nil {
		panic(err)
	}
	return pool
}
