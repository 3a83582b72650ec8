// Package db constructs the pgx pool shared by the forward-test
// repositories.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connections are mostly idle between driver ticks; recycle them on a
// longer cycle than the poll interval so a tick never pays reconnect cost.
const (
	connLifetime = time.Hour
	connIdleTime = 10 * time.Minute
)

// NewPool opens a pgx pool for the forward-test store and verifies it with
// a ping, so a bad DSN fails at startup rather than on the first tick.
func NewPool(ctx context.Context, connStr string, maxConns, minConns int32, logger *slog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.MaxConnLifetime = connLifetime
	cfg.MaxConnIdleTime = connIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("Forward-test store connected", "max_conns", maxConns, "min_conns", minConns)
	return pool, nil
}
