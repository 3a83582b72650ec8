// Package instrumentcache caches the broker's tradable universe in Redis
// so every run initialization does not refetch the full instrument list.
package instrumentcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BelDim04/invest-alphas/internal/broker"
)

const (
	instrumentsKey = "instruments"
	defaultTTL     = 5 * time.Minute
)

// Cache is a TTL-bounded JSON cache of []broker.Instrument.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a Cache on its own Redis connection.
func New(addr, password string, db int, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl:    defaultTTL,
		logger: logger,
	}
}

// HealthCheck verifies Redis connectivity.
func (c *Cache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Get returns the cached instrument list, or (nil, nil) on a cache miss.
func (c *Cache) Get(ctx context.Context) ([]broker.Instrument, error) {
	data, err := c.client.Get(ctx, instrumentsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading instrument cache: %w", err)
	}

	var instruments []broker.Instrument
	if err := json.Unmarshal(data, &instruments); err != nil {
		return nil, fmt.Errorf("invalid instrument data in cache: %w", err)
	}
	return instruments, nil
}

// Set stores the instrument list with the cache TTL.
func (c *Cache) Set(ctx context.Context, instruments []broker.Instrument) error {
	data, err := json.Marshal(instruments)
	if err != nil {
		return fmt.Errorf("serializing instruments: %w", err)
	}
	if err := c.client.Set(ctx, instrumentsKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing instrument cache: %w", err)
	}
	c.logger.Debug("Cached instrument list", "count", len(instruments), "ttl", c.ttl)
	return nil
}

// Invalidate drops the cached list.
func (c *Cache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, instrumentsKey).Err(); err != nil {
		return fmt.Errorf("invalidating instrument cache: %w", err)
	}
	return nil
}
