// Package redis backs the daemon's hot-path shared state with go-redis/v9:
// the mark-price cache read by the protective loops, the singleton instance
// lock, and the sliding-window budget for gateway calls.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dkrylov/bybitbot/internal/config"
)

// Client owns the connection pool shared by the price cache, the lock
// manager, and the rate limiter.
type Client struct {
	rdb *redis.Client
}

// Connect opens a pool against the configured Redis instance and verifies it
// with a ping before anything depends on it.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying exposes the raw driver client to the cache, lock, and limiter
// types in this package.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
