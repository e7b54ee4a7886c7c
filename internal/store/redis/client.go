// Package redis implements the pending store and the lifecycle lock manager
// on go-redis/v9. Redis gives atomic per-key operations, which makes it the
// production choice for the correlation store shared by the supervisor and
// the correlator.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds the connection parameters the pending store and the lock
// manager share.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Client owns the shared connection pool. PendingStore and LockManager are
// built on it through Underlying; it carries no other surface.
type Client struct {
	rdb *redis.Client
}

// New connects, verifies reachability with a ping, and returns the shared
// client. The caller is responsible for Close.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
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
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying exposes the driver client to the store and lock sub-types.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
