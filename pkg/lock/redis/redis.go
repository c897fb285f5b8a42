// Package redis provides lock stores backed by Redis.
//
// Three stores are available:
//   - Store uses SET NX PX to create keys and Lua scripts to compare and
//     delete or compare and extend them atomically. It is guarded by a
//     circuit breaker and can optionally fall back to in-process locks while
//     Redis is unavailable (degraded mode).
//   - KV exposes plain commands for servers where scripting is disabled. It
//     must be wrapped with lock.NewFallbackStore.
//   - RedsyncStore delegates to the redsync library on a single pool.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Errors returned by Redis lock stores.
var (
	ErrNoRedisAddrs       = errors.New("at least one Redis address is required")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open: Redis is unavailable")
)

// Config holds the Redis connection configuration.
type Config struct {
	// Addrs is a list of Redis server addresses.
	// For single node: ["localhost:6379"]
	// For cluster: ["node1:6379", "node2:6379", "node3:6379"]
	Addrs []string

	// Username for authentication (optional, required for Redis ACL).
	Username string

	// Password for authentication (optional).
	Password string

	// DB is the Redis database number (0-15). Ignored by cluster clients.
	DB int

	// UseTLS enables TLS connection.
	UseTLS bool

	// PoolSize is the maximum number of socket connections.
	PoolSize int
}

// NewClient connects to Redis and verifies the connection with a PING.
// A cluster client is returned when more than one address is configured.
func NewClient(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, ErrNoRedisAddrs
	}

	opts := &redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewUniversalClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("error connecting to Redis at %s: %w", strings.Join(cfg.Addrs, ","), err)
	}

	zerolog.Ctx(ctx).
		Info().
		Strs("addrs", cfg.Addrs).
		Msg("connected to Redis")

	return client, nil
}

// isConnectionError reports whether err means Redis could not be reached,
// as opposed to a command-level error.
func isConnectionError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()

	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "client is closed") ||
		strings.Contains(errStr, "EOF")
}
