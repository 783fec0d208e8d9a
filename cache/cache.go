// Package cache is the Redis-backed domain-model cache: JSON snapshots of
// subscriptions, keyed by subscription id, with strong ETags for
// conditional HTTP responses.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "coreflow:domain:"
	etagKeyPrefix = "coreflow:domain:etag:"

	// ttl bounds staleness when an invalidation is missed.
	ttl = 7 * 24 * time.Hour

	// scanChunk is the SCAN COUNT hint for pattern deletes.
	scanChunk = 5000
)

// Cache caches subscription snapshots in Redis. A disabled Cache (see
// Disabled) accepts every call and never hits the network: a missing cache
// is not an error.
type Cache struct {
	client   redis.UniversalClient
	logger   *slog.Logger
	disabled bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets a structured logger for the cache.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Cache over an existing Redis client. The caller owns the
// client.
func New(client redis.UniversalClient, opts ...Option) *Cache {
	c := &Cache{client: client, logger: nopLogger}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Disabled returns a Cache whose every operation is a no-op. Used when
// domain-model caching is switched off.
func Disabled() *Cache {
	return &Cache{disabled: true, logger: nopLogger}
}

// ETag computes the strong ETag for a snapshot: the hex SHA-256 of its
// canonical JSON. encoding/json sorts map keys, so equal snapshots always
// hash equally.
func ETag(snapshot any) (string, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Set writes a subscription snapshot and its ETag, both with the cache
// TTL.
func (c *Cache) Set(ctx context.Context, subscriptionID string, snapshot any) error {
	if c.disabled {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	sum := sha256.Sum256(payload)
	etag := hex.EncodeToString(sum[:])

	pipe := c.client.Pipeline()
	pipe.Set(ctx, keyPrefix+subscriptionID, payload, ttl)
	pipe.Set(ctx, etagKeyPrefix+subscriptionID, etag, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	c.logger.Debug("cache: snapshot stored", "subscription_id", subscriptionID, "etag", etag)
	return nil
}

// Get loads a snapshot and its ETag. A miss returns ok=false with no
// error.
func (c *Cache) Get(ctx context.Context, subscriptionID string, snapshot any) (etag string, ok bool, err error) {
	if c.disabled {
		return "", false, nil
	}
	payload, err := c.client.Get(ctx, keyPrefix+subscriptionID).Bytes()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	etag, err = c.client.Get(ctx, etagKeyPrefix+subscriptionID).Result()
	if err == redis.Nil {
		etag = ""
	} else if err != nil {
		return "", false, err
	}
	if err := json.Unmarshal(payload, snapshot); err != nil {
		return "", false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return etag, true, nil
}

// Delete removes a subscription's snapshot and ETag.
func (c *Cache) Delete(ctx context.Context, subscriptionID string) error {
	if c.disabled {
		return nil
	}
	return c.client.Del(ctx, keyPrefix+subscriptionID, etagKeyPrefix+subscriptionID).Err()
}

// Invalidating wraps a mutating operation so the subscription's cache
// entries are deleted after it runs, whether or not it succeeded.
// Downstream consumers must never read a snapshot the mutation made stale.
func (c *Cache) Invalidating(subscriptionID string, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		err := fn(ctx)
		if dErr := c.Delete(ctx, subscriptionID); dErr != nil {
			c.logger.Warn("cache: invalidation failed", "subscription_id", subscriptionID, "error", dErr)
		}
		return err
	}
}

// DeleteMatching removes all domain keys matching pattern (e.g. "*"),
// scanning in chunks so large keyspaces never block Redis.
func (c *Cache) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	if c.disabled {
		return 0, nil
	}
	deleted := 0
	for _, prefix := range []string{keyPrefix, etagKeyPrefix} {
		var cursor uint64
		for {
			keys, next, err := c.client.Scan(ctx, cursor, prefix+pattern, scanChunk).Result()
			if err != nil {
				return deleted, err
			}
			if len(keys) > 0 {
				if err := c.client.Del(ctx, keys...).Err(); err != nil {
					return deleted, err
				}
				deleted += len(keys)
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return deleted, nil
}
