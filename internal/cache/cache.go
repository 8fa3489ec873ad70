// Package cache provides the result cache shared by scans and backtests.
//
// Values are stored as JSON so every backend returns byte-identical payloads
// for the same entry.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"patternscan/internal/config"
	"patternscan/internal/errors"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.ErrCacheMiss

// Cache defines the cache operations used by the orchestrator.
type Cache interface {
	// Get decodes the stored value into dest or returns ErrCacheMiss.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores value for ttl. A non-positive ttl keeps the entry until evicted.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// TryLock sets key only if it is absent, returning whether it was set.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
	Close() error
}

// New builds the configured backend.
func New(cfg config.CacheConfig) (Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryCache(WithMaxSize(cfg.MaxEntries)), nil
	case "redis":
		return NewRedisCache(cfg.RedisURL, cfg.Prefix)
	default:
		return nil, errors.Wrapf(errors.ErrConfigInvalid, "cache backend %q", cfg.Backend)
	}
}

// GetOrCompute returns the cached value for key, or computes, stores and
// returns it. Concurrent misses may both compute; the last write wins.
func GetOrCompute[T any](ctx context.Context, c Cache, key string, ttl time.Duration, fn func() (T, error)) (T, bool, error) {
	var v T
	if err := c.Get(ctx, key, &v); err == nil {
		return v, true, nil
	}
	v, err := fn()
	if err != nil {
		return v, false, err
	}
	// Cache write failures only cost a recomputation.
	_ = c.Set(ctx, key, v, ttl)
	return v, false, nil
}

// Key joins parts into a colon-separated key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// HashKey returns prefix:sha1(json(params)) for whole-request keys.
func HashKey(prefix string, params interface{}) string {
	b, err := json.Marshal(params)
	if err != nil {
		b = []byte(fmt.Sprint(params))
	}
	sum := sha1.Sum(b)
	return prefix + ":" + hex.EncodeToString(sum[:])
}

func encode(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return json.Marshal(v)
	default:
		return json.Marshal(value)
	}
}

func decode(data []byte, dest interface{}) error {
	if b, ok := dest.(*[]byte); ok {
		*b = append((*b)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, dest)
}
