// Package ratelimit implements a fixed-window request counter per
// (operation, caller key). Exceeding the limit is reported immediately with a
// retry-after hint; callers are never queued.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"patternscan/internal/config"
	"patternscan/internal/errors"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// Limiter counts requests per window.
type Limiter interface {
	Allow(ctx context.Context, op, key string, limit int) (Decision, error)
}

// windowKey returns rl:{op}:{key}:{window index} and the time left in the window.
func windowKey(op, key string, now time.Time, window time.Duration) (string, time.Duration) {
	size := int64(window / time.Second)
	if size < 1 {
		size = 1
	}
	ts := now.Unix()
	idx := ts / size
	retry := time.Unix((idx+1)*size, 0).Sub(now)
	if retry < time.Millisecond {
		retry = time.Millisecond
	}
	return fmt.Sprintf("rl:%s:%s:%d", op, key, idx), retry
}

func decide(count int64, limit int, retry time.Duration) Decision {
	d := Decision{Count: count, Limit: limit, Allowed: limit <= 0 || count <= int64(limit)}
	if !d.Allowed {
		d.RetryAfter = retry
	}
	return d
}

// Check calls Allow and converts a rejection into a *errors.RateLimitError.
func Check(ctx context.Context, l Limiter, op, key string, limit int) error {
	d, err := l.Allow(ctx, op, key, limit)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return errors.NewRateLimitError(op, key, d.RetryAfter)
	}
	return nil
}

// New builds the configured backend. Redis shares the cache's connection URL.
func New(cfg config.RateLimitConfig, redisURL string) (Limiter, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(cfg.Window), nil
	case "redis":
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		return NewRedis(redis.NewClient(opts), cfg.Window), nil
	default:
		return nil, errors.Wrapf(errors.ErrConfigInvalid, "ratelimit backend %q", cfg.Backend)
	}
}

// Memory is an in-process fixed-window limiter.
type Memory struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	counts  map[string]int64
	expires map[string]time.Time
}

// NewMemory returns a limiter with the given window.
func NewMemory(window time.Duration) *Memory {
	return NewMemoryWithClock(window, time.Now)
}

// NewMemoryWithClock returns a limiter driven by now.
func NewMemoryWithClock(window time.Duration, now func() time.Time) *Memory {
	if window <= 0 {
		window = time.Minute
	}
	return &Memory{
		window:  window,
		now:     now,
		counts:  make(map[string]int64),
		expires: make(map[string]time.Time),
	}
}

func (m *Memory) Allow(_ context.Context, op, key string, limit int) (Decision, error) {
	now := m.now()
	wk, retry := windowKey(op, key, now, m.window)

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, exp := range m.expires {
		if now.After(exp) {
			delete(m.counts, k)
			delete(m.expires, k)
		}
	}
	m.counts[wk]++
	if _, ok := m.expires[wk]; !ok {
		m.expires[wk] = now.Add(m.window)
	}
	return decide(m.counts[wk], limit, retry), nil
}

// Redis is a fixed-window limiter shared across processes.
type Redis struct {
	client *redis.Client
	window time.Duration
	now    func() time.Time
}

// NewRedis returns a limiter backed by client.
func NewRedis(client *redis.Client, window time.Duration) *Redis {
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{client: client, window: window, now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, op, key string, limit int) (Decision, error) {
	wk, retry := windowKey(op, key, r.now(), r.window)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, wk)
	pipe.Expire(ctx, wk, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit counter: %w", err)
	}
	return decide(incr.Val(), limit, retry), nil
}
