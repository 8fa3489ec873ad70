package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"patternscan/internal/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type row struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
}

func TestMemoryCacheRoundTripAndExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
	c := NewMemoryCache(WithClock(clock.Now))
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "vcp:AAPL", row{"AAPL", 81.5}, time.Minute); err != nil {
		t.Fatal(err)
	}
	var got row
	if err := c.Get(ctx, "vcp:AAPL", &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != (row{"AAPL", 81.5}) {
		t.Errorf("Get() = %+v", got)
	}

	clock.Advance(2 * time.Minute)
	if err := c.Get(ctx, "vcp:AAPL", &got); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("after ttl Get() = %v, want ErrCacheMiss", err)
	}
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
	c := NewMemoryCache(WithMaxSize(2), WithClock(clock.Now))
	defer c.Close()
	ctx := context.Background()

	_ = c.Set(ctx, "a", 1, 0)
	clock.Advance(time.Second)
	_ = c.Set(ctx, "b", 2, 0)
	clock.Advance(time.Second)
	var v int
	_ = c.Get(ctx, "a", &v) // a is now more recent than b
	clock.Advance(time.Second)
	_ = c.Set(ctx, "c", 3, 0)

	if err := c.Get(ctx, "b", &v); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("b should be evicted, got %v", err)
	}
	if err := c.Get(ctx, "a", &v); err != nil || v != 1 {
		t.Errorf("a = %d, %v", v, err)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestMemoryCacheRawBytesAreIdentical(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	_ = c.Set(ctx, "resp", []row{{"MSFT", 70}, {"NVDA", 90}}, time.Minute)
	var first, second []byte
	if err := c.Get(ctx, "resp", &first); err != nil {
		t.Fatal(err)
	}
	if err := c.Get(ctx, "resp", &second); err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) || len(first) == 0 {
		t.Errorf("payloads differ: %s vs %s", first, second)
	}
}

func TestTryLock(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
	c := NewMemoryCache(WithClock(clock.Now))
	defer c.Close()
	ctx := context.Background()

	if ok, _ := c.TryLock(ctx, "prefetch:sp500:1d", time.Minute); !ok {
		t.Fatal("first TryLock failed")
	}
	if ok, _ := c.TryLock(ctx, "prefetch:sp500:1d", time.Minute); ok {
		t.Error("second TryLock succeeded while held")
	}
	clock.Advance(61 * time.Second)
	if ok, _ := c.TryLock(ctx, "prefetch:sp500:1d", time.Minute); !ok {
		t.Error("TryLock after expiry failed")
	}
	_ = c.Unlock(ctx, "prefetch:sp500:1d")
	if ok, _ := c.TryLock(ctx, "prefetch:sp500:1d", time.Minute); !ok {
		t.Error("TryLock after Unlock failed")
	}
}

func TestGetOrCompute(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()
	calls := 0
	compute := func() (row, error) {
		calls++
		return row{"AMD", 66}, nil
	}

	v, hit, err := GetOrCompute(ctx, c, "k", time.Minute, compute)
	if err != nil || hit || v.Symbol != "AMD" {
		t.Fatalf("first call = %+v hit=%v err=%v", v, hit, err)
	}
	v, hit, _ = GetOrCompute(ctx, c, "k", time.Minute, compute)
	if !hit || v.Score != 66 || calls != 1 {
		t.Errorf("second call = %+v hit=%v calls=%d", v, hit, calls)
	}

	boom := errors.New("boom")
	if _, _, err := GetOrCompute(ctx, c, "other", time.Minute, func() (row, error) { return row{}, boom }); !errors.Is(err, boom) {
		t.Errorf("error not propagated: %v", err)
	}
	var r row
	if err := c.Get(ctx, "other", &r); !errors.Is(err, ErrCacheMiss) {
		t.Error("failed computation was cached")
	}
}

func TestHashKeyIsStable(t *testing.T) {
	a := HashKey("scan", map[string]any{"pattern": "vcp", "limit": 25})
	b := HashKey("scan", map[string]any{"limit": 25, "pattern": "vcp"})
	if a != b {
		t.Errorf("HashKey depends on map order: %s %s", a, b)
	}
	if a == HashKey("scan", map[string]any{"pattern": "vcp", "limit": 26}) {
		t.Error("different params hash equal")
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	if _, err := New(config.CacheConfig{Backend: "memcached"}); err == nil {
		t.Error("New() accepted unknown backend")
	}
	c, err := New(config.CacheConfig{Backend: "memory", MaxEntries: 10})
	if err != nil {
		t.Fatal(err)
	}
	c.Close()
}
