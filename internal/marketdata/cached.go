package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"patternscan/internal/models"
	"patternscan/internal/store"
	"patternscan/pkg/utils"
)

// coverageSlack is how far after the requested period start the oldest stored
// bar may be and still count as covering the period (weekends, holidays).
const coverageSlack = 7 * 24 * time.Hour

// CachedConfig configures CachedProvider.
type CachedConfig struct {
	MaxStaleDays  int
	MinRows       int
	PrefetchBatch int
}

// CachedProvider serves series from the on-disk store and refreshes them
// from the upstream provider when they are stale.
type CachedProvider struct {
	upstream Provider
	store    store.CandleStore
	cfg      CachedConfig
	logger   zerolog.Logger
	now      func() time.Time

	// listedFrom remembers the first bar the upstream has for a key when it
	// returned less history than asked for.
	mu         sync.Mutex
	listedFrom map[string]time.Time
}

// NewCachedProvider wraps upstream with a disk cache.
func NewCachedProvider(upstream Provider, st store.CandleStore, cfg CachedConfig, logger zerolog.Logger) *CachedProvider {
	return &CachedProvider{
		upstream:   upstream,
		store:      st,
		cfg:        cfg,
		logger:     logger.With().Str("component", "price_cache").Logger(),
		now:        time.Now,
		listedFrom: make(map[string]time.Time),
	}
}

func (c *CachedProvider) Name() string { return c.upstream.Name() }

// Fetch returns the cached series when fresh, otherwise refetches it. When the
// refetch fails and stale rows exist, the stale series is served.
func (c *CachedProvider) Fetch(ctx context.Context, symbol, period, interval string) (models.PriceSeries, error) {
	from, err := PeriodStart(period, c.now())
	if err != nil {
		return models.PriceSeries{}, err
	}

	fresh, cov := c.fresh(ctx, symbol, interval, from, c.cfg.MinRows)
	if fresh {
		return c.load(ctx, symbol, interval, from)
	}

	s, err := c.upstream.Fetch(ctx, symbol, period, interval)
	if err != nil {
		if cov.Rows > 0 {
			c.logger.Warn().Err(err).Str("symbol", symbol).Str("interval", interval).
				Time("last_bar", cov.Last).Msg("serving stale cache")
			return c.load(ctx, symbol, interval, from)
		}
		return models.PriceSeries{}, err
	}
	c.save(ctx, symbol, interval, from, s)
	return s, nil
}

// Refresh refetches unconditionally.
func (c *CachedProvider) Refresh(ctx context.Context, symbol, period, interval string) (models.PriceSeries, error) {
	from, err := PeriodStart(period, c.now())
	if err != nil {
		return models.PriceSeries{}, err
	}
	s, err := c.upstream.Fetch(ctx, symbol, period, interval)
	if err != nil {
		return models.PriceSeries{}, err
	}
	c.save(ctx, symbol, interval, from, s)
	return s, nil
}

// Prefetch refreshes every symbol whose cache is stale or shorter than
// minRows, in bulk batches. It returns the number of symbols refreshed.
func (c *CachedProvider) Prefetch(ctx context.Context, symbols []string, period, interval string, minRows int) (int, error) {
	from, err := PeriodStart(period, c.now())
	if err != nil {
		return 0, err
	}
	if minRows < c.cfg.MinRows {
		minRows = c.cfg.MinRows
	}

	var stale []string
	for _, sym := range symbols {
		if ok, _ := c.fresh(ctx, sym, interval, from, minRows); !ok {
			stale = append(stale, sym)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	got := FetchMany(ctx, c.upstream, stale, period, interval, FetchOptions{
		BatchSize: c.cfg.PrefetchBatch,
		Logger:    c.logger,
	})
	for sym, s := range got {
		c.save(ctx, sym, interval, from, s)
	}
	c.logger.Debug().Int("requested", len(symbols)).Int("stale", len(stale)).
		Int("refreshed", len(got)).Str("interval", interval).Msg("prefetch complete")
	return len(got), nil
}

func (c *CachedProvider) fresh(ctx context.Context, symbol, interval string, from time.Time, minRows int) (bool, store.Coverage) {
	cov, err := c.store.Coverage(ctx, symbol, interval)
	if err != nil || cov.Rows == 0 {
		return false, cov
	}
	if minRows > 0 && cov.Rows < minRows {
		return false, cov
	}

	need := from
	c.mu.Lock()
	if listed, ok := c.listedFrom[symbol+"|"+interval]; ok && listed.After(need) {
		need = listed
	}
	c.mu.Unlock()
	if cov.First.Sub(need) > coverageSlack {
		return false, cov
	}

	return utils.TradingDaysSince(cov.Last, c.now()) <= c.cfg.MaxStaleDays, cov
}

func (c *CachedProvider) load(ctx context.Context, symbol, interval string, from time.Time) (models.PriceSeries, error) {
	bars, err := c.store.GetBars(ctx, symbol, interval, from, time.Time{})
	if err != nil {
		return models.PriceSeries{}, err
	}
	return models.NewPriceSeries(symbol, interval, bars), nil
}

func (c *CachedProvider) save(ctx context.Context, symbol, interval string, from time.Time, s models.PriceSeries) {
	if s.Len() == 0 {
		return
	}
	if first := s.Bars[0].Date; first.Sub(from) > coverageSlack {
		c.mu.Lock()
		c.listedFrom[symbol+"|"+interval] = first
		c.mu.Unlock()
	}
	if err := c.store.SaveBars(ctx, symbol, interval, s.Bars); err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Str("interval", interval).Msg("cache write failed")
	}
}
