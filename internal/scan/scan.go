// Package scan runs one detector across a universe of symbols and ranks the
// setups it finds.
package scan

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"patternscan/internal/analysis/indicators"
	"patternscan/internal/analysis/patterns"
	"patternscan/internal/cache"
	"patternscan/internal/charts"
	"patternscan/internal/config"
	"patternscan/internal/errors"
	"patternscan/internal/logging"
	"patternscan/internal/marketdata"
	"patternscan/internal/metrics"
	"patternscan/internal/models"
	"patternscan/internal/universe"
)

// MaxLimit bounds the number of rows one scan returns.
const MaxLimit = 500

// Request holds the parameters of one scan.
type Request struct {
	Pattern     string  `json:"pattern"`
	Universe    string  `json:"universe"`
	Limit       int     `json:"limit"`
	Timeframe   string  `json:"timeframe"`
	MinPrice    float64 `json:"min_price"`
	MinVolume   float64 `json:"min_volume"`
	MaxATRRatio float64 `json:"max_atr_ratio"`
	Charts      bool    `json:"charts"`
}

// Prefetcher warms the price cache for many symbols at once.
type Prefetcher interface {
	Prefetch(ctx context.Context, symbols []string, period, interval string, minRows int) (int, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Provider  marketdata.Provider
	Registry  *patterns.Registry
	Universes *universe.Resolver
	Cache     cache.Cache
	Charts    *charts.Service
	Metrics   *metrics.Recorder
	Logger    zerolog.Logger
}

// Service is the scan orchestrator.
type Service struct {
	provider  marketdata.Provider
	registry  *patterns.Registry
	universes *universe.Resolver
	cache     cache.Cache
	charts    *charts.Service
	metrics   *metrics.Recorder
	logger    zerolog.Logger

	cfg      config.ScanConfig
	cacheCfg config.CacheConfig
	universe string
}

// New creates a scan service. defaultUniverse is used when a request names none.
func New(deps Deps, cfg config.ScanConfig, cacheCfg config.CacheConfig, defaultUniverse string) *Service {
	if deps.Registry == nil {
		deps.Registry = patterns.NewRegistry(patterns.DefaultVCPConfig())
	}
	if deps.Universes == nil {
		deps.Universes = universe.Builtin()
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemoryCache()
	}
	if cfg.ChartConcurrency <= 0 {
		cfg.ChartConcurrency = 4
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 50
	}
	if defaultUniverse == "" {
		defaultUniverse = "simple"
	}
	return &Service{
		provider:  deps.Provider,
		registry:  deps.Registry,
		universes: deps.Universes,
		cache:     deps.Cache,
		charts:    deps.Charts,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With().Str("component", "scan").Logger(),
		cfg:       cfg,
		cacheCfg:  cacheCfg,
		universe:  defaultUniverse,
	}
}

// normalize fills defaults and raises thresholds to the server minimums.
func (s *Service) normalize(req Request) (Request, Timeframe, error) {
	req.Pattern = strings.ToLower(strings.TrimSpace(req.Pattern))
	if req.Pattern == "" {
		req.Pattern = patterns.VCP
	}
	if _, err := s.registry.Lookup(req.Pattern); err != nil {
		return req, Timeframe{}, err
	}

	tf, err := LookupTimeframe(req.Timeframe, s.cfg)
	if err != nil {
		return req, Timeframe{}, err
	}
	req.Timeframe = tf.Name

	req.Universe = strings.TrimSpace(req.Universe)
	if req.Universe == "" {
		req.Universe = s.universe
	}
	if req.Limit <= 0 {
		req.Limit = s.cfg.DefaultLimit
	}
	req.Limit = min(req.Limit, MaxLimit)

	req.MinPrice = max(req.MinPrice, s.cfg.MinPrice)
	req.MinVolume = max(req.MinVolume, s.cfg.MinVolume)
	if req.MaxATRRatio < 0 {
		req.MaxATRRatio = 0
	}
	return req, tf, nil
}

// Scan detects req.Pattern across the universe and returns the ranked rows.
// Per-symbol failures are skipped; only invalid parameters are errors.
func (s *Service) Scan(ctx context.Context, req Request) (*models.ScanResponse, error) {
	start := time.Now()
	req, tf, err := s.normalize(req)
	if err != nil {
		return nil, err
	}
	logger := logging.WithPattern(logging.FromRequest(ctx, s.logger), req.Pattern)

	respKey := cache.HashKey("scan:resp", req)
	if s.cacheCfg.ResponseTTL > 0 {
		var cached models.ScanResponse
		if err := s.cache.Get(ctx, respKey, &cached); err == nil {
			s.metrics.RecordCache("response", true)
			return &cached, nil
		}
		s.metrics.RecordCache("response", false)
	}

	symbols, err := s.universes.Resolve(req.Universe)
	if err != nil {
		return nil, err
	}
	if len(symbols) > tf.Cap {
		logger.Debug().Int("universe_size", len(symbols)).Int("cap", tf.Cap).Msg("universe truncated")
		symbols = symbols[:tf.Cap]
	}

	s.prefetch(ctx, req.Universe, symbols, tf)

	rows := s.runPool(ctx, req, tf, symbols)
	ranked := rank(rows, req.Limit)

	if req.Charts && s.charts != nil {
		s.enrichCharts(ctx, ranked)
	}

	resp := &models.ScanResponse{
		Pattern:   req.Pattern,
		Universe:  req.Universe,
		Timeframe: req.Timeframe,
		Count:     len(ranked),
		Results:   ranked,
	}
	if s.cacheCfg.ResponseTTL > 0 {
		if err := s.cache.Set(ctx, respKey, resp, s.cacheCfg.ResponseTTL); err != nil {
			logger.Debug().Err(err).Msg("response cache write failed")
		}
	}

	elapsed := time.Since(start)
	s.metrics.RecordScan(req.Pattern, req.Timeframe, elapsed)
	logging.LogScan(logger, req.Pattern, req.Universe, req.Timeframe, resp.Count, elapsed)
	return resp, nil
}

// prefetch warms the price cache at most once per (universe, interval) and
// prefetch TTL.
func (s *Service) prefetch(ctx context.Context, universeSpec string, symbols []string, tf Timeframe) {
	p, ok := s.provider.(Prefetcher)
	if !ok {
		return
	}
	key := cache.HashKey("scan:prefetch:"+tf.Name, universeSpec)
	ttl := s.cacheCfg.PrefetchTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	acquired, err := s.cache.TryLock(ctx, key, ttl)
	if err != nil || !acquired {
		return
	}
	n, err := p.Prefetch(ctx, symbols, tf.Period, tf.Interval, tf.MinBars)
	if err != nil {
		s.logger.Warn().Err(err).Str("universe", universeSpec).Msg("prefetch failed")
		return
	}
	s.logger.Debug().Str("universe", universeSpec).Str("timeframe", tf.Name).Int("refreshed", n).Msg("prefetch done")
}

// workers sizes the pool at ceil(n/4) within [4, 12] unless configured.
func (s *Service) workers(n int) int {
	w := s.cfg.Workers
	if w <= 0 {
		w = min(max((n+3)/4, 4), 12)
	}
	return max(min(w, n), 1)
}

func (s *Service) runPool(ctx context.Context, req Request, tf Timeframe, symbols []string) []models.ScanRow {
	if len(symbols) == 0 {
		return nil
	}

	workChan := make(chan string, len(symbols))
	resultChan := make(chan *models.ScanRow, len(symbols))
	var wg sync.WaitGroup

	for i := 0; i < s.workers(len(symbols)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range workChan {
				select {
				case <-ctx.Done():
					return
				default:
					resultChan <- s.safeScanSymbol(ctx, req, tf, symbol)
				}
			}
		}()
	}

	for _, symbol := range symbols {
		workChan <- symbol
	}
	close(workChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var rows []models.ScanRow
	for row := range resultChan {
		if row != nil {
			rows = append(rows, *row)
		}
	}
	return rows
}

// cachedRow is a per-symbol cache entry. Row is nil when the symbol produced
// no signal.
type cachedRow struct {
	Row    *models.ScanRow `json:"row,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

func (s *Service) rowKey(req Request, tf Timeframe, symbol string) string {
	return cache.Key("scan", "row", req.Pattern, symbol, tf.Name,
		formatThreshold(req.MinPrice), formatThreshold(req.MinVolume), formatThreshold(req.MaxATRRatio))
}

func formatThreshold(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (s *Service) safeScanSymbol(ctx context.Context, req Request, tf Timeframe, symbol string) (row *models.ScanRow) {
	logger := logging.WithSymbol(s.logger, symbol)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("pattern", req.Pattern).Msg("symbol scan panicked")
			s.metrics.RecordDetection(req.Pattern, "error")
			row = nil
		}
	}()

	// Provider failures are not cached so the next scan retries.
	out, hit, err := cache.GetOrCompute(ctx, s.cache, s.rowKey(req, tf, symbol), s.cacheCfg.ResultTTL, func() (cachedRow, error) {
		row, reason, err := s.scanSymbol(ctx, req, tf, symbol)
		return cachedRow{Row: row, Reason: reason}, err
	})
	s.metrics.RecordCache("row", hit)
	switch {
	case hit:
	case err != nil:
		logger.Debug().Err(err).Msg("symbol skipped")
		s.metrics.RecordDetection(req.Pattern, "error")
		return nil
	case out.Row != nil:
		s.metrics.RecordDetection(req.Pattern, "detected")
	default:
		s.metrics.RecordDetection(req.Pattern, "no_signal")
	}
	return out.Row
}

// scanSymbol fetches, filters and detects one symbol. A nil row with a reason
// means no signal.
func (s *Service) scanSymbol(ctx context.Context, req Request, tf Timeframe, symbol string) (*models.ScanRow, string, error) {
	series, err := s.fetch(ctx, symbol, tf)
	if err != nil {
		return nil, "", err
	}
	if reason := filter(series, req, tf, s.cfg.HighBand); reason != "" {
		return nil, reason, nil
	}

	out, err := s.registry.Detect(req.Pattern, series, symbol, tf.Name)
	if err != nil {
		return nil, "", err
	}
	if !out.Detected() {
		return nil, string(out.Reason), nil
	}

	closes, vols := series.Closes(), series.Volumes()
	row := &models.ScanRow{
		PatternResult: *out.Result,
		Symbol:        symbol,
		Timeframe:     tf.Name,
		AvgPrice:      round(indicators.TailMean(closes, 50), 4),
		AvgVolume:     round(indicators.TailMean(vols, 50), 0),
		ATR14:         round(indicators.ATR14(series.Bars), 4),
		Sector:        s.universes.Sector(symbol),
	}
	return row, "", nil
}

func (s *Service) fetch(ctx context.Context, symbol string, tf Timeframe) (models.PriceSeries, error) {
	if s.provider == nil {
		return models.PriceSeries{}, errors.Wrap(errors.ErrUnsupportedProvider, "no price provider configured")
	}
	series, err := s.provider.Fetch(ctx, symbol, tf.Period, tf.Interval)
	if err != nil {
		return models.PriceSeries{}, err
	}
	if tf.Weekly {
		series = marketdata.ResampleWeekly(series)
	}
	return series, nil
}

// filter applies the minimum history, liquidity, 52-week and ATR filters.
// It returns the rejection reason or "".
func filter(series models.PriceSeries, req Request, tf Timeframe, band float64) string {
	if series.Len() < tf.MinBars {
		return string(patterns.ReasonInsufficientData)
	}
	last := series.Last().Close
	if last < req.MinPrice {
		return "below min price"
	}
	if indicators.TailMean(series.Volumes(), 50) < req.MinVolume {
		return "below min volume"
	}
	if band > 0 {
		high := indicators.Highest(series.Tail(tf.YearBars).Highs())
		if !patterns.Within52WeekBand(last, high, band) {
			return "too far below 52-week high"
		}
	}
	if req.MaxATRRatio > 0 {
		if atr := indicators.ATR14(series.Bars); atr/last > req.MaxATRRatio {
			return "atr ratio above max"
		}
	}
	return ""
}

// rank keeps rows with a nonzero score, best first, trimmed to limit.
func rank(rows []models.ScanRow, limit int) []models.ScanRow {
	out := make([]models.ScanRow, 0, len(rows))
	for _, r := range rows {
		if r.Score > 0 {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Symbol < out[j].Symbol
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// enrichCharts renders charts for the ranked rows with bounded concurrency.
func (s *Service) enrichCharts(ctx context.Context, rows []models.ScanRow) {
	p := pool.New().WithMaxGoroutines(s.cfg.ChartConcurrency)
	for i := range rows {
		i := i
		p.Go(func() {
			overlays := rows[i].Overlays
			u, meta := s.charts.URL(ctx, rows[i].Symbol, &overlays)
			rows[i].ChartURL = u
			if meta.Fallback {
				s.logger.Debug().Str("symbol", rows[i].Symbol).Int64("latency_ms", meta.LatencyMS).Msg("chart fallback")
			}
		})
	}
	p.Wait()
}

// Detection is the outcome of one detector on one symbol.
type Detection struct {
	Pattern   string                `json:"pattern"`
	Symbol    string                `json:"symbol"`
	Timeframe string                `json:"timeframe"`
	Detected  bool                  `json:"detected"`
	Reason    string                `json:"reason,omitempty"`
	Detail    string                `json:"detail,omitempty"`
	Bars      int                   `json:"bars"`
	Result    *models.PatternResult `json:"result,omitempty"`
}

// Detect runs one detector on one symbol without the scan filters. Fetch
// failures are returned.
func (s *Service) Detect(ctx context.Context, pattern, symbol, timeframe string) (*Detection, error) {
	req, tf, err := s.normalize(Request{Pattern: pattern, Timeframe: timeframe})
	if err != nil {
		return nil, err
	}
	syms := universe.Normalize([]string{symbol})
	if len(syms) != 1 {
		return nil, errors.NewValidationError("symbol", symbol, "invalid symbol")
	}
	symbol = syms[0]

	series, err := s.fetch(ctx, symbol, tf)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", symbol, err)
	}
	out, err := s.registry.Detect(req.Pattern, series, symbol, tf.Name)
	if err != nil {
		return nil, err
	}
	return &Detection{
		Pattern:   req.Pattern,
		Symbol:    symbol,
		Timeframe: tf.Name,
		Detected:  out.Detected(),
		Reason:    string(out.Reason),
		Detail:    out.Detail,
		Bars:      series.Len(),
		Result:    out.Result,
	}, nil
}

func round(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
