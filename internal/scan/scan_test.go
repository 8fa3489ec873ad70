package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"patternscan/internal/cache"
	"patternscan/internal/charts"
	"patternscan/internal/config"
	"patternscan/internal/errors"
	"patternscan/internal/marketdata"
	"patternscan/internal/metrics"
	"patternscan/internal/models"
)

func linspace(a, b float64, n int) []float64 {
	out := make([]float64, n)
	step := (b - a) / float64(n-1)
	for i := range out {
		out[i] = a + step*float64(i)
	}
	return out
}

// vcpBars builds a 200-bar uptrend with three tightening contractions and a
// volume dry-up over the last ten bars, with prices multiplied by scale.
func vcpBars(scale float64) []models.PriceBar {
	var closes []float64
	for _, seg := range [][]float64{
		linspace(50, 100, 120),
		linspace(100, 82.8, 13)[1:],
		linspace(82.8, 99, 15)[1:],
		linspace(99, 89.9, 11)[1:],
		linspace(89.9, 98.5, 11)[1:],
		linspace(98.5, 93.6, 9)[1:],
		linspace(93.6, 97.5, 27)[1:],
	} {
		closes = append(closes, seg...)
	}
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]models.PriceBar, len(closes))
	for i, c := range closes {
		c *= scale
		vol := 1_000_000.0
		if i >= len(closes)-10 {
			vol = 650_000
		}
		bars[i] = models.PriceBar{
			Date: start.AddDate(0, 0, i), Open: c * 0.999, High: c * 1.005, Low: c * 0.995, Close: c, Volume: vol,
		}
	}
	return bars
}

type fakeProvider struct {
	mu     sync.Mutex
	calls  map[string]int
	series map[string][]models.PriceBar
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		calls: map[string]int{},
		series: map[string][]models.PriceBar{
			"AAPL":  vcpBars(1),
			"MSFT":  vcpBars(2),
			"SHORT": vcpBars(1)[:100],
			"CHEAP": vcpBars(0.03),
		},
	}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Fetch(_ context.Context, symbol, _, interval string) (models.PriceSeries, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[symbol]++
	bars, ok := f.series[symbol]
	if !ok {
		return models.PriceSeries{}, errors.NewDataError("prices", symbol, "upstream down", errors.ErrTimeout)
	}
	return models.NewPriceSeries(symbol, interval, append([]models.PriceBar(nil), bars...)), nil
}

func (f *fakeProvider) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeProvider) count(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[symbol]
}

type prefetchingProvider struct {
	*fakeProvider
	prefetches int
	symbols    []string
}

func (p *prefetchingProvider) Prefetch(_ context.Context, symbols []string, _, _ string, _ int) (int, error) {
	p.prefetches++
	p.symbols = symbols
	return len(symbols), nil
}

func testScanConfig() config.ScanConfig {
	return config.ScanConfig{MinPrice: 5, MinVolume: 200_000, HighBand: 0.25, ChartConcurrency: 2, DefaultLimit: 50}
}

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{ResultTTL: time.Hour, ResponseTTL: time.Hour, PrefetchTTL: time.Hour}
}

func newService(p marketdata.Provider, cfg config.ScanConfig, cacheCfg config.CacheConfig) *Service {
	return New(Deps{
		Provider: p,
		Cache:    cache.NewMemoryCache(),
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Logger:   zerolog.Nop(),
	}, cfg, cacheCfg, "simple")
}

const testUniverse = "AAPL,MSFT,SHORT,FAIL,CHEAP"

func TestScanRanksAndSkipsFailures(t *testing.T) {
	p := newFakeProvider()
	svc := newService(p, testScanConfig(), testCacheConfig())

	resp, err := svc.Scan(context.Background(), Request{Pattern: "VCP", Universe: testUniverse})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if resp.Pattern != "vcp" || resp.Timeframe != "1d" || resp.Universe != testUniverse {
		t.Errorf("response header = %+v", resp)
	}
	if resp.Count != 2 || len(resp.Results) != 2 {
		t.Fatalf("Count = %d, want 2 (AAPL, MSFT): %+v", resp.Count, resp.Results)
	}
	got := map[string]bool{}
	for i, r := range resp.Results {
		got[r.Symbol] = true
		if r.Score <= 0 || r.Entry <= r.Stop || r.AvgVolume <= 0 || r.ATR14 <= 0 {
			t.Errorf("row %d = %+v", i, r)
		}
		if i > 0 && r.Score > resp.Results[i-1].Score {
			t.Error("results not sorted by score")
		}
	}
	if !got["AAPL"] || !got["MSFT"] {
		t.Errorf("symbols = %v", got)
	}
	if s := resp.Results[0]; s.Symbol == "AAPL" && s.Sector != "Technology" {
		t.Errorf("sector = %q", s.Sector)
	}
	for _, sym := range []string{"AAPL", "MSFT", "SHORT", "FAIL", "CHEAP"} {
		if p.count(sym) != 1 {
			t.Errorf("%s fetched %d times", sym, p.count(sym))
		}
	}

	limited, _ := svc.Scan(context.Background(), Request{Pattern: "vcp", Universe: testUniverse, Limit: 1})
	if limited.Count != 1 {
		t.Errorf("limit 1 returned %d rows", limited.Count)
	}
}

func TestScanIsIdempotentWithinTTL(t *testing.T) {
	p := newFakeProvider()
	svc := newService(p, testScanConfig(), testCacheConfig())
	req := Request{Pattern: "vcp", Universe: testUniverse, Limit: 10}

	first, err := svc.Scan(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	calls := p.total()

	second, err := svc.Scan(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if p.total() != calls {
		t.Errorf("provider calls %d -> %d on identical re-scan", calls, p.total())
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("re-scan not byte-identical:\n%s\n%s", a, b)
	}
}

func TestScanRowCacheWithoutResponseCache(t *testing.T) {
	p := newFakeProvider()
	cacheCfg := testCacheConfig()
	cacheCfg.ResponseTTL = 0
	svc := newService(p, testScanConfig(), cacheCfg)
	req := Request{Pattern: "vcp", Universe: testUniverse}

	for i := 0; i < 2; i++ {
		if _, err := svc.Scan(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	for _, sym := range []string{"AAPL", "MSFT", "SHORT", "CHEAP"} {
		if p.count(sym) != 1 {
			t.Errorf("%s fetched %d times, want cached", sym, p.count(sym))
		}
	}
	if p.count("FAIL") != 2 {
		t.Errorf("failed symbol fetched %d times, want a retry per scan", p.count("FAIL"))
	}

	// Different thresholds are a different cache key.
	if _, err := svc.Scan(context.Background(), Request{Pattern: "vcp", Universe: testUniverse, MinVolume: 2_000_000}); err != nil {
		t.Fatal(err)
	}
	if p.count("AAPL") != 2 {
		t.Errorf("AAPL fetched %d times after threshold change", p.count("AAPL"))
	}
}

func TestScanEnforcesHardMinimums(t *testing.T) {
	svc := newService(newFakeProvider(), testScanConfig(), testCacheConfig())

	req, _, err := svc.normalize(Request{MinPrice: 1, MinVolume: 10, Limit: 10_000})
	if err != nil {
		t.Fatal(err)
	}
	if req.MinPrice != 5 || req.MinVolume != 200_000 || req.Limit != MaxLimit || req.Pattern != "vcp" || req.Universe != "simple" {
		t.Errorf("normalize() = %+v", req)
	}
	req, _, _ = svc.normalize(Request{MinPrice: 50, MinVolume: 1e6})
	if req.MinPrice != 50 || req.MinVolume != 1e6 {
		t.Errorf("stricter caller thresholds lost: %+v", req)
	}

	resp, err := svc.Scan(context.Background(), Request{Universe: "AAPL,MSFT", MinVolume: 2_000_000})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Count != 0 {
		t.Errorf("volume filter let through %d rows", resp.Count)
	}
}

func TestScanRejectsUnsupportedParameters(t *testing.T) {
	svc := newService(newFakeProvider(), testScanConfig(), testCacheConfig())
	ctx := context.Background()

	cases := []struct {
		req  Request
		want error
	}{
		{Request{Pattern: "triangle", Universe: "AAPL"}, errors.ErrUnsupportedPattern},
		{Request{Pattern: "vcp", Universe: "AAPL", Timeframe: "5m"}, errors.ErrUnsupportedInterval},
		{Request{Pattern: "vcp", Universe: "russell9000"}, errors.ErrUnsupportedUniverse},
	}
	for _, tc := range cases {
		if _, err := svc.Scan(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Errorf("Scan(%+v) = %v, want %v", tc.req, err, tc.want)
		}
	}
}

func TestScanCapsUniverseAndPrefetchesOnce(t *testing.T) {
	p := &prefetchingProvider{fakeProvider: newFakeProvider()}
	cfg := testScanConfig()
	cfg.CapDaily = 2
	cacheCfg := testCacheConfig()
	cacheCfg.ResponseTTL = 0
	svc := newService(p, cfg, cacheCfg)

	for i := 0; i < 3; i++ {
		if _, err := svc.Scan(context.Background(), Request{Universe: "AAPL,MSFT,CHEAP"}); err != nil {
			t.Fatal(err)
		}
	}
	if p.prefetches != 1 {
		t.Errorf("prefetches = %d, want 1 per TTL window", p.prefetches)
	}
	if len(p.symbols) != 2 || p.count("CHEAP") != 0 {
		t.Errorf("cap not applied: prefetched %v, CHEAP fetched %d", p.symbols, p.count("CHEAP"))
	}

	if _, err := svc.Scan(context.Background(), Request{Universe: "AAPL,MSFT,CHEAP", Timeframe: "1wk"}); err != nil {
		t.Fatal(err)
	}
	if p.prefetches != 2 {
		t.Errorf("weekly scan shares the daily prefetch guard")
	}
}

type failingRenderer struct{}

func (failingRenderer) Render(context.Context, string, *models.Overlays) (string, error) {
	return "", fmt.Errorf("shots unavailable")
}

func TestScanChartEnrichmentFallsBack(t *testing.T) {
	p := newFakeProvider()
	svc := New(Deps{
		Provider: p,
		Charts:   charts.NewService(failingRenderer{}, nil, zerolog.Nop()),
		Logger:   zerolog.Nop(),
	}, testScanConfig(), testCacheConfig(), "")

	resp, err := svc.Scan(context.Background(), Request{Universe: "AAPL,MSFT", Charts: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range resp.Results {
		if r.ChartURL != charts.FallbackURL(r.Symbol) {
			t.Errorf("%s chart_url = %q", r.Symbol, r.ChartURL)
		}
	}

	plain, _ := svc.Scan(context.Background(), Request{Universe: "AAPL,MSFT"})
	for _, r := range plain.Results {
		if r.ChartURL != "" {
			t.Errorf("chart rendered without being requested: %q", r.ChartURL)
		}
	}
}

func TestFilterRejections(t *testing.T) {
	tf, _ := LookupTimeframe("1d", config.ScanConfig{})
	base := Request{MinPrice: 5, MinVolume: 200_000}

	series := models.NewPriceSeries("X", "1d", vcpBars(1))
	if got := filter(series, base, tf, 0.25); got != "" {
		t.Errorf("clean series rejected: %q", got)
	}

	spiked := models.NewPriceSeries("X", "1d", vcpBars(1))
	spiked.Bars[100].High = 200
	if got := filter(spiked, base, tf, 0.25); got != "too far below 52-week high" {
		t.Errorf("band filter = %q", got)
	}

	atr := base
	atr.MaxATRRatio = 0.0001
	if got := filter(series, atr, tf, 0.25); got != "atr ratio above max" {
		t.Errorf("atr filter = %q", got)
	}

	if got := filter(series.Tail(100), base, tf, 0.25); got != "insufficient data" {
		t.Errorf("short history = %q", got)
	}
}

func TestWorkers(t *testing.T) {
	svc := newService(newFakeProvider(), testScanConfig(), testCacheConfig())
	for n, want := range map[int]int{1: 1, 10: 4, 40: 10, 100: 12} {
		if got := svc.workers(n); got != want {
			t.Errorf("workers(%d) = %d, want %d", n, got, want)
		}
	}
	cfg := testScanConfig()
	cfg.Workers = 3
	if got := newService(newFakeProvider(), cfg, testCacheConfig()).workers(100); got != 3 {
		t.Errorf("configured workers = %d", got)
	}
}

func TestLookupTimeframe(t *testing.T) {
	tf, err := LookupTimeframe("weekly", config.ScanConfig{CapWeekly: 50})
	if err != nil || tf.Name != "1wk" || !tf.Weekly || tf.Interval != "1d" || tf.Cap != 50 || tf.MinBars != 120 {
		t.Errorf("weekly = %+v, %v", tf, err)
	}
	tf, _ = LookupTimeframe("", config.ScanConfig{})
	if tf.Name != "1d" || tf.Period != "18mo" || tf.Cap != 600 {
		t.Errorf("default = %+v", tf)
	}
	tf, _ = LookupTimeframe("60m", config.ScanConfig{})
	if tf.Period != "730d" || tf.MinBars != 200 || tf.Cap != 100 {
		t.Errorf("intraday = %+v", tf)
	}
}

func TestDetectSingleSymbol(t *testing.T) {
	svc := newService(newFakeProvider(), testScanConfig(), testCacheConfig())
	ctx := context.Background()

	d, err := svc.Detect(ctx, "vcp", "aapl", "")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Detected || d.Symbol != "AAPL" || d.Result == nil || d.Bars != 200 {
		t.Errorf("Detect(AAPL) = %+v", d)
	}

	d, err = svc.Detect(ctx, "vcp", "SHORT", "1d")
	if err != nil || d.Detected || d.Reason != "insufficient data" {
		t.Errorf("Detect(SHORT) = %+v, %v", d, err)
	}

	if _, err := svc.Detect(ctx, "vcp", "FAIL", "1d"); !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("Detect(FAIL) = %v", err)
	}
	if _, err := svc.Detect(ctx, "nope", "AAPL", "1d"); !errors.Is(err, errors.ErrUnsupportedPattern) {
		t.Errorf("Detect(nope) = %v", err)
	}
}
