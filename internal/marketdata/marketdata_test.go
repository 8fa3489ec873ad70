package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"patternscan/internal/errors"
	"patternscan/internal/models"
	"patternscan/internal/resilience"
	"patternscan/internal/store"
	"patternscan/pkg/utils"
)

const chartFixture = `{"chart":{"result":[{"timestamp":[1704292200,1704205800,1704378600,1704465000],
"indicators":{"quote":[{"open":[101,100,null,103],"high":[103,102,null,104.5],"low":[100,99,null,102],
"close":[102,101,null,104],"volume":[1200000,1000000,null,900000]}]}}],"error":null}}`

func fastRetry() utils.RetryConfig {
	return utils.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
}

func TestYahooFetchParsesChart(t *testing.T) {
	var gotPath, gotUA, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotUA, gotQuery = r.URL.Path, r.Header.Get("User-Agent"), r.URL.RawQuery
		w.Write([]byte(chartFixture))
	}))
	defer srv.Close()

	y := NewYahooProvider(YahooConfig{BaseURL: srv.URL, Retry: fastRetry()}, zerolog.Nop(), nil)
	s, err := y.Fetch(context.Background(), "BRK-B", "1y", "1d")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if gotPath != "/v8/finance/chart/BRK-B" || gotUA != "Mozilla/5.0" {
		t.Errorf("request path=%q ua=%q", gotPath, gotUA)
	}
	if !strings.Contains(gotQuery, "range=1y") || !strings.Contains(gotQuery, "interval=1d") {
		t.Errorf("query = %q", gotQuery)
	}
	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3 (null bar skipped)", s.Len())
	}
	first := s.Bars[0]
	if !first.Date.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) || first.Close != 101 {
		t.Errorf("first bar = %+v, want 2024-01-02 close 101", first)
	}
	if s.Last().Volume != 900000 || s.Interval != "1d" {
		t.Errorf("last bar = %+v", s.Last())
	}
}

func TestYahooUsesPeriodBoundsForCustomPeriods(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(chartFixture))
	}))
	defer srv.Close()

	y := NewYahooProvider(YahooConfig{BaseURL: srv.URL, Retry: fastRetry()}, zerolog.Nop(), nil)
	y.now = func() time.Time { return time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := y.Fetch(context.Background(), "AAPL", "18mo", "1d"); err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("period1=%d", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).Unix())
	if !strings.Contains(gotQuery, want) || strings.Contains(gotQuery, "range=") {
		t.Errorf("query = %q, want %s", gotQuery, want)
	}
}

func TestYahooRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(chartFixture))
	}))
	defer srv.Close()

	y := NewYahooProvider(YahooConfig{BaseURL: srv.URL, Retry: fastRetry()}, zerolog.Nop(), nil)
	if _, err := y.Fetch(context.Background(), "MSFT", "1y", "1d"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestYahooDoesNotRetryUnknownSymbol(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`))
	}))
	defer srv.Close()

	y := NewYahooProvider(YahooConfig{BaseURL: srv.URL, Retry: fastRetry()}, zerolog.Nop(), nil)
	_, err := y.Fetch(context.Background(), "ZZZZ", "1y", "1d")
	if !errors.Is(err, errors.ErrSymbolNotFound) {
		t.Fatalf("Fetch() error = %v, want ErrSymbolNotFound", err)
	}
	var de *errors.DataError
	if !errors.As(err, &de) || de.Symbol != "ZZZZ" {
		t.Errorf("error is not a DataError for ZZZZ: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestYahooReportsTimeouts(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	y := NewYahooProvider(YahooConfig{BaseURL: srv.URL, Timeout: 20 * time.Millisecond, Retry: fastRetry()}, zerolog.Nop(), nil)
	_, err := y.Fetch(context.Background(), "SLOW", "1y", "1d")
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("Fetch() error = %v, want ErrTimeout", err)
	}
}

func TestYahooBreakerOpensOnOutage(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	y := NewYahooProvider(YahooConfig{
		BaseURL: srv.URL,
		Retry:   fastRetry(),
		Breaker: resilience.Config{FailureThreshold: 2, Cooldown: time.Hour},
	}, zerolog.Nop(), nil)
	for i := 0; i < 2; i++ {
		if _, err := y.Fetch(context.Background(), "QQQ", "1y", "1d"); errors.Is(err, resilience.ErrCircuitOpen) {
			t.Fatalf("call %d rejected before threshold", i)
		}
	}
	_, err := y.Fetch(context.Background(), "QQQ", "1y", "1d")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Fetch() error = %v, want open circuit", err)
	}
	if calls != 6 {
		t.Errorf("calls = %d, want 6 (two retried fetches, then none)", calls)
	}
}

func TestYahooPacesCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chartFixture))
	}))
	defer srv.Close()

	y := NewYahooProvider(YahooConfig{BaseURL: srv.URL, Retry: fastRetry(), MinInterval: 30 * time.Millisecond}, zerolog.Nop(), nil)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := y.Fetch(context.Background(), "AMD", "1y", "1d"); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("3 calls took %v, want >= 60ms", elapsed)
	}
}

// fakeProvider serves deterministic daily series and counts calls.
type fakeProvider struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
	bars  int
	end   time.Time
}

func newFakeProvider(end time.Time, bars int) *fakeProvider {
	return &fakeProvider{calls: map[string]int{}, fail: map[string]bool{}, bars: bars, end: end}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Fetch(_ context.Context, symbol, _, interval string) (models.PriceSeries, error) {
	f.mu.Lock()
	f.calls[symbol]++
	fail := f.fail[symbol]
	f.mu.Unlock()
	if fail {
		return models.PriceSeries{}, errors.NewDataError("prices", symbol, "upstream down", errors.ErrTimeout)
	}
	bars := make([]models.PriceBar, f.bars)
	for i := range bars {
		c := 50 + float64(i)*0.1
		bars[i] = models.PriceBar{
			Date: f.end.AddDate(0, 0, i-f.bars+1),
			Open: c, High: c * 1.01, Low: c * 0.99, Close: c, Volume: 1e6,
		}
	}
	return models.NewPriceSeries(symbol, interval, bars), nil
}

func (f *fakeProvider) count(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[symbol]
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "prices.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCachedProviderServesFreshCache(t *testing.T) {
	now := time.Date(2024, 6, 5, 21, 0, 0, 0, time.UTC) // Wednesday
	up := newFakeProvider(time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC), 400)
	cp := NewCachedProvider(up, newStore(t), CachedConfig{MaxStaleDays: 2}, zerolog.Nop())
	cp.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := cp.Fetch(ctx, "AAPL", "1y", "1d")
	if err != nil {
		t.Fatal(err)
	}
	second, err := cp.Fetch(ctx, "AAPL", "1y", "1d")
	if err != nil {
		t.Fatal(err)
	}
	if up.count("AAPL") != 1 {
		t.Errorf("upstream calls = %d, want 1", up.count("AAPL"))
	}
	if second.Len() == 0 || !second.Last().Date.Equal(first.Last().Date) {
		t.Errorf("cached series last=%v, want %v", second.Last().Date, first.Last().Date)
	}

	// Three trading days later the cache is stale.
	now = now.AddDate(0, 0, 5)
	if _, err := cp.Fetch(ctx, "AAPL", "1y", "1d"); err != nil {
		t.Fatal(err)
	}
	if up.count("AAPL") != 2 {
		t.Errorf("upstream calls after staleness = %d, want 2", up.count("AAPL"))
	}
}

func TestCachedProviderRefetchesForLongerPeriod(t *testing.T) {
	now := time.Date(2024, 6, 5, 21, 0, 0, 0, time.UTC)
	up := newFakeProvider(time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC), 300)
	st := newStore(t)
	cp := NewCachedProvider(up, st, CachedConfig{MaxStaleDays: 2}, zerolog.Nop())
	cp.now = func() time.Time { return now }
	ctx := context.Background()

	// Seed 100 recent bars only.
	short, _ := up.Fetch(ctx, "NVDA", "", "1d")
	if err := st.SaveBars(ctx, "NVDA", "1d", short.Bars[200:]); err != nil {
		t.Fatal(err)
	}
	if _, err := cp.Fetch(ctx, "NVDA", "6mo", "1d"); err != nil {
		t.Fatal(err)
	}
	if up.count("NVDA") != 2 {
		t.Errorf("upstream calls = %d, want refetch for uncovered period", up.count("NVDA"))
	}

	// The upstream has only 300 days; asking for 5y must not refetch forever.
	if _, err := cp.Fetch(ctx, "NVDA", "5y", "1d"); err != nil {
		t.Fatal(err)
	}
	if _, err := cp.Fetch(ctx, "NVDA", "5y", "1d"); err != nil {
		t.Fatal(err)
	}
	if up.count("NVDA") != 3 {
		t.Errorf("upstream calls = %d, want 3", up.count("NVDA"))
	}
}

func TestCachedProviderServesStaleOnUpstreamFailure(t *testing.T) {
	now := time.Date(2024, 6, 5, 21, 0, 0, 0, time.UTC)
	up := newFakeProvider(time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), 250)
	cp := NewCachedProvider(up, newStore(t), CachedConfig{MaxStaleDays: 2}, zerolog.Nop())
	cp.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := cp.Fetch(ctx, "AMD", "1y", "1d"); err != nil {
		t.Fatal(err)
	}
	up.fail["AMD"] = true
	s, err := cp.Fetch(ctx, "AMD", "1y", "1d")
	if err != nil || s.Len() == 0 {
		t.Fatalf("stale fallback = %d bars, %v", s.Len(), err)
	}
	up.fail["META"] = true
	if _, err := cp.Fetch(ctx, "META", "1y", "1d"); err == nil {
		t.Error("uncached symbol with failing upstream returned no error")
	}
}

// batchProvider fails any batch containing a poisoned symbol.
type batchProvider struct {
	*fakeProvider
	mu      sync.Mutex
	batches [][]string
	poison  string
}

func (b *batchProvider) FetchBatch(ctx context.Context, symbols []string, period, interval string) (map[string]models.PriceSeries, error) {
	b.mu.Lock()
	b.batches = append(b.batches, append([]string(nil), symbols...))
	b.mu.Unlock()
	for _, s := range symbols {
		if s == b.poison {
			return nil, fmt.Errorf("batch rejected")
		}
	}
	out := map[string]models.PriceSeries{}
	for _, s := range symbols {
		series, _ := b.fakeProvider.Fetch(ctx, s, period, interval)
		out[s] = series
	}
	return out, nil
}

func TestFetchManySplitsFailedBatches(t *testing.T) {
	fp := newFakeProvider(time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC), 10)
	fp.fail["BAD"] = true
	bp := &batchProvider{fakeProvider: fp, poison: "BAD"}
	symbols := []string{"A", "B", "C", "BAD", "E", "F"}

	got := FetchMany(context.Background(), bp, symbols, "1y", "1d", FetchOptions{BatchSize: 4, Logger: zerolog.Nop()})

	var keys []string
	for k := range got {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if strings.Join(keys, ",") != "A,B,C,E,F" {
		t.Errorf("FetchMany keys = %v", keys)
	}
	// [A B C BAD] fails, then [A B] ok, [C BAD] fails, C and BAD singly; [E F] ok.
	if len(bp.batches) != 4 {
		t.Errorf("batches = %v", bp.batches)
	}
	if fp.count("BAD") != 1 {
		t.Errorf("BAD fetched singly %d times", fp.count("BAD"))
	}
}

func TestFetchManyFanOutToleratesFailures(t *testing.T) {
	fp := newFakeProvider(time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC), 10)
	fp.fail["X"] = true
	got := FetchMany(context.Background(), fp, []string{"X", "Y", "Z"}, "1y", "1d", FetchOptions{Logger: zerolog.Nop()})
	if len(got) != 2 {
		t.Errorf("got %d series, want 2", len(got))
	}
	if _, ok := got["X"]; ok {
		t.Error("failed symbol present")
	}
}

func TestPrefetchRefreshesOnlyStale(t *testing.T) {
	now := time.Date(2024, 6, 5, 21, 0, 0, 0, time.UTC)
	fp := newFakeProvider(time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC), 300)
	cp := NewCachedProvider(fp, newStore(t), CachedConfig{MaxStaleDays: 2, PrefetchBatch: 2}, zerolog.Nop())
	cp.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := cp.Fetch(ctx, "A", "6mo", "1d"); err != nil {
		t.Fatal(err)
	}
	n, err := cp.Prefetch(ctx, []string{"A", "B", "C"}, "6mo", "1d", 100)
	if err != nil || n != 2 {
		t.Fatalf("Prefetch() = %d, %v; want 2", n, err)
	}
	if fp.count("A") != 1 || fp.count("B") != 1 {
		t.Errorf("calls A=%d B=%d", fp.count("A"), fp.count("B"))
	}
	if n, _ := cp.Prefetch(ctx, []string{"A", "B", "C"}, "6mo", "1d", 100); n != 0 {
		t.Errorf("second Prefetch refreshed %d", n)
	}
	if n, _ := cp.Prefetch(ctx, []string{"A"}, "6mo", "1d", 1000); n != 1 {
		t.Errorf("min rows not enforced: %d", n)
	}
}

func TestResampleWeekly(t *testing.T) {
	var bars []models.PriceBar
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // Monday
	for i := 0; i < 10; i++ {
		d := start.AddDate(0, 0, i)
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		c := 100 + float64(i)
		bars = append(bars, models.PriceBar{Date: d, Open: c - 0.5, High: c + 1, Low: c - 1, Close: c, Volume: 1000})
	}
	w := ResampleWeekly(models.NewPriceSeries("AAPL", "1d", bars))

	if w.Len() != 2 || w.Interval != "1wk" {
		t.Fatalf("weekly = %d bars interval %q", w.Len(), w.Interval)
	}
	wk := w.Bars[0]
	if !wk.Date.Equal(start.AddDate(0, 0, 4)) || wk.Open != 99.5 || wk.Close != 104 {
		t.Errorf("week 1 = %+v", wk)
	}
	if wk.High != 105 || wk.Low != 99 || wk.Volume != 5000 {
		t.Errorf("week 1 range = %+v", wk)
	}
	if w.Bars[1].Volume != 3000 {
		t.Errorf("week 2 volume = %v", w.Bars[1].Volume)
	}
}

func TestPeriodStart(t *testing.T) {
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		period string
		want   time.Time
		err    bool
	}{
		{"18mo", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), false},
		{"5y", time.Date(2019, 7, 1, 0, 0, 0, 0, time.UTC), false},
		{"730d", now.AddDate(0, 0, -730), false},
		{"2wk", time.Date(2024, 6, 17, 0, 0, 0, 0, time.UTC), false},
		{"banana", time.Time{}, true},
		{"0d", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			got, err := PeriodStart(tt.period, now)
			if (err != nil) != tt.err {
				t.Fatalf("err = %v", err)
			}
			if !tt.err && !got.Equal(tt.want) {
				t.Errorf("PeriodStart(%q) = %v, want %v", tt.period, got, tt.want)
			}
		})
	}
}
