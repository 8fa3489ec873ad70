package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"patternscan/internal/errors"
	"patternscan/internal/logging"
	"patternscan/internal/metrics"
	"patternscan/internal/models"
	"patternscan/internal/resilience"
	"patternscan/pkg/utils"
)

// YahooConfig configures YahooProvider.
type YahooConfig struct {
	BaseURL     string
	Timeout     time.Duration
	Retry       utils.RetryConfig
	MinInterval time.Duration
	Breaker     resilience.Config
}

// YahooProvider implements Provider using the Yahoo Finance chart API.
type YahooProvider struct {
	client  *http.Client
	cfg     YahooConfig
	logger  zerolog.Logger
	metrics *metrics.Recorder
	breaker *resilience.Breaker
	now     func() time.Time

	paceMu   sync.Mutex
	lastCall time.Time

	// SymbolMap maps internal symbols to Yahoo tickers.
	SymbolMap map[string]string
}

// NewYahooProvider creates a Yahoo chart provider.
func NewYahooProvider(cfg YahooConfig, logger zerolog.Logger, rec *metrics.Recorder) *YahooProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://query1.finance.yahoo.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = utils.DefaultRetryConfig()
	}
	cfg.Retry.Retryable = retryable
	cfg.Breaker.IsFailure = func(err error) bool {
		return retryable(err) && !errors.Is(err, context.Canceled)
	}
	y := &YahooProvider{
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		logger:  logger.With().Str("component", "yahoo").Logger(),
		metrics: rec,
		breaker: resilience.New("yahoo", cfg.Breaker),
		now:     time.Now,
		SymbolMap: map[string]string{
			"SPX":   "^GSPC",
			"SP500": "^GSPC",
			"NDX":   "^NDX",
		},
	}
	y.breaker.OnStateChange(func(name string, from, to resilience.State) {
		y.logger.Warn().Str("breaker", name).Str("from", string(from)).Str("to", string(to)).Msg("provider circuit changed")
	})
	return y
}

func (y *YahooProvider) Name() string { return "yahoo" }

// yahooChart is the response structure from the chart API.
type yahooChart struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []interface{} `json:"open"`
					High   []interface{} `json:"high"`
					Low    []interface{} `json:"low"`
					Close  []interface{} `json:"close"`
					Volume []interface{} `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// statusError is a non-200 reply.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("yahoo: status %d, body: %s", e.Code, e.Body)
}

func retryable(err error) bool {
	if errors.Is(err, errors.ErrSymbolNotFound) || errors.Is(err, errors.ErrInputValidation) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// Fetch retrieves symbol history, retrying transient failures with backoff.
func (y *YahooProvider) Fetch(ctx context.Context, symbol, period, interval string) (models.PriceSeries, error) {
	start := time.Now()
	bars, err := resilience.Call(y.breaker, func() ([]models.PriceBar, error) {
		return utils.RetryWithResult(ctx, y.cfg.Retry, func() ([]models.PriceBar, error) {
			return y.fetchChart(ctx, symbol, period, interval)
		})
	})
	elapsed := time.Since(start)
	logging.LogProviderCall(y.logger, symbol, interval, elapsed, err)
	y.metrics.RecordProviderCall(y.Name(), elapsed, err)
	if err != nil {
		return models.PriceSeries{}, errors.NewDataError("prices", symbol, "yahoo fetch failed", err)
	}
	return models.NewPriceSeries(symbol, interval, bars), nil
}

func (y *YahooProvider) yahooSymbol(symbol string) string {
	if mapped, ok := y.SymbolMap[symbol]; ok {
		return mapped
	}
	return symbol
}

// chartURL uses range= for Yahoo's native ranges and period1/period2 otherwise.
func (y *YahooProvider) chartURL(symbol, period, interval string) (string, error) {
	base := fmt.Sprintf("%s/v8/finance/chart/%s", strings.TrimRight(y.cfg.BaseURL, "/"), url.PathEscape(y.yahooSymbol(symbol)))
	q := url.Values{}
	q.Set("interval", interval)
	switch period {
	case "1d", "5d", "1mo", "3mo", "6mo", "1y", "2y", "5y", "10y", "ytd", "max":
		q.Set("range", period)
	default:
		now := y.now()
		from, err := PeriodStart(period, now)
		if err != nil {
			return "", err
		}
		q.Set("period1", fmt.Sprint(from.Unix()))
		q.Set("period2", fmt.Sprint(now.Unix()))
	}
	return base + "?" + q.Encode(), nil
}

// pace blocks until at least MinInterval has passed since the previous call.
func (y *YahooProvider) pace(ctx context.Context) error {
	if y.cfg.MinInterval <= 0 {
		return nil
	}
	y.paceMu.Lock()
	defer y.paceMu.Unlock()

	if wait := y.cfg.MinInterval - time.Since(y.lastCall); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	y.lastCall = time.Now()
	return nil
}

func (y *YahooProvider) fetchChart(ctx context.Context, symbol, period, interval string) ([]models.PriceBar, error) {
	u, err := y.chartURL(symbol, period, interval)
	if err != nil {
		return nil, err
	}
	if err := y.pace(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := y.client.Do(req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%w: yahoo fetch: %w", errors.ErrTimeout, err)
		}
		return nil, fmt.Errorf("yahoo fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("yahoo read body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.Wrapf(errors.ErrSymbolNotFound, "yahoo %s", symbol)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	var chart yahooChart
	if err := json.Unmarshal(body, &chart); err != nil {
		return nil, fmt.Errorf("yahoo decode: %w", err)
	}
	if chart.Chart.Error != nil {
		return nil, errors.Wrapf(errors.ErrSymbolNotFound, "yahoo api error: %s", chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Timestamp) == 0 {
		return nil, errors.Wrapf(errors.ErrInsufficientData, "yahoo: no data returned for %s", symbol)
	}

	result := chart.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, errors.Wrapf(errors.ErrMissingColumn, "yahoo: no quote block for %s", symbol)
	}
	quote := result.Indicators.Quote[0]
	at := func(col []interface{}, i int) float64 {
		if i < len(col) {
			return toFloat(col[i])
		}
		return 0
	}

	daily := interval == "1d" || interval == "1wk" || interval == "1mo"
	bars := make([]models.PriceBar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		o, h, l, c := at(quote.Open, i), at(quote.High, i), at(quote.Low, i), at(quote.Close, i)
		if o == 0 && h == 0 && l == 0 && c == 0 {
			continue // null bars (holidays, halts)
		}
		date := time.Unix(ts, 0).UTC()
		if daily {
			date = utils.SessionDate(date)
		}
		bars = append(bars, models.PriceBar{
			Date:   date,
			Open:   o,
			High:   h,
			Low:    l,
			Close:  c,
			Volume: at(quote.Volume, i),
		})
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
