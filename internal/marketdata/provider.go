// Package marketdata fetches OHLCV history from upstream providers and keeps
// an on-disk cache of it.
package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"patternscan/internal/errors"
	"patternscan/internal/models"
)

// Provider returns an ordered OHLCV series for symbol over period at interval.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, symbol, period, interval string) (models.PriceSeries, error)
}

// BatchProvider can fetch several symbols in one upstream call. A batch either
// succeeds (symbols may still be absent) or fails as a whole.
type BatchProvider interface {
	Provider
	FetchBatch(ctx context.Context, symbols []string, period, interval string) (map[string]models.PriceSeries, error)
}

// FetchOptions tune FetchMany.
type FetchOptions struct {
	BatchSize   int
	Concurrency int
	Logger      zerolog.Logger
}

// FetchMany fetches every symbol, tolerating partial failure: symbols that
// cannot be fetched are absent from the result. Symbols are processed in
// batches; a failed batch is split in halves until single symbols remain.
func FetchMany(ctx context.Context, p Provider, symbols []string, period, interval string, opts FetchOptions) map[string]models.PriceSeries {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 12
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	var mu sync.Mutex
	out := make(map[string]models.PriceSeries, len(symbols))
	keep := func(sym string, s models.PriceSeries) {
		mu.Lock()
		out[sym] = s
		mu.Unlock()
	}

	var fetchChunk func(chunk []string)
	fetchChunk = func(chunk []string) {
		if len(chunk) == 0 || ctx.Err() != nil {
			return
		}
		if len(chunk) == 1 {
			s, err := p.Fetch(ctx, chunk[0], period, interval)
			if err != nil {
				opts.Logger.Debug().Err(err).Str("symbol", chunk[0]).Str("interval", interval).Msg("fetch skipped")
				return
			}
			keep(chunk[0], s)
			return
		}

		got, err := fetchBatch(ctx, p, chunk, period, interval, opts.Concurrency)
		if err != nil {
			mid := len(chunk) / 2
			fetchChunk(chunk[:mid])
			fetchChunk(chunk[mid:])
			return
		}
		for _, sym := range chunk {
			if s, ok := got[sym]; ok && s.Len() > 0 {
				keep(sym, s)
			} else {
				fetchChunk([]string{sym})
			}
		}
	}

	for i := 0; i < len(symbols); i += opts.BatchSize {
		end := min(i+opts.BatchSize, len(symbols))
		fetchChunk(symbols[i:end])
	}
	return out
}

// fetchBatch uses the provider's batch call when it has one and otherwise
// fans the chunk out over a bounded pool. The fan-out reports failure when no
// symbol of the chunk could be fetched.
func fetchBatch(ctx context.Context, p Provider, chunk []string, period, interval string, concurrency int) (map[string]models.PriceSeries, error) {
	if bp, ok := p.(BatchProvider); ok {
		return bp.FetchBatch(ctx, chunk, period, interval)
	}

	var mu sync.Mutex
	got := make(map[string]models.PriceSeries, len(chunk))
	var lastErr error

	wp := pool.New().WithMaxGoroutines(concurrency)
	for _, sym := range chunk {
		sym := sym
		wp.Go(func() {
			s, err := p.Fetch(ctx, sym, period, interval)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				return
			}
			got[sym] = s
		})
	}
	wp.Wait()

	if len(got) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return got, nil
}

// PeriodStart returns the start of a lookback period ("18mo", "5y", "730d",
// "52wk", "max") ending at now.
func PeriodStart(period string, now time.Time) (time.Time, error) {
	p := strings.ToLower(strings.TrimSpace(period))
	if p == "max" {
		return time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), nil
	}

	for _, unit := range []string{"mo", "wk", "d", "y"} {
		if !strings.HasSuffix(p, unit) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(p, unit))
		if err != nil || n <= 0 {
			break
		}
		switch unit {
		case "mo":
			return now.AddDate(0, -n, 0), nil
		case "wk":
			return now.AddDate(0, 0, -7*n), nil
		case "d":
			return now.AddDate(0, 0, -n), nil
		case "y":
			return now.AddDate(-n, 0, 0), nil
		}
	}
	return time.Time{}, errors.NewValidationError("period", period, fmt.Sprintf("unsupported period %q", period))
}
