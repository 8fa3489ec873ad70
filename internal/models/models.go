// Package models provides domain models for the pattern scanner.
package models

import (
	"sort"
	"time"
)

// DateLayout is the ISO 8601 date format used for artifacts and overlays.
const DateLayout = "2006-01-02"

// PriceBar represents OHLCV data for one period.
type PriceBar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// PriceSeries is an ordered run of bars for one symbol and interval.
// Dates are strictly ascending. A series is never mutated after construction;
// As and Tail return prefixes and suffixes that share the backing array.
type PriceSeries struct {
	Symbol   string     `json:"symbol"`
	Interval string     `json:"interval"`
	Bars     []PriceBar `json:"bars"`
}

// NewPriceSeries builds a series from raw bars. Bars with a non-positive close
// are dropped, the rest are sorted by date and duplicate dates keep the last bar.
func NewPriceSeries(symbol, interval string, bars []PriceBar) PriceSeries {
	clean := make([]PriceBar, 0, len(bars))
	for _, b := range bars {
		if b.Close <= 0 || b.Date.IsZero() {
			continue
		}
		if b.Volume < 0 {
			b.Volume = 0
		}
		clean = append(clean, b)
	}
	sort.SliceStable(clean, func(i, j int) bool { return clean[i].Date.Before(clean[j].Date) })

	out := clean[:0]
	for _, b := range clean {
		if n := len(out); n > 0 && out[n-1].Date.Equal(b.Date) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return PriceSeries{Symbol: symbol, Interval: interval, Bars: out}
}

// Len returns the number of bars.
func (s PriceSeries) Len() int {
	return len(s.Bars)
}

// Last returns the most recent bar. It panics on an empty series.
func (s PriceSeries) Last() PriceBar {
	return s.Bars[len(s.Bars)-1]
}

// As returns the prefix of bars dated on or before t.
func (s PriceSeries) As(t time.Time) PriceSeries {
	n := sort.Search(len(s.Bars), func(i int) bool { return s.Bars[i].Date.After(t) })
	return PriceSeries{Symbol: s.Symbol, Interval: s.Interval, Bars: s.Bars[:n:n]}
}

// Tail returns the last n bars (or all of them when n exceeds the length).
func (s PriceSeries) Tail(n int) PriceSeries {
	if n >= len(s.Bars) {
		return s
	}
	return PriceSeries{Symbol: s.Symbol, Interval: s.Interval, Bars: s.Bars[len(s.Bars)-n:]}
}

// Closes extracts close prices.
func (s PriceSeries) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

// Highs extracts high prices.
func (s PriceSeries) Highs() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.High
	}
	return out
}

// Lows extracts low prices.
func (s PriceSeries) Lows() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Low
	}
	return out
}

// Volumes extracts volumes.
func (s PriceSeries) Volumes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Volume
	}
	return out
}
