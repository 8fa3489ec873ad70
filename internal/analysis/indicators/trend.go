package indicators

import (
	"fmt"
	"math"

	"patternscan/internal/models"
)

// SMA calculates Simple Moving Average of closes.
type SMA struct {
	period int
}

// NewSMA creates a new SMA indicator.
func NewSMA(period int) *SMA {
	return &SMA{period: period}
}

func (s *SMA) Name() string {
	return fmt.Sprintf("SMA_%d", s.period)
}

func (s *SMA) Period() int {
	return s.period
}

// Calculate returns one value per bar; the first period-1 entries are NaN.
func (s *SMA) Calculate(bars []models.PriceBar) ([]float64, error) {
	if s.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(bars) < s.period {
		return nil, ErrInsufficientData
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return RollingMean(closes, s.period), nil
}

// RollingMean is a trailing simple average. Entries before a full window are NaN.
func RollingMean(values []float64, period int) []float64 {
	result := make([]float64, len(values))
	if period <= 0 {
		for i := range result {
			result[i] = math.NaN()
		}
		return result
	}
	var window float64
	for i, v := range values {
		window += v
		if i >= period {
			window -= values[i-period]
		}
		if i < period-1 {
			result[i] = math.NaN()
			continue
		}
		result[i] = window / float64(period)
	}
	return result
}

// CenteredMean smooths values with a centered window that shrinks at the edges.
func CenteredMean(values []float64, window int) []float64 {
	result := make([]float64, len(values))
	if window <= 1 {
		copy(result, values)
		return result
	}
	// pandas centers even windows one bar to the right of the middle.
	left := window / 2
	right := window - left - 1
	for i := range values {
		lo := max(0, i-left)
		hi := min(len(values)-1, i+right)
		result[i] = Mean(values[lo : hi+1])
	}
	return result
}

// LinearFit returns the least-squares slope and intercept of values against 0..n-1.
func LinearFit(values []float64) (slope, intercept float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	if n == 1 {
		return 0, values[0]
	}
	var sx, sy, sxx, sxy float64
	for i, y := range values {
		x := float64(i)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, sy / n
	}
	slope = (n*sxy - sx*sy) / den
	intercept = (sy - slope*sx) / n
	return slope, intercept
}

// PercentChange is values[last]/values[last-lookback] - 1, or 0 when out of range.
func PercentChange(values []float64, lookback int) float64 {
	n := len(values)
	if lookback <= 0 || n <= lookback {
		return 0
	}
	base := values[n-1-lookback]
	if base == 0 {
		return 0
	}
	return values[n-1]/base - 1
}
