package indicators

import (
	"errors"
	"math"
	"sort"

	"patternscan/internal/models"
)

var (
	// ErrInsufficientData is returned when there's not enough data for calculation.
	ErrInsufficientData = errors.New("insufficient data for calculation")
	// ErrInvalidPeriod is returned when the period is invalid.
	ErrInvalidPeriod = errors.New("invalid period")
)

// Sum calculates the sum of a slice of float64.
func Sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

// Mean calculates the arithmetic mean of a slice of float64.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return Sum(values) / float64(len(values))
}

// TailMean is the mean of the last n values (all of them if fewer).
func TailMean(values []float64, n int) float64 {
	if n < len(values) {
		values = values[len(values)-n:]
	}
	return Mean(values)
}

// Median returns the median, or 0 for an empty slice.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// trueRange calculates the true range for a bar.
func trueRange(current, previous models.PriceBar) float64 {
	highLow := current.High - current.Low
	highClose := math.Abs(current.High - previous.Close)
	lowClose := math.Abs(current.Low - previous.Close)
	return math.Max(highLow, math.Max(highClose, lowClose))
}

// Highest returns the highest value in a slice.
func Highest(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	h := values[0]
	for _, v := range values[1:] {
		if v > h {
			h = v
		}
	}
	return h
}

// Lowest returns the lowest value in a slice.
func Lowest(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	l := values[0]
	for _, v := range values[1:] {
		if v < l {
			l = v
		}
	}
	return l
}

// ArgMax returns the index of the first highest value, or -1.
func ArgMax(values []float64) int {
	if len(values) == 0 {
		return -1
	}
	idx := 0
	for i, v := range values[1:] {
		if v > values[idx] {
			idx = i + 1
		}
	}
	return idx
}

// ArgMin returns the index of the first lowest value, or -1.
func ArgMin(values []float64) int {
	if len(values) == 0 {
		return -1
	}
	idx := 0
	for i, v := range values[1:] {
		if v < values[idx] {
			idx = i + 1
		}
	}
	return idx
}
