package indicators

import (
	"fmt"
	"math"

	"patternscan/internal/models"
)

// ATR calculates the Average True Range as a simple rolling mean of true range.
type ATR struct {
	period int
}

// NewATR creates a new ATR indicator.
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

func (a *ATR) Name() string {
	return fmt.Sprintf("ATR_%d", a.period)
}

func (a *ATR) Period() int {
	return a.period
}

// Calculate returns one value per bar. The first true range needs a previous
// close, so entries before index period are NaN.
func (a *ATR) Calculate(bars []models.PriceBar) ([]float64, error) {
	if a.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(bars) < a.period+1 {
		return nil, ErrInsufficientData
	}

	n := len(bars)
	tr := make([]float64, n-1)
	for i := 1; i < n; i++ {
		tr[i-1] = trueRange(bars[i], bars[i-1])
	}
	rolled := RollingMean(tr, a.period)

	result := make([]float64, n)
	result[0] = math.NaN()
	copy(result[1:], rolled)
	return result, nil
}

// Last returns the most recent ATR value, or false when it can't be computed.
func (a *ATR) Last(bars []models.PriceBar) (float64, bool) {
	values, err := a.Calculate(bars)
	if err != nil {
		return 0, false
	}
	v := values[len(values)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ATR14 is the 14-period ATR of the most recent bar, or 0 when unavailable.
func ATR14(bars []models.PriceBar) float64 {
	v, _ := NewATR(14).Last(bars)
	return v
}
