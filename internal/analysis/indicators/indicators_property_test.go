package indicators

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"patternscan/internal/models"
)

// barGen generates valid bars with realistic OHLCV values
func barGen() gopter.Gen {
	return gen.Struct(reflect.TypeOf(models.PriceBar{}), map[string]gopter.Gen{
		"Date":   gen.Const(time.Time{}),
		"Open":   gen.Float64Range(10.0, 500.0),
		"High":   gen.Float64Range(10.0, 500.0),
		"Low":    gen.Float64Range(10.0, 500.0),
		"Close":  gen.Float64Range(10.0, 500.0),
		"Volume": gen.Float64Range(1000, 5000000),
	}).Map(func(b models.PriceBar) models.PriceBar {
		// High >= max(Open, Close) and Low <= min(Open, Close)
		b.High = math.Max(b.High, math.Max(b.Open, b.Close))
		b.Low = math.Min(b.Low, math.Min(b.Open, b.Close))
		return b
	})
}

// barSliceGen generates n bars on consecutive days
func barSliceGen(n int) gopter.Gen {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return gen.SliceOfN(n, barGen()).Map(func(bars []models.PriceBar) []models.PriceBar {
		for i := range bars {
			bars[i].Date = start.AddDate(0, 0, i)
		}
		return bars
	})
}

func TestProperty_SMAIsAverageOfPrices(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("SMA is the arithmetic mean of closing prices over the period", prop.ForAll(
		func(bars []models.PriceBar) bool {
			period := 10
			values, err := NewSMA(period).Calculate(bars)
			if err != nil {
				return false
			}

			for i := 0; i < period-1; i++ {
				if !math.IsNaN(values[i]) {
					return false
				}
			}
			for i := period - 1; i < len(values); i++ {
				var total float64
				for _, b := range bars[i-period+1 : i+1] {
					total += b.Close
				}
				if math.Abs(values[i]-total/float64(period)) > 1e-6 {
					return false
				}
			}
			return true
		},
		barSliceGen(40),
	))

	properties.TestingRun(t)
}

func TestProperty_ATRIsBoundedByTrueRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("ATR is non-negative and never exceeds the widest true range", prop.ForAll(
		func(bars []models.PriceBar) bool {
			atr := NewATR(14)
			values, err := atr.Calculate(bars)
			if err != nil {
				return false
			}

			widest := 0.0
			for i := 1; i < len(bars); i++ {
				widest = math.Max(widest, trueRange(bars[i], bars[i-1]))
			}
			for i := atr.Period(); i < len(values); i++ {
				if values[i] < 0 || values[i] > widest+1e-9 {
					return false
				}
			}
			return true
		},
		barSliceGen(60),
	))

	properties.TestingRun(t)
}

func TestProperty_CenteredMeanWithinRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("centered smoothing stays within min and max of the input", prop.ForAll(
		func(values []float64) bool {
			smooth := CenteredMean(values, 5)
			lo, hi := Lowest(values), Highest(values)
			for _, v := range smooth {
				if v < lo-1e-9 || v > hi+1e-9 {
					return false
				}
			}
			return len(smooth) == len(values)
		},
		gen.SliceOfN(50, gen.Float64Range(1, 1000)),
	))

	properties.TestingRun(t)
}

func TestLinearFit(t *testing.T) {
	tests := []struct {
		name      string
		values    []float64
		slope     float64
		intercept float64
	}{
		{"empty", nil, 0, 0},
		{"single", []float64{4}, 0, 4},
		{"flat", []float64{3, 3, 3, 3}, 0, 3},
		{"rising", []float64{1, 3, 5, 7, 9}, 2, 1},
		{"falling", []float64{10, 9, 8, 7}, -1, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slope, intercept := LinearFit(tt.values)
			if math.Abs(slope-tt.slope) > 1e-9 || math.Abs(intercept-tt.intercept) > 1e-9 {
				t.Errorf("LinearFit(%v) = (%v, %v), want (%v, %v)", tt.values, slope, intercept, tt.slope, tt.intercept)
			}
		})
	}
}

func TestCenteredMeanEdges(t *testing.T) {
	got := CenteredMean([]float64{1, 2, 3, 4, 5}, 5)
	want := []float64{2, 2.5, 3, 3.5, 4}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("CenteredMean()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestATRInsufficientData(t *testing.T) {
	bars := make([]models.PriceBar, 14)
	if _, err := NewATR(14).Calculate(bars); err != ErrInsufficientData {
		t.Errorf("Calculate() error = %v, want ErrInsufficientData", err)
	}
	if v := ATR14(bars); v != 0 {
		t.Errorf("ATR14() = %v, want 0", v)
	}
}

func TestMedianAndVolumeRatio(t *testing.T) {
	if got := Median([]float64{3, 1, 2}); got != 2 {
		t.Errorf("Median odd = %v, want 2", got)
	}
	if got := Median([]float64{4, 1, 2, 3}); got != 2.5 {
		t.Errorf("Median even = %v, want 2.5", got)
	}
	if got := Median(nil); got != 0 {
		t.Errorf("Median empty = %v, want 0", got)
	}

	vols := make([]float64, 50)
	for i := range vols {
		vols[i] = 100
	}
	for i := 40; i < 50; i++ {
		vols[i] = 50
	}
	// long avg = (40*100 + 10*50)/50 = 90, short = 50
	if got := VolumeRatio(vols, 10, 50); math.Abs(got-50.0/90.0) > 1e-9 {
		t.Errorf("VolumeRatio() = %v, want %v", got, 50.0/90.0)
	}
	if got := VolumeRatio(make([]float64, 10), 5, 10); got != 0 {
		t.Errorf("VolumeRatio zero = %v, want 0", got)
	}
}

func TestPercentChange(t *testing.T) {
	values := []float64{100, 101, 102, 110}
	if got := PercentChange(values, 3); math.Abs(got-0.10) > 1e-9 {
		t.Errorf("PercentChange() = %v, want 0.10", got)
	}
	if got := PercentChange(values, 4); got != 0 {
		t.Errorf("PercentChange out of range = %v, want 0", got)
	}
}
