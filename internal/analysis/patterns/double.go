package patterns

import (
	"fmt"
	"math"

	"patternscan/internal/analysis/indicators"
	"patternscan/internal/models"
)

const (
	doubleMinBars   = 140
	doubleWindow    = 200
	doubleMask      = 5
	doubleBottomTol = 0.03
	doubleTopTol    = 0.025
)

type doubleDetector struct{}

func (doubleDetector) Name() string { return Double }

func (doubleDetector) MinBars() int { return doubleMinBars }

// Detect checks for a double bottom first. A double top yields short-side
// levels that validation rejects.
func (doubleDetector) Detect(series models.PriceSeries) Outcome {
	all, out, ok := prepare(series, doubleMinBars)
	if !ok {
		return out
	}
	atr := indicators.ATR14(all)
	window := tail(all, doubleWindow)
	closes := make([]float64, len(window))
	for i, b := range window {
		closes[i] = b.Close
	}

	if first, second, ok := secondExtreme(closes, false, doubleBottomTol); ok {
		left, right := min(first, second), max(first, second)
		neckline := maxHigh(window[left : right+1])
		low := math.Min(closes[first], closes[second])
		entry := neckline * 1.005
		stop := low * 0.98
		measured := neckline - low
		return doubleSetup(window, closes, left, right, neckline, entry, stop,
			[]float64{entry + measured*0.5, entry + measured},
			measured/math.Max(neckline, 1e-6), atr, "double_bottom", "#66bb6a", "trough")
	}

	if first, second, ok := secondExtreme(closes, true, doubleTopTol); ok {
		left, right := min(first, second), max(first, second)
		neckline := minLow(window[left : right+1])
		high := math.Max(closes[first], closes[second])
		entry := neckline * 0.995
		stop := high * 1.02
		measured := high - neckline
		return doubleSetup(window, closes, left, right, neckline, entry, stop,
			[]float64{entry - measured*0.5, entry - measured},
			measured/math.Max(high, 1e-6), atr, "double_top", "#ff7043", "peak")
	}

	return noSignal(ReasonNoStructure, "no matching extremes")
}

// secondExtreme finds the global extreme and the next one outside a ±5 bar
// mask. The pair must match within tol and sit more than 5 bars apart.
func secondExtreme(values []float64, highs bool, tol float64) (int, int, bool) {
	pick, fill := indicators.ArgMin, indicators.Highest(values)
	if highs {
		pick, fill = indicators.ArgMax, indicators.Lowest(values)
	}
	first := pick(values)
	masked := append([]float64(nil), values...)
	for i := max(0, first-doubleMask); i < min(len(values), first+doubleMask+1); i++ {
		masked[i] = fill
	}
	second := pick(masked)
	diff := math.Abs(values[second]-values[first]) / math.Max(values[first], 1e-6)
	apart := first - second
	if apart < 0 {
		apart = -apart
	}
	return first, second, diff <= tol && apart > doubleMask
}

func doubleSetup(window []models.PriceBar, closes []float64, left, right int, neckline, entry, stop float64,
	targets []float64, depth, atr float64, structure, color, noun string) Outcome {
	overlays := baseOverlay(entry, stop, targets)
	overlays.Lines = append(overlays.Lines,
		models.Line{X1: isoDate(window[left]), Y1: round4(closes[left]), X2: isoDate(window[right]), Y2: round4(closes[right]), Color: color, Dash: true},
		models.Line{X1: isoDate(window[left]), Y1: round4(neckline), X2: isoDate(window[right]), Y2: round4(neckline), Color: color, Width: 2},
	)

	card := newScorecard(Double)
	card.Bonus("depth", depth*40, 20)
	card.Volatility(atr, entry)

	extra := map[string]any{"structure": structure, "neckline": round4(neckline)}
	if atr > 0 {
		extra["atr14"] = round4(atr)
	}
	return setup{
		pattern:  Double,
		card:     card,
		entry:    entry,
		stop:     stop,
		targets:  targets,
		overlays: overlays,
		extra:    extra,
		evidence: []string{
			fmt.Sprintf("neckline %.2f", neckline),
			fmt.Sprintf("%s distance %d bars", noun, right-left),
		},
	}.build()
}
