package patterns

import (
	"fmt"
	"math"

	"patternscan/internal/analysis/indicators"
	"patternscan/internal/models"
)

const (
	flagMinBars     = 120
	flagWindow      = 140
	flagPoleStart   = 80 // bars back
	flagPoleEnd     = 50 // bars back
	flagMinPoleGain = 0.18
	flagBandBars    = 30
	flagMaxBand     = 0.18
)

type flagDetector struct{}

func (flagDetector) Name() string { return Flag }

func (flagDetector) MinBars() int { return flagMinBars }

// Detect looks for a strong pole followed by a tight 30-bar consolidation.
func (flagDetector) Detect(series models.PriceSeries) Outcome {
	all, out, ok := prepare(series, flagMinBars)
	if !ok {
		return out
	}
	atr := indicators.ATR14(all)
	window := tail(all, flagWindow)
	n := len(window)

	start, mid := window[n-flagPoleStart].Close, window[n-flagPoleEnd].Close
	poleGain := (mid - start) / start
	if poleGain < flagMinPoleGain {
		return noSignal(ReasonNoStructure, fmt.Sprintf("pole gain %.4f", poleGain))
	}

	cons := window[n-flagBandBars:]
	highs := make([]float64, len(cons))
	lows := make([]float64, len(cons))
	for i, b := range cons {
		highs[i], lows[i] = b.High, b.Low
	}
	top, bottom := indicators.Highest(highs), indicators.Lowest(lows)
	band := (top - bottom) / math.Max(indicators.Mean(lows), 1e-6)
	if band > flagMaxBand {
		return noSignal(ReasonOutOfBounds, fmt.Sprintf("band %.4f", band))
	}
	slopeHigh, _ := indicators.LinearFit(highs)
	slopeLow, _ := indicators.LinearFit(lows)

	entry := top * 1.002
	stop := bottom * 0.995
	poleHeight := mid - start
	targets := []float64{entry + poleHeight*0.75, entry + poleHeight*1.2}

	overlays := baseOverlay(entry, stop, targets)
	overlays.Boxes = append(overlays.Boxes, models.Box{
		X1: isoDate(cons[0]), Y1: round4(top),
		X2: isoDate(cons[len(cons)-1]), Y2: round4(bottom),
		Color: "#1e88e5", Opacity: 0.15,
	})
	overlays.Labels = append(overlays.Labels, models.Label{
		Text: "Flag", X: isoDate(window[n-15]), Y: round4(indicators.Mean(highs)),
	})

	card := newScorecard(Flag)
	card.Add("pole", poleGain*80)
	card.Bonus("band", (flagMaxBand-band)*100, math.Inf(1))
	card.Add("slope_gap", -math.Abs(slopeHigh-slopeLow)*5)
	card.Volatility(atr, entry)

	extra := map[string]any{
		"pole_gain":  round4(poleGain),
		"band":       round4(band),
		"slope_high": round4(slopeHigh),
		"slope_low":  round4(slopeLow),
	}
	if atr > 0 {
		extra["atr14"] = round4(atr)
	}
	return setup{
		pattern:  Flag,
		card:     card,
		entry:    entry,
		stop:     stop,
		targets:  targets,
		overlays: overlays,
		extra:    extra,
		evidence: []string{
			fmt.Sprintf("pole gain %.2f%%", poleGain*100),
			fmt.Sprintf("consolidation band %.2f%%", band*100),
		},
	}.build()
}
