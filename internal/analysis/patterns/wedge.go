package patterns

import (
	"fmt"
	"math"
	"strings"

	"patternscan/internal/analysis/indicators"
	"patternscan/internal/models"
)

const (
	wedgeMinBars  = 150
	wedgeWindow   = 180
	wedgeSegment  = 90
	wedgeNarrowBy = 0.85
)

type wedgeDetector struct{}

func (wedgeDetector) Name() string { return Wedge }

func (wedgeDetector) MinBars() int { return wedgeMinBars }

// Detect fits lines to the last 90 highs and lows and requires the channel to
// narrow. Falling wedges are long setups; rising wedges produce short-side
// levels and are rejected by validation.
func (wedgeDetector) Detect(series models.PriceSeries) Outcome {
	all, out, ok := prepare(series, wedgeMinBars)
	if !ok {
		return out
	}
	atr := indicators.ATR14(all)
	seg := tail(tail(all, wedgeWindow), wedgeSegment)
	highs := make([]float64, len(seg))
	lows := make([]float64, len(seg))
	for i, b := range seg {
		highs[i], lows[i] = b.High, b.Low
	}
	last := len(seg) - 1
	slopeHigh, _ := indicators.LinearFit(highs)
	slopeLow, _ := indicators.LinearFit(lows)
	spreadStart := highs[0] - lows[0]
	spreadEnd := highs[last] - lows[last]
	if !(spreadEnd < spreadStart*wedgeNarrowBy) {
		return noSignal(ReasonNoStructure, "channel not narrowing")
	}

	var direction string
	var entry, stop float64
	var targets []float64
	switch {
	case slopeHigh > 0 && slopeLow > 0:
		direction = "rising"
		entry = lows[last] * 0.995
		stop = highs[last] * 1.01
		targets = []float64{entry - spreadStart*0.6, entry - spreadStart}
	case slopeHigh < 0 && slopeLow < 0:
		direction = "falling"
		entry = highs[last] * 1.005
		stop = lows[last] * 0.99
		targets = []float64{entry + spreadStart*0.6, entry + spreadStart}
	default:
		return noSignal(ReasonNoStructure, "slopes disagree")
	}

	overlays := baseOverlay(entry, stop, targets)
	overlays.Lines = append(overlays.Lines,
		models.Line{X1: isoDate(seg[0]), Y1: round4(highs[0]), X2: isoDate(seg[last]), Y2: round4(highs[last]), Color: "#ab47bc", Dash: true},
		models.Line{X1: isoDate(seg[0]), Y1: round4(lows[0]), X2: isoDate(seg[last]), Y2: round4(lows[last]), Color: "#ab47bc", Dash: true},
	)
	overlays.Labels = append(overlays.Labels, models.Label{
		Text: strings.ToUpper(direction[:1]) + direction[1:] + " wedge",
		X:    isoDate(seg[len(seg)-10]),
		Y:    round4((highs[last] + lows[last]) / 2),
	})

	slopeGap := math.Abs(slopeHigh - slopeLow)
	compression := (spreadStart - spreadEnd) / math.Max(spreadStart, 1e-6)
	card := newScorecard(Wedge)
	card.Bonus("compression", compression*40, math.Inf(1))
	card.Add("slope_gap", -slopeGap*5)
	if direction == "falling" {
		card.Add("falling", 8)
	}
	card.Volatility(atr, entry)

	extra := map[string]any{"direction": direction}
	if atr > 0 {
		extra["atr14"] = round4(atr)
	}
	return setup{
		pattern:  Wedge,
		card:     card,
		entry:    entry,
		stop:     stop,
		targets:  targets,
		overlays: overlays,
		extra:    extra,
		evidence: []string{
			fmt.Sprintf("spread compression %.2f", spreadEnd/math.Max(spreadStart, 1e-6)),
			fmt.Sprintf("slope gap %.4f", slopeGap),
		},
	}.build()
}
