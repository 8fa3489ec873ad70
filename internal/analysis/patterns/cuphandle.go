package patterns

import (
	"fmt"
	"math"

	"patternscan/internal/analysis/indicators"
	"patternscan/internal/models"
)

const (
	cupMinBars      = 160
	cupWindow       = 200
	cupMinDepth     = 0.12
	cupMaxDepth     = 0.55
	cupHandleBars   = 20
	cupHandleMaxPct = 0.08
)

type cupHandleDetector struct{}

func (cupHandleDetector) Name() string { return CupHandle }

func (cupHandleDetector) MinBars() int { return cupMinBars }

// Detect looks for a rounded trough on 5-bar smoothed closes with a shallow
// handle over the last 20 bars.
func (cupHandleDetector) Detect(series models.PriceSeries) Outcome {
	all, out, ok := prepare(series, cupMinBars)
	if !ok {
		return out
	}
	atr := indicators.ATR14(all)
	window := tail(all, cupWindow)
	closes := make([]float64, len(window))
	for i, b := range window {
		closes[i] = b.Close
	}
	smooth := indicators.CenteredMean(closes, 5)
	n := len(smooth)

	trough := indicators.ArgMin(smooth)
	if trough < 20 || trough > n-30 {
		return noSignal(ReasonNoStructure, "trough outside cup window")
	}
	left := indicators.ArgMax(smooth[:trough])
	right := indicators.ArgMax(smooth[trough:]) + trough
	if right <= trough || left >= trough {
		return noSignal(ReasonNoStructure, "missing cup rim")
	}

	pivot := math.Min(smooth[left], smooth[right])
	bottom := smooth[trough]
	if pivot <= 0 {
		return noSignal(ReasonNoStructure, "non-positive rim")
	}
	depth := (pivot - bottom) / pivot
	if depth < cupMinDepth || depth > cupMaxDepth {
		return noSignal(ReasonOutOfBounds, fmt.Sprintf("depth %.4f", depth))
	}

	handle := smooth[n-cupHandleBars:]
	handleHigh, handleLow := indicators.Highest(handle), indicators.Lowest(handle)
	handleDepth := 0.0
	if handleHigh > 0 {
		handleDepth = (handleHigh - handleLow) / handleHigh
	}
	if handleDepth > cupHandleMaxPct {
		return noSignal(ReasonOutOfBounds, fmt.Sprintf("handle depth %.4f", handleDepth))
	}

	recentHigh := 0.0
	for _, b := range window[n-cupHandleBars:] {
		recentHigh = math.Max(recentHigh, b.High)
	}
	entry := math.Max(pivot*1.005, recentHigh)
	stop := handleLow * 0.99
	measured := pivot - bottom
	targets := []float64{entry + measured*0.5, entry + measured}

	overlays := baseOverlay(entry, stop, targets)
	overlays.Lines = append(overlays.Lines,
		models.Line{
			X1: isoDate(window[left]), Y1: round4(smooth[left]),
			X2: isoDate(window[trough]), Y2: round4(bottom),
			Color: "#9be7ff", Dash: true,
		},
		models.Line{
			X1: isoDate(window[trough]), Y1: round4(bottom),
			X2: isoDate(window[right]), Y2: round4(smooth[right]),
			Color: "#9be7ff", Dash: true,
		},
	)
	overlays.Labels = append(overlays.Labels, models.Label{
		Text: "Handle", X: isoDate(window[n-5]), Y: round4(handleHigh),
	})

	symmetry := 1 - math.Abs(float64((trough-left)-(right-trough)))/float64(max(trough, n-trough, 1))
	card := newScorecard(CupHandle)
	card.Add("depth", depth*20)
	card.Bonus("symmetry", symmetry*10, 10)
	card.Add("handle", -handleDepth*30)
	card.Volatility(atr, entry)

	extra := map[string]any{
		"depth":        round4(depth),
		"handle_depth": round4(handleDepth),
	}
	if atr > 0 {
		extra["atr14"] = round4(atr)
	}
	return setup{
		pattern:  CupHandle,
		card:     card,
		entry:    entry,
		stop:     stop,
		targets:  targets,
		overlays: overlays,
		extra:    extra,
		evidence: []string{
			fmt.Sprintf("depth %.2f%%", depth*100),
			fmt.Sprintf("handle depth %.2f%%", handleDepth*100),
			fmt.Sprintf("symmetry %.2f", symmetry),
		},
	}.build()
}
