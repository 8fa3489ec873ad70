package patterns

import (
	"fmt"
	"math"

	"patternscan/internal/analysis/indicators"
	"patternscan/internal/models"
)

const (
	hnsMinBars       = 180
	hnsWindow        = 220
	hnsSwingWindow   = 5
	hnsMinSeparation = 10
	hnsShoulderTol   = 0.08 // shoulder mismatch relative to head
	hnsHeadMargin    = 0.03 // head beyond shoulders by at least 3%
)

type headShouldersDetector struct{}

func (headShouldersDetector) Name() string { return HNS }

func (headShouldersDetector) MinBars() int { return hnsMinBars }

// hnsShape is three pivots on smoothed closes: shoulder, head, shoulder.
type hnsShape struct {
	left, head, right int
	neckline          float64
	inverse           bool
}

// Detect prefers the inverse (bullish) form. A regular top produces short-side
// levels, which validation rejects.
func (headShouldersDetector) Detect(series models.PriceSeries) Outcome {
	all, out, ok := prepare(series, hnsMinBars)
	if !ok {
		return out
	}
	atr := indicators.ATR14(all)
	window := tail(all, hnsWindow)
	closes := make([]float64, len(window))
	for i, b := range window {
		closes[i] = b.Close
	}
	smooth := indicators.CenteredMean(closes, 5)

	shape, found := findHNS(window, smooth, true)
	if !found {
		if shape, found = findHNS(window, smooth, false); !found {
			return noSignal(ReasonNoStructure, "no shoulder-head-shoulder sequence")
		}
	}

	head, l, r := smooth[shape.head], smooth[shape.left], smooth[shape.right]
	var entry, stop, measured float64
	var targets []float64
	if shape.inverse {
		entry = shape.neckline * 1.005
		stop = math.Min(l, r) * 0.98
		measured = shape.neckline - head
		targets = []float64{entry + measured*0.5, entry + measured}
	} else {
		entry = shape.neckline * 0.995
		stop = math.Max(l, r) * 1.02
		measured = head - shape.neckline
		targets = []float64{entry - measured*0.5, entry - measured}
	}

	color := "#66bb6a"
	if !shape.inverse {
		color = "#ff8a65"
	}
	overlays := baseOverlay(entry, stop, targets)
	overlays.Lines = append(overlays.Lines,
		models.Line{X1: isoDate(window[shape.left]), Y1: round4(l), X2: isoDate(window[shape.head]), Y2: round4(head), Color: color, Dash: true},
		models.Line{X1: isoDate(window[shape.head]), Y1: round4(head), X2: isoDate(window[shape.right]), Y2: round4(r), Color: color, Dash: true},
		models.Line{X1: isoDate(window[shape.left]), Y1: round4(shape.neckline), X2: isoDate(window[shape.right]), Y2: round4(shape.neckline), Color: "#ef5350", Width: 2},
	)
	overlays.Labels = append(overlays.Labels, models.Label{
		Text: "Head", X: isoDate(window[shape.head]), Y: round4(head),
	})

	n := len(smooth)
	symmetry := 1 - math.Abs(float64((shape.head-shape.left)-(shape.right-shape.head)))/float64(max(shape.head, n-shape.head, 1))
	card := newScorecard(HNS)
	card.Bonus("depth", measured/shape.neckline*35, 15)
	card.Bonus("symmetry", symmetry*10, 10)
	card.Volatility(atr, entry)

	structure := "inverse"
	if !shape.inverse {
		structure = "top"
	}
	extra := map[string]any{"structure": structure, "neckline": round4(shape.neckline)}
	if atr > 0 {
		extra["atr14"] = round4(atr)
	}
	return setup{
		pattern:  HNS,
		card:     card,
		entry:    entry,
		stop:     stop,
		targets:  targets,
		overlays: overlays,
		extra:    extra,
		evidence: []string{
			fmt.Sprintf("head vs shoulders diff %.2f", math.Abs(head-pickShoulder(l, r, shape.inverse))),
			fmt.Sprintf("neckline %.2f", shape.neckline),
			fmt.Sprintf("symmetry %.2f", symmetry),
		},
	}.build()
}

// pickShoulder returns the shoulder nearest the head's extreme.
func pickShoulder(l, r float64, inverse bool) float64 {
	if inverse {
		return math.Min(l, r)
	}
	return math.Max(l, r)
}

// findHNS locates the extreme pivot as the head and the most extreme pivots on
// each side (at least hnsMinSeparation bars away) as shoulders.
func findHNS(window []models.PriceBar, smooth []float64, inverse bool) (hnsShape, bool) {
	values := smooth
	if inverse {
		values = make([]float64, len(smooth))
		for i, v := range smooth {
			values[i] = -v
		}
	}
	pivots := localExtrema(values, hnsSwingWindow, true)
	if len(pivots) < 3 {
		return hnsShape{}, false
	}
	head := pivots[0]
	for _, p := range pivots[1:] {
		if values[p] > values[head] {
			head = p
		}
	}
	left, right := -1, -1
	for _, p := range pivots {
		switch {
		case p <= head-hnsMinSeparation && (left < 0 || values[p] > values[left]):
			left = p
		case p >= head+hnsMinSeparation && (right < 0 || values[p] > values[right]):
			right = p
		}
	}
	if left < 0 || right < 0 {
		return hnsShape{}, false
	}

	h, l, r := smooth[head], smooth[left], smooth[right]
	if h <= 0 || math.Abs(l-r)/h > hnsShoulderTol {
		return hnsShape{}, false
	}

	shape := hnsShape{left: left, head: head, right: right, inverse: inverse}
	if inverse {
		if h > math.Min(l, r)*(1-hnsHeadMargin) {
			return hnsShape{}, false
		}
		shape.neckline = (maxHigh(window[left:head+1]) + maxHigh(window[head:right+1])) / 2
	} else {
		if h < math.Max(l, r)*(1+hnsHeadMargin) {
			return hnsShape{}, false
		}
		shape.neckline = (minLow(window[left:head+1]) + minLow(window[head:right+1])) / 2
	}
	if shape.neckline <= 0 {
		return hnsShape{}, false
	}
	return shape, true
}

func maxHigh(bars []models.PriceBar) float64 {
	v := 0.0
	for _, b := range bars {
		v = math.Max(v, b.High)
	}
	return v
}

func minLow(bars []models.PriceBar) float64 {
	v := math.Inf(1)
	for _, b := range bars {
		v = math.Min(v, b.Low)
	}
	return v
}
