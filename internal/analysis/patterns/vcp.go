package patterns

import (
	"fmt"
	"math"
	"time"

	"patternscan/internal/analysis/indicators"
	"patternscan/internal/models"
	"patternscan/pkg/utils"
)

// VCPConfig holds the volatility-contraction tunables. Thresholds below the
// trend and volume gates are deliberately loose defaults; precision@k from the
// backtest is the yardstick for changing them.
type VCPConfig struct {
	MinBars                  int     `json:"min_bars"`
	MinPrice                 float64 `json:"min_price"`
	MinVolume                float64 `json:"min_volume"`
	MinContractions          int     `json:"min_contractions"`
	MaxContractions          int     `json:"max_contractions"`
	MinLegDepth              float64 `json:"min_leg_depth"`
	MaxBaseDepth             float64 `json:"max_base_depth"`
	FinalContractionMax      float64 `json:"final_contraction_max"`
	FinalRelaxMultiplier     float64 `json:"final_relax_multiplier"`
	TighteningFactor         float64 `json:"tightening_factor"`
	DryUpRatio               float64 `json:"dry_up_ratio"`
	DryUpSoftLimit           float64 `json:"dry_up_soft_limit"`
	PivotWindow              int     `json:"pivot_window"`
	BreakoutVolumeMultiplier float64 `json:"breakout_volume_multiplier"`
	SwingWindow              int     `json:"swing_window"`
	TrendTolerance           float64 `json:"trend_tolerance"`
	AltTrendProgress         float64 `json:"alt_trend_progress"`
}

// DefaultVCPConfig returns the default VCP tunables.
func DefaultVCPConfig() VCPConfig {
	return VCPConfig{
		MinBars:                  200,
		MinPrice:                 10,
		MinVolume:                500_000,
		MinContractions:          2,
		MaxContractions:          6,
		MinLegDepth:              0.02,
		MaxBaseDepth:             0.35,
		FinalContractionMax:      0.10,
		FinalRelaxMultiplier:     1.5,
		TighteningFactor:         0.95,
		DryUpRatio:               0.80,
		DryUpSoftLimit:           0.90,
		PivotWindow:              7,
		BreakoutVolumeMultiplier: 1.8,
		SwingWindow:              5,
		TrendTolerance:           0.02,
		AltTrendProgress:         0.05,
	}
}

// Validate reports tunables that would make the detector meaningless.
func (c VCPConfig) Validate() error {
	switch {
	case c.MinBars < 200:
		return fmt.Errorf("vcp min_bars must be at least 200 (got %d)", c.MinBars)
	case c.MinContractions < 1:
		return fmt.Errorf("vcp min_contractions must be positive")
	case c.MaxContractions < c.MinContractions:
		return fmt.Errorf("vcp max_contractions below min_contractions")
	case c.MaxBaseDepth <= c.MinLegDepth || c.MaxBaseDepth >= 1:
		return fmt.Errorf("vcp max_base_depth must be in (min_leg_depth, 1)")
	case c.TighteningFactor <= 0 || c.TighteningFactor > 1:
		return fmt.Errorf("vcp tightening_factor must be in (0, 1]")
	case c.DryUpRatio <= 0 || c.DryUpSoftLimit < c.DryUpRatio:
		return fmt.Errorf("vcp dry_up_soft_limit must be >= dry_up_ratio > 0")
	case c.PivotWindow < 1 || c.SwingWindow < 1:
		return fmt.Errorf("vcp windows must be positive")
	}
	return nil
}

// VCPSignal is the raw output of the contraction analysis.
type VCPSignal struct {
	Symbol                    string
	Detected                  bool
	PivotPrice                float64
	Contractions              []models.Contraction
	ConfidenceScore           float64
	TrendStrength             float64
	VolumeDryUp               bool
	VolumeRatio               float64
	FinalContractionTightness float64
	BreakoutDetected          bool
	SignalDate                time.Time
	Notes                     []string
	Reason                    NoSignalReason
}

func (s VCPSignal) reject(reason NoSignalReason) VCPSignal {
	s.Reason = reason
	s.Notes = append(s.Notes, string(reason))
	return s
}

// VCPAnalyzer produces a VCPSignal for a series.
type VCPAnalyzer interface {
	Analyze(series models.PriceSeries) VCPSignal
}

// VCPDetector finds volatility contraction bases.
type VCPDetector struct {
	cfg VCPConfig
}

// NewVCPDetector creates a detector with the given tunables.
func NewVCPDetector(cfg VCPConfig) *VCPDetector {
	return &VCPDetector{cfg: cfg}
}

// Config returns the detector tunables.
func (d *VCPDetector) Config() VCPConfig {
	return d.cfg
}

// Analyze runs the liquidity, trend, contraction and volume gates in order
// and stops at the first failure.
func (d *VCPDetector) Analyze(series models.PriceSeries) VCPSignal {
	cfg := d.cfg
	sig := VCPSignal{Symbol: series.Symbol}

	bars, out, ok := prepare(series, cfg.MinBars)
	if !ok {
		return sig.reject(out.Reason)
	}
	n := len(bars)
	closes, highs, lows, vols := series.Closes(), series.Highs(), series.Lows(), series.Volumes()

	price := closes[n-1]
	vol50 := indicators.TailMean(vols, 50)
	if price < cfg.MinPrice || vol50 < cfg.MinVolume {
		return sig.reject(ReasonLiquidity)
	}

	ma50 := indicators.RollingMean(closes, 50)
	ma150 := indicators.RollingMean(closes, 150)
	ma200 := indicators.RollingMean(closes, 200)
	tol := 1 - cfg.TrendTolerance
	stacked := price >= ma50[n-1]*tol && ma50[n-1] >= ma150[n-1]*tol && ma150[n-1] >= ma200[n-1]*tol
	ma50Slope := 0.0
	if prev := ma50[n-21]; !math.IsNaN(prev) && prev > 0 {
		ma50Slope = ma50[n-1]/prev - 1
	}
	progress := indicators.PercentChange(closes, 50)
	switch {
	case stacked && ma50Slope >= 0:
		sig.TrendStrength = 1
	case progress >= cfg.AltTrendProgress:
		sig.TrendStrength = 0.5
	default:
		return sig.reject(ReasonTrend)
	}

	var legs []models.Contraction
	for _, l := range pairLegs(findSwings(highs, lows, cfg.SwingWindow)) {
		hi, lo := highs[l.high], lows[l.low]
		pct := (hi - lo) / math.Max(hi, 1e-9)
		if pct <= cfg.MinLegDepth || pct >= cfg.MaxBaseDepth {
			continue
		}
		legs = append(legs, models.Contraction{
			StartDate:    bars[l.high].Date,
			EndDate:      bars[l.low].Date,
			HighPrice:    hi,
			LowPrice:     lo,
			PercentDrop:  pct,
			AvgVolume:    indicators.Mean(vols[l.high : l.low+1]),
			DurationDays: l.low - l.high,
		})
	}
	if len(legs) < cfg.MinContractions {
		return sig.reject(ReasonFewContractions)
	}

	// The base is the most recent run of legs where each drop is at most the
	// previous one times the tightening factor.
	start := len(legs) - 1
	for start > 0 && legs[start].PercentDrop <= legs[start-1].PercentDrop*cfg.TighteningFactor {
		start--
	}
	base := legs[start:]
	if len(base) > cfg.MaxContractions {
		base = base[len(base)-cfg.MaxContractions:]
	}
	if len(base) < cfg.MinContractions {
		return sig.reject(ReasonNotTightening)
	}
	sig.Contractions = base

	final := base[len(base)-1].PercentDrop
	sig.FinalContractionTightness = final
	if final > cfg.FinalContractionMax*cfg.FinalRelaxMultiplier {
		return sig.reject(ReasonFinalTooWide)
	}

	ratio := indicators.VolumeRatio(vols, 10, 50)
	sig.VolumeRatio = ratio
	if ratio > cfg.DryUpSoftLimit {
		return sig.reject(ReasonNoDryUp)
	}
	sig.VolumeDryUp = ratio <= cfg.DryUpRatio

	sig.PivotPrice = indicators.Highest(highs[n-cfg.PivotWindow:])
	prior := indicators.Highest(highs[max(0, n-1-cfg.PivotWindow) : n-1])
	if price > prior && vols[n-1] > cfg.BreakoutVolumeMultiplier*vol50 {
		sig.BreakoutDetected = true
	}

	score := 55.0
	score += math.Max(0, 0.12-final) * 200
	score += float64(min(len(base), 5)) * 4
	score += math.Min(math.Max(ma50Slope, 0)*200, 10)
	if sig.VolumeDryUp {
		score += 10
	} else {
		score -= 5
	}
	if sig.BreakoutDetected {
		score += 10
	}
	sig.ConfidenceScore = clamp(score, 0, 95)

	volNote := "vol_dry_up"
	if !sig.VolumeDryUp {
		volNote = "vol_soft"
	}
	sig.Detected = true
	sig.SignalDate = bars[n-1].Date
	sig.Notes = append(sig.Notes,
		fmt.Sprintf("Detected with %d contractions", len(base)),
		fmt.Sprintf("final=%.2f", final),
		volNote,
	)
	return sig
}

// vcpPattern turns a VCPSignal into a trade setup.
type vcpPattern struct {
	analyzer VCPAnalyzer
	minBars  int
}

// NewVCPPattern returns the VCP detector for the registry.
func NewVCPPattern(cfg VCPConfig) Detector {
	return vcpPattern{analyzer: NewVCPDetector(cfg), minBars: cfg.MinBars}
}

// NewVCPPatternWith wraps an arbitrary analyzer.
func NewVCPPatternWith(a VCPAnalyzer, minBars int) Detector {
	return vcpPattern{analyzer: a, minBars: minBars}
}

func (vcpPattern) Name() string { return VCP }

func (p vcpPattern) MinBars() int { return p.minBars }

func (p vcpPattern) Detect(series models.PriceSeries) Outcome {
	bars, out, ok := prepare(series, p.minBars)
	if !ok {
		return out
	}
	sig := p.analyzer.Analyze(series)
	if !sig.Detected || sig.PivotPrice <= 0 {
		reason := sig.Reason
		if reason == ReasonNone {
			reason = ReasonNoStructure
		}
		return noSignal(reason, "")
	}

	closes, highs, lows, vols := series.Closes(), series.Highs(), series.Lows(), series.Volumes()
	n := len(bars)
	atr := indicators.ATR14(bars)
	vol50 := indicators.TailMean(vols, 50)

	entry := sig.PivotPrice
	stop := math.Inf(1)
	for _, c := range sig.Contractions {
		if c.LowPrice > 0 {
			stop = math.Min(stop, c.LowPrice)
		}
	}
	if math.IsInf(stop, 1) || stop >= entry {
		stop = indicators.Lowest(lows[n-min(15, n):])
	}
	stop = ClampStop(entry, stop, 0.92, 0.99)

	cupHigh := indicators.Highest(highs[max(0, n-60):])
	cupLow := indicators.Lowest(lows[max(0, n-60):])
	if len(sig.Contractions) > 0 {
		cupHigh, cupLow = 0, math.Inf(1)
		for _, c := range sig.Contractions {
			cupHigh = math.Max(cupHigh, c.HighPrice)
			cupLow = math.Min(cupLow, c.LowPrice)
		}
	}
	cupDepthPct := (cupHigh - cupLow) / math.Max(cupHigh, 1e-6)

	risk := math.Max(entry-stop, 0.01)
	targetCup := round(entry+math.Max(entry-cupLow, 0)*0.618, 2)
	resistance := 0.0
	for _, h := range highs[max(0, n-180):] {
		if h > entry && (resistance == 0 || h < resistance) {
			resistance = h
		}
	}
	if resistance == 0 {
		resistance = entry * 1.08
	}
	resistance = round(resistance, 2)
	conservative := round(entry+risk*1.5, 2)
	var targets []float64
	for _, t := range []float64{targetCup, resistance, conservative} {
		if t > entry {
			targets = append(targets, t)
		}
	}

	overlays := baseOverlay(entry, stop, targets)
	for _, c := range sig.Contractions {
		overlays.Lines = append(overlays.Lines, models.Line{
			X1: c.StartDate.Format(models.DateLayout), Y1: round4(c.HighPrice),
			X2: c.EndDate.Format(models.DateLayout), Y2: round4(c.LowPrice),
			Color: "#9be7ff", Dash: true, Width: 1,
		})
	}
	last := isoDate(bars[n-1])
	overlays.Labels = append(overlays.Labels,
		models.Label{Text: "Pivot", X: last, Y: round4(entry)},
		models.Label{Text: "Stop", X: last, Y: round4(stop)},
	)

	tight := sig.FinalContractionTightness
	if tight <= 0 {
		tight = 0.12
	}
	slope := indicators.PercentChange(closes, 50)
	card := newScorecard(VCP)
	card.Bonus("contractions", float64(len(sig.Contractions)-2)*5, 18)
	card.Bonus("tightness", (0.12-tight)/0.12*12, 12)
	if sig.VolumeDryUp {
		card.Add("dry_up", 6)
	}
	card.Bonus("trend", slope*40, 6)
	card.Volatility(atr, entry)

	var evidence []string
	if len(sig.Contractions) > 0 {
		evidence = append(evidence, fmt.Sprintf("%d tightening contractions", len(sig.Contractions)))
	}
	if sig.VolumeDryUp {
		evidence = append(evidence, "volume dry-up confirmed")
	}
	evidence = append(evidence,
		fmt.Sprintf("MA slope last 50d: %.2f%%", slope*100),
		fmt.Sprintf("Cup depth: %.2f%%", cupDepthPct*100),
	)
	if len(sig.Contractions) > 0 && vol50 > 0 {
		handle := sig.Contractions[len(sig.Contractions)-1].AvgVolume
		evidence = append(evidence, fmt.Sprintf("Handle volume vs 50d: %.2f%%", handle/vol50*100))
	}

	contractions := make([]map[string]any, 0, len(sig.Contractions))
	for _, c := range sig.Contractions {
		contractions = append(contractions, map[string]any{
			"start": c.StartDate.Format(models.DateLayout),
			"end":   c.EndDate.Format(models.DateLayout),
			"drop":  round4(c.PercentDrop),
		})
	}
	extra := map[string]any{
		"pivot":         round4(entry),
		"confidence":    round(sig.ConfidenceScore, 2),
		"breakout":      sig.BreakoutDetected,
		"volume_dry_up": sig.VolumeDryUp,
		"volume_ratio":  round4(sig.VolumeRatio),
		"notes":         sig.Notes,
		"contractions":  contractions,
		"cup_depth_pct": round4(cupDepthPct),
		"targets_breakdown": map[string]float64{
			"cup_depth":  targetCup,
			"resistance": resistance,
			"rr_1_5":     conservative,
		},
		"stop_display": utils.FormatPrice(round(stop, 2)),
	}
	if atr > 0 {
		extra["atr14"] = round4(atr)
	}

	return setup{
		pattern:  VCP,
		card:     card,
		entry:    entry,
		stop:     stop,
		targets:  targets,
		overlays: overlays,
		extra:    extra,
		evidence: evidence,
	}.build()
}
