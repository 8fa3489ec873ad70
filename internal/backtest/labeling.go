package backtest

import (
	"math"

	"patternscan/internal/models"
)

// LabelConfig holds the breakout and outcome rules.
type LabelConfig struct {
	TriggerVolumeMultiplier float64 // close >= pivot and volume >= mult x 50-bar mean
	StopLookback            int     // bars before the trigger searched for the stop
	StopFloor               float64 // stop is never below pivot x floor
	RRTarget                float64 // target = pivot + RRTarget x R
	OutcomeWindow           int     // bars after the trigger to reach target or stop
	StatsWindow             int     // bars after the trigger for runup/drawdown
}

// DefaultLabelConfig returns the standard labeling rules.
func DefaultLabelConfig() LabelConfig {
	return LabelConfig{
		TriggerVolumeMultiplier: 1.5,
		StopLookback:            10,
		StopFloor:               0.92,
		RRTarget:                1.5,
		OutcomeWindow:           25,
		StatsWindow:             30,
	}
}

const volumeWindow = 50

// BreakoutTrigger returns the index of the first bar at or after from whose
// close is at least pivot on volume of at least mult times the 50-bar mean
// (the mean includes the bar itself).
func BreakoutTrigger(bars []models.PriceBar, from int, pivot, mult float64) (int, bool) {
	if pivot <= 0 {
		return -1, false
	}
	from = max(from, volumeWindow-1)
	if from >= len(bars) {
		return -1, false
	}

	sum := 0.0
	for i := from - volumeWindow + 1; i < from; i++ {
		sum += bars[i].Volume
	}
	for i := from; i < len(bars); i++ {
		sum += bars[i].Volume
		mean := sum / volumeWindow
		if bars[i].Close >= pivot && bars[i].Volume >= mult*mean {
			return i, true
		}
		sum -= bars[i-volumeWindow+1].Volume
	}
	return -1, false
}

// Stop is max(lowest low of the lookback bars before trigger, pivot x floor).
func Stop(bars []models.PriceBar, trigger int, pivot float64, lookback int, floor float64) float64 {
	lo := max(0, trigger-lookback)
	recent := math.Inf(1)
	for _, b := range bars[lo:trigger] {
		recent = math.Min(recent, b.Low)
	}
	if trigger == 0 {
		recent = bars[0].Low
	}
	return math.Max(recent, pivot*floor)
}

// EvaluateOutcome walks the bars from trigger through trigger+window and
// reports whether the target was reached before the stop. A bar that touches
// both counts as stopped out. With neither touched the exit is the last bar
// of the window.
func EvaluateOutcome(bars []models.PriceBar, trigger int, pivot, stop, rr float64, window int) (success bool, exit int) {
	end := min(trigger+window, len(bars)-1)
	risk := math.Max(pivot-stop, 1e-6)
	target := pivot + rr*risk
	for i := trigger; i <= end; i++ {
		if bars[i].Low <= stop {
			return false, i
		}
		if bars[i].High >= target {
			return true, i
		}
	}
	return false, end
}

// WindowStats returns runup, drawdown and R-multiple of the bars from trigger
// through trigger+window, measured from pivot.
func WindowStats(bars []models.PriceBar, trigger int, pivot, stop float64, window int) (runup, drawdown, rMultiple float64) {
	end := min(trigger+window, len(bars)-1)
	hi, lo := math.Inf(-1), math.Inf(1)
	for _, b := range bars[trigger : end+1] {
		hi = math.Max(hi, b.High)
		lo = math.Min(lo, b.Low)
	}
	p := math.Max(pivot, 1e-6)
	risk := math.Max(pivot-stop, 1e-6)
	return (hi - pivot) / p, (pivot - lo) / p, (hi - pivot) / risk
}

// Label simulates the forward outcome of a candidate detected at bar index
// detected. It returns false when no breakout triggers.
func Label(bars []models.PriceBar, detected int, c models.DailyCandidate, cfg LabelConfig) (models.Outcome, bool) {
	trig, ok := BreakoutTrigger(bars, detected+1, c.Pivot, cfg.TriggerVolumeMultiplier)
	if !ok {
		return models.Outcome{}, false
	}
	stop := Stop(bars, trig, c.Pivot, cfg.StopLookback, cfg.StopFloor)
	success, exit := EvaluateOutcome(bars, trig, c.Pivot, stop, cfg.RRTarget, cfg.OutcomeWindow)
	runup, drawdown, r := WindowStats(bars, trig, c.Pivot, stop, cfg.StatsWindow)
	return models.Outcome{
		DateDetected:   c.Date,
		Symbol:         c.Symbol,
		TriggerDate:    bars[trig].Date.Format(models.DateLayout),
		Triggered:      true,
		Success:        models.Flag(success),
		ExitDate:       bars[exit].Date.Format(models.DateLayout),
		MaxRunup30d:    runup,
		MaxDrawdown30d: drawdown,
		RMultiple:      r,
	}, true
}
