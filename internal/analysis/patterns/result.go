package patterns

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"patternscan/internal/models"
)

// round returns v rounded half away from zero to places decimals.
func round(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

func round4(v float64) float64 { return round(v, 4) }

// levels rounds and orders trade levels. Non-positive targets are dropped and
// duplicates removed.
func levels(entry, stop float64, targets []float64) (float64, float64, []float64) {
	entry, stop = round4(entry), round4(stop)
	seen := make(map[float64]bool, len(targets))
	out := make([]float64, 0, len(targets))
	for _, t := range targets {
		t = round4(t)
		if math.IsNaN(t) || t <= 0 || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Float64s(out)
	return entry, stop, out
}

// ValidateLevels checks 0 < stop < entry < min(targets).
func ValidateLevels(entry, stop float64, targets []float64) error {
	switch {
	case !(entry > 0) || math.IsInf(entry, 0):
		return fmt.Errorf("entry %v is not positive", entry)
	case !(stop > 0) || math.IsInf(stop, 0):
		return fmt.Errorf("stop %v is not positive", stop)
	case stop >= entry:
		return fmt.Errorf("stop %v not below entry %v", stop, entry)
	case len(targets) == 0:
		return fmt.Errorf("no targets")
	}
	for i, t := range targets {
		if !(t > entry) || math.IsInf(t, 0) {
			return fmt.Errorf("target %v not above entry %v", t, entry)
		}
		if i > 0 && t <= targets[i-1] {
			return fmt.Errorf("targets not ascending")
		}
	}
	return nil
}

// Validate checks a finished result against the level and score invariants.
func Validate(r *models.PatternResult) error {
	if r == nil {
		return fmt.Errorf("nil result")
	}
	if err := ValidateLevels(r.Entry, r.Stop, r.Targets); err != nil {
		return err
	}
	if r.Score < 0 || r.Score > MaxScore {
		return fmt.Errorf("score %v outside [0, %v]", r.Score, MaxScore)
	}
	return nil
}

// baseOverlay returns an overlay carrying only the price levels.
func baseOverlay(entry, stop float64, targets []float64) models.Overlays {
	e, s, t := levels(entry, stop, targets)
	return models.Overlays{
		Lines:       []models.Line{},
		Boxes:       []models.Box{},
		Labels:      []models.Label{},
		PriceLevels: models.KeyLevels{Entry: e, Stop: s, Targets: t},
	}
}

// setup collects what a detector computed before validation.
type setup struct {
	pattern  string
	card     *Scorecard
	entry    float64
	stop     float64
	targets  []float64
	overlays models.Overlays
	extra    map[string]any
	evidence []string
}

// build rounds and validates a setup. Invariant violations become ReasonInvalidGeometry.
func (s setup) build() Outcome {
	entry, stop, targets := levels(s.entry, s.stop, s.targets)
	if err := ValidateLevels(entry, stop, targets); err != nil {
		return noSignal(ReasonInvalidGeometry, err.Error())
	}

	extra := s.extra
	if extra == nil {
		extra = map[string]any{}
	}
	extra["score_terms"] = s.card.Terms()

	overlays := s.overlays
	overlays.PriceLevels = models.KeyLevels{Entry: entry, Stop: stop, Targets: targets}

	return Outcome{Result: &models.PatternResult{
		Pattern:   s.pattern,
		Score:     round(s.card.Final(), 2),
		Entry:     entry,
		Stop:      stop,
		Targets:   targets,
		Overlays:  overlays,
		KeyLevels: models.KeyLevels{Entry: entry, Stop: stop, Targets: append([]float64(nil), targets...)},
		Evidence:  s.evidence,
		Extra:     extra,
	}}
}
