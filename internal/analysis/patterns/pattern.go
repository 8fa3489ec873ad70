// Package patterns detects chart-pattern trade setups in daily or weekly price series.
//
// Every detector returns an Outcome: either a validated PatternResult or an
// inspectable NoSignalReason. Detectors never return errors for data problems.
package patterns

import (
	"sort"
	"strings"

	"patternscan/internal/errors"
	"patternscan/internal/models"
)

// Pattern names accepted by Detect.
const (
	VCP       = "vcp"
	CupHandle = "cup_handle"
	HNS       = "hns"
	Flag      = "flag"
	Wedge     = "wedge"
	Double    = "double"
)

// NoSignalReason explains why a detector produced no result.
type NoSignalReason string

const (
	ReasonNone             NoSignalReason = ""
	ReasonInsufficientData NoSignalReason = "insufficient data"
	ReasonMissingData      NoSignalReason = "missing price fields"
	ReasonLiquidity        NoSignalReason = "failed liquidity filters"
	ReasonTrend            NoSignalReason = "failed trend template"
	ReasonFewContractions  NoSignalReason = "not enough contractions"
	ReasonNotTightening    NoSignalReason = "contractions not tightening"
	ReasonFinalTooWide     NoSignalReason = "final contraction too wide"
	ReasonNoDryUp          NoSignalReason = "no volume dry-up"
	ReasonNoStructure      NoSignalReason = "no qualifying structure"
	ReasonOutOfBounds      NoSignalReason = "structure outside thresholds"
	ReasonInvalidGeometry  NoSignalReason = "invalid geometry"
)

// Outcome is the result of running one detector on one series.
type Outcome struct {
	Result *models.PatternResult
	Reason NoSignalReason
	Detail string
}

// Detected reports whether a result was produced.
func (o Outcome) Detected() bool {
	return o.Result != nil
}

func noSignal(reason NoSignalReason, detail string) Outcome {
	return Outcome{Reason: reason, Detail: detail}
}

// Detector turns a price series into at most one setup.
type Detector interface {
	Name() string
	MinBars() int
	Detect(series models.PriceSeries) Outcome
}

// Registry maps pattern names to detectors.
type Registry struct {
	detectors map[string]Detector
}

// NewRegistry builds the six detectors with the given VCP tunables.
func NewRegistry(cfg VCPConfig) *Registry {
	r := &Registry{detectors: make(map[string]Detector)}
	for _, d := range []Detector{
		NewVCPPattern(cfg),
		cupHandleDetector{},
		headShouldersDetector{},
		flagDetector{},
		wedgeDetector{},
		doubleDetector{},
	} {
		r.detectors[d.Name()] = d
	}
	return r
}

// Lookup returns the detector registered under name (case-insensitive).
func (r *Registry) Lookup(name string) (Detector, error) {
	d, ok := r.detectors[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnsupportedPattern, "pattern %q", name)
	}
	return d, nil
}

// Names lists registered pattern names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.detectors))
	for n := range r.detectors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Detect runs the named detector. The only error is an unknown pattern name.
func (r *Registry) Detect(name string, series models.PriceSeries, symbol, timeframe string) (Outcome, error) {
	d, err := r.Lookup(name)
	if err != nil {
		return Outcome{}, err
	}
	if symbol != "" {
		series.Symbol = symbol
	}
	out := d.Detect(series)
	if out.Result != nil && timeframe != "" {
		if out.Result.Extra == nil {
			out.Result.Extra = map[string]any{}
		}
		out.Result.Extra["timeframe"] = timeframe
	}
	return out, nil
}

var defaultRegistry = NewRegistry(DefaultVCPConfig())

// Detect runs the named detector with default tunables.
func Detect(name string, series models.PriceSeries, symbol, timeframe string) (Outcome, error) {
	return defaultRegistry.Detect(name, series, symbol, timeframe)
}

// prepare checks the minimum history and that every bar carries usable prices.
func prepare(series models.PriceSeries, minBars int) ([]models.PriceBar, Outcome, bool) {
	bars := series.Bars
	if len(bars) < minBars {
		return nil, noSignal(ReasonInsufficientData, ""), false
	}
	for _, b := range bars {
		if b.High <= 0 || b.Low <= 0 || b.Close <= 0 || b.High < b.Low {
			return nil, noSignal(ReasonMissingData, b.Date.Format(models.DateLayout)), false
		}
	}
	return bars, Outcome{}, true
}

func tail(bars []models.PriceBar, n int) []models.PriceBar {
	if n >= len(bars) {
		return bars
	}
	return bars[len(bars)-n:]
}

func isoDate(b models.PriceBar) string {
	return b.Date.Format(models.DateLayout)
}
