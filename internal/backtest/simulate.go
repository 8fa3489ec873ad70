// Package backtest replays the VCP detector day by day over history, labels
// the forward outcome of every candidate and aggregates precision KPIs.
package backtest

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"patternscan/internal/analysis/patterns"
	"patternscan/internal/config"
	"patternscan/internal/errors"
	"patternscan/internal/marketdata"
	"patternscan/internal/models"
	"patternscan/pkg/utils"
)

// Config tunes the simulator.
type Config struct {
	Label      LabelConfig
	MinHistory int
	Period     string // history fetched per symbol
	Workers    int
}

// ConfigFrom converts the backtest config section.
func ConfigFrom(c config.BacktestConfig) Config {
	return Config{
		Label: LabelConfig{
			TriggerVolumeMultiplier: c.TriggerVolumeMultiplier,
			StopLookback:            c.StopLookback,
			StopFloor:               c.StopFloor,
			RRTarget:                c.RRTarget,
			OutcomeWindow:           c.OutcomeWindow,
			StatsWindow:             c.StatsWindow,
		},
		MinHistory: c.MinHistory,
		Period:     c.Period,
		Workers:    c.Workers,
	}
}

// DefaultConfig returns the standard walk-forward settings.
func DefaultConfig() Config {
	return Config{Label: DefaultLabelConfig(), MinHistory: 200, Period: "5y", Workers: 4}
}

// Simulator runs walk-forward backtests.
type Simulator struct {
	provider marketdata.Provider
	detector patterns.Detector
	cfg      Config
	logger   zerolog.Logger
}

// NewSimulator creates a simulator. A nil detector uses the default VCP tunables.
func NewSimulator(provider marketdata.Provider, detector patterns.Detector, cfg Config, logger zerolog.Logger) *Simulator {
	if detector == nil {
		detector = patterns.NewVCPPattern(patterns.DefaultVCPConfig())
	}
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = 200
	}
	if cfg.Period == "" {
		cfg.Period = "5y"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Simulator{
		provider: provider,
		detector: detector,
		cfg:      cfg,
		logger:   logger.With().Str("component", "backtest").Logger(),
	}
}

// Result lists what a walk-forward wrote.
type Result struct {
	Days       []string
	Candidates int
	Outcomes   int
}

// WalkForward simulates every calendar day in [start, end]. For each day only
// bars dated on or before it are visible to the detector, and only symbols
// with a bar on that day are detected. Candidate and outcome files are
// written per day under artifacts.
func (s *Simulator) WalkForward(ctx context.Context, start, end time.Time, symbols []string, artifacts *Artifacts) (*Result, error) {
	if end.Before(start) {
		return nil, errors.NewValidationError("end", end.Format(models.DateLayout), "end is before start")
	}
	if err := artifacts.Init(); err != nil {
		return nil, err
	}

	series := s.preload(ctx, symbols)
	res := &Result{}
	for _, day := range utils.DateRange(start, end) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		label := day.Format(models.DateLayout)

		cands, idx := s.detectDay(day, series)
		if err := artifacts.WriteCandidates(label, cands); err != nil {
			return res, err
		}

		var outs []models.Outcome
		for i, c := range cands {
			if c.Pivot <= 0 {
				continue
			}
			if o, ok := Label(series[idx[i]].Bars, series[idx[i]].As(day).Len()-1, c, s.cfg.Label); ok {
				outs = append(outs, o)
			}
		}
		if err := artifacts.WriteOutcomes(label, outs); err != nil {
			return res, err
		}

		res.Days = append(res.Days, label)
		res.Candidates += len(cands)
		res.Outcomes += len(outs)
	}

	s.logger.Info().Str("start", start.Format(models.DateLayout)).Str("end", end.Format(models.DateLayout)).
		Int("symbols", len(series)).Int("candidates", res.Candidates).Int("outcomes", res.Outcomes).
		Msg("walk-forward complete")
	return res, nil
}

// preload fetches each symbol's full history once. Symbols that fail to load
// are skipped for the whole run.
func (s *Simulator) preload(ctx context.Context, symbols []string) []models.PriceSeries {
	out := make([]models.PriceSeries, 0, len(symbols))
	for _, sym := range symbols {
		ps, err := s.provider.Fetch(ctx, sym, s.cfg.Period, "1d")
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", sym).Msg("failed to load history")
			continue
		}
		out = append(out, ps)
	}
	return out
}

// detectDay runs the detector on every series truncated at day. A series
// without a bar dated day (weekends, holidays, halts) yields no candidate.
// It returns the candidates in universe order with the series index of each.
func (s *Simulator) detectDay(day time.Time, series []models.PriceSeries) ([]models.DailyCandidate, []int) {
	found := make([]*models.DailyCandidate, len(series))
	label := day.Format(models.DateLayout)

	p := pool.New().WithMaxGoroutines(s.cfg.Workers)
	for i := range series {
		i := i
		p.Go(func() {
			asOf := series[i].As(day)
			if asOf.Len() < s.cfg.MinHistory || asOf.Last().Date.Format(models.DateLayout) != label {
				return
			}
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn().Interface("panic", r).Str("symbol", asOf.Symbol).Str("day", label).Msg("detect failed")
				}
			}()
			out := s.detector.Detect(asOf)
			if !out.Detected() {
				return
			}
			found[i] = candidate(label, asOf, out.Result)
		})
	}
	p.Wait()

	var cands []models.DailyCandidate
	var idx []int
	for i, c := range found {
		if c != nil {
			cands = append(cands, *c)
			idx = append(idx, i)
		}
	}
	return cands, idx
}

// candidate ranks by the detector's own confidence, falling back to the
// scorecard score for detectors that do not report one.
func candidate(day string, asOf models.PriceSeries, r *models.PatternResult) *models.DailyCandidate {
	pivot := r.Entry
	if v, ok := r.Extra["pivot"].(float64); ok && v > 0 {
		pivot = v
	}
	confidence := r.Score
	if v, ok := r.Extra["confidence"].(float64); ok {
		confidence = v
	}
	return &models.DailyCandidate{
		Date:       day,
		Symbol:     asOf.Symbol,
		Confidence: confidence,
		Pivot:      pivot,
		Price:      asOf.Last().Close,
		Notes:      strings.Join(r.Evidence, "|"),
	}
}

// SummarizeRange recomputes the KPIs of [start, end] from the artifacts.
func SummarizeRange(start, end string, artifacts *Artifacts) (models.RangeSummary, error) {
	cands, outs, err := artifacts.Load(start, end)
	if err != nil {
		return models.RangeSummary{}, err
	}
	sum := Summarize(cands, outs)
	return models.RangeSummary{Start: start, End: end, Status: Status(sum), Summary: sum}, nil
}
