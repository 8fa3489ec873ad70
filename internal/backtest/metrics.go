package backtest

import (
	"sort"

	"patternscan/internal/analysis/indicators"
	"patternscan/internal/models"
)

// PrecisionAtK takes the top k candidates by confidence on each day and
// returns the fraction of those slots with a successful outcome. A day with
// fewer than k candidates contributes only the candidates it has.
func PrecisionAtK(cands []models.DailyCandidate, outs []models.Outcome, k int) float64 {
	if len(cands) == 0 || len(outs) == 0 || k <= 0 {
		return 0
	}

	success := make(map[[2]string]bool, len(outs))
	for _, o := range outs {
		if o.Success {
			success[[2]string{o.DateDetected, o.Symbol}] = true
		}
	}

	byDay := make(map[string][]models.DailyCandidate)
	var days []string
	for _, c := range cands {
		if _, ok := byDay[c.Date]; !ok {
			days = append(days, c.Date)
		}
		byDay[c.Date] = append(byDay[c.Date], c)
	}

	slots, hits := 0, 0
	for _, d := range days {
		group := byDay[d]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Confidence > group[j].Confidence })
		for _, c := range group[:min(k, len(group))] {
			slots++
			if success[[2]string{c.Date, c.Symbol}] {
				hits++
			}
		}
	}
	if slots == 0 {
		return 0
	}
	return float64(hits) / float64(slots)
}

// HitRate is successes over triggered outcomes.
func HitRate(outs []models.Outcome) float64 {
	triggered, wins := 0, 0
	for _, o := range outs {
		if !o.Triggered {
			continue
		}
		triggered++
		if o.Success {
			wins++
		}
	}
	if triggered == 0 {
		return 0
	}
	return float64(wins) / float64(triggered)
}

// MedianRunup is the median 30-bar runup across outcomes.
func MedianRunup(outs []models.Outcome) float64 {
	runups := make([]float64, len(outs))
	for i, o := range outs {
		runups[i] = o.MaxRunup30d
	}
	return indicators.Median(runups)
}

// Summarize aggregates the KPIs of candidates and outcomes.
func Summarize(cands []models.DailyCandidate, outs []models.Outcome) models.Summary {
	s := models.Summary{
		PrecisionAt10: PrecisionAtK(cands, outs, 10),
		PrecisionAt25: PrecisionAtK(cands, outs, 25),
		HitRate:       HitRate(outs),
		MedianRunup:   MedianRunup(outs),
		NumCandidates: len(cands),
		NumTriggers:   len(outs),
	}
	for _, o := range outs {
		if o.Success {
			s.NumSuccess++
		}
	}
	return s
}

// Status is "no_data" when a summary has neither candidates nor triggers.
func Status(s models.Summary) string {
	if s.NumCandidates == 0 && s.NumTriggers == 0 {
		return "no_data"
	}
	return "ok"
}
