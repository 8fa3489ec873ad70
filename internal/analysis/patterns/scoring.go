package patterns

import "math"

// MaxScore is the ceiling applied to every detector score.
const MaxScore = 99.0

// scoreProfile holds the per-pattern constants of the shared scoring scaffold.
type scoreProfile struct {
	Base    float64
	Cap     float64
	ATRMult float64 // penalty = atr/entry * ATRMult
	ATRCap  float64
}

var scoreProfiles = map[string]scoreProfile{
	VCP:       {Base: 68, Cap: 99, ATRMult: 120, ATRCap: 8},
	CupHandle: {Base: 65, Cap: 95, ATRMult: 120, ATRCap: 10},
	HNS:       {Base: 60, Cap: 92, ATRMult: 140, ATRCap: 12},
	Flag:      {Base: 62, Cap: 94, ATRMult: 100, ATRCap: 8},
	Wedge:     {Base: 58, Cap: 90, ATRMult: 120, ATRCap: 10},
	Double:    {Base: 63, Cap: 90, ATRMult: 120, ATRCap: 10},
}

// ScoreTerm is one labelled contribution to a score.
type ScoreTerm struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Scorecard accumulates base + bonuses - penalties and clamps the total.
type Scorecard struct {
	profile scoreProfile
	terms   []ScoreTerm
}

func newScorecard(pattern string) *Scorecard {
	p, ok := scoreProfiles[pattern]
	if !ok {
		p = scoreProfile{Base: 50, Cap: MaxScore}
	}
	return &Scorecard{profile: p}
}

// Add records a signed contribution.
func (s *Scorecard) Add(label string, v float64) {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	s.terms = append(s.terms, ScoreTerm{Label: label, Value: v})
}

// Bonus records clamp(v, 0, hi).
func (s *Scorecard) Bonus(label string, v, hi float64) {
	s.Add(label, clamp(v, 0, hi))
}

// Penalty records -clamp(v, 0, hi).
func (s *Scorecard) Penalty(label string, v, hi float64) {
	s.Add(label, -clamp(v, 0, hi))
}

// Volatility applies the profile's ATR/entry penalty.
func (s *Scorecard) Volatility(atr, entry float64) {
	if atr <= 0 || s.profile.ATRMult == 0 {
		return
	}
	s.Penalty("volatility", atr/math.Max(entry, 1e-6)*s.profile.ATRMult, s.profile.ATRCap)
}

// Final returns the total clamped to [0, min(cap, MaxScore)].
func (s *Scorecard) Final() float64 {
	total := s.profile.Base
	for _, t := range s.terms {
		total += t.Value
	}
	return clamp(total, 0, math.Min(s.profile.Cap, MaxScore))
}

// Terms returns the recorded contributions, base first.
func (s *Scorecard) Terms() []ScoreTerm {
	out := make([]ScoreTerm, 0, len(s.terms)+1)
	out = append(out, ScoreTerm{Label: "base", Value: s.profile.Base})
	return append(out, s.terms...)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
