package models

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a backtest run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// CanTransition reports whether s may move to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunRunning || next == RunFailed
	case RunRunning:
		return next == RunSucceeded || next == RunFailed
	default:
		return false
	}
}

// BacktestRun is a registry row describing one walk-forward run.
type BacktestRun struct {
	ID              int64      `json:"id"`
	CreatedAt       time.Time  `json:"created_at"`
	Start           string     `json:"start"`
	End             string     `json:"end"`
	Universe        string     `json:"universe"`
	UniverseSpec    []string   `json:"universe_spec,omitempty"`
	Provider        string     `json:"provider"`
	DetectorVersion string     `json:"detector_version"`
	DetectorParams  string     `json:"detector_params,omitempty"`
	CodeVersion     string     `json:"code_version,omitempty"`
	Status          RunStatus  `json:"status"`
	DurationMS      int64      `json:"duration_ms"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ArtifactsRoot   string     `json:"artifacts_root,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Summary
}

// RunKey is the idempotency key of a run.
type RunKey struct {
	Start           string
	End             string
	Universe        string
	Provider        string
	DetectorVersion string
}

func (k RunKey) String() string {
	return fmt.Sprintf("%s..%s/%s/%s/%s", k.Start, k.End, k.Universe, k.Provider, k.DetectorVersion)
}

// Summary holds the aggregate KPIs of a date range.
type Summary struct {
	PrecisionAt10 float64 `json:"precision_at_10"`
	PrecisionAt25 float64 `json:"precision_at_25"`
	HitRate       float64 `json:"hit_rate"`
	MedianRunup   float64 `json:"median_runup"`
	NumCandidates int     `json:"num_candidates"`
	NumTriggers   int     `json:"num_triggers"`
	NumSuccess    int     `json:"num_success"`
}

// RangeSummary is the persisted summary artifact for [Start, End].
type RangeSummary struct {
	Start  string `json:"start"`
	End    string `json:"end"`
	Status string `json:"status"`
	Summary
}

// DailyCandidate is one detection on one simulated day.
type DailyCandidate struct {
	Date       string  `csv:"date" json:"date"`
	Symbol     string  `csv:"symbol" json:"symbol"`
	Confidence float64 `csv:"confidence" json:"confidence"`
	Pivot      float64 `csv:"pivot" json:"pivot"`
	Price      float64 `csv:"price" json:"price"`
	Notes      string  `csv:"notes" json:"notes"`
}

// Flag is a boolean that serializes as 1/0 in CSV artifacts.
type Flag bool

// MarshalCSV implements gocsv.TypeMarshaller.
func (f Flag) MarshalCSV() (string, error) {
	if f {
		return "1", nil
	}
	return "0", nil
}

// UnmarshalCSV implements gocsv.TypeUnmarshaller.
func (f *Flag) UnmarshalCSV(s string) error {
	switch s {
	case "1", "true", "True", "1.0":
		*f = true
	case "0", "false", "False", "0.0", "":
		*f = false
	default:
		return fmt.Errorf("invalid flag %q", s)
	}
	return nil
}

// Outcome is the forward simulation of a triggered candidate.
type Outcome struct {
	DateDetected   string  `csv:"date_detected" json:"date_detected"`
	Symbol         string  `csv:"symbol" json:"symbol"`
	TriggerDate    string  `csv:"trigger_date" json:"trigger_date"`
	Triggered      Flag    `csv:"triggered" json:"triggered"`
	Success        Flag    `csv:"success" json:"success"`
	ExitDate       string  `csv:"exit_date" json:"exit_date"`
	MaxRunup30d    float64 `csv:"max_runup_30d" json:"max_runup_30d"`
	MaxDrawdown30d float64 `csv:"max_drawdown_30d" json:"max_drawdown_30d"`
	RMultiple      float64 `csv:"r_multiple" json:"r_multiple"`
}
