package backtest

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"

	"patternscan/internal/errors"
	"patternscan/internal/models"
)

const (
	candidatesDir = "daily_candidates"
	outcomesDir   = "outcomes"
	summaryDir    = "summary"
	outcomeSuffix = "_outcomes.csv"
)

// Artifacts is the per-run artifact directory.
type Artifacts struct {
	root string
}

// NewArtifacts returns the artifact store rooted at root.
func NewArtifacts(root string) *Artifacts {
	return &Artifacts{root: root}
}

// Root returns the artifact directory.
func (a *Artifacts) Root() string { return a.root }

// Init creates the artifact directories.
func (a *Artifacts) Init() error {
	for _, dir := range []string{candidatesDir, outcomesDir, summaryDir} {
		if err := os.MkdirAll(filepath.Join(a.root, dir), 0o755); err != nil {
			return errors.Cause(errors.ErrArtifactStore, err, "create %s", dir)
		}
	}
	return nil
}

// CandidatesPath is the candidate file of day.
func (a *Artifacts) CandidatesPath(day string) string {
	return filepath.Join(a.root, candidatesDir, day+".csv")
}

// OutcomesPath is the outcome file of day.
func (a *Artifacts) OutcomesPath(day string) string {
	return filepath.Join(a.root, outcomesDir, day+outcomeSuffix)
}

// SummaryPath is the summary file of [start, end].
func (a *Artifacts) SummaryPath(start, end string) string {
	return filepath.Join(a.root, summaryDir, "summary_"+start+"_"+end+".json")
}

// WriteCandidates writes the candidates of day. An empty day still gets a
// header-only file.
func (a *Artifacts) WriteCandidates(day string, rows []models.DailyCandidate) error {
	if rows == nil {
		rows = []models.DailyCandidate{}
	}
	return a.writeCSV(a.CandidatesPath(day), &rows)
}

// WriteOutcomes writes the outcomes of day.
func (a *Artifacts) WriteOutcomes(day string, rows []models.Outcome) error {
	if rows == nil {
		rows = []models.Outcome{}
	}
	return a.writeCSV(a.OutcomesPath(day), &rows)
}

func (a *Artifacts) writeCSV(path string, rows interface{}) error {
	data, err := gocsv.MarshalBytes(rows)
	if err != nil {
		return errors.Cause(errors.ErrArtifactStore, err, "encode %s", filepath.Base(path))
	}
	return writeAtomic(path, data)
}

// ReadCandidates reads the candidates of day.
func (a *Artifacts) ReadCandidates(day string) ([]models.DailyCandidate, error) {
	var rows []models.DailyCandidate
	if err := readCSV(a.CandidatesPath(day), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ReadOutcomes reads the outcomes of day.
func (a *Artifacts) ReadOutcomes(day string) ([]models.Outcome, error) {
	var rows []models.Outcome
	if err := readCSV(a.OutcomesPath(day), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func readCSV(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// A header-only file is an empty day.
	if len(bytes.TrimSpace(data)) == 0 || bytes.Count(bytes.TrimSpace(data), []byte("\n")) == 0 {
		return nil
	}
	if err := gocsv.UnmarshalBytes(data, out); err != nil {
		return errors.Cause(errors.ErrArtifactStore, err, "decode %s", filepath.Base(path))
	}
	return nil
}

// Days lists the days that have a candidate file, ascending.
func (a *Artifacts) Days() ([]string, error) {
	return listDays(filepath.Join(a.root, candidatesDir), ".csv")
}

func listDays(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		days = append(days, strings.TrimSuffix(name, suffix))
	}
	sort.Strings(days)
	return days, nil
}

// Load reads every candidate and outcome whose day falls in [start, end].
func (a *Artifacts) Load(start, end string) ([]models.DailyCandidate, []models.Outcome, error) {
	var cands []models.DailyCandidate
	days, err := a.Days()
	if err != nil {
		return nil, nil, errors.Cause(errors.ErrArtifactStore, err, "list candidates")
	}
	for _, d := range days {
		if d < start || d > end {
			continue
		}
		rows, err := a.ReadCandidates(d)
		if err != nil {
			return nil, nil, err
		}
		cands = append(cands, rows...)
	}

	var outs []models.Outcome
	outDays, err := listDays(filepath.Join(a.root, outcomesDir), outcomeSuffix)
	if err != nil {
		return nil, nil, errors.Cause(errors.ErrArtifactStore, err, "list outcomes")
	}
	for _, d := range outDays {
		if d < start || d > end {
			continue
		}
		rows, err := a.ReadOutcomes(d)
		if err != nil {
			return nil, nil, err
		}
		outs = append(outs, rows...)
	}
	return cands, outs, nil
}

// WriteSummary persists s at its range path.
func (a *Artifacts) WriteSummary(s models.RangeSummary) (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", err
	}
	path := a.SummaryPath(s.Start, s.End)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Cause(errors.ErrArtifactStore, err, "create summary dir")
	}
	return path, writeAtomic(path, data)
}

// ReadSummary loads the persisted summary of [start, end].
func (a *Artifacts) ReadSummary(start, end string) (models.RangeSummary, error) {
	var s models.RangeSummary
	data, err := os.ReadFile(a.SummaryPath(start, end))
	if err != nil {
		return s, err
	}
	return s, json.Unmarshal(data, &s)
}

// Index describes the artifacts of a run.
type Index struct {
	Summary       string   `json:"summary"`
	CandidatesDir string   `json:"daily_candidates_dir"`
	OutcomesDir   string   `json:"outcomes_dir"`
	Days          []string `json:"days"`
}

// Index lists the artifact paths and available days for [start, end].
func (a *Artifacts) Index(start, end string) Index {
	days, _ := a.Days()
	if days == nil {
		days = []string{}
	}
	return Index{
		Summary:       a.SummaryPath(start, end),
		CandidatesDir: filepath.Join(a.root, candidatesDir),
		OutcomesDir:   filepath.Join(a.root, outcomesDir),
		Days:          days,
	}
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Cause(errors.ErrArtifactStore, err, "write %s", filepath.Base(path))
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Cause(errors.ErrArtifactStore, err, "rename %s", filepath.Base(path))
	}
	return nil
}
