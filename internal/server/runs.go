package server

import (
	"net/http"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"

	"patternscan/internal/backtest"
	"patternscan/internal/errors"
	"patternscan/internal/models"
	"patternscan/internal/store"
)

type createRunRequest struct {
	Start           string `query:"start" json:"start" validate:"required,datetime=2006-01-02"`
	End             string `query:"end" json:"end" validate:"required,datetime=2006-01-02"`
	Universe        string `query:"universe" json:"universe" default:"simple"`
	Provider        string `query:"provider" json:"provider"`
	DetectorVersion string `query:"detector_version" json:"detector_version"`
}

type listRunsQuery struct {
	Limit    int    `query:"limit" default:"50" validate:"gte=1,lte=500"`
	Status   string `query:"status" validate:"omitempty,oneof=pending running succeeded failed"`
	Provider string `query:"provider"`
	Universe string `query:"universe"`
}

type candidatesQuery struct {
	Day    string `query:"day" validate:"omitempty,datetime=2006-01-02"`
	Sector string `query:"sector"`
}

type summaryQuery struct {
	Start string `query:"start" validate:"omitempty,datetime=2006-01-02"`
	End   string `query:"end" validate:"omitempty,datetime=2006-01-02"`
	RunID int64  `query:"run_id" validate:"gte=0"`
}

type candidateRow struct {
	models.DailyCandidate
	Sector string `json:"sector"`
}

type runDetail struct {
	Run       *models.BacktestRun `json:"run"`
	Artifacts artifactLinks       `json:"artifacts"`
	Days      []string            `json:"days"`
}

type artifactLinks struct {
	Summary            string `json:"summary"`
	DailyCandidatesDir string `json:"daily_candidates_dir"`
	OutcomesDir        string `json:"outcomes_dir"`
}

func (s *Server) createRun(c echo.Context) error {
	if err := s.limit(c, "create_run", s.opts.RateLimit.RunLimit); err != nil {
		return s.writeError(c, err)
	}
	var req createRunRequest
	if err := bindRequest(c, &req); err != nil {
		return s.writeError(c, err)
	}
	if req.Provider == "" {
		req.Provider = s.opts.Provider
	}
	if req.DetectorVersion == "" {
		req.DetectorVersion = s.opts.DetectorVersion
	}

	run, err := s.deps.Runs.Submit(c.Request().Context(), models.RunKey{
		Start:           req.Start,
		End:             req.End,
		Universe:        req.Universe,
		Provider:        req.Provider,
		DetectorVersion: req.DetectorVersion,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]any{"run_id": run.ID, "status": run.Status})
}

func (s *Server) listRuns(c echo.Context) error {
	var q listRunsQuery
	if err := bindRequest(c, &q); err != nil {
		return s.writeError(c, err)
	}
	runs, err := s.deps.Registry.ListRuns(c.Request().Context(), store.RunFilter{
		Status:   models.RunStatus(q.Status),
		Provider: q.Provider,
		Universe: q.Universe,
		Limit:    q.Limit,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	if runs == nil {
		runs = []models.BacktestRun{}
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) loadRun(c echo.Context) (*models.BacktestRun, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return nil, errors.NewValidationError("id", c.Param("id"), "must be a positive integer")
	}
	return s.deps.Registry.GetRun(c.Request().Context(), id)
}

// artifacts returns the artifact store of run, defaulting to its run dir.
func (s *Server) artifacts(run *models.BacktestRun) *backtest.Artifacts {
	root := run.ArtifactsRoot
	if root == "" {
		root = s.deps.Runs.RunDir(run.ID)
	}
	return backtest.NewArtifacts(root)
}

func (s *Server) runDetail(c echo.Context) error {
	run, err := s.loadRun(c)
	if err != nil {
		return s.writeError(c, err)
	}
	idx := s.artifacts(run).Index(run.Start, run.End)
	return c.JSON(http.StatusOK, runDetail{
		Run: run,
		Artifacts: artifactLinks{
			Summary:            idx.Summary,
			DailyCandidatesDir: idx.CandidatesDir,
			OutcomesDir:        idx.OutcomesDir,
		},
		Days: idx.Days,
	})
}

// candidates lists the run's available days, or the rows of one day.
func (s *Server) candidates(c echo.Context) error {
	run, err := s.loadRun(c)
	if err != nil {
		return s.writeError(c, err)
	}
	var q candidatesQuery
	if err := bindRequest(c, &q); err != nil {
		return s.writeError(c, err)
	}
	art := s.artifacts(run)

	if q.Day == "" {
		days, err := art.Days()
		if err != nil {
			return s.writeError(c, errors.Cause(errors.ErrArtifactStore, err, "list days"))
		}
		if days == nil {
			days = []string{}
		}
		return c.JSON(http.StatusOK, map[string]any{"days": days})
	}

	cands, err := art.ReadCandidates(q.Day)
	if os.IsNotExist(err) {
		return s.writeError(c, errors.Wrapf(errors.ErrDataNotFound, "no candidates for %s", q.Day))
	}
	if err != nil {
		return s.writeError(c, err)
	}
	rows := make([]candidateRow, 0, len(cands))
	for _, cand := range cands {
		row := candidateRow{DailyCandidate: cand}
		if s.deps.Sectors != nil {
			row.Sector = s.deps.Sectors.Sector(cand.Symbol)
		}
		if q.Sector != "" && row.Sector != q.Sector {
			continue
		}
		rows = append(rows, row)
	}
	return c.JSON(http.StatusOK, map[string]any{"day": q.Day, "rows": rows})
}

// metricsSummary recomputes KPIs from artifacts, over a run's window when
// run_id is given.
func (s *Server) metricsSummary(c echo.Context) error {
	var q summaryQuery
	if err := bindRequest(c, &q); err != nil {
		return s.writeError(c, err)
	}

	art := backtest.NewArtifacts(s.opts.ArtifactsRoot)
	if q.RunID > 0 {
		run, err := s.deps.Registry.GetRun(c.Request().Context(), q.RunID)
		if err != nil {
			return s.writeError(c, err)
		}
		q.Start, q.End = run.Start, run.End
		art = s.artifacts(run)
	}
	if q.Start == "" || q.End == "" {
		return s.writeError(c, errors.NewValidationError("start", q.Start, "start and end are required unless run_id is provided"))
	}

	sum, err := backtest.SummarizeRange(q.Start, q.End, art)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, sum)
}
