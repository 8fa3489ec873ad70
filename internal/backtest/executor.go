package backtest

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"patternscan/internal/errors"
	"patternscan/internal/logging"
	"patternscan/internal/metrics"
	"patternscan/internal/models"
	"patternscan/internal/store"
	"patternscan/pkg/utils"
)

// UniverseResolver expands a universe spec into symbols.
type UniverseResolver interface {
	Resolve(spec string) ([]string, error)
}

// ExecutorConfig configures the run executor.
type ExecutorConfig struct {
	ArtifactsRoot string
	CodeVersion   string
	Workers       int
	QueueSize     int
}

// Executor claims pending runs from an in-process queue and drives them
// through the run lifecycle.
type Executor struct {
	registry  store.RunRegistry
	sim       *Simulator
	universes UniverseResolver
	cfg       ExecutorConfig
	rec       *metrics.Recorder
	logger    zerolog.Logger

	queue  chan int64
	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewExecutor creates an executor. Start must be called before queued runs
// are processed.
func NewExecutor(registry store.RunRegistry, sim *Simulator, universes UniverseResolver, cfg ExecutorConfig, rec *metrics.Recorder, logger zerolog.Logger) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.ArtifactsRoot == "" {
		cfg.ArtifactsRoot = "artifacts"
	}
	if cfg.CodeVersion == "" {
		cfg.CodeVersion = CodeVersion()
	}
	return &Executor{
		registry:  registry,
		sim:       sim,
		universes: universes,
		cfg:       cfg,
		rec:       rec,
		logger:    logger.With().Str("component", "executor").Logger(),
		queue:     make(chan int64, cfg.QueueSize),
	}
}

// RunDir is the artifact directory of run id.
func (e *Executor) RunDir(id int64) string {
	return filepath.Join(e.cfg.ArtifactsRoot, "runs", strconv.FormatInt(id, 10))
}

// Create registers the run for key without queueing it.
func (e *Executor) Create(ctx context.Context, key models.RunKey) (*models.BacktestRun, bool, error) {
	if _, err := utils.ParseDate(key.Start); err != nil {
		return nil, false, errors.NewValidationError("start", key.Start, "expected YYYY-MM-DD")
	}
	if _, err := utils.ParseDate(key.End); err != nil {
		return nil, false, errors.NewValidationError("end", key.End, "expected YYYY-MM-DD")
	}
	if key.End < key.Start {
		return nil, false, errors.NewValidationError("end", key.End, "end is before start")
	}
	symbols, err := e.universes.Resolve(key.Universe)
	if err != nil {
		return nil, false, err
	}
	return e.registry.CreateOrGetRun(ctx, key, store.RunOptions{UniverseSpec: symbols})
}

// Submit registers the run for key and queues it when it is still pending.
// Submitting an existing key returns the existing run.
func (e *Executor) Submit(ctx context.Context, key models.RunKey) (*models.BacktestRun, error) {
	run, created, err := e.Create(ctx, key)
	if err != nil {
		return nil, err
	}
	if created {
		e.rec.RecordRunTransition(string(models.RunPending))
		log := logging.WithRunID(logging.FromRequest(ctx, e.logger), run.ID)
		log.Info().Str("key", key.String()).Msg("run created")
	}
	if run.Status == models.RunPending {
		if err := e.enqueue(ctx, run.ID); err != nil {
			return run, err
		}
	}
	return run, nil
}

// Resume queues the runs a previous process left pending, oldest first.
func (e *Executor) Resume(ctx context.Context) (int, error) {
	runs, err := e.registry.ListRuns(ctx, store.RunFilter{Status: models.RunPending, Limit: 500})
	if err != nil {
		return 0, err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		if err := e.enqueue(ctx, runs[i].ID); err != nil {
			return len(runs) - 1 - i, err
		}
	}
	if len(runs) > 0 {
		e.logger.Info().Int("runs", len(runs)).Msg("resumed pending runs")
	}
	return len(runs), nil
}

func (e *Executor) enqueue(ctx context.Context, id int64) error {
	select {
	case e.queue <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the queue workers. They exit when ctx is cancelled or Stop
// is called.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.logger.Info().Int("workers", e.cfg.Workers).Msg("executor started")
}

// Stop cancels the workers and waits for the runs in flight.
func (e *Executor) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.logger.Info().Msg("executor stopped")
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			// A run already finishes once claimed, even when the executor stops.
			if err := e.Execute(context.WithoutCancel(ctx), id); err != nil {
				log := logging.WithRunID(e.logger, id)
				log.Error().Err(err).Msg("run failed")
			}
		}
	}
}

// Execute claims run id and runs it to completion. The returned error is the
// run-level failure, already recorded on the run row.
func (e *Executor) Execute(ctx context.Context, id int64) error {
	logger := logging.WithRunID(e.logger, id)

	run, err := e.registry.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if err := e.transition(ctx, run.ID, models.RunPending, models.RunRunning, store.RunUpdate{CodeVersion: e.cfg.CodeVersion}); err != nil {
		return err
	}

	started := time.Now()
	dir := e.RunDir(id)
	summary, runErr := e.run(ctx, run, dir)
	duration := time.Since(started).Milliseconds()

	if runErr != nil {
		runErr = errors.NewRunError(id, "execute", runErr)
		if err := e.transition(ctx, id, models.RunRunning, models.RunFailed, store.RunUpdate{
			ErrorMessage:  runErr.Error(),
			DurationMS:    &duration,
			ArtifactsRoot: dir,
		}); err != nil {
			logger.Error().Err(err).Msg("failed to record run failure")
		}
		return runErr
	}

	if err := e.transition(ctx, id, models.RunRunning, models.RunSucceeded, store.RunUpdate{
		DurationMS:    &duration,
		ArtifactsRoot: dir,
		Summary:       &summary.Summary,
	}); err != nil {
		return errors.NewRunError(id, "finalize", err)
	}
	logger.Info().Int64("duration_ms", duration).Int("candidates", summary.NumCandidates).
		Int("triggers", summary.NumTriggers).Str("status", summary.Status).Msg("run succeeded")
	return nil
}

func (e *Executor) run(ctx context.Context, run *models.BacktestRun, dir string) (models.RangeSummary, error) {
	start, err := utils.ParseDate(run.Start)
	if err != nil {
		return models.RangeSummary{}, err
	}
	end, err := utils.ParseDate(run.End)
	if err != nil {
		return models.RangeSummary{}, err
	}
	symbols := run.UniverseSpec
	if len(symbols) == 0 {
		if symbols, err = e.universes.Resolve(run.Universe); err != nil {
			return models.RangeSummary{}, err
		}
	}
	return RunRange(ctx, e.sim, start, end, symbols, NewArtifacts(dir))
}

func (e *Executor) transition(ctx context.Context, id int64, from, to models.RunStatus, upd store.RunUpdate) error {
	if err := e.registry.UpdateRunStatus(ctx, id, to, upd); err != nil {
		return err
	}
	logging.LogRunTransition(e.logger, id, string(from), string(to))
	e.rec.RecordRunTransition(string(to))
	return nil
}

// RunRange walks [start, end] forward, then summarizes and persists the
// range summary.
func RunRange(ctx context.Context, sim *Simulator, start, end time.Time, symbols []string, artifacts *Artifacts) (models.RangeSummary, error) {
	if _, err := sim.WalkForward(ctx, start, end, symbols, artifacts); err != nil {
		return models.RangeSummary{}, err
	}
	sum, err := SummarizeRange(start.Format(models.DateLayout), end.Format(models.DateLayout), artifacts)
	if err != nil {
		return models.RangeSummary{}, err
	}
	if _, err := artifacts.WriteSummary(sum); err != nil {
		return models.RangeSummary{}, err
	}
	return sum, nil
}

// DailyKey is the standard daily run: the lookbackDays ending today (UTC).
func DailyKey(now time.Time, lookbackDays int, universe, provider, detectorVersion string) models.RunKey {
	end := now.UTC()
	start := end.AddDate(0, 0, -lookbackDays)
	return models.RunKey{
		Start:           start.Format(models.DateLayout),
		End:             end.Format(models.DateLayout),
		Universe:        universe,
		Provider:        provider,
		DetectorVersion: detectorVersion,
	}
}

var (
	codeVersionOnce sync.Once
	codeVersion     string
)

// CodeVersion is the short git revision of the working tree, or "unknown".
func CodeVersion() string {
	codeVersionOnce.Do(func() {
		out, err := exec.Command("git", "rev-parse", "--short", "HEAD").Output()
		codeVersion = strings.TrimSpace(string(out))
		if err != nil || codeVersion == "" {
			codeVersion = "unknown"
		}
	})
	return codeVersion
}

// FormatSummary renders a summary for logs and the CLI.
func FormatSummary(s models.RangeSummary) string {
	return fmt.Sprintf("%s..%s status=%s candidates=%d triggers=%d success=%d p@10=%s p@25=%s hit=%s runup=%s",
		s.Start, s.End, s.Status, s.NumCandidates, s.NumTriggers, s.NumSuccess,
		utils.FormatRatio(s.PrecisionAt10), utils.FormatRatio(s.PrecisionAt25),
		utils.FormatRatio(s.HitRate), utils.FormatRatio(s.MedianRunup))
}
