// Package scheduler enqueues the daily standard backtest run.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"patternscan/internal/backtest"
	"patternscan/internal/config"
	"patternscan/internal/models"
	"patternscan/pkg/utils"
)

// Submitter queues a backtest run.
type Submitter interface {
	Submit(ctx context.Context, key models.RunKey) (*models.BacktestRun, error)
}

// Scheduler runs the cron jobs.
type Scheduler struct {
	cron            *cron.Cron
	runs            Submitter
	cfg             config.SchedulerConfig
	detectorVersion string
	logger          zerolog.Logger
	now             func() time.Time
}

// New creates a scheduler interpreting cron specs (with a seconds field) in
// exchange time.
func New(runs Submitter, cfg config.SchedulerConfig, detectorVersion string, logger zerolog.Logger) *Scheduler {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 90
	}
	if cfg.Universe == "" {
		cfg.Universe = "simple"
	}
	if cfg.Provider == "" {
		cfg.Provider = "yahoo"
	}
	if cfg.DailyCron == "" {
		cfg.DailyCron = "0 30 16 * * *"
	}
	return &Scheduler{
		cron:            cron.New(cron.WithSeconds(), cron.WithLocation(utils.MarketLocation)),
		runs:            runs,
		cfg:             cfg,
		detectorVersion: detectorVersion,
		logger:          logger.With().Str("component", "scheduler").Logger(),
		now:             time.Now,
	}
}

// Register adds the daily standard run. Weekend firings are skipped.
func (s *Scheduler) Register(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.DailyCron, func() {
		if now := s.now(); !utils.IsTradingDay(now) {
			s.logger.Debug().Time("now", now).Msg("weekend, daily run skipped")
			return
		}
		if _, err := s.RunDailyNow(ctx); err != nil {
			s.logger.Error().Err(err).Msg("daily run not enqueued")
		}
	}); err != nil {
		return fmt.Errorf("register daily run %q: %w", s.cfg.DailyCron, err)
	}
	return nil
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Str("daily_cron", s.cfg.DailyCron).Msg("scheduler started")
}

// Stop stops the cron loop and waits for a running job.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

// RunDailyNow enqueues the standard run ending today.
func (s *Scheduler) RunDailyNow(ctx context.Context) (*models.BacktestRun, error) {
	key := backtest.DailyKey(s.now(), s.cfg.LookbackDays, s.cfg.Universe, s.cfg.Provider, s.detectorVersion)
	run, err := s.runs.Submit(ctx, key)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("run_id", run.ID).Str("key", key.String()).Str("status", string(run.Status)).Msg("daily run enqueued")
	return run, nil
}

// Next reports when the daily run fires next.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(s.now().In(utils.MarketLocation))
}
