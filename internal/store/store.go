// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"patternscan/internal/errors"
	"patternscan/internal/models"
)

// ErrInvalidTransition is returned when a status change is not allowed by the
// run lifecycle.
var ErrInvalidTransition = errors.New("invalid run status transition")

// CandleStore is the on-disk bar cache keyed by (symbol, interval).
type CandleStore interface {
	SaveBars(ctx context.Context, symbol, interval string, bars []models.PriceBar) error
	GetBars(ctx context.Context, symbol, interval string, from, to time.Time) ([]models.PriceBar, error)
	Coverage(ctx context.Context, symbol, interval string) (Coverage, error)
}

// Coverage describes what is stored for one (symbol, interval). Rows is zero
// when nothing is stored.
type Coverage struct {
	First time.Time
	Last  time.Time
	Rows  int
}

// RunRegistry persists backtest run metadata, status and KPIs.
type RunRegistry interface {
	// CreateOrGetRun returns the run for key, creating it in pending state when
	// absent. created reports whether a new row was inserted.
	CreateOrGetRun(ctx context.Context, key models.RunKey, opts RunOptions) (run *models.BacktestRun, created bool, err error)
	UpdateRunStatus(ctx context.Context, id int64, status models.RunStatus, upd RunUpdate) error
	GetRun(ctx context.Context, id int64) (*models.BacktestRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]models.BacktestRun, error)
}

// Store combines both persistence roles over one database.
type Store interface {
	CandleStore
	RunRegistry
	Close() error
}

// RunOptions are the non-key fields recorded when a run is created.
type RunOptions struct {
	UniverseSpec   []string
	DetectorParams string
	ArtifactsRoot  string
}

// RunUpdate carries the optional fields written alongside a transition.
type RunUpdate struct {
	CodeVersion   string
	ErrorMessage  string
	ArtifactsRoot string
	DurationMS    *int64
	Summary       *models.Summary
}

// RunFilter filters ListRuns. Empty fields match everything.
type RunFilter struct {
	Status   models.RunStatus
	Provider string
	Universe string
	Limit    int
}

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

func (f RunFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultRunLimit
	case f.Limit > maxRunLimit:
		return maxRunLimit
	default:
		return f.Limit
	}
}
