package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"patternscan/internal/errors"
	"patternscan/internal/models"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bars (
		symbol TEXT NOT NULL,
		interval TEXT NOT NULL,
		ts INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		PRIMARY KEY (symbol, interval, ts)
	);

	CREATE TABLE IF NOT EXISTS backtest_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at INTEGER NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		universe TEXT NOT NULL,
		universe_spec TEXT NOT NULL DEFAULT '[]',
		provider TEXT NOT NULL,
		detector_version TEXT NOT NULL,
		detector_params TEXT NOT NULL DEFAULT '',
		code_version TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		artifacts_root TEXT NOT NULL DEFAULT '',
		started_at INTEGER,
		finished_at INTEGER,
		precision_at_10 REAL NOT NULL DEFAULT 0,
		precision_at_25 REAL NOT NULL DEFAULT 0,
		hit_rate REAL NOT NULL DEFAULT 0,
		median_runup REAL NOT NULL DEFAULT 0,
		num_candidates INTEGER NOT NULL DEFAULT 0,
		num_triggers INTEGER NOT NULL DEFAULT 0,
		num_success INTEGER NOT NULL DEFAULT 0
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_key
		ON backtest_runs(start_date, end_date, universe, provider, detector_version);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON backtest_runs(status, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Bars
// ============================================================================

// SaveBars upserts bars for (symbol, interval).
func (s *SQLiteStore) SaveBars(ctx context.Context, symbol, interval string, bars []models.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bars (symbol, interval, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, symbol, interval, b.Date.Unix(), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("failed to insert bar: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetBars returns bars in [from, to] ordered by date. A zero from or to leaves
// that side open.
func (s *SQLiteStore) GetBars(ctx context.Context, symbol, interval string, from, to time.Time) ([]models.PriceBar, error) {
	lo, hi := int64(-1<<62), int64(1<<62)
	if !from.IsZero() {
		lo = from.Unix()
	}
	if !to.IsZero() {
		hi = to.Unix()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND interval = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, symbol, interval, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var bars []models.PriceBar
	for rows.Next() {
		var (
			b  models.PriceBar
			ts int64
		)
		if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		b.Date = time.Unix(ts, 0).UTC()
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}
	return bars, nil
}

// Coverage returns the stored date span and row count.
func (s *SQLiteStore) Coverage(ctx context.Context, symbol, interval string) (Coverage, error) {
	var (
		first, last sql.NullInt64
		count       int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(ts), MAX(ts), COUNT(*) FROM bars WHERE symbol = ? AND interval = ?
	`, symbol, interval).Scan(&first, &last, &count)
	if err != nil && err != sql.ErrNoRows {
		return Coverage{}, fmt.Errorf("failed to get bars coverage: %w", err)
	}
	if !last.Valid {
		return Coverage{}, nil
	}
	return Coverage{
		First: time.Unix(first.Int64, 0).UTC(),
		Last:  time.Unix(last.Int64, 0).UTC(),
		Rows:  count,
	}, nil
}

// ============================================================================
// Backtest runs
// ============================================================================

const runColumns = `id, created_at, start_date, end_date, universe, universe_spec, provider,
	detector_version, detector_params, code_version, status, duration_ms,
	error_message, artifacts_root, started_at, finished_at, precision_at_10,
	precision_at_25, hit_rate, median_runup, num_candidates, num_triggers, num_success`

// CreateOrGetRun inserts a pending run for key unless one exists.
func (s *SQLiteStore) CreateOrGetRun(ctx context.Context, key models.RunKey, opts RunOptions) (*models.BacktestRun, bool, error) {
	spec := opts.UniverseSpec
	if spec == nil {
		spec = []string{}
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal universe spec: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO backtest_runs (created_at, start_date, end_date, universe, universe_spec, provider,
			detector_version, detector_params, status, artifacts_root)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.now().Unix(), key.Start, key.End, key.Universe, string(specJSON), key.Provider,
		key.DetectorVersion, opts.DetectorParams, string(models.RunPending), opts.ArtifactsRoot)
	if err != nil {
		return nil, false, errors.Cause(errors.ErrRegistry, err, "create run %s", key)
	}
	affected, _ := res.RowsAffected()

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM backtest_runs
		WHERE start_date = ? AND end_date = ? AND universe = ? AND provider = ? AND detector_version = ?`,
		key.Start, key.End, key.Universe, key.Provider, key.DetectorVersion)
	run, err := scanRun(row)
	if err != nil {
		return nil, false, errors.Cause(errors.ErrRegistry, err, "load run %s", key)
	}
	return run, affected > 0, nil
}

// UpdateRunStatus moves a run to status, enforcing the lifecycle, and writes
// the non-empty fields of upd.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id int64, status models.RunStatus, upd RunUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Cause(errors.ErrRegistry, err, "begin")
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM backtest_runs WHERE id = ?`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return errors.Wrapf(errors.ErrRunNotFound, "run %d", id)
		}
		return errors.Cause(errors.ErrRegistry, err, "read run %d", id)
	}
	if !models.RunStatus(current).CanTransition(status) {
		return fmt.Errorf("run %d %s -> %s: %w", id, current, status, ErrInvalidTransition)
	}

	sets := []string{"status = ?"}
	args := []interface{}{string(status)}
	now := s.now().Unix()
	switch {
	case status == models.RunRunning:
		sets = append(sets, "started_at = ?")
		args = append(args, now)
	case status.Terminal():
		sets = append(sets, "finished_at = ?")
		args = append(args, now)
	}
	if upd.CodeVersion != "" {
		sets = append(sets, "code_version = ?")
		args = append(args, upd.CodeVersion)
	}
	if upd.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, upd.ErrorMessage)
	}
	if upd.ArtifactsRoot != "" {
		sets = append(sets, "artifacts_root = ?")
		args = append(args, upd.ArtifactsRoot)
	}
	if upd.DurationMS != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *upd.DurationMS)
	}
	if k := upd.Summary; k != nil {
		sets = append(sets,
			"precision_at_10 = ?", "precision_at_25 = ?", "hit_rate = ?", "median_runup = ?",
			"num_candidates = ?", "num_triggers = ?", "num_success = ?")
		args = append(args, k.PrecisionAt10, k.PrecisionAt25, k.HitRate, k.MedianRunup,
			k.NumCandidates, k.NumTriggers, k.NumSuccess)
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, `UPDATE backtest_runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return errors.Cause(errors.ErrRegistry, err, "update run %d", id)
	}
	if err := tx.Commit(); err != nil {
		return errors.Cause(errors.ErrRegistry, err, "commit run %d", id)
	}
	return nil
}

// GetRun loads one run.
func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (*models.BacktestRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM backtest_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrRunNotFound, "run %d", id)
	}
	if err != nil {
		return nil, errors.Cause(errors.ErrRegistry, err, "get run %d", id)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]models.BacktestRun, error) {
	query := `SELECT ` + runColumns + ` FROM backtest_runs WHERE 1=1`
	var args []interface{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Provider != "" {
		query += " AND provider = ?"
		args = append(args, filter.Provider)
	}
	if filter.Universe != "" {
		query += " AND universe = ?"
		args = append(args, filter.Universe)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Cause(errors.ErrRegistry, err, "list runs")
	}
	defer rows.Close()

	runs := []models.BacktestRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Cause(errors.ErrRegistry, err, "scan run")
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Cause(errors.ErrRegistry, err, "iterate runs")
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.BacktestRun, error) {
	var (
		run                 models.BacktestRun
		createdAt           int64
		spec, status        string
		startedAt, finished sql.NullInt64
	)
	err := row.Scan(&run.ID, &createdAt, &run.Start, &run.End, &run.Universe, &spec, &run.Provider,
		&run.DetectorVersion, &run.DetectorParams, &run.CodeVersion, &status, &run.DurationMS,
		&run.ErrorMessage, &run.ArtifactsRoot, &startedAt, &finished, &run.PrecisionAt10,
		&run.PrecisionAt25, &run.HitRate, &run.MedianRunup, &run.NumCandidates, &run.NumTriggers,
		&run.NumSuccess)
	if err != nil {
		return nil, err
	}
	run.CreatedAt = time.Unix(createdAt, 0).UTC()
	run.Status = models.RunStatus(status)
	if spec != "" {
		if err := json.Unmarshal([]byte(spec), &run.UniverseSpec); err != nil {
			return nil, fmt.Errorf("universe_spec: %w", err)
		}
	}
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		run.StartedAt = &t
	}
	if finished.Valid {
		t := time.Unix(finished.Int64, 0).UTC()
		run.FinishedAt = &t
	}
	return &run, nil
}
