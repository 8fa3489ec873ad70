package store

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"patternscan/internal/errors"
	"patternscan/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Property: saving bars and reading them back yields the same bars.
func TestProperty_BarRoundTripConsistency(t *testing.T) {
	store := newTestStore(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	symbols := []string{"AAPL", "MSFT", "NVDA", "BRK-B", "AMD"}
	seq := 0

	properties.Property("save then retrieve produces equivalent bars", prop.ForAll(
		func(symbolIdx int, interval string, count int, basePrice float64, baseVolume float64) bool {
			ctx := context.Background()
			seq++
			symbol := fmt.Sprintf("%s_%d", symbols[symbolIdx%len(symbols)], seq)

			bars := generateTestBars(count, basePrice, baseVolume, interval)
			if err := store.SaveBars(ctx, symbol, interval, bars); err != nil {
				t.Logf("SaveBars: %v", err)
				return false
			}

			got, err := store.GetBars(ctx, symbol, interval, time.Time{}, time.Time{})
			if err != nil || len(got) != len(bars) {
				t.Logf("GetBars: %d bars, %v", len(got), err)
				return false
			}
			for i := range bars {
				if !barsEqual(bars[i], got[i]) {
					t.Logf("bar %d: want %+v got %+v", i, bars[i], got[i])
					return false
				}
			}

			cov, err := store.Coverage(ctx, symbol, interval)
			return err == nil && cov.Rows == count &&
				cov.First.Equal(bars[0].Date) && cov.Last.Equal(bars[count-1].Date)
		},
		gen.IntRange(0, len(symbols)-1),
		gen.OneConstOf("1d", "60m"),
		gen.IntRange(1, 30),
		gen.Float64Range(5.0, 900.0),
		gen.Float64Range(1e4, 5e6),
	))

	properties.TestingRun(t)
}

func TestSaveBarsUpsertsByDate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bars := generateTestBars(3, 100, 1e6, "1d")
	if err := store.SaveBars(ctx, "AAPL", "1d", bars); err != nil {
		t.Fatal(err)
	}
	bars[2].Close = 111
	if err := store.SaveBars(ctx, "AAPL", "1d", bars[2:]); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetBars(ctx, "AAPL", "1d", bars[1].Date, time.Time{})
	if len(got) != 2 || got[1].Close != 111 {
		t.Errorf("GetBars = %+v", got)
	}
	if cov, _ := store.Coverage(ctx, "AAPL", "1wk"); cov.Rows != 0 {
		t.Errorf("other interval has %d rows", cov.Rows)
	}
	if err := store.SaveBars(ctx, "AAPL", "1d", nil); err != nil {
		t.Errorf("empty save: %v", err)
	}
}

func TestCreateOrGetRunIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := models.RunKey{Start: "2024-01-02", End: "2024-03-29", Universe: "simple", Provider: "yahoo", DetectorVersion: "vcp-1"}

	first, created, err := store.CreateOrGetRun(ctx, key, RunOptions{UniverseSpec: []string{"AAPL", "MSFT"}})
	if err != nil || !created {
		t.Fatalf("first CreateOrGetRun = %v, created=%v", err, created)
	}
	if first.Status != models.RunPending || len(first.UniverseSpec) != 2 {
		t.Errorf("new run = %+v", first)
	}

	second, created, err := store.CreateOrGetRun(ctx, key, RunOptions{})
	if err != nil || created || second.ID != first.ID {
		t.Errorf("second CreateOrGetRun = id %d created=%v err=%v, want id %d", second.ID, created, err, first.ID)
	}

	key.DetectorVersion = "vcp-2"
	third, created, _ := store.CreateOrGetRun(ctx, key, RunOptions{})
	if !created || third.ID == first.ID {
		t.Error("different detector version reused the run")
	}
}

func TestUpdateRunStatusLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	run, _, err := store.CreateOrGetRun(ctx, models.RunKey{Start: "2024-01-02", End: "2024-01-12", Universe: "simple", Provider: "yahoo", DetectorVersion: "vcp-1"}, RunOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.UpdateRunStatus(ctx, run.ID, models.RunSucceeded, RunUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending -> succeeded = %v, want ErrInvalidTransition", err)
	}
	if err := store.UpdateRunStatus(ctx, run.ID, models.RunRunning, RunUpdate{CodeVersion: "abc123"}); err != nil {
		t.Fatal(err)
	}

	dur := int64(1234)
	summary := &models.Summary{PrecisionAt10: 0.5, HitRate: 0.25, MedianRunup: 0.07, NumCandidates: 8, NumTriggers: 4, NumSuccess: 1}
	if err := store.UpdateRunStatus(ctx, run.ID, models.RunSucceeded, RunUpdate{DurationMS: &dur, Summary: summary, ArtifactsRoot: "/tmp/runs/1"}); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RunSucceeded || got.CodeVersion != "abc123" || got.DurationMS != 1234 {
		t.Errorf("run = %+v", got)
	}
	if got.Summary != *summary || got.ArtifactsRoot != "/tmp/runs/1" {
		t.Errorf("summary = %+v root=%q", got.Summary, got.ArtifactsRoot)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("timestamps not stamped")
	}

	if err := store.UpdateRunStatus(ctx, run.ID, models.RunFailed, RunUpdate{ErrorMessage: "late"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminal -> failed = %v", err)
	}
	if err := store.UpdateRunStatus(ctx, 999, models.RunRunning, RunUpdate{}); !errors.Is(err, errors.ErrRunNotFound) {
		t.Errorf("missing run = %v", err)
	}
	if _, err := store.GetRun(ctx, 999); !errors.Is(err, errors.ErrRunNotFound) {
		t.Errorf("GetRun(999) = %v", err)
	}
}

func TestListRunsFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	clock := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { clock = clock.Add(time.Minute); return clock }

	for i, p := range []string{"yahoo", "yahoo", "disk"} {
		key := models.RunKey{Start: fmt.Sprintf("2024-0%d-01", i+1), End: "2024-05-31", Universe: "simple", Provider: p, DetectorVersion: "vcp-1"}
		if _, _, err := store.CreateOrGetRun(ctx, key, RunOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.UpdateRunStatus(ctx, 1, models.RunFailed, RunUpdate{ErrorMessage: "boom"}); err != nil {
		t.Fatal(err)
	}

	all, _ := store.ListRuns(ctx, RunFilter{})
	if len(all) != 3 || all[0].ID != 3 {
		t.Fatalf("ListRuns() = %d runs, first id %d", len(all), all[0].ID)
	}
	yahoo, _ := store.ListRuns(ctx, RunFilter{Provider: "yahoo"})
	if len(yahoo) != 2 {
		t.Errorf("provider filter = %d", len(yahoo))
	}
	failed, _ := store.ListRuns(ctx, RunFilter{Status: models.RunFailed})
	if len(failed) != 1 || failed[0].ErrorMessage != "boom" {
		t.Errorf("status filter = %+v", failed)
	}
	one, _ := store.ListRuns(ctx, RunFilter{Limit: 1})
	if len(one) != 1 {
		t.Errorf("limit = %d", len(one))
	}
	if got := (RunFilter{Limit: 10_000}).limit(); got != maxRunLimit {
		t.Errorf("limit clamp = %d", got)
	}
}

func generateTestBars(count int, basePrice, baseVolume float64, interval string) []models.PriceBar {
	step := 24 * time.Hour
	if interval == "60m" {
		step = time.Hour
	}
	start := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)

	bars := make([]models.PriceBar, count)
	for i := range bars {
		variation := float64(i%10) * 0.01 * basePrice
		open := basePrice + variation
		closePrice := basePrice + variation*0.5
		bars[i] = models.PriceBar{
			Date:   start.Add(time.Duration(i) * step),
			Open:   roundToDecimal(open, 2),
			High:   roundToDecimal(math.Max(open, closePrice)*1.01, 2),
			Low:    roundToDecimal(math.Min(open, closePrice)*0.99, 2),
			Close:  roundToDecimal(closePrice, 2),
			Volume: math.Round(baseVolume) + float64(i*1000),
		}
	}
	return bars
}

func roundToDecimal(val float64, places int) float64 {
	multiplier := math.Pow(10, float64(places))
	return math.Round(val*multiplier) / multiplier
}

func barsEqual(a, b models.PriceBar) bool {
	const tolerance = 1e-9
	return a.Date.Equal(b.Date) &&
		math.Abs(a.Open-b.Open) <= tolerance &&
		math.Abs(a.High-b.High) <= tolerance &&
		math.Abs(a.Low-b.Low) <= tolerance &&
		math.Abs(a.Close-b.Close) <= tolerance &&
		a.Volume == b.Volume
}
