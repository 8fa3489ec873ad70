package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"patternscan/internal/backtest"
	"patternscan/internal/charts"
	"patternscan/internal/config"
	"patternscan/internal/errors"
	"patternscan/internal/metrics"
	"patternscan/internal/models"
	"patternscan/internal/ratelimit"
	"patternscan/internal/scan"
	"patternscan/internal/store"
)

type fakeScanner struct {
	mu   sync.Mutex
	last scan.Request
	err  error
}

func (f *fakeScanner) Scan(_ context.Context, req scan.Request) (*models.ScanResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	row := models.ScanRow{Symbol: "AAPL", Timeframe: req.Timeframe}
	row.Pattern, row.Score, row.Entry, row.Stop, row.Targets = req.Pattern, 81, 100, 95, []float64{110}
	return &models.ScanResponse{Pattern: req.Pattern, Universe: "simple", Timeframe: req.Timeframe, Count: 1, Results: []models.ScanRow{row}}, nil
}

func (f *fakeScanner) Detect(_ context.Context, pattern, symbol, timeframe string) (*scan.Detection, error) {
	if symbol == "MISSING" {
		return nil, errors.NewDataError("prices", symbol, "no data", errors.ErrSymbolNotFound)
	}
	return &scan.Detection{Pattern: pattern, Symbol: symbol, Timeframe: timeframe, Reason: "no qualifying structure", Bars: 300}, nil
}

type fakeRuns struct {
	registry store.RunRegistry
	root     string
}

func (f *fakeRuns) Submit(ctx context.Context, key models.RunKey) (*models.BacktestRun, error) {
	run, _, err := f.registry.CreateOrGetRun(ctx, key, store.RunOptions{})
	return run, err
}

func (f *fakeRuns) RunDir(id int64) string {
	return filepath.Join(f.root, "runs", strconv.FormatInt(id, 10))
}

type sectors map[string]string

func (s sectors) Sector(sym string) string { return s[sym] }

type stubRenderer struct{}

func (stubRenderer) Render(_ context.Context, symbol string, overlays *models.Overlays) (string, error) {
	if overlays == nil {
		return "https://shots.test/" + symbol + ".png", nil
	}
	return "https://shots.test/" + symbol + "-overlay.png", nil
}

type harness struct {
	srv     *Server
	scanner *fakeScanner
	db      *store.SQLiteStore
	runs    *fakeRuns
	reg     *prometheus.Registry
}

func newHarness(t *testing.T, mutate func(*Deps, *Options)) *harness {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	h := &harness{scanner: &fakeScanner{}, db: db, runs: &fakeRuns{registry: db, root: t.TempDir()}, reg: reg}
	deps := Deps{
		Scanner:  h.scanner,
		Runs:     h.runs,
		Registry: db,
		Sectors:  sectors{"AAPL": "Technology"},
		Limiter:  ratelimit.NewMemory(time.Minute),
		Metrics:  rec,
		Gatherer: reg,
		Logger:   zerolog.Nop(),
	}
	opts := Options{ArtifactsRoot: h.runs.root, RateLimit: config.RateLimitConfig{Window: time.Minute}}
	if mutate != nil {
		mutate(&deps, &opts)
	}
	h.srv = New(deps, opts)
	return h
}

func (h *harness) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		data, _ := json.Marshal(body)
		req = httptest.NewRequest(method, target, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthAndRequestID(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("status %d headers %v", rec.Code, rec.Header())
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("request id %q", got)
	}
}

func TestScanDefaultsAndParams(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/api/v1/scan", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if h.scanner.last.Pattern != "vcp" || h.scanner.last.Limit != 50 || h.scanner.last.Timeframe != "1d" {
		t.Errorf("defaults %+v", h.scanner.last)
	}
	var resp models.ScanResponse
	decode(t, rec, &resp)
	if resp.Count != 1 || resp.Results[0].Symbol != "AAPL" {
		t.Errorf("response %+v", resp)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/scan?pattern=flag&universe=nasdaq100&limit=5&timeframe=1wk&min_price=12&max_atr_ratio=0.05&charts=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	want := scan.Request{Pattern: "flag", Universe: "nasdaq100", Limit: 5, Timeframe: "1wk", MinPrice: 12, MaxATRRatio: 0.05, Charts: true}
	if h.scanner.last != want {
		t.Errorf("request %+v, want %+v", h.scanner.last, want)
	}
}

func TestScanRejectsBadParameters(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/api/v1/scan?limit=1000", nil)
	var body errorBody
	decode(t, rec, &body)
	if rec.Code != http.StatusBadRequest || body.Field != "limit" {
		t.Errorf("limit: %d %+v", rec.Code, body)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/scan?limit=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-numeric limit: %d", rec.Code)
	}

	h.scanner.err = errors.Wrapf(errors.ErrUnsupportedPattern, "pattern %q", "zigzag")
	rec = h.do(t, http.MethodGet, "/api/v1/scan?pattern=zigzag", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unsupported pattern: %d", rec.Code)
	}
}

func TestScanRateLimited(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) { o.RateLimit.ScanLimit = 2 })
	for i := 0; i < 2; i++ {
		if rec := h.do(t, http.MethodGet, "/api/v1/scan", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	rec := h.do(t, http.MethodGet, "/api/v1/scan", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d", rec.Code)
	}
	secs, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || secs < 1 || secs > 60 {
		t.Errorf("Retry-After %q", rec.Header().Get("Retry-After"))
	}
	// chart calls have their own budget
	if rec := h.do(t, http.MethodGet, "/api/v1/chart?symbol=AAPL", nil); rec.Code != http.StatusOK {
		t.Errorf("chart status %d", rec.Code)
	}
}

func TestDetect(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/api/v1/detect?symbol=AAPL&pattern=cup_handle", nil)
	var det scan.Detection
	decode(t, rec, &det)
	if rec.Code != http.StatusOK || det.Pattern != "cup_handle" || det.Symbol != "AAPL" || det.Timeframe != "1d" {
		t.Errorf("detect %d %+v", rec.Code, det)
	}

	if rec := h.do(t, http.MethodGet, "/api/v1/detect", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing symbol: %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/detect?symbol=MISSING", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown symbol: %d", rec.Code)
	}
}

func TestChartFallbackAndOverlays(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/api/v1/chart?symbol=aapl", nil)
	var resp chartResponse
	decode(t, rec, &resp)
	if resp.ChartURL != charts.FallbackURL("AAPL") || !resp.Meta.Fallback || resp.Symbol != "AAPL" {
		t.Errorf("fallback %+v", resp)
	}

	h = newHarness(t, func(d *Deps, _ *Options) {
		d.Charts = charts.NewService(stubRenderer{}, d.Metrics, zerolog.Nop())
	})
	rec = h.do(t, http.MethodGet, "/api/v1/chart?symbol=MSFT", nil)
	decode(t, rec, &resp)
	if resp.ChartURL != "https://shots.test/MSFT.png" || resp.Meta.Fallback || resp.Meta.OverlayApplied {
		t.Errorf("get %+v", resp)
	}

	overlays := models.Overlays{
		Lines:       []models.Line{{X1: "2024-01-02", Y1: 10, X2: "2024-02-01", Y2: 12}},
		PriceLevels: models.KeyLevels{Entry: 12, Stop: 11, Targets: []float64{14, 15}},
	}
	rec = h.do(t, http.MethodPost, "/api/v1/chart?symbol=MSFT", map[string]any{"overlays": overlays})
	resp = chartResponse{}
	decode(t, rec, &resp)
	if resp.ChartURL != "https://shots.test/MSFT-overlay.png" || !resp.Meta.OverlayApplied {
		t.Errorf("post %+v", resp)
	}
	if resp.Meta.OverlayCounts.Lines != 1 || resp.Meta.OverlayCounts.Targets != 2 {
		t.Errorf("counts %+v", resp.Meta.OverlayCounts)
	}
}

func TestRunEndpoints(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/v1/runs", map[string]string{"start": "2024-01-02", "end": "2024-01-04"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var created struct {
		RunID  int64            `json:"run_id"`
		Status models.RunStatus `json:"status"`
	}
	decode(t, rec, &created)
	if created.RunID == 0 || created.Status != models.RunPending {
		t.Fatalf("created %+v", created)
	}

	// query parameters work as well, and the key is idempotent
	rec = h.do(t, http.MethodPost, "/api/v1/runs?start=2024-01-02&end=2024-01-04", nil)
	var again struct {
		RunID int64 `json:"run_id"`
	}
	decode(t, rec, &again)
	if again.RunID != created.RunID {
		t.Errorf("idempotent create gave %d, want %d", again.RunID, created.RunID)
	}

	if rec := h.do(t, http.MethodPost, "/api/v1/runs", map[string]string{"start": "01/02/2024", "end": "2024-01-04"}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad date: %d", rec.Code)
	}

	// write artifacts the way the executor does
	art := backtest.NewArtifacts(h.runs.RunDir(created.RunID))
	if err := art.Init(); err != nil {
		t.Fatal(err)
	}
	_ = art.WriteCandidates("2024-01-02", []models.DailyCandidate{
		{Date: "2024-01-02", Symbol: "AAPL", Confidence: 80, Pivot: 190, Price: 188},
		{Date: "2024-01-02", Symbol: "XOM", Confidence: 70, Pivot: 105, Price: 101},
	})
	_ = art.WriteOutcomes("2024-01-02", []models.Outcome{{DateDetected: "2024-01-02", Symbol: "AAPL", Triggered: true, Success: true, MaxRunup30d: 0.1}})
	_ = art.WriteCandidates("2024-01-03", nil)

	rec = h.do(t, http.MethodGet, "/api/v1/runs?status=pending&limit=10", nil)
	var list struct {
		Runs []models.BacktestRun `json:"runs"`
	}
	decode(t, rec, &list)
	if len(list.Runs) != 1 || list.Runs[0].ID != created.RunID {
		t.Errorf("list %+v", list)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/runs?limit=0", nil); rec.Code != http.StatusOK {
		t.Errorf("limit 0 falls back to the default: %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/runs?limit=501", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("limit 501: %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/runs?status=done", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status: %d", rec.Code)
	}

	id := strconv.FormatInt(created.RunID, 10)
	rec = h.do(t, http.MethodGet, "/api/v1/runs/"+id, nil)
	var detail runDetail
	decode(t, rec, &detail)
	if detail.Run == nil || len(detail.Days) != 2 || !strings.HasSuffix(detail.Artifacts.Summary, "summary_2024-01-02_2024-01-04.json") {
		t.Errorf("detail %+v", detail)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/runs/999", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing run: %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/runs/abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/runs/"+id+"/candidates", nil)
	var days struct {
		Days []string `json:"days"`
	}
	decode(t, rec, &days)
	if len(days.Days) != 2 || days.Days[0] != "2024-01-02" {
		t.Errorf("days %+v", days)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/runs/"+id+"/candidates?day=2024-01-02", nil)
	var rows struct {
		Day  string         `json:"day"`
		Rows []candidateRow `json:"rows"`
	}
	decode(t, rec, &rows)
	if rows.Day != "2024-01-02" || len(rows.Rows) != 2 || rows.Rows[0].Sector != "Technology" || rows.Rows[1].Sector != "" {
		t.Errorf("rows %+v", rows)
	}
	rec = h.do(t, http.MethodGet, "/api/v1/runs/"+id+"/candidates?day=2024-01-02&sector=Technology", nil)
	rows.Rows = nil
	decode(t, rec, &rows)
	if len(rows.Rows) != 1 || rows.Rows[0].Symbol != "AAPL" {
		t.Errorf("sector filter %+v", rows)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/runs/"+id+"/candidates?day=2023-12-31", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing day: %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/metrics/summary?run_id="+id, nil)
	var sum models.RangeSummary
	decode(t, rec, &sum)
	if sum.Status != "ok" || sum.NumCandidates != 2 || sum.NumSuccess != 1 || sum.Start != "2024-01-02" {
		t.Errorf("summary %+v", sum)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/metrics/summary", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("summary without range: %d", rec.Code)
	}
	rec = h.do(t, http.MethodGet, "/api/v1/metrics/summary?start=2024-01-01&end=2024-01-31", nil)
	sum = models.RangeSummary{}
	decode(t, rec, &sum)
	if rec.Code != http.StatusOK || sum.Status != "no_data" {
		t.Errorf("empty range %d %+v", rec.Code, sum)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodGet, "/healthz", nil)
	rec := h.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "patternscan_http_requests_total") {
		t.Errorf("metrics %d %s", rec.Code, rec.Body)
	}
}
