// Package charts talks to the chart screenshot service and substitutes a
// deterministic placeholder when it is unavailable.
package charts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"patternscan/internal/metrics"
	"patternscan/internal/models"
)

const fallbackBase = "https://dummyimage.com/1200x628/0b1221/9be7ff.png"

// Renderer returns a chart URL for symbol with overlays drawn on it.
type Renderer interface {
	Render(ctx context.Context, symbol string, overlays *models.Overlays) (string, error)
}

// Meta describes how a chart URL was produced.
type Meta struct {
	Fallback       bool                 `json:"fallback"`
	OverlayApplied bool                 `json:"overlay_applied"`
	OverlayCounts  models.OverlayCounts `json:"overlay_counts"`
	LatencyMS      int64                `json:"latency_ms"`
	Source         string               `json:"source"`
	Error          string               `json:"error,omitempty"`
}

// FallbackURL is the placeholder image for symbol.
func FallbackURL(symbol string) string {
	return fallbackBase + "&text=" + url.QueryEscape(strings.ToUpper(symbol)+" Chart")
}

// HTTPRenderer calls the screenshot service. Requests without overlays use
// GET /screenshot?symbol=; requests with overlays POST them as JSON.
type HTTPRenderer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRenderer creates a renderer for the service at baseURL.
func NewHTTPRenderer(baseURL string, timeout time.Duration) *HTTPRenderer {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPRenderer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type screenshotRequest struct {
	Symbol   string           `json:"symbol"`
	Overlays *models.Overlays `json:"overlays,omitempty"`
}

type screenshotResponse struct {
	ChartURL string `json:"chart_url"`
	URL      string `json:"url"`
	Error    string `json:"error"`
}

// Render implements Renderer.
func (r *HTTPRenderer) Render(ctx context.Context, symbol string, overlays *models.Overlays) (string, error) {
	endpoint := r.baseURL + "/screenshot"

	var req *http.Request
	var err error
	if overlays == nil || overlays.Empty() {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?symbol="+url.QueryEscape(symbol), nil)
	} else {
		body, mErr := json.Marshal(screenshotRequest{Symbol: symbol, Overlays: overlays})
		if mErr != nil {
			return "", mErr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return "", err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("chart service returned %d", resp.StatusCode)
	}

	var out screenshotResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode chart response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("chart service: %s", out.Error)
	}
	u := out.ChartURL
	if u == "" {
		u = out.URL
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return "", fmt.Errorf("chart service returned no usable url")
	}
	return u, nil
}

// Service resolves chart URLs, never failing.
type Service struct {
	renderer Renderer
	metrics  *metrics.Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService wraps renderer. A nil renderer always yields placeholders.
func NewService(renderer Renderer, rec *metrics.Recorder, logger zerolog.Logger) *Service {
	return &Service{
		renderer: renderer,
		metrics:  rec,
		logger:   logger.With().Str("component", "charts").Logger(),
		now:      time.Now,
	}
}

// Enabled reports whether a renderer is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.renderer != nil
}

// URL renders a chart for symbol, falling back to the placeholder on any
// renderer failure.
func (s *Service) URL(ctx context.Context, symbol string, overlays *models.Overlays) (string, Meta) {
	meta := Meta{Source: "shots"}
	if overlays != nil {
		meta.OverlayCounts = overlays.Counts()
	}

	start := s.now()
	var chartURL string
	var err error
	if s.Enabled() {
		chartURL, err = s.renderer.Render(ctx, symbol, overlays)
	} else {
		err = fmt.Errorf("chart service disabled")
	}
	elapsed := s.now().Sub(start)
	meta.LatencyMS = elapsed.Milliseconds()

	if err != nil {
		meta.Fallback = true
		meta.Source = "dummy"
		meta.Error = err.Error()
		chartURL = FallbackURL(symbol)
		if s.Enabled() {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("chart render failed, using placeholder")
		}
	} else {
		meta.OverlayApplied = overlays != nil && !overlays.Empty()
	}
	if s.Enabled() {
		s.metrics.RecordChartRender(meta.Fallback, elapsed)
	}
	return chartURL, meta
}
