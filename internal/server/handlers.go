package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"patternscan/internal/charts"
	"patternscan/internal/models"
	"patternscan/internal/ratelimit"
	"patternscan/internal/scan"
)

type scanQuery struct {
	Pattern     string  `query:"pattern" default:"vcp"`
	Universe    string  `query:"universe"`
	Limit       int     `query:"limit" default:"50" validate:"gte=1,lte=500"`
	Timeframe   string  `query:"timeframe" default:"1d"`
	MinPrice    float64 `query:"min_price" validate:"gte=0"`
	MinVolume   float64 `query:"min_volume" validate:"gte=0"`
	MaxATRRatio float64 `query:"max_atr_ratio" validate:"gte=0"`
	Charts      bool    `query:"charts"`
}

type detectQuery struct {
	Pattern   string `query:"pattern" default:"vcp"`
	Symbol    string `query:"symbol" validate:"required"`
	Timeframe string `query:"timeframe" default:"1d"`
}

type chartRequest struct {
	Symbol   string           `query:"symbol" json:"symbol" default:"SPY"`
	Overlays *models.Overlays `json:"overlays"`
}

type chartResponse struct {
	Symbol   string      `json:"symbol"`
	ChartURL string      `json:"chart_url"`
	Meta     charts.Meta `json:"meta"`
}

func (s *Server) limit(c echo.Context, op string, n int) error {
	return ratelimit.Check(c.Request().Context(), s.deps.Limiter, op, c.RealIP(), n)
}

func (s *Server) scan(c echo.Context) error {
	if err := s.limit(c, "scan", s.opts.RateLimit.ScanLimit); err != nil {
		return s.writeError(c, err)
	}
	var q scanQuery
	if err := bindRequest(c, &q); err != nil {
		return s.writeError(c, err)
	}

	resp, err := s.deps.Scanner.Scan(c.Request().Context(), scan.Request{
		Pattern:     q.Pattern,
		Universe:    q.Universe,
		Limit:       q.Limit,
		Timeframe:   q.Timeframe,
		MinPrice:    q.MinPrice,
		MinVolume:   q.MinVolume,
		MaxATRRatio: q.MaxATRRatio,
		Charts:      q.Charts,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) detect(c echo.Context) error {
	if err := s.limit(c, "scan", s.opts.RateLimit.ScanLimit); err != nil {
		return s.writeError(c, err)
	}
	var q detectQuery
	if err := bindRequest(c, &q); err != nil {
		return s.writeError(c, err)
	}
	det, err := s.deps.Scanner.Detect(c.Request().Context(), q.Pattern, q.Symbol, q.Timeframe)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, det)
}

// chart resolves a chart URL. GET takes only the symbol; POST may carry
// overlays in a JSON body.
func (s *Server) chart(c echo.Context) error {
	if err := s.limit(c, "chart", s.opts.RateLimit.ChartLimit); err != nil {
		return s.writeError(c, err)
	}
	var req chartRequest
	if err := bindRequest(c, &req); err != nil {
		return s.writeError(c, err)
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	url, meta := s.deps.Charts.URL(c.Request().Context(), symbol, req.Overlays)
	return c.JSON(http.StatusOK, chartResponse{Symbol: symbol, ChartURL: url, Meta: meta})
}
