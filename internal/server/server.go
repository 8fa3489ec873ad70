// Package server exposes scans, charts and backtest runs over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"patternscan/internal/charts"
	"patternscan/internal/config"
	"patternscan/internal/metrics"
	"patternscan/internal/models"
	"patternscan/internal/ratelimit"
	"patternscan/internal/scan"
	"patternscan/internal/store"
)

// Version is reported by /healthz.
var Version = "dev"

// Scanner runs scans and single-symbol detections.
type Scanner interface {
	Scan(ctx context.Context, req scan.Request) (*models.ScanResponse, error)
	Detect(ctx context.Context, pattern, symbol, timeframe string) (*scan.Detection, error)
}

// RunService queues backtest runs and locates their artifacts.
type RunService interface {
	Submit(ctx context.Context, key models.RunKey) (*models.BacktestRun, error)
	RunDir(id int64) string
}

// SectorLookup maps a symbol to its sector.
type SectorLookup interface {
	Sector(symbol string) string
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Scanner  Scanner
	Charts   *charts.Service
	Runs     RunService
	Registry store.RunRegistry
	Sectors  SectorLookup
	Limiter  ratelimit.Limiter
	Metrics  *metrics.Recorder
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// Options are the request defaults and limits taken from config.
type Options struct {
	Server          config.ServerConfig
	RateLimit       config.RateLimitConfig
	ArtifactsRoot   string
	Provider        string
	DetectorVersion string
}

// Server wraps the echo instance.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

// New builds the server and registers every route.
func New(deps Deps, opts Options) *Server {
	if deps.Charts == nil {
		deps.Charts = charts.NewService(nil, deps.Metrics, deps.Logger)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewMemory(opts.RateLimit.Window)
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Provider == "" {
		opts.Provider = "yahoo"
	}
	if opts.DetectorVersion == "" {
		opts.DetectorVersion = "vcp-1"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = opts.Server.ReadTimeout
	e.Server.WriteTimeout = opts.Server.WriteTimeout

	logger := deps.Logger.With().Str("component", "server").Logger()
	e.Use(Recover(logger))
	e.Use(RequestID())
	e.Use(RequestLogging(logger, deps.Metrics))
	if opts.Server.CORS {
		e.Use(CORS())
	}

	s := &Server{echo: e, deps: deps, opts: opts, logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	g := e.Group("/api/v1")
	g.GET("/scan", s.scan)
	g.GET("/detect", s.detect)
	g.GET("/chart", s.chart)
	g.POST("/chart", s.chart)
	g.GET("/runs", s.listRuns)
	g.POST("/runs", s.createRun)
	g.GET("/runs/:id", s.runDetail)
	g.GET("/runs/:id/candidates", s.candidates)
	g.GET("/metrics/summary", s.metricsSummary)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := s.opts.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.opts.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "version": Version})
}
