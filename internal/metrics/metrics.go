// Package metrics exposes Prometheus collectors for scans, detection,
// providers, chart rendering and backtest runs.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records domain metrics. A nil *Recorder is valid and records nothing.
type Recorder struct {
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	scanDuration    *prometheus.HistogramVec
	detections      *prometheus.CounterVec
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	chartRenders    *prometheus.CounterVec
	chartLatency    prometheus.Histogram
	cacheLookups    *prometheus.CounterVec
	runTransitions  *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// Default returns the recorder registered with the default Prometheus registry.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = New(prometheus.DefaultRegisterer)
	})
	return defaultRecorder
}

// New creates a recorder whose collectors are registered with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternscan_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "patternscan_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"route", "method"},
		),
		scanDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "patternscan_scan_duration_seconds",
				Help:    "Duration of full universe scans",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"pattern", "timeframe"},
		),
		detections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternscan_detections_total",
				Help: "Per-symbol detection outcomes",
			},
			[]string{"pattern", "outcome"},
		),
		providerCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternscan_provider_calls_total",
				Help: "Price provider calls by result",
			},
			[]string{"provider", "result"},
		),
		providerLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "patternscan_provider_duration_seconds",
				Help:    "Price provider call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		chartRenders: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternscan_chart_renders_total",
				Help: "Chart render attempts by result",
			},
			[]string{"result"},
		),
		chartLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "patternscan_chart_render_duration_seconds",
				Help:    "Chart render latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternscan_cache_lookups_total",
				Help: "Result cache lookups by layer and result",
			},
			[]string{"layer", "result"},
		),
		runTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternscan_backtest_run_transitions_total",
				Help: "Backtest run status transitions",
			},
			[]string{"status"},
		),
		rateLimited: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patternscan_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"operation"},
		),
	}
}

// RecordHTTP records one request.
func (r *Recorder) RecordHTTP(route, method, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, method, status).Inc()
	r.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// RecordScan records a completed scan.
func (r *Recorder) RecordScan(pattern, timeframe string, d time.Duration) {
	if r == nil {
		return
	}
	r.scanDuration.WithLabelValues(pattern, timeframe).Observe(d.Seconds())
}

// RecordDetection records a per-symbol outcome: detected, a no-signal
// reason, filtered or error.
func (r *Recorder) RecordDetection(pattern, outcome string) {
	if r == nil {
		return
	}
	r.detections.WithLabelValues(pattern, outcome).Inc()
}

// RecordProviderCall records one upstream fetch.
func (r *Recorder) RecordProviderCall(provider string, d time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.providerCalls.WithLabelValues(provider, result).Inc()
	r.providerLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordChartRender records a render attempt.
func (r *Recorder) RecordChartRender(fallback bool, d time.Duration) {
	if r == nil {
		return
	}
	result := "ok"
	if fallback {
		result = "fallback"
	}
	r.chartRenders.WithLabelValues(result).Inc()
	r.chartLatency.Observe(d.Seconds())
}

// RecordCache records a cache lookup for layer (result, response).
func (r *Recorder) RecordCache(layer string, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(layer, result).Inc()
}

// RecordRunTransition records a run entering status.
func (r *Recorder) RecordRunTransition(status string) {
	if r == nil {
		return
	}
	r.runTransitions.WithLabelValues(status).Inc()
}

// RecordRateLimited records a rejected request.
func (r *Recorder) RecordRateLimited(operation string) {
	if r == nil {
		return
	}
	r.rateLimited.WithLabelValues(operation).Inc()
}
