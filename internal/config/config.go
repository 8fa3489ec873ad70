// Package config provides configuration management for patternscan.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"patternscan/internal/analysis/patterns"
	"patternscan/internal/errors"
	"patternscan/internal/logging"
)

// Config holds all application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Data      DataConfig      `mapstructure:"data"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Scan      ScanConfig      `mapstructure:"scan"`
	VCP       VCPConfig       `mapstructure:"vcp"`
	Charts    ChartsConfig    `mapstructure:"charts"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Backtest  BacktestConfig  `mapstructure:"backtest"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Universe  UniverseConfig  `mapstructure:"universe"`

	// Dir is the directory the config was loaded from.
	Dir string `mapstructure:"-"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	JSON       bool   `mapstructure:"json"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// DataConfig holds price provider and disk cache settings.
type DataConfig struct {
	Provider         string        `mapstructure:"provider"` // yahoo
	BaseURL          string        `mapstructure:"base_url"`
	DBPath           string        `mapstructure:"db_path"`
	MaxStaleDays     int           `mapstructure:"max_stale_days"`
	MinRows          int           `mapstructure:"min_rows"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	PrefetchBatch    int           `mapstructure:"prefetch_batch"`
	MinInterval      time.Duration `mapstructure:"min_interval"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"` // consecutive transient failures
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	Backend     string        `mapstructure:"backend"` // memory, redis
	RedisURL    string        `mapstructure:"redis_url"`
	Prefix      string        `mapstructure:"prefix"`
	MaxEntries  int           `mapstructure:"max_entries"`
	ResultTTL   time.Duration `mapstructure:"result_ttl"`
	ResponseTTL time.Duration `mapstructure:"response_ttl"`
	PrefetchTTL time.Duration `mapstructure:"prefetch_ttl"`
}

// ScanConfig holds scan filters and pool sizing.
type ScanConfig struct {
	MinPrice         float64 `mapstructure:"min_price"`
	MinVolume        float64 `mapstructure:"min_volume"`
	HighBand         float64 `mapstructure:"high_band"`
	Workers          int     `mapstructure:"workers"` // 0 scales with universe size
	ChartConcurrency int     `mapstructure:"chart_concurrency"`
	DefaultLimit     int     `mapstructure:"default_limit"`
	CapDaily         int     `mapstructure:"cap_daily"`
	CapWeekly        int     `mapstructure:"cap_weekly"`
	CapIntraday      int     `mapstructure:"cap_intraday"`
}

// VCPConfig holds the volatility-contraction detector tunables.
type VCPConfig struct {
	MinBars                  int     `mapstructure:"min_bars"`
	MinPrice                 float64 `mapstructure:"min_price"`
	MinVolume                float64 `mapstructure:"min_volume"`
	MinContractions          int     `mapstructure:"min_contractions"`
	MaxContractions          int     `mapstructure:"max_contractions"`
	MinLegDepth              float64 `mapstructure:"min_leg_depth"`
	MaxBaseDepth             float64 `mapstructure:"max_base_depth"`
	FinalContractionMax      float64 `mapstructure:"final_contraction_max"`
	FinalRelaxMultiplier     float64 `mapstructure:"final_relax_multiplier"`
	TighteningFactor         float64 `mapstructure:"tightening_factor"`
	DryUpRatio               float64 `mapstructure:"dry_up_ratio"`
	DryUpSoftLimit           float64 `mapstructure:"dry_up_soft_limit"`
	PivotWindow              int     `mapstructure:"pivot_window"`
	BreakoutVolumeMultiplier float64 `mapstructure:"breakout_volume_multiplier"`
	SwingWindow              int     `mapstructure:"swing_window"`
	TrendTolerance           float64 `mapstructure:"trend_tolerance"`
	AltTrendProgress         float64 `mapstructure:"alt_trend_progress"`
}

// ChartsConfig holds chart rendering service settings.
type ChartsConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig holds per-operation request limits.
type RateLimitConfig struct {
	Backend    string        `mapstructure:"backend"` // memory, redis
	Window     time.Duration `mapstructure:"window"`
	ScanLimit  int           `mapstructure:"scan_limit"`
	ChartLimit int           `mapstructure:"chart_limit"`
	RunLimit   int           `mapstructure:"run_limit"`
}

// BacktestConfig holds walk-forward settings.
type BacktestConfig struct {
	ArtifactsRoot           string  `mapstructure:"artifacts_root"`
	MinHistory              int     `mapstructure:"min_history"`
	OutcomeWindow           int     `mapstructure:"outcome_window"`
	StatsWindow             int     `mapstructure:"stats_window"`
	RRTarget                float64 `mapstructure:"rr_target"`
	TriggerVolumeMultiplier float64 `mapstructure:"trigger_volume_multiplier"`
	StopLookback            int     `mapstructure:"stop_lookback"`
	StopFloor               float64 `mapstructure:"stop_floor"`
	DetectorVersion         string  `mapstructure:"detector_version"`
	Period                  string  `mapstructure:"period"`
	Workers                 int     `mapstructure:"workers"`
	QueueSize               int     `mapstructure:"queue_size"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            bool          `mapstructure:"cors"`
}

// SchedulerConfig holds the daily standard run settings.
type SchedulerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DailyCron    string `mapstructure:"daily_cron"` // with seconds field, New York time
	LookbackDays int    `mapstructure:"lookback_days"`
	Universe     string `mapstructure:"universe"`
	Provider     string `mapstructure:"provider"`
}

// UniverseConfig points at the named-universe file.
type UniverseConfig struct {
	File    string `mapstructure:"file"`
	Default string `mapstructure:"default"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/patternscan"
	}
	return filepath.Join(home, ".config", "patternscan")
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", false)
	v.SetDefault("log.file_path", filepath.Join(dir, "logs", "patternscan.log"))
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 14)

	v.SetDefault("data.provider", "yahoo")
	v.SetDefault("data.base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("data.db_path", filepath.Join(dir, "data", "patternscan.db"))
	v.SetDefault("data.max_stale_days", 2)
	v.SetDefault("data.min_rows", 0)
	v.SetDefault("data.fetch_timeout", "10s")
	v.SetDefault("data.retry_attempts", 3)
	v.SetDefault("data.retry_base_delay", "750ms")
	v.SetDefault("data.prefetch_batch", 12)
	v.SetDefault("data.min_interval", "50ms")
	v.SetDefault("data.breaker_threshold", 8)
	v.SetDefault("data.breaker_cooldown", "30s")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_url", "redis://127.0.0.1:6379/0")
	v.SetDefault("cache.prefix", "patternscan")
	v.SetDefault("cache.max_entries", 5000)
	v.SetDefault("cache.result_ttl", "30m")
	v.SetDefault("cache.response_ttl", "5m")
	v.SetDefault("cache.prefetch_ttl", "15m")

	v.SetDefault("scan.min_price", 5.0)
	v.SetDefault("scan.min_volume", 200000.0)
	v.SetDefault("scan.high_band", 0.25)
	v.SetDefault("scan.workers", 0)
	v.SetDefault("scan.chart_concurrency", 4)
	v.SetDefault("scan.default_limit", 50)
	v.SetDefault("scan.cap_daily", 600)
	v.SetDefault("scan.cap_weekly", 200)
	v.SetDefault("scan.cap_intraday", 100)

	d := patterns.DefaultVCPConfig()
	v.SetDefault("vcp.min_bars", d.MinBars)
	v.SetDefault("vcp.min_price", d.MinPrice)
	v.SetDefault("vcp.min_volume", d.MinVolume)
	v.SetDefault("vcp.min_contractions", d.MinContractions)
	v.SetDefault("vcp.max_contractions", d.MaxContractions)
	v.SetDefault("vcp.min_leg_depth", d.MinLegDepth)
	v.SetDefault("vcp.max_base_depth", d.MaxBaseDepth)
	v.SetDefault("vcp.final_contraction_max", d.FinalContractionMax)
	v.SetDefault("vcp.final_relax_multiplier", d.FinalRelaxMultiplier)
	v.SetDefault("vcp.tightening_factor", d.TighteningFactor)
	v.SetDefault("vcp.dry_up_ratio", d.DryUpRatio)
	v.SetDefault("vcp.dry_up_soft_limit", d.DryUpSoftLimit)
	v.SetDefault("vcp.pivot_window", d.PivotWindow)
	v.SetDefault("vcp.breakout_volume_multiplier", d.BreakoutVolumeMultiplier)
	v.SetDefault("vcp.swing_window", d.SwingWindow)
	v.SetDefault("vcp.trend_tolerance", d.TrendTolerance)
	v.SetDefault("vcp.alt_trend_progress", d.AltTrendProgress)

	v.SetDefault("charts.enabled", false)
	v.SetDefault("charts.base_url", "http://127.0.0.1:3010")
	v.SetDefault("charts.timeout", "8s")

	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.window", "60s")
	v.SetDefault("ratelimit.scan_limit", 30)
	v.SetDefault("ratelimit.chart_limit", 30)
	v.SetDefault("ratelimit.run_limit", 10)

	v.SetDefault("backtest.artifacts_root", filepath.Join(dir, "reports"))
	v.SetDefault("backtest.min_history", 200)
	v.SetDefault("backtest.outcome_window", 25)
	v.SetDefault("backtest.stats_window", 30)
	v.SetDefault("backtest.rr_target", 1.5)
	v.SetDefault("backtest.trigger_volume_multiplier", 1.5)
	v.SetDefault("backtest.stop_lookback", 10)
	v.SetDefault("backtest.stop_floor", 0.92)
	v.SetDefault("backtest.detector_version", "vcp-1")
	v.SetDefault("backtest.period", "5y")
	v.SetDefault("backtest.workers", 4)
	v.SetDefault("backtest.queue_size", 16)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors", true)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.daily_cron", "0 30 16 * * *")
	v.SetDefault("scheduler.lookback_days", 90)
	v.SetDefault("scheduler.universe", "simple")
	v.SetDefault("scheduler.provider", "yahoo")

	v.SetDefault("universe.file", "")
	v.SetDefault("universe.default", "simple")
}

func newViper(dir string) *viper.Viper {
	v := viper.New()
	setDefaults(v, dir)
	v.SetEnvPrefix("PATTERNSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration with environment overrides applied.
func Default() *Config {
	dir := DefaultConfigDir()
	cfg := &Config{Dir: dir}
	// Unmarshal of defaults cannot fail on well-typed defaults.
	_ = newViper(dir).Unmarshal(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

// Load loads configuration from config.toml in configDir.
// If configDir is empty, uses the default config directory. A missing file is
// replaced by a commented template and the defaults are used.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := newViper(configDir)
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
	}

	cfg := &Config{Dir: configDir}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides maps the short legacy variable names onto config fields.
func applyEnvOverrides(cfg *Config) {
	setFloat("VCP_MIN_DRYUP", &cfg.VCP.DryUpRatio)
	setFloat("VCP_MAX_BASE_DEPTH", &cfg.VCP.MaxBaseDepth)
	setFloat("VCP_MAX_FINAL_RANGE", &cfg.VCP.FinalContractionMax)
	setInt("VCP_PIVOT_WINDOW", &cfg.VCP.PivotWindow)
	setFloat("VCP_BREAKOUT_VOLX", &cfg.VCP.BreakoutVolumeMultiplier)
	setInt("WORKERS", &cfg.Scan.Workers)

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
	if v := os.Getenv("CHART_SERVICE_URL"); v != "" {
		cfg.Charts.BaseURL = v
		cfg.Charts.Enabled = true
	}
	if cfg.VCP.DryUpSoftLimit < cfg.VCP.DryUpRatio {
		cfg.VCP.DryUpSoftLimit = cfg.VCP.DryUpRatio
	}
}

func setFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.Wrapf(errors.ErrConfigInvalid, format, args...)
	}

	switch c.Data.Provider {
	case "yahoo":
	default:
		return invalid("unknown data provider %q", c.Data.Provider)
	}
	if c.Data.RetryAttempts < 1 {
		return invalid("data.retry_attempts must be at least 1")
	}
	if c.Data.PrefetchBatch < 1 {
		return invalid("data.prefetch_batch must be positive")
	}
	if c.Data.MaxStaleDays < 0 {
		return invalid("data.max_stale_days must be non-negative")
	}

	for name, backend := range map[string]string{"cache": c.Cache.Backend, "ratelimit": c.RateLimit.Backend} {
		if backend != "memory" && backend != "redis" {
			return invalid("%s.backend must be 'memory' or 'redis', got %q", name, backend)
		}
	}

	if c.Scan.MinPrice < 0 || c.Scan.MinVolume < 0 {
		return invalid("scan minimums must be non-negative")
	}
	if c.Scan.HighBand <= 0 || c.Scan.HighBand >= 1 {
		return invalid("scan.high_band must be in (0, 1)")
	}
	if c.Scan.Workers < 0 || c.Scan.ChartConcurrency < 1 {
		return invalid("scan.workers must be >= 0 and scan.chart_concurrency >= 1")
	}

	if err := c.VCP.Detector().Validate(); err != nil {
		return errors.Wrap(errors.ErrConfigInvalid, err.Error())
	}

	if c.RateLimit.Window <= 0 {
		return invalid("ratelimit.window must be positive")
	}

	if c.Backtest.MinHistory < 1 || c.Backtest.OutcomeWindow < 1 || c.Backtest.StatsWindow < 1 {
		return invalid("backtest windows must be positive")
	}
	if c.Backtest.StopFloor <= 0 || c.Backtest.StopFloor >= 1 {
		return invalid("backtest.stop_floor must be in (0, 1)")
	}
	if c.Backtest.DetectorVersion == "" {
		return invalid("backtest.detector_version is required")
	}
	if c.Scheduler.Enabled && c.Scheduler.LookbackDays < 1 {
		return invalid("scheduler.lookback_days must be positive")
	}

	return nil
}

// Detector converts the section into detector tunables.
func (c VCPConfig) Detector() patterns.VCPConfig {
	return patterns.VCPConfig{
		MinBars:                  c.MinBars,
		MinPrice:                 c.MinPrice,
		MinVolume:                c.MinVolume,
		MinContractions:          c.MinContractions,
		MaxContractions:          c.MaxContractions,
		MinLegDepth:              c.MinLegDepth,
		MaxBaseDepth:             c.MaxBaseDepth,
		FinalContractionMax:      c.FinalContractionMax,
		FinalRelaxMultiplier:     c.FinalRelaxMultiplier,
		TighteningFactor:         c.TighteningFactor,
		DryUpRatio:               c.DryUpRatio,
		DryUpSoftLimit:           c.DryUpSoftLimit,
		PivotWindow:              c.PivotWindow,
		BreakoutVolumeMultiplier: c.BreakoutVolumeMultiplier,
		SwingWindow:              c.SwingWindow,
		TrendTolerance:           c.TrendTolerance,
		AltTrendProgress:         c.AltTrendProgress,
	}
}

// Logging converts the section into logger options.
func (c LogConfig) Logging() logging.LogConfig {
	return logging.LogConfig{
		Level:      c.Level,
		Console:    c.Console,
		JSON:       c.JSON,
		File:       c.File,
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
	}
}
