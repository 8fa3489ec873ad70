package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# patternscan configuration
# Every key can be overridden with PATTERNSCAN_<SECTION>_<KEY>, e.g. PATTERNSCAN_SCAN_WORKERS=8.

[log]
# debug, info, warn, error
level = "info"
console = true
# Plain JSON lines on stderr instead of the console writer
json = false
# Rotating file log under the config directory
file = false

[data]
# Price provider: yahoo
provider = "yahoo"
# Disk cache is fresh when the last bar is within this many days
max_stale_days = 2
fetch_timeout = "10s"
retry_attempts = 3
retry_base_delay = "750ms"
# Symbols per bulk prefetch request
prefetch_batch = 12
# Minimum pause between provider calls
min_interval = "50ms"
# Stop calling the provider after this many consecutive transient failures,
# and probe it again after the cooldown
breaker_threshold = 8
breaker_cooldown = "30s"

[cache]
# memory or redis
backend = "memory"
redis_url = "redis://127.0.0.1:6379/0"
result_ttl = "30m"
response_ttl = "5m"
prefetch_ttl = "15m"

[scan]
# Hard minimums applied regardless of request values
min_price = 5.0
min_volume = 200000.0
# Reject symbols more than this fraction below the 52-week high
high_band = 0.25
# 0 scales the pool with universe size
workers = 0
chart_concurrency = 4
default_limit = 50

[vcp]
min_price = 10.0
min_volume = 500000.0
min_contractions = 2
max_base_depth = 0.35
final_contraction_max = 0.10
final_relax_multiplier = 1.5
tightening_factor = 0.95
dry_up_ratio = 0.80
dry_up_soft_limit = 0.90
pivot_window = 7
breakout_volume_multiplier = 1.8

[charts]
enabled = false
base_url = "http://127.0.0.1:3010"
timeout = "8s"

[ratelimit]
backend = "memory"
window = "60s"
scan_limit = 30
chart_limit = 30
run_limit = 10

[backtest]
outcome_window = 25
stats_window = 30
rr_target = 1.5
trigger_volume_multiplier = 1.5
detector_version = "vcp-1"
workers = 4

[server]
addr = ":8080"

[scheduler]
enabled = false
# seconds minutes hours dom month dow
daily_cron = "0 30 16 * * *"
lookback_days = 90
universe = "simple"

[universe]
# YAML file with named universes; empty uses the built-in list
file = ""
default = "simple"
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}

// WriteTemplate writes the commented template to path.
func WriteTemplate(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, []byte(configTemplate), 0644)
}
