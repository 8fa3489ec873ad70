package scan

import (
	"strings"

	"patternscan/internal/config"
	"patternscan/internal/errors"
)

// Timeframe describes how bars for one scan timeframe are fetched.
type Timeframe struct {
	Name     string
	Period   string
	Interval string // upstream fetch interval
	MinBars  int
	Cap      int // max universe size
	Weekly   bool
	YearBars int // bars in a 52-week window
}

var timeframes = map[string]Timeframe{
	"1d":  {Name: "1d", Period: "18mo", Interval: "1d", MinBars: 150, Cap: 600, YearBars: 252},
	"1wk": {Name: "1wk", Period: "5y", Interval: "1d", MinBars: 120, Cap: 200, Weekly: true, YearBars: 52},
	"60m": {Name: "60m", Period: "730d", Interval: "60m", MinBars: 200, Cap: 100, YearBars: 252 * 7},
}

// LookupTimeframe resolves name ("" means daily) and applies the configured
// universe caps.
func LookupTimeframe(name string, cfg config.ScanConfig) (Timeframe, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "", "d", "day", "daily":
		name = "1d"
	case "w", "week", "weekly":
		name = "1wk"
	case "1h", "h", "hour", "hourly":
		name = "60m"
	}
	tf, ok := timeframes[name]
	if !ok {
		return Timeframe{}, errors.Wrapf(errors.ErrUnsupportedInterval, "timeframe %q", name)
	}
	switch {
	case tf.Name == "1d" && cfg.CapDaily > 0:
		tf.Cap = cfg.CapDaily
	case tf.Name == "1wk" && cfg.CapWeekly > 0:
		tf.Cap = cfg.CapWeekly
	case tf.Name == "60m" && cfg.CapIntraday > 0:
		tf.Cap = cfg.CapIntraday
	}
	return tf, nil
}

// Timeframes lists the supported timeframe names.
func Timeframes() []string {
	return []string{"1d", "1wk", "60m"}
}
