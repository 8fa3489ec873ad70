package cli

import (
	"fmt"
	"strings"
	"time"

	"patternscan/internal/models"
	"patternscan/pkg/utils"
)

// FormatLevel formats a price level, "-" when unset.
func FormatLevel(price float64) string {
	if price <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f", price)
}

// FormatTargets joins target levels in ascending order as given.
func FormatTargets(targets []float64) string {
	if len(targets) == 0 {
		return "-"
	}
	parts := make([]string, len(targets))
	for i, t := range targets {
		parts[i] = FormatLevel(t)
	}
	return strings.Join(parts, " / ")
}

// FormatScore formats a detector score.
func FormatScore(score float64) string {
	return fmt.Sprintf("%.1f", score)
}

// FormatRiskReward formats reward over risk to the first target.
func FormatRiskReward(r models.PatternResult) string {
	risk := r.Entry - r.Stop
	if risk <= 0 || len(r.Targets) == 0 {
		return "-"
	}
	return fmt.Sprintf("1:%.2f", (r.Targets[0]-r.Entry)/risk)
}

// FormatDurationMS formats an elapsed time in milliseconds.
func FormatDurationMS(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	d := time.Duration(ms) * time.Millisecond
	if d < time.Minute {
		return d.Round(100 * time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

// FormatTime formats a timestamp in exchange time, "-" when unset.
func FormatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.In(utils.MarketLocation).Format("2006-01-02 15:04")
}

// TruncateString truncates a string to max length with ellipsis.
func TruncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
