// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// FormatPrice formats a price with thousands separators and two decimals, e.g. "$1,234.50".
func FormatPrice(amount float64) string {
	if amount < 0 {
		return "-$" + humanize.FormatFloat("#,###.##", -amount)
	}
	return "$" + humanize.FormatFloat("#,###.##", amount)
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatRatio formats a fraction (0.123) as a percentage ("12.3%").
func FormatRatio(value float64) string {
	return fmt.Sprintf("%.1f%%", value*100)
}

// FormatVolume formats share volume in compact SI form ("1.2M").
func FormatVolume(volume float64) string {
	s := humanize.SIWithDigits(volume, 1, "")
	return strings.ReplaceAll(s, " ", "")
}

// FormatCount formats an integer with thousands separators.
func FormatCount(n int64) string {
	return humanize.Comma(n)
}
