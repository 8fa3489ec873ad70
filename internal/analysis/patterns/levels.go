package patterns

import "math"

// ClampStop keeps stop within [entry*lo, entry*hi], where lo and hi are
// fractions of entry below one.
func ClampStop(entry, stop, lo, hi float64) float64 {
	return math.Min(math.Max(stop, entry*lo), entry*hi)
}

// Within52WeekBand reports whether price sits within band (a fraction) of the
// trailing 52-week high.
func Within52WeekBand(price, high52, band float64) bool {
	if high52 <= 0 || price <= 0 {
		return false
	}
	return price >= high52*(1-band)
}

// CupTarget is the measured-move target entry + 0.618 x cup depth, where
// depth is a fraction of entry.
func CupTarget(entry, depthPct float64) float64 {
	return entry + depthPct*entry*0.618
}
