package utils

import (
	"fmt"
	"time"
)

// MarketLocation is the exchange timezone used to assign bars to sessions.
var MarketLocation *time.Location

func init() {
	var err error
	MarketLocation, err = time.LoadLocation("America/New_York")
	if err != nil {
		MarketLocation = time.FixedZone("ET", -5*60*60)
	}
}

// IsTradingDay reports whether t falls on a weekday in the exchange timezone.
// Exchange holidays are not modelled.
func IsTradingDay(t time.Time) bool {
	wd := t.In(MarketLocation).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// SessionDate returns midnight UTC of the exchange-local calendar date of t.
func SessionDate(t time.Time) time.Time {
	local := t.In(MarketLocation)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// TradingDaysSince counts trading days after the session date last (midnight
// UTC, as stored for daily bars) up to and including the session of now. A bar
// from the previous Friday checked on Monday is one day old.
func TradingDaysSince(last, now time.Time) int {
	from := utcDate(last)
	to := SessionDate(now)
	n := 0
	for d := from.AddDate(0, 0, 1); !d.After(to); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n++
		}
	}
	return n
}

// ParseDate parses an ISO 8601 date (YYYY-MM-DD) as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}

// DateRange returns every calendar day in [start, end], inclusive.
func DateRange(start, end time.Time) []time.Time {
	start, end = utcDate(start), utcDate(end)
	if end.Before(start) {
		return nil
	}
	days := make([]time.Time, 0, int(end.Sub(start).Hours()/24)+1)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func utcDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
