package marketdata

import (
	"patternscan/internal/models"
)

// ResampleWeekly aggregates daily bars into ISO weeks. Each weekly bar is
// dated on the last daily bar of its week, so truncating the weekly series at
// a date never exposes later daily bars.
func ResampleWeekly(daily models.PriceSeries) models.PriceSeries {
	var out []models.PriceBar
	curYear, curWeek := -1, -1

	for _, b := range daily.Bars {
		y, w := b.Date.ISOWeek()
		if y != curYear || w != curWeek {
			out = append(out, b)
			curYear, curWeek = y, w
			continue
		}
		wk := &out[len(out)-1]
		wk.Date = b.Date
		wk.High = max(wk.High, b.High)
		if b.Low > 0 && (wk.Low <= 0 || b.Low < wk.Low) {
			wk.Low = b.Low
		}
		wk.Close = b.Close
		wk.Volume += b.Volume
	}
	return models.NewPriceSeries(daily.Symbol, "1wk", out)
}
