package models

import "time"

// Line is a trend or neckline segment drawn over a chart.
type Line struct {
	X1    string  `json:"x1"`
	Y1    float64 `json:"y1"`
	X2    string  `json:"x2"`
	Y2    float64 `json:"y2"`
	Color string  `json:"color,omitempty"`
	Dash  bool    `json:"dash,omitempty"`
	Width int     `json:"width,omitempty"`
}

// Box is a shaded price/time rectangle.
type Box struct {
	X1      string  `json:"x1"`
	Y1      float64 `json:"y1"`
	X2      string  `json:"x2"`
	Y2      float64 `json:"y2"`
	Color   string  `json:"color,omitempty"`
	Opacity float64 `json:"opacity,omitempty"`
}

// Label is a text annotation anchored at a date and price.
type Label struct {
	Text string  `json:"text"`
	X    string  `json:"x"`
	Y    float64 `json:"y"`
}

// KeyLevels holds the trade levels of a setup.
type KeyLevels struct {
	Entry   float64   `json:"entry"`
	Stop    float64   `json:"stop"`
	Targets []float64 `json:"targets"`
}

// Overlays is the visualization payload sent to the chart renderer.
type Overlays struct {
	Lines       []Line    `json:"lines"`
	Boxes       []Box     `json:"boxes"`
	Labels      []Label   `json:"labels"`
	PriceLevels KeyLevels `json:"priceLevels"`
}

// OverlayCounts summarizes how many shapes an overlay carries.
type OverlayCounts struct {
	Lines   int `json:"lines"`
	Boxes   int `json:"boxes"`
	Labels  int `json:"labels"`
	Targets int `json:"targets"`
}

// Counts returns the shape counts of o.
func (o Overlays) Counts() OverlayCounts {
	return OverlayCounts{
		Lines:   len(o.Lines),
		Boxes:   len(o.Boxes),
		Labels:  len(o.Labels),
		Targets: len(o.PriceLevels.Targets),
	}
}

// Empty reports whether o has nothing to draw.
func (o Overlays) Empty() bool {
	c := o.Counts()
	return c.Lines+c.Boxes+c.Labels == 0 && o.PriceLevels.Entry == 0
}

// PatternResult is a scored trade setup produced by a detector.
// Entry, stop and targets are strictly positive with stop < entry < targets[0],
// targets ascending.
type PatternResult struct {
	Pattern   string         `json:"pattern"`
	Score     float64        `json:"score"`
	Entry     float64        `json:"entry"`
	Stop      float64        `json:"stop"`
	Targets   []float64      `json:"targets"`
	Overlays  Overlays       `json:"overlays"`
	KeyLevels KeyLevels      `json:"key_levels"`
	Evidence  []string       `json:"evidence,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Contraction is a swing-high to swing-low leg inside a VCP base.
type Contraction struct {
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
	HighPrice    float64   `json:"high_price"`
	LowPrice     float64   `json:"low_price"`
	PercentDrop  float64   `json:"percent_drop"`
	AvgVolume    float64   `json:"avg_volume"`
	DurationDays int       `json:"duration_days"`
}

// ScanRow is a PatternResult for one symbol with liquidity context.
type ScanRow struct {
	PatternResult
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	AvgPrice  float64 `json:"avg_price"`
	AvgVolume float64 `json:"avg_volume"`
	ATR14     float64 `json:"atr14"`
	Sector    string  `json:"sector,omitempty"`
	ChartURL  string  `json:"chart_url,omitempty"`
}

// ScanResponse is the ranked output of one scan.
type ScanResponse struct {
	Pattern   string    `json:"pattern"`
	Universe  string    `json:"universe"`
	Timeframe string    `json:"timeframe"`
	Count     int       `json:"count"`
	Results   []ScanRow `json:"results"`
}
