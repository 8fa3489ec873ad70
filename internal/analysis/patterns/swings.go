package patterns

import "math"

// SwingPoint represents a swing high or low point.
type SwingPoint struct {
	Index  int
	Price  float64
	IsHigh bool
}

// localExtrema returns indexes whose value equals the max (or min) of the
// symmetric window around them. Edges without a full window are skipped.
func localExtrema(values []float64, window int, highs bool) []int {
	var out []int
	for i := window; i < len(values)-window; i++ {
		best := values[i]
		for j := i - window; j <= i+window; j++ {
			if highs {
				best = math.Max(best, values[j])
			} else {
				best = math.Min(best, values[j])
			}
		}
		if values[i] == best {
			out = append(out, i)
		}
	}
	return out
}

// findSwings merges swing highs (on highs) and swing lows (on lows) in time order.
func findSwings(highs, lows []float64, window int) []SwingPoint {
	hi := localExtrema(highs, window, true)
	lo := localExtrema(lows, window, false)
	swings := make([]SwingPoint, 0, len(hi)+len(lo))
	i, j := 0, 0
	for i < len(hi) || j < len(lo) {
		// On ties the high comes first so a single wide bar opens a leg.
		if j >= len(lo) || (i < len(hi) && hi[i] <= lo[j]) {
			swings = append(swings, SwingPoint{Index: hi[i], Price: highs[hi[i]], IsHigh: true})
			i++
			continue
		}
		swings = append(swings, SwingPoint{Index: lo[j], Price: lows[lo[j]]})
		j++
	}
	return swings
}

// leg is a swing high followed by the lowest swing low before the next high.
type leg struct {
	high, low int
}

// pairLegs walks swings in time order. Runs of consecutive highs keep the
// highest; runs of consecutive lows keep the lowest.
func pairLegs(swings []SwingPoint) []leg {
	var legs []leg
	curHigh, curLow := -1, -1
	var highPrice, lowPrice float64
	for _, s := range swings {
		if s.IsHigh {
			if curLow >= 0 {
				legs = append(legs, leg{high: curHigh, low: curLow})
				curHigh, curLow = s.Index, -1
				highPrice = s.Price
				continue
			}
			if curHigh < 0 || s.Price >= highPrice {
				curHigh, highPrice = s.Index, s.Price
			}
			continue
		}
		if curHigh < 0 || s.Index <= curHigh {
			continue
		}
		if curLow < 0 || s.Price < lowPrice {
			curLow, lowPrice = s.Index, s.Price
		}
	}
	if curHigh >= 0 && curLow >= 0 {
		legs = append(legs, leg{high: curHigh, low: curLow})
	}
	return legs
}
