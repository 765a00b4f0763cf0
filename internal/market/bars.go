package market

import "sort"

// NormalizeBars sorts bars ascending by timestamp and drops duplicates
// on (symbol, timeframe, timestamp), keeping the first occurrence.
// Adapters run their historical responses through this before returning
// so the contract ordering invariant holds regardless of vendor quirks.
func NormalizeBars(bars []Bar) []Bar {
	if len(bars) == 0 {
		return bars
	}

	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	out := sorted[:0]
	type key struct {
		symbol    string
		timeframe Timeframe
		ts        int64
	}
	seen := make(map[key]bool, len(sorted))
	for _, b := range sorted {
		k := key{b.Symbol, b.Timeframe, b.Timestamp.UnixNano()}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, b)
	}
	return out
}

// ValidateBars returns the first invariant violation in the sequence,
// checking per-bar OHLCV bounds and strict timestamp ordering.
func ValidateBars(bars []Bar) error {
	for i, b := range bars {
		if err := b.Validate(); err != nil {
			return err
		}
		if i > 0 && !bars[i-1].Timestamp.Before(b.Timestamp) {
			return errOutOfOrder(bars[i-1], b)
		}
	}
	return nil
}

func errOutOfOrder(prev, cur Bar) error {
	return &ordError{prev: prev, cur: cur}
}

type ordError struct {
	prev, cur Bar
}

func (e *ordError) Error() string {
	return "bars out of order: " + e.prev.Timestamp.String() + " !< " + e.cur.Timestamp.String() + " for " + e.cur.Symbol
}
