package bars

import (
	"math"
	"sort"

	"github.com/kjannette/trahn-marketdata/internal/models"
)

// LastTimestamp returns the newest timestamp in the series.
func LastTimestamp(series []models.Bar) (int64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	last := series[0].Timestamp
	for _, b := range series[1:] {
		if b.Timestamp > last {
			last = b.Timestamp
		}
	}
	return last, true
}

// After keeps bars strictly newer than ts.
func After(series []models.Bar, ts int64) []models.Bar {
	out := make([]models.Bar, 0, len(series))
	for _, b := range series {
		if b.Timestamp > ts {
			out = append(out, b)
		}
	}
	return out
}

// Merge unions two series by timestamp, preferring incoming on conflict, and
// returns them sorted ascending.
func Merge(existing, incoming []models.Bar) []models.Bar {
	seen := make(map[int64]models.Bar, len(existing)+len(incoming))
	for _, b := range existing {
		seen[b.Timestamp] = b
	}
	for _, b := range incoming {
		seen[b.Timestamp] = b
	}

	merged := make([]models.Bar, 0, len(seen))
	for _, b := range seen {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

// MergeSnapshot folds a realtime quote into the tail of a sorted series. A
// quote inside the last bar's interval updates close/high/low; a later quote
// opens a new bar aligned to the timeframe. Older quotes are ignored.
func MergeSnapshot(series []models.Bar, snap *models.Snapshot, tf models.Timeframe) []models.Bar {
	if snap == nil || snap.Last <= 0 || len(series) == 0 {
		return series
	}
	interval := int64(tf.Interval().Seconds())
	if interval <= 0 {
		return series
	}

	out := make([]models.Bar, len(series))
	copy(out, series)
	last := &out[len(out)-1]
	ts := snap.Timestamp.UTC().Unix()

	switch {
	case ts < last.Timestamp:
		return out
	case ts < last.Timestamp+interval:
		last.Close = snap.Last
		last.High = math.Max(last.High, snap.Last)
		last.Low = math.Min(last.Low, snap.Last)
		return out
	default:
		start := ts - (ts-last.Timestamp)%interval
		return append(out, models.Bar{
			Timestamp: start,
			Open:      snap.Last,
			High:      snap.Last,
			Low:       snap.Last,
			Close:     snap.Last,
		})
	}
}
