package bars

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjannette/trahn-marketdata/internal/models"
)

func bar(ts int64, c float64) models.Bar {
	return models.Bar{Timestamp: ts, Open: c, High: c, Low: c, Close: c, Volume: 1}
}

func TestLastTimestamp(t *testing.T) {
	_, ok := LastTimestamp(nil)
	assert.False(t, ok)

	ts, ok := LastTimestamp([]models.Bar{bar(300, 1), bar(500, 1), bar(100, 1)})
	require.True(t, ok)
	assert.Equal(t, int64(500), ts)
}

func TestAfter(t *testing.T) {
	got := After([]models.Bar{bar(100, 1), bar(200, 2), bar(300, 3)}, 200)
	require.Len(t, got, 1)
	assert.Equal(t, int64(300), got[0].Timestamp)
}

func TestMerge_IncomingWinsAndSorted(t *testing.T) {
	existing := []models.Bar{bar(100, 1), bar(200, 2)}
	incoming := []models.Bar{bar(300, 3), bar(200, 20)}

	got := Merge(existing, incoming)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{100, 200, 300}, []int64{got[0].Timestamp, got[1].Timestamp, got[2].Timestamp})
	assert.Equal(t, 20.0, got[1].Close)
}

func TestMergeSnapshot(t *testing.T) {
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC).Unix()
	series := []models.Bar{bar(base-3600, 10), {Timestamp: base, Open: 10, High: 11, Low: 9, Close: 10, Volume: 5}}

	t.Run("inside last interval updates tail", func(t *testing.T) {
		snap := &models.Snapshot{Last: 12, Timestamp: time.Unix(base+1800, 0)}
		got := MergeSnapshot(series, snap, models.TF1Hour)
		require.Len(t, got, 2)
		assert.Equal(t, 12.0, got[1].Close)
		assert.Equal(t, 12.0, got[1].High)
		assert.Equal(t, 9.0, got[1].Low)
		assert.Equal(t, 10.0, series[1].Close, "input not mutated")
	})

	t.Run("later quote opens aligned bar", func(t *testing.T) {
		snap := &models.Snapshot{Last: 8, Timestamp: time.Unix(base+2*3600+600, 0)}
		got := MergeSnapshot(series, snap, models.TF1Hour)
		require.Len(t, got, 3)
		assert.Equal(t, base+2*3600, got[2].Timestamp)
		assert.Equal(t, 8.0, got[2].Open)
	})

	t.Run("stale quote ignored", func(t *testing.T) {
		snap := &models.Snapshot{Last: 99, Timestamp: time.Unix(base-10, 0)}
		got := MergeSnapshot(series, snap, models.TF1Hour)
		assert.Equal(t, series, got)
	})

	t.Run("nil snapshot", func(t *testing.T) {
		assert.Equal(t, series, MergeSnapshot(series, nil, models.TF1Hour))
	})
}
