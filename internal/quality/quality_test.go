package quality

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjannette/trahn-marketdata/internal/models"
	"github.com/kjannette/trahn-marketdata/internal/repository"
)

var t0 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC).Unix()

func hourly(n int) []models.Bar {
	out := make([]models.Bar, n)
	for i := range out {
		out[i] = models.Bar{Timestamp: t0 + int64(i)*3600, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100}
	}
	return out
}

func hasIssue(v models.ValidationVerdict, code string) bool {
	for _, s := range v.Issues {
		if strings.HasPrefix(s, code) {
			return true
		}
	}
	return false
}

func TestEvaluate_CleanSeries(t *testing.T) {
	v := Evaluate("AAPL", models.TF1Hour, hourly(24))
	assert.True(t, v.Valid)
	assert.Empty(t, v.Issues)
	assert.Equal(t, 24, v.RecordCount)
}

func TestEvaluate_EmptyWindow(t *testing.T) {
	v := Evaluate("AAPL", models.TF1Hour, nil)
	assert.False(t, v.Valid)
	assert.Equal(t, []string{"no data"}, v.Issues)
	assert.Zero(t, v.RecordCount)
}

func TestEvaluate_InvalidOHLC(t *testing.T) {
	series := []models.Bar{{Timestamp: t0, Open: 10, High: 9, Low: 8, Close: 11, Volume: 5}}
	v := Evaluate("AAPL", models.TF1Hour, series)

	assert.False(t, v.Valid)
	assert.True(t, v.InvalidOHLC)
	assert.True(t, hasIssue(v, IssueInvalidOHLC))
	assert.False(t, v.NonPositivePrice)
}

func TestEvaluate_OHLCBoundaries(t *testing.T) {
	tests := []struct {
		name string
		bar  models.Bar
		bad  bool
	}{
		{"flat bar", models.Bar{Open: 5, High: 5, Low: 5, Close: 5}, false},
		{"low above open", models.Bar{Open: 5, High: 6, Low: 5.5, Close: 5.8}, true},
		{"high below low", models.Bar{Open: 5, High: 4, Low: 6, Close: 5}, true},
		{"high equals close", models.Bar{Open: 5, High: 6, Low: 4, Close: 6}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.bar.Timestamp, tt.bar.Volume = t0, 1
			v := Evaluate("X", models.TF1Day, []models.Bar{tt.bar})
			assert.Equal(t, tt.bad, v.InvalidOHLC)
		})
	}
}

func TestEvaluate_NonPositivePrice(t *testing.T) {
	series := hourly(3)
	series[1].Low = 0
	v := Evaluate("AAPL", models.TF1Hour, series)
	assert.True(t, v.NonPositivePrice)
	assert.True(t, hasIssue(v, IssueNonPositivePrice))
	assert.False(t, v.Valid)
}

func TestEvaluate_ZeroVolumeThreshold(t *testing.T) {
	series := hourly(10)
	series[0].Volume = 0
	v := Evaluate("AAPL", models.TF1Hour, series)
	assert.False(t, v.ExcessZeroVolume, "exactly 10% is tolerated")

	series[1].Volume = 0
	v = Evaluate("AAPL", models.TF1Hour, series)
	assert.True(t, v.ExcessZeroVolume)
	assert.True(t, hasIssue(v, IssueExcessZeroVolume))
}

func TestEvaluate_Gaps(t *testing.T) {
	series := hourly(4)
	// 1.5h spacing is within tolerance.
	series[3].Timestamp = series[2].Timestamp + 5400
	v := Evaluate("AAPL", models.TF1Hour, series)
	assert.False(t, v.HasGaps)

	series[3].Timestamp = series[2].Timestamp + 5401
	v = Evaluate("AAPL", models.TF1Hour, series)
	assert.True(t, v.HasGaps)
	assert.True(t, hasIssue(v, IssueGaps))
}

func TestEvaluate_Deterministic(t *testing.T) {
	series := hourly(20)
	series[4].High = 1
	series[7].Volume = 0
	series[8].Volume = 0
	series[9].Volume = 0
	series[15].Timestamp += 7200

	first := Evaluate("AAPL", models.TF1Hour, series)
	for range 5 {
		assert.Equal(t, first, Evaluate("AAPL", models.TF1Hour, series))
	}
}

func TestValidator_ValidateAll(t *testing.T) {
	store, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	inst, err := store.GetOrCreateInstrument(ctx, models.InstrumentDescriptor{Symbol: "AAPL"})
	require.NoError(t, err)
	_, err = store.UpsertBars(ctx, inst.ID, models.TF1Hour, hourly(12))
	require.NoError(t, err)

	v := NewValidator(store, nil)
	start, end := time.Unix(t0, 0), time.Unix(t0+12*3600, 0)
	got := v.ValidateAll(ctx, []string{"aapl", "MSFT"}, []models.Timeframe{models.TF1Hour, models.TF1Day}, start, end)

	require.Len(t, got, 4)
	assert.True(t, got["AAPL:1hour"].Valid)
	assert.Equal(t, 12, got["AAPL:1hour"].RecordCount)
	assert.Equal(t, []string{"no data"}, got["AAPL:1day"].Issues)
	assert.Equal(t, []string{"no data"}, got["MSFT:1hour"].Issues)

	again := v.ValidateAll(ctx, []string{"aapl", "MSFT"}, []models.Timeframe{models.TF1Hour, models.TF1Day}, start, end)
	assert.Equal(t, got, again)

	msft, err := store.FindInstrument(ctx, models.InstrumentDescriptor{Symbol: "MSFT"})
	require.NoError(t, err)
	assert.Nil(t, msft, "validation does not create instruments")
}
