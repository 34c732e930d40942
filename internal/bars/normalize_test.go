package bars

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjannette/trahn-marketdata/internal/marketdata"
	"github.com/kjannette/trahn-marketdata/internal/models"
)

func TestCanonicalSeconds(t *testing.T) {
	assert.Equal(t, int64(1705312800), CanonicalSeconds(1705312800))
	assert.Equal(t, int64(1705312800), CanonicalSeconds(1705312800000))
	assert.Equal(t, int64(1705312800), CanonicalSeconds(1705312800000000))
	assert.Equal(t, int64(1705312800), CanonicalSeconds(1705312800000000000))
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC).Unix()
	midnight := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC).Unix()

	tests := []struct {
		raw  string
		want int64
	}{
		{`1705312800`, want},
		{`1705312800000`, want},
		{`1705312800.0`, want},
		{`"1705312800000"`, want},
		{`1705312800000000`, want},
		{`"2024-01-15T10:00:00Z"`, want},
		{`"2024-01-15T12:00:00+02:00"`, want},
		{`"2024-01-15 10:00:00"`, want},
		{`"20240115 10:00:00"`, want},
		{`"2024-01-15"`, midnight},
		{`"20240115"`, midnight},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTimestamp(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{``, `null`, `"yesterday"`, `true`} {
		_, err := ParseTimestamp(json.RawMessage(bad))
		assert.Error(t, err, "input %q", bad)
	}
}

func TestDecodeHistory_Envelopes(t *testing.T) {
	bodies := map[string]string{
		"bars":  `{"bars":[{"timestamp":1705312800,"open":1,"high":2,"low":0.5,"close":1.5,"volume":100}]}`,
		"data":  `{"data":[{"date":"2024-01-15T10:00:00Z","open":1,"high":2,"low":0.5,"close":1.5,"volume":100}]}`,
		"array": `[{"t":1705312800000,"o":1,"h":2,"l":0.5,"c":1.5,"v":100}]`,
	}
	want := models.Bar{Timestamp: 1705312800, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeHistory([]byte(body))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, want, got[0])
		})
	}
}

func TestDecodeHistory_StringNumbersAndMissingVolume(t *testing.T) {
	body := `{"bars":[{"time":"20240115 10:00:00","open":"1.25","high":"2","low":"1","close":"1.5"}]}`
	got, err := DecodeHistory([]byte(body))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1.25, got[0].Open)
	assert.Zero(t, got[0].Volume)
}

func TestDecodeHistory_SortsAndDedupes(t *testing.T) {
	body := `[
		{"t":300,"o":3,"h":3,"l":3,"c":3,"v":1},
		{"t":100,"o":1,"h":1,"l":1,"c":1,"v":1},
		{"t":300,"o":4,"h":4,"l":4,"c":4,"v":1}
	]`
	got, err := DecodeHistory([]byte(body))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(100), got[0].Timestamp)
	assert.Equal(t, 4.0, got[1].Close, "last duplicate wins")
}

func TestDecodeHistory_EmptyArray(t *testing.T) {
	got, err := DecodeHistory([]byte(`{"bars":[]}`))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeHistory_UnknownEnvelope(t *testing.T) {
	_, err := DecodeHistory([]byte(`{"candles":[],"error":"no permissions"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, marketdata.ErrBadResponse))

	var me *marketdata.Error
	require.True(t, errors.As(err, &me))
	assert.Contains(t, me.Message, "candles")
	assert.Equal(t, "no permissions", me.Context["upstreamError"])
}

func TestDecodeHistory_MissingFieldsNamed(t *testing.T) {
	_, err := DecodeHistory([]byte(`{"bars":[{"timestamp":1,"open":1,"close":1}]}`))
	require.Error(t, err)

	var me *marketdata.Error
	require.True(t, errors.As(err, &me))
	assert.Equal(t, marketdata.KindUpstreamBadResponse, me.Kind)
	assert.Equal(t, []string{"high", "low"}, me.Context["missing"])
	assert.Equal(t, 0, me.Context["index"])
}

func TestDecodeHistory_NotJSON(t *testing.T) {
	for _, body := range []string{"", "<html>bad gateway</html>", `{"bars":`} {
		_, err := DecodeHistory([]byte(body))
		assert.True(t, errors.Is(err, marketdata.ErrBadResponse), "body %q", body)
	}
}
