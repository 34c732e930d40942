// Package bars converts upstream and stored bar shapes into canonical
// models.Bar records and merges series.
package bars

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kjannette/trahn-marketdata/internal/marketdata"
	"github.com/kjannette/trahn-marketdata/internal/models"
)

// Epoch values above this are milliseconds.
const millisThreshold = 1_000_000_000_000

// Envelope keys accepted around a bar array.
var envelopeKeys = []string{"bars", "data"}

type itemShape struct {
	name   string
	ts     []string
	open   string
	high   string
	low    string
	close  string
	volume string
	marker string
}

var (
	longShape = itemShape{
		name: "long", ts: []string{"timestamp", "date", "time"},
		open: "open", high: "high", low: "low", close: "close", volume: "volume",
		marker: "open",
	}
	shortShape = itemShape{
		name: "short", ts: []string{"t"},
		open: "o", high: "h", low: "l", close: "c", volume: "v",
		marker: "o",
	}
)

// CanonicalSeconds coerces an epoch value in seconds, milliseconds,
// microseconds or nanoseconds to seconds.
func CanonicalSeconds(v int64) int64 {
	for v > millisThreshold || v < -millisThreshold {
		v /= 1000
	}
	return v
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"20060102 15:04:05",
	"20060102  15:04:05",
	"2006-01-02",
	"20060102",
}

// ParseTimestamp accepts epoch numbers (s, ms, µs or ns), numeric strings and the
// date layouts the gateway is known to emit. Layouts without a zone are UTC.
func ParseTimestamp(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("empty timestamp")
	}
	if raw[0] != '"' {
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return 0, fmt.Errorf("timestamp %s: %w", raw, err)
		}
		return CanonicalSeconds(int64(f)), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("timestamp %s: %w", raw, err)
	}
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) > 8 {
		return CanonicalSeconds(n), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized timestamp %q", s)
}

// DecodeHistory decodes a historical-bars payload. Accepted envelopes are
// {"bars": [...]}, {"data": [...]} and a bare array; each item is either the
// long shape (timestamp|date|time, open, high, low, close, volume) or the short
// shape (t, o, h, l, c, v). Anything else is an upstream_bad_response.
func DecodeHistory(body []byte) ([]models.Bar, error) {
	items, err := unwrapEnvelope(body)
	if err != nil {
		return nil, err
	}

	out := make([]models.Bar, 0, len(items))
	for i, item := range items {
		b, err := decodeItem(item)
		if err != nil {
			return nil, err.With("index", i)
		}
		out = append(out, b)
	}
	return Canonicalize(out), nil
}

func unwrapEnvelope(body []byte) ([]map[string]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, marketdata.Errorf(marketdata.KindUpstreamBadResponse, "normalize", "empty response body")
	}

	var arr json.RawMessage
	switch body[0] {
	case '[':
		arr = body
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, marketdata.Wrap(marketdata.KindUpstreamBadResponse, "normalize", err)
		}
		for _, k := range envelopeKeys {
			if v, ok := obj[k]; ok && len(bytes.TrimSpace(v)) > 0 && string(bytes.TrimSpace(v)) != "null" {
				arr = v
				break
			}
		}
		if arr == nil {
			e := marketdata.Errorf(marketdata.KindUpstreamBadResponse, "normalize",
				"unrecognized response shape: expected %s or a JSON array, got keys [%s]",
				strings.Join(envelopeKeys, "|"), strings.Join(sortedKeys(obj), " "))
			e = e.With("missing", envelopeKeys)
			if msg, ok := obj["error"]; ok {
				e = e.With("upstreamError", strings.Trim(string(msg), `"`))
			}
			return nil, e
		}
	default:
		return nil, marketdata.Errorf(marketdata.KindUpstreamBadResponse, "normalize", "response is not JSON")
	}

	var items []map[string]json.RawMessage
	if err := json.Unmarshal(arr, &items); err != nil {
		return nil, marketdata.Wrap(marketdata.KindUpstreamBadResponse, "normalize", err)
	}
	return items, nil
}

func decodeItem(item map[string]json.RawMessage) (models.Bar, *marketdata.Error) {
	shape := longShape
	if _, ok := item[longShape.marker]; !ok {
		if _, ok := item[shortShape.marker]; ok {
			shape = shortShape
		}
	}

	var missing []string
	tsKey := ""
	for _, k := range shape.ts {
		if _, ok := item[k]; ok {
			tsKey = k
			break
		}
	}
	if tsKey == "" {
		missing = append(missing, strings.Join(shape.ts, "|"))
	}
	for _, k := range []string{shape.open, shape.high, shape.low, shape.close} {
		if _, ok := item[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return models.Bar{}, marketdata.Errorf(marketdata.KindUpstreamBadResponse, "normalize",
			"bar missing fields [%s]", strings.Join(missing, ", ")).With("missing", missing)
	}

	ts, err := ParseTimestamp(item[tsKey])
	if err != nil {
		return models.Bar{}, marketdata.Wrap(marketdata.KindUpstreamBadResponse, "normalize", err)
	}

	var b models.Bar
	b.Timestamp = ts
	fields := []struct {
		key string
		dst *float64
	}{
		{shape.open, &b.Open}, {shape.high, &b.High}, {shape.low, &b.Low}, {shape.close, &b.Close},
	}
	for _, f := range fields {
		v, err := number(item[f.key])
		if err != nil {
			return models.Bar{}, marketdata.Errorf(marketdata.KindUpstreamBadResponse, "normalize",
				"field %s: %v", f.key, err)
		}
		*f.dst = v
	}
	if raw, ok := item[shape.volume]; ok {
		v, err := number(raw)
		if err != nil {
			return models.Bar{}, marketdata.Errorf(marketdata.KindUpstreamBadResponse, "normalize",
				"field %s: %v", shape.volume, err)
		}
		b.Volume = math.Max(v, 0)
	}
	return b, nil
}

func number(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		raw = []byte(strings.TrimSpace(s))
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value %s", raw)
	}
	return f, nil
}

// FromTime builds a canonical bar from a time.Time-stamped sample.
func FromTime(ts time.Time, o, h, l, c, v float64) models.Bar {
	return models.Bar{
		Timestamp: ts.UTC().Unix(),
		Open:      o,
		High:      h,
		Low:       l,
		Close:     c,
		Volume:    math.Max(v, 0),
	}
}

// Canonicalize coerces timestamps to seconds, sorts ascending and keeps the
// last occurrence of any duplicated timestamp.
func Canonicalize(in []models.Bar) []models.Bar {
	if len(in) == 0 {
		return in
	}
	idx := make(map[int64]int, len(in))
	out := make([]models.Bar, 0, len(in))
	for _, b := range in {
		b.Timestamp = CanonicalSeconds(b.Timestamp)
		if i, ok := idx[b.Timestamp]; ok {
			out[i] = b
			continue
		}
		idx[b.Timestamp] = len(out)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
