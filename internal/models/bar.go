package models

import (
	"math"
	"time"
)

// Bar is one OHLCV sample. Timestamp is UTC epoch seconds.
type Bar struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

func (b Bar) Time() time.Time {
	return time.Unix(b.Timestamp, 0).UTC()
}

// ConsistentOHLC reports whether high/low bound open and close.
func (b Bar) ConsistentOHLC() bool {
	return b.High >= math.Max(b.Open, b.Close) &&
		b.Low <= math.Min(b.Open, b.Close) &&
		b.High >= b.Low
}

// PositivePrices reports whether every price field is > 0.
func (b Bar) PositivePrices() bool {
	return b.Open > 0 && b.High > 0 && b.Low > 0 && b.Close > 0
}

// UpsertResult counts rows written by a batch upsert.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Snapshot is a realtime quote for one symbol.
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	Volume    float64   `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
