package models

// ValidationVerdict is the data-quality outcome for one (symbol, timeframe) window.
type ValidationVerdict struct {
	Symbol           string    `json:"symbol"`
	Timeframe        Timeframe `json:"timeframe"`
	RecordCount      int       `json:"recordCount"`
	InvalidOHLC      bool      `json:"invalidOhlc"`
	ExcessZeroVolume bool      `json:"excessZeroVolume"`
	HasGaps          bool      `json:"hasGaps"`
	NonPositivePrice bool      `json:"nonPositivePrice"`
	Issues           []string  `json:"issues"`
	Valid            bool      `json:"valid"`
}
