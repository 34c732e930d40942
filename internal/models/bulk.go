package models

import "time"

// BulkOperationResult is the outcome of one (symbol, timeframe) cell.
type BulkOperationResult struct {
	Symbol          string    `json:"symbol"`
	Timeframe       Timeframe `json:"timeframe"`
	Success         bool      `json:"success"`
	RecordsFetched  int       `json:"recordsFetched"`
	RecordsUploaded int       `json:"recordsUploaded"`
	RecordsSkipped  int       `json:"recordsSkipped"`
	Committed       bool      `json:"committed"`
	Error           string    `json:"error,omitempty"`
	Bars            []Bar     `json:"-"`
}

// CellKey is "SYMBOL:timeframe".
func (r *BulkOperationResult) CellKey() string {
	return CellKey(r.Symbol, r.Timeframe)
}

func CellKey(symbol string, tf Timeframe) string {
	return symbol + ":" + string(tf)
}

// BulkReport aggregates one bulk collection run.
type BulkReport struct {
	ID                    string                `json:"id"`
	Context               string                `json:"context,omitempty"`
	Period                Period                `json:"period"`
	StartedAt             time.Time             `json:"startedAt"`
	FinishedAt            time.Time             `json:"finishedAt"`
	TotalOperations       int                   `json:"totalOperations"`
	SuccessfulOperations  int                   `json:"successfulOperations"`
	FailedOperations      int                   `json:"failedOperations"`
	TotalRecordsCollected int                   `json:"totalRecordsCollected"`
	Errors                []string              `json:"errors"`
	Results               []BulkOperationResult `json:"results"`
	Cancelled             bool                  `json:"cancelled,omitempty"`
}

// CommitSummary is returned by an explicit commit of a reviewed report.
type CommitSummary struct {
	ReportID       string   `json:"reportId"`
	CellsCommitted int      `json:"cellsCommitted"`
	Inserted       int      `json:"inserted"`
	Updated        int      `json:"updated"`
	Errors         []string `json:"errors"`
}
