package bulk

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"github.com/kjannette/trahn-marketdata/internal/marketdata"
	"github.com/kjannette/trahn-marketdata/internal/models"
)

// ExportRecord is one fetched bar in a review export.
type ExportRecord struct {
	ReportID  string  `parquet:"report_id"`
	Symbol    string  `parquet:"symbol"`
	Timeframe string  `parquet:"timeframe"`
	Timestamp int64   `parquet:"timestamp"` // epoch seconds
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
	Committed bool    `parquet:"committed"`
}

// Export writes the fetched bars of every successful cell of a report to a
// Parquet file at path and returns the number of rows written.
func (o *Orchestrator) Export(reportID, path string) (int, error) {
	report, ok := o.Report(reportID)
	if !ok {
		return 0, marketdata.Errorf(marketdata.KindNoData, "bulk export", "report %s not found", reportID)
	}

	var records []ExportRecord
	for _, res := range report.Results {
		if !res.Success {
			continue
		}
		for _, b := range res.Bars {
			records = append(records, ExportRecord{
				ReportID:  report.ID,
				Symbol:    res.Symbol,
				Timeframe: string(res.Timeframe),
				Timestamp: b.Timestamp,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
				Committed: res.Committed,
			})
		}
	}
	if len(records) == 0 {
		return 0, marketdata.Errorf(marketdata.KindNoData, "bulk export", "report %s has no fetched bars", reportID)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create export dir: %w", err)
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return 0, fmt.Errorf("write parquet %s: %w", path, err)
	}
	o.log.Info("bulk report exported", "report", reportID, "path", path, "rows", len(records))
	return len(records), nil
}

// ReadExport loads a file written by Export.
func ReadExport(path string) ([]ExportRecord, error) {
	rows, err := parquet.ReadFile[ExportRecord](path)
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}
	return rows, nil
}

// ToBars groups exported rows back into per-cell series.
func ToBars(rows []ExportRecord) map[string][]models.Bar {
	out := make(map[string][]models.Bar)
	for _, r := range rows {
		key := models.CellKey(r.Symbol, models.Timeframe(r.Timeframe))
		out[key] = append(out[key], models.Bar{
			Timestamp: r.Timestamp,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}
	return out
}
