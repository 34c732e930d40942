package marketdata

import (
	"context"
	"time"

	"github.com/kjannette/trahn-marketdata/internal/models"
)

// Upstream is the external market-data gateway.
type Upstream interface {
	Search(ctx context.Context, pattern, secType, exchange, currency string) ([]models.ContractCandidate, error)
	History(ctx context.Context, req models.HistoryRequest) ([]models.Bar, error)
	Realtime(ctx context.Context, symbol string) (*models.Snapshot, error)
	Health(ctx context.Context) (bool, error)
}

// HistoryFetcher is the subset of Upstream the reconciler and bulk orchestrator call.
type HistoryFetcher interface {
	History(ctx context.Context, req models.HistoryRequest) ([]models.Bar, error)
}

// BarStore is the persistent store adapter.
type BarStore interface {
	GetOrCreateInstrument(ctx context.Context, d models.InstrumentDescriptor) (*models.Instrument, error)
	FindInstrument(ctx context.Context, d models.InstrumentDescriptor) (*models.Instrument, error)
	AttachContract(ctx context.Context, instrumentID int64, contractID string) error
	SetActive(ctx context.Context, instrumentID int64, active bool) error
	ListActiveInstruments(ctx context.Context) ([]models.Instrument, error)
	GetBars(ctx context.Context, instrumentID int64, tf models.Timeframe, start, end time.Time) ([]models.Bar, error)
	UpsertBars(ctx context.Context, instrumentID int64, tf models.Timeframe, bars []models.Bar) (models.UpsertResult, error)
}
