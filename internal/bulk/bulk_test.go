package bulk

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjannette/trahn-marketdata/internal/marketdata"
	"github.com/kjannette/trahn-marketdata/internal/models"
	"github.com/kjannette/trahn-marketdata/internal/repository"
)

type scriptedUpstream struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	empty map[string]bool
}

func (s *scriptedUpstream) History(_ context.Context, req models.HistoryRequest) ([]models.Bar, error) {
	key := models.CellKey(req.Symbol, req.Timeframe)
	s.mu.Lock()
	s.calls = append(s.calls, key)
	s.mu.Unlock()

	if err := s.fail[key]; err != nil {
		return nil, err
	}
	if s.empty[key] {
		return []models.Bar{}, nil
	}
	return []models.Bar{
		{Timestamp: 1705312800, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100},
		{Timestamp: 1705316400, Open: 10.5, High: 12, Low: 10, Close: 11, Volume: 80},
	}, nil
}

func fastOptions() Options {
	return Options{TimeframeDelay: 0, SymbolDelay: 0}
}

func newSQLite(t *testing.T) *repository.SQLiteStore {
	t.Helper()
	s, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "bulk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCollect_IsolatesCellFailures(t *testing.T) {
	up := &scriptedUpstream{fail: map[string]error{
		"MSFT:1day": marketdata.Errorf(marketdata.KindUpstreamUnavailable, "history", "connection refused"),
	}}
	o := New(up, nil, nil, fastOptions())

	symbols := []string{"AAPL", "MSFT", "SPY"}
	tfs := []models.Timeframe{models.TF1Hour, models.TF1Day}
	report, err := o.Collect(context.Background(), symbols, tfs, models.Period1Month, "nightly")
	require.NoError(t, err)

	assert.Equal(t, 6, report.TotalOperations)
	assert.Equal(t, 5, report.SuccessfulOperations)
	assert.Equal(t, 1, report.FailedOperations)
	assert.Equal(t, 10, report.TotalRecordsCollected)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "MSFT:1day")

	assert.Equal(t, []string{"AAPL:1hour", "AAPL:1day", "MSFT:1hour", "MSFT:1day", "SPY:1hour", "SPY:1day"}, up.calls,
		"symbol-major order")

	failed := report.Results[3]
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Error, "connection refused")
	assert.NotEmpty(t, report.ID)
}

func TestCollect_EmptyResponseIsDiagnosedFailure(t *testing.T) {
	up := &scriptedUpstream{empty: map[string]bool{"AAPL:1hour": true}}
	o := New(up, nil, nil, fastOptions())

	report, err := o.Collect(context.Background(), []string{"aapl"}, []models.Timeframe{models.TF1Hour}, models.Period1Week, "")
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.False(t, res.Success)
	for _, field := range []string{"timestamp", "open", "high", "low", "close", "volume"} {
		assert.Contains(t, res.Error, field)
	}
}

func TestCollect_MalformedResponseNamesMissingFields(t *testing.T) {
	bad := marketdata.Errorf(marketdata.KindUpstreamBadResponse, "normalize", "bar missing fields [high, low]")
	up := &scriptedUpstream{fail: map[string]error{"AAPL:1day": bad}}
	o := New(up, nil, nil, fastOptions())

	report, err := o.Collect(context.Background(), []string{"AAPL"}, []models.Timeframe{models.TF1Day}, models.Period1Year, "")
	require.NoError(t, err)
	assert.Contains(t, report.Results[0].Error, "high, low")
}

func TestCollect_DoesNotPersist(t *testing.T) {
	store := newSQLite(t)
	o := New(&scriptedUpstream{}, store, nil, fastOptions())

	_, err := o.Collect(context.Background(), []string{"AAPL"}, []models.Timeframe{models.TF1Hour}, models.Period1Month, "")
	require.NoError(t, err)

	inst, err := store.FindInstrument(context.Background(), models.InstrumentDescriptor{Symbol: "AAPL"})
	require.NoError(t, err)
	assert.Nil(t, inst, "collect must not touch the store")
}

func TestCollect_InvalidRequest(t *testing.T) {
	o := New(&scriptedUpstream{}, nil, nil, fastOptions())
	ctx := context.Background()

	_, err := o.Collect(ctx, nil, []models.Timeframe{models.TF1Day}, models.Period1Month, "")
	assert.Equal(t, marketdata.KindInvalidRequest, marketdata.KindOf(err))

	_, err = o.Collect(ctx, []string{"AAPL"}, []models.Timeframe{"2min"}, models.Period1Month, "")
	assert.Equal(t, marketdata.KindInvalidRequest, marketdata.KindOf(err))

	_, err = o.Collect(ctx, []string{"AAPL"}, []models.Timeframe{models.TF1Day}, "decade", "")
	assert.Equal(t, marketdata.KindInvalidRequest, marketdata.KindOf(err))
}

func TestCollect_CancelledMidRun(t *testing.T) {
	o := New(&scriptedUpstream{}, nil, nil, Options{TimeframeDelay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	report, err := o.Collect(ctx, []string{"AAPL", "MSFT"}, []models.Timeframe{models.TF1Hour, models.TF1Day}, models.Period1Month, "")
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	assert.Equal(t, 1, report.TotalOperations)
}

func TestCommit_PersistsSelectedCells(t *testing.T) {
	store := newSQLite(t)
	o := New(&scriptedUpstream{}, store, nil, fastOptions())
	ctx := context.Background()

	report, err := o.Collect(ctx, []string{"AAPL", "MSFT"}, []models.Timeframe{models.TF1Hour}, models.Period1Month, "")
	require.NoError(t, err)

	sum, err := o.Commit(ctx, report.ID, []string{"aapl:1h"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CellsCommitted)
	assert.Equal(t, 2, sum.Inserted)
	assert.Empty(t, sum.Errors)

	msft, err := store.FindInstrument(ctx, models.InstrumentDescriptor{Symbol: "MSFT"})
	require.NoError(t, err)
	assert.Nil(t, msft, "unselected cell not committed")

	// Committing everything now only writes the remaining cell.
	sum, err = o.Commit(ctx, report.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CellsCommitted)

	got, ok := o.Report(report.ID)
	require.True(t, ok)
	for _, res := range got.Results {
		assert.True(t, res.Committed)
		assert.Equal(t, 2, res.RecordsUploaded)
		assert.Zero(t, res.RecordsSkipped)
	}

	sum, err = o.Commit(ctx, report.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, sum.CellsCommitted, "commit is not repeated")
}

func TestCommit_ExistingRowsCountAsSkipped(t *testing.T) {
	store := newSQLite(t)
	o := New(&scriptedUpstream{}, store, nil, fastOptions())
	ctx := context.Background()

	first, err := o.Collect(ctx, []string{"AAPL"}, []models.Timeframe{models.TF1Hour}, models.Period1Month, "")
	require.NoError(t, err)
	_, err = o.Commit(ctx, first.ID, nil)
	require.NoError(t, err)

	second, err := o.Collect(ctx, []string{"AAPL"}, []models.Timeframe{models.TF1Hour}, models.Period1Month, "")
	require.NoError(t, err)
	sum, err := o.Commit(ctx, second.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Inserted)
	assert.Equal(t, 2, sum.Updated)

	got, _ := o.Report(second.ID)
	assert.Equal(t, 2, got.Results[0].RecordsSkipped)
}

func TestCommit_UnknownReport(t *testing.T) {
	o := New(&scriptedUpstream{}, newSQLite(t), nil, fastOptions())
	_, err := o.Commit(context.Background(), "missing", nil)
	assert.True(t, errors.Is(err, marketdata.ErrNoData))
}

func TestReports_RetentionBounded(t *testing.T) {
	o := New(&scriptedUpstream{}, nil, nil, Options{Retain: 2})
	ctx := context.Background()

	var ids []string
	for range 3 {
		r, err := o.Collect(ctx, []string{"AAPL"}, []models.Timeframe{models.TF1Day}, models.Period1Month, "")
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}

	_, ok := o.Report(ids[0])
	assert.False(t, ok, "oldest report evicted")

	list := o.Reports()
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Nil(t, list[0].Results)
}

func TestExport_RoundTrip(t *testing.T) {
	up := &scriptedUpstream{fail: map[string]error{"MSFT:1day": errors.New("boom")}}
	o := New(up, nil, nil, fastOptions())

	report, err := o.Collect(context.Background(), []string{"AAPL", "MSFT"}, []models.Timeframe{models.TF1Day}, models.Period1Month, "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "exports", report.ID+".parquet")
	n, err := o.Export(report.ID, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := ReadExport(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, report.ID, rows[0].ReportID)

	series := ToBars(rows)
	require.Contains(t, series, "AAPL:1day")
	assert.Equal(t, report.Results[0].Bars, series["AAPL:1day"])
}
