// Package bulk fetches a symbol×timeframe matrix for operator review and
// persists reviewed results on explicit commit.
package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kjannette/trahn-marketdata/internal/bars"
	"github.com/kjannette/trahn-marketdata/internal/dedup"
	"github.com/kjannette/trahn-marketdata/internal/marketdata"
	"github.com/kjannette/trahn-marketdata/internal/models"
)

type Options struct {
	TimeframeDelay time.Duration
	SymbolDelay    time.Duration
	RunTimeout     time.Duration
	// Retain bounds how many reports are kept for review; oldest go first.
	Retain     int
	OnComplete func(*models.BulkReport)
	Logger     *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		TimeframeDelay: 1 * time.Second,
		SymbolDelay:    2 * time.Second,
		RunTimeout:     20 * time.Minute,
		Retain:         20,
	}
}

type Orchestrator struct {
	upstream marketdata.HistoryFetcher
	store    marketdata.BarStore
	inflight *dedup.Group[[]models.Bar]
	opts     Options
	log      *slog.Logger

	mu      sync.Mutex
	reports map[string]*models.BulkReport
	order   []string

	commitMu sync.Mutex
}

func New(upstream marketdata.HistoryFetcher, store marketdata.BarStore, inflight *dedup.Group[[]models.Bar], opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.TimeframeDelay < 0 {
		opts.TimeframeDelay = 0
	}
	if opts.SymbolDelay < 0 {
		opts.SymbolDelay = 0
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = def.RunTimeout
	}
	if opts.Retain <= 0 {
		opts.Retain = def.Retain
	}
	if inflight == nil {
		inflight = &dedup.Group[[]models.Bar]{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		upstream: upstream,
		store:    store,
		inflight: inflight,
		opts:     opts,
		log:      log.With("component", "bulk"),
		reports:  make(map[string]*models.BulkReport),
	}
}

// Collect fetches every (symbol, timeframe) cell in order, pausing between
// calls. Nothing is persisted. A failing cell is recorded and the run moves on;
// only cancellation or the run timeout ends it early.
func (o *Orchestrator) Collect(ctx context.Context, symbols []string, timeframes []models.Timeframe, period models.Period, runContext string) (*models.BulkReport, error) {
	symbols = cleanSymbols(symbols)
	if len(symbols) == 0 || len(timeframes) == 0 {
		return nil, marketdata.Errorf(marketdata.KindInvalidRequest, "bulk collect", "symbols and timeframes are required")
	}
	for _, tf := range timeframes {
		if !tf.Valid() {
			return nil, marketdata.Errorf(marketdata.KindInvalidRequest, "bulk collect", "unknown timeframe %q", tf)
		}
	}
	if period.Duration() == 0 {
		return nil, marketdata.Errorf(marketdata.KindInvalidRequest, "bulk collect", "unknown period %q", period)
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.RunTimeout)
	defer cancel()

	report := &models.BulkReport{
		ID:        uuid.NewString(),
		Context:   runContext,
		Period:    period,
		StartedAt: time.Now().UTC(),
		Errors:    []string{},
		Results:   make([]models.BulkOperationResult, 0, len(symbols)*len(timeframes)),
	}
	o.log.Info("bulk collection started", "report", report.ID, "symbols", len(symbols),
		"timeframes", len(timeframes), "period", period, "context", runContext)

run:
	for si, symbol := range symbols {
		for ti, tf := range timeframes {
			if ctx.Err() != nil {
				report.Cancelled = true
				break run
			}

			res := o.collectCell(ctx, symbol, tf, period)
			report.Results = append(report.Results, res)
			report.TotalOperations++
			if res.Success {
				report.SuccessfulOperations++
				report.TotalRecordsCollected += res.RecordsFetched
			} else {
				report.FailedOperations++
				report.Errors = append(report.Errors, res.CellKey()+": "+res.Error)
			}

			lastCell := si == len(symbols)-1 && ti == len(timeframes)-1
			if !lastCell && pause(ctx, o.opts.TimeframeDelay) != nil {
				report.Cancelled = true
				break run
			}
		}
		if si < len(symbols)-1 && pause(ctx, o.opts.SymbolDelay) != nil {
			report.Cancelled = true
			break
		}
	}
	report.FinishedAt = time.Now().UTC()

	o.save(report)
	o.log.Info("bulk collection finished", "report", report.ID,
		"ok", report.SuccessfulOperations, "failed", report.FailedOperations,
		"records", report.TotalRecordsCollected, "cancelled", report.Cancelled,
		"took", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))

	if o.opts.OnComplete != nil {
		o.opts.OnComplete(report)
	}
	return report, nil
}

func (o *Orchestrator) collectCell(ctx context.Context, symbol string, tf models.Timeframe, period models.Period) models.BulkOperationResult {
	res := models.BulkOperationResult{Symbol: symbol, Timeframe: tf}
	d := models.InstrumentDescriptor{Symbol: symbol}.Normalized()
	req := models.HistoryRequest{
		Symbol:    d.Symbol,
		Timeframe: tf,
		Window:    models.PeriodWindow(period),
		SecType:   d.SecType,
		Exchange:  d.Exchange,
		Currency:  d.Currency,
	}

	fetched, _, err := o.inflight.Do(ctx, req.Key(), func(ctx context.Context) ([]models.Bar, error) {
		return o.upstream.History(ctx, req)
	})
	if err != nil {
		res.Error = err.Error()
		o.log.Warn("cell failed", "cell", res.CellKey(), "kind", marketdata.KindOf(err), "err", err)
		return res
	}
	if len(fetched) == 0 {
		res.Error = fmt.Sprintf("upstream returned no bars for %s over %s; expected a non-empty array of timestamp, open, high, low, close, volume", res.CellKey(), period)
		return res
	}

	cp := make([]models.Bar, len(fetched))
	copy(cp, fetched)
	res.Bars = bars.Canonicalize(cp)
	res.RecordsFetched = len(res.Bars)
	res.Success = true
	return res
}

// Commit persists the successful, not yet committed cells of a report. A
// non-empty selection restricts the commit to those "SYMBOL:timeframe" cells.
func (o *Orchestrator) Commit(ctx context.Context, reportID string, selection []string) (*models.CommitSummary, error) {
	o.commitMu.Lock()
	defer o.commitMu.Unlock()

	report, ok := o.lookup(reportID)
	if !ok {
		return nil, marketdata.Errorf(marketdata.KindNoData, "bulk commit", "report %s not found", reportID)
	}

	want := make(map[string]bool, len(selection))
	for _, s := range selection {
		want[normalizeCell(s)] = true
	}

	sum := &models.CommitSummary{ReportID: reportID, Errors: []string{}}
	for i := range report.Results {
		res := &report.Results[i]
		if !res.Success || res.Committed {
			continue
		}
		if len(want) > 0 && !want[res.CellKey()] {
			continue
		}

		inst, err := o.store.GetOrCreateInstrument(ctx, models.InstrumentDescriptor{Symbol: res.Symbol})
		if err != nil {
			sum.Errors = append(sum.Errors, res.CellKey()+": "+err.Error())
			continue
		}
		up, err := o.store.UpsertBars(ctx, inst.ID, res.Timeframe, res.Bars)
		if err != nil {
			sum.Errors = append(sum.Errors, res.CellKey()+": "+err.Error())
			continue
		}

		o.mu.Lock()
		res.RecordsUploaded = up.Inserted
		res.RecordsSkipped = up.Updated
		res.Committed = true
		o.mu.Unlock()

		sum.CellsCommitted++
		sum.Inserted += up.Inserted
		sum.Updated += up.Updated
	}

	o.log.Info("bulk report committed", "report", reportID, "cells", sum.CellsCommitted,
		"inserted", sum.Inserted, "updated", sum.Updated, "errors", len(sum.Errors))
	return sum, nil
}

// Report returns a copy of a retained report.
func (o *Orchestrator) Report(reportID string) (*models.BulkReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.reports[reportID]
	if !ok {
		return nil, false
	}
	cp := *r
	cp.Results = append([]models.BulkOperationResult(nil), r.Results...)
	cp.Errors = append([]string(nil), r.Errors...)
	return &cp, true
}

// Reports lists retained reports, newest first, without their results.
func (o *Orchestrator) Reports() []models.BulkReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.BulkReport, 0, len(o.order))
	for i := len(o.order) - 1; i >= 0; i-- {
		r := *o.reports[o.order[i]]
		r.Results = nil
		out = append(out, r)
	}
	return out
}

func (o *Orchestrator) lookup(id string) (*models.BulkReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.reports[id]
	return r, ok
}

func (o *Orchestrator) save(r *models.BulkReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports[r.ID] = r
	o.order = append(o.order, r.ID)
	for len(o.order) > o.opts.Retain {
		delete(o.reports, o.order[0])
		o.order = o.order[1:]
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// normalizeCell canonicalizes a "SYMBOL:timeframe" selection entry.
func normalizeCell(s string) string {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return strings.ToUpper(strings.TrimSpace(s))
	}
	tf := models.Timeframe(strings.TrimSpace(s[i+1:]))
	if parsed, err := models.ParseTimeframe(string(tf)); err == nil {
		tf = parsed
	}
	return models.CellKey(strings.ToUpper(strings.TrimSpace(s[:i])), tf)
}

func cleanSymbols(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
