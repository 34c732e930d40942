// Package reconcile answers bar requests from the store, filling only the
// missing tail from upstream.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kjannette/trahn-marketdata/internal/bars"
	"github.com/kjannette/trahn-marketdata/internal/dedup"
	"github.com/kjannette/trahn-marketdata/internal/marketdata"
	"github.com/kjannette/trahn-marketdata/internal/models"
)

type Source string

const (
	SourceStore    Source = "store"
	SourceUpstream Source = "upstream"
	SourceMerged   Source = "store+upstream"
)

const DefaultFreshness = 2 * time.Hour

// Result is what Resolve hands back to callers.
type Result struct {
	Instrument *models.Instrument  `json:"instrument"`
	Timeframe  models.Timeframe    `json:"timeframe"`
	Bars       []models.Bar        `json:"bars"`
	Source     Source              `json:"source"`
	Degraded   bool                `json:"degraded,omitempty"`
	Warning    string              `json:"warning,omitempty"`
	Refill     models.Period       `json:"refill,omitempty"`
	Persisted  models.UpsertResult `json:"persisted"`
}

type Options struct {
	Freshness time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

type Reconciler struct {
	store     marketdata.BarStore
	upstream  marketdata.HistoryFetcher
	inflight  *dedup.Group[[]models.Bar]
	freshness time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// New builds a Reconciler. inflight may be shared with other fetchers so
// identical requests from any of them collapse into one upstream call.
func New(store marketdata.BarStore, upstream marketdata.HistoryFetcher, inflight *dedup.Group[[]models.Bar], opts Options) *Reconciler {
	if inflight == nil {
		inflight = &dedup.Group[[]models.Bar]{}
	}
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultFreshness
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{
		store:     store,
		upstream:  upstream,
		inflight:  inflight,
		freshness: opts.Freshness,
		now:       opts.Now,
		log:       opts.Logger.With("component", "reconcile"),
	}
}

// RefillPeriod sizes the upstream refetch to cover a gap of the given staleness.
func RefillPeriod(staleness time.Duration) models.Period {
	const day = 24 * time.Hour
	switch {
	case staleness <= 30*day:
		return models.Period1Month
	case staleness <= 90*day:
		return models.Period3Months
	case staleness <= 180*day:
		return models.Period6Months
	default:
		return models.Period1Year
	}
}

// Resolve returns bars for d/tf over w, touching upstream only when the store
// is empty or its newest bar is older than the freshness threshold.
func (r *Reconciler) Resolve(ctx context.Context, d models.InstrumentDescriptor, tf models.Timeframe, w models.Window) (*Result, error) {
	if !tf.Valid() {
		return nil, marketdata.Errorf(marketdata.KindInvalidRequest, "resolve", "unknown timeframe %q", tf)
	}
	if err := w.Validate(); err != nil {
		return nil, marketdata.Wrap(marketdata.KindInvalidRequest, "resolve", err)
	}
	d = d.Normalized()
	if d.Symbol == "" {
		return nil, marketdata.Errorf(marketdata.KindInvalidRequest, "resolve", "symbol is required")
	}

	inst, err := r.store.GetOrCreateInstrument(ctx, d)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	start, end := w.Bounds(now)
	res := &Result{Instrument: inst, Timeframe: tf}

	persisted, err := r.store.GetBars(ctx, inst.ID, tf, start, end)
	if err != nil {
		r.log.Warn("store read failed, falling back to upstream", "symbol", d.Symbol, "timeframe", tf, "err", err)
		res.Warning = "store read failed: " + err.Error()
		persisted = nil
	}

	lastTs, ok := bars.LastTimestamp(persisted)
	if !ok {
		return r.fillEmpty(ctx, res, d, tf, w)
	}

	// Staleness is measured from the clock even for a closed range, so the
	// now-relative refill period always reaches back to lastTs.
	staleness := now.Sub(time.Unix(lastTs, 0))
	if staleness <= r.freshness {
		res.Bars = persisted
		res.Source = SourceStore
		return res, nil
	}

	res.Refill = RefillPeriod(staleness)
	fetched, err := r.fetch(ctx, historyRequest(d, tf, models.PeriodWindow(res.Refill)))
	if err != nil {
		r.log.Warn("gap fill failed, serving stored bars",
			"symbol", d.Symbol, "timeframe", tf, "staleness", staleness.Round(time.Minute), "err", err)
		res.Bars = persisted
		res.Source = SourceStore
		res.Degraded = true
		res.Warning = fmt.Sprintf("upstream unavailable, data may be stale by %s: %v", staleness.Round(time.Minute), err)
		return res, nil
	}

	tail := bars.After(fetched, lastTs)
	res.Persisted = r.persist(ctx, res, inst.ID, tf, tail)
	res.Bars = bars.Merge(persisted, within(tail, start, end))
	res.Source = SourceMerged

	r.log.Info("gap filled", "symbol", d.Symbol, "timeframe", tf, "refill", res.Refill,
		"fetched", len(fetched), "new", len(tail), "total", len(res.Bars))
	return res, nil
}

func (r *Reconciler) fillEmpty(ctx context.Context, res *Result, d models.InstrumentDescriptor, tf models.Timeframe, w models.Window) (*Result, error) {
	fetched, err := r.fetch(ctx, historyRequest(d, tf, w))
	if err != nil {
		return nil, &marketdata.Error{
			Kind:    marketdata.KindNoData,
			Op:      "resolve",
			Message: fmt.Sprintf("no stored bars for %s %s and upstream fetch failed", d.Symbol, tf),
			Context: map[string]any{"upstreamKind": marketdata.KindOf(err)},
			Err:     err,
		}
	}
	if len(fetched) == 0 {
		return nil, marketdata.Errorf(marketdata.KindNoData, "resolve", "no bars for %s %s in %s", d.Symbol, tf, w)
	}

	res.Persisted = r.persist(ctx, res, res.Instrument.ID, tf, fetched)
	res.Bars = fetched
	res.Source = SourceUpstream

	r.log.Info("initial fill", "symbol", d.Symbol, "timeframe", tf, "window", w.String(), "bars", len(fetched))
	return res, nil
}

// fetch goes through the in-flight group so concurrent identical requests share
// one upstream call.
func (r *Reconciler) fetch(ctx context.Context, req models.HistoryRequest) ([]models.Bar, error) {
	out, shared, err := r.inflight.Do(ctx, req.Key(), func(ctx context.Context) ([]models.Bar, error) {
		return r.upstream.History(ctx, req)
	})
	if shared {
		r.log.Debug("joined in-flight fetch", "key", req.Key())
	}
	if err != nil {
		return nil, err
	}
	// Copy before canonicalizing: joiners share the same slice.
	cp := make([]models.Bar, len(out))
	copy(cp, out)
	return bars.Canonicalize(cp), nil
}

// persist writes bars and records a warning on failure; the caller still
// returns what it fetched.
func (r *Reconciler) persist(ctx context.Context, res *Result, instrumentID int64, tf models.Timeframe, toWrite []models.Bar) models.UpsertResult {
	if len(toWrite) == 0 {
		return models.UpsertResult{}
	}
	up, err := r.store.UpsertBars(ctx, instrumentID, tf, toWrite)
	if err != nil {
		r.log.Error("persist failed", "instrument", instrumentID, "timeframe", tf, "bars", len(toWrite), "err", err)
		res.Warning = "fetched bars were not persisted: " + err.Error()
		return models.UpsertResult{}
	}
	return up
}

func historyRequest(d models.InstrumentDescriptor, tf models.Timeframe, w models.Window) models.HistoryRequest {
	return models.HistoryRequest{
		Symbol:    d.Symbol,
		Timeframe: tf,
		Window:    w,
		SecType:   d.SecType,
		Exchange:  d.Exchange,
		Currency:  d.Currency,
	}
}

func within(in []models.Bar, start, end time.Time) []models.Bar {
	lo, hi := start.Unix(), end.Unix()
	out := make([]models.Bar, 0, len(in))
	for _, b := range in {
		if b.Timestamp >= lo && b.Timestamp <= hi {
			out = append(out, b)
		}
	}
	return out
}
