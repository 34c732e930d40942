// Package service is the facade the HTTP API and the scheduler call into.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kjannette/trahn-marketdata/internal/bars"
	"github.com/kjannette/trahn-marketdata/internal/bulk"
	"github.com/kjannette/trahn-marketdata/internal/marketdata"
	"github.com/kjannette/trahn-marketdata/internal/models"
	"github.com/kjannette/trahn-marketdata/internal/quality"
	"github.com/kjannette/trahn-marketdata/internal/reconcile"
	"github.com/kjannette/trahn-marketdata/internal/scheduler"
)

// SnapshotCache is satisfied by cache.SnapshotCache. Get returns nil, nil on a miss.
type SnapshotCache interface {
	Get(ctx context.Context, symbol string) (*models.Snapshot, error)
	Set(ctx context.Context, snap *models.Snapshot) error
}

// KeepAlive is satisfied by keepalive.Checker.
type KeepAlive interface {
	Profile() string
	SetProfile(name string)
	Last() models.KeepAliveResult
	PerformCheck(ctx context.Context) models.KeepAliveResult
}

type Deps struct {
	Store      marketdata.BarStore
	Upstream   marketdata.Upstream
	Reconciler *reconcile.Reconciler
	Bulk       *bulk.Orchestrator
	Validator  *quality.Validator
	Scheduler  *scheduler.Scheduler
	KeepAlive  KeepAlive
	Cache      SnapshotCache
	ExportDir  string
	Logger     *slog.Logger
}

type Service struct {
	store     marketdata.BarStore
	upstream  marketdata.Upstream
	recon     *reconcile.Reconciler
	bulk      *bulk.Orchestrator
	validator *quality.Validator
	sched     *scheduler.Scheduler
	keepAlive KeepAlive
	cache     SnapshotCache
	exportDir string
	log       *slog.Logger
}

func New(d Deps) *Service {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	if d.ExportDir == "" {
		d.ExportDir = "exports"
	}
	return &Service{
		store:     d.Store,
		upstream:  d.Upstream,
		recon:     d.Reconciler,
		bulk:      d.Bulk,
		validator: d.Validator,
		sched:     d.Scheduler,
		keepAlive: d.KeepAlive,
		cache:     d.Cache,
		exportDir: d.ExportDir,
		log:       log.With("component", "service"),
	}
}

// HistoryQuery is one FetchHistory call. Realtime merges a live snapshot into
// the tail of the returned series; the merged bar is not persisted.
type HistoryQuery struct {
	Instrument models.InstrumentDescriptor
	Timeframe  models.Timeframe
	Window     models.Window
	Realtime   bool
}

type HistoryResult struct {
	Symbol    string           `json:"symbol"`
	Timeframe models.Timeframe `json:"timeframe"`
	Bars      []models.Bar     `json:"bars"`
	Source    reconcile.Source `json:"source"`
	Count     int              `json:"count"`
	Degraded  bool             `json:"degraded"`
	Warning   string           `json:"warning,omitempty"`
	Refill    models.Period    `json:"refill,omitempty"`
	Realtime  bool             `json:"realtime,omitempty"`
}

func (s *Service) FetchHistory(ctx context.Context, q HistoryQuery) (*HistoryResult, error) {
	res, err := s.recon.Resolve(ctx, q.Instrument, q.Timeframe, q.Window)
	if err != nil {
		return nil, err
	}

	out := &HistoryResult{
		Symbol:    res.Instrument.Symbol,
		Timeframe: res.Timeframe,
		Bars:      res.Bars,
		Source:    res.Source,
		Degraded:  res.Degraded,
		Warning:   res.Warning,
		Refill:    res.Refill,
	}

	if q.Realtime {
		snap, err := s.Realtime(ctx, out.Symbol)
		switch {
		case err != nil:
			s.log.Warn("realtime merge skipped", "symbol", out.Symbol, "err", err)
			out.Warning = joinWarning(out.Warning, "realtime snapshot unavailable: "+err.Error())
		case snap != nil:
			out.Bars = bars.MergeSnapshot(out.Bars, snap, q.Timeframe)
			out.Realtime = true
		}
	}

	if out.Bars == nil {
		out.Bars = []models.Bar{}
	}
	out.Count = len(out.Bars)
	return out, nil
}

// Search queries the upstream for contracts and records the first hit's
// contract id on the matching instrument.
func (s *Service) Search(ctx context.Context, pattern string, d models.InstrumentDescriptor) ([]models.ContractCandidate, error) {
	if pattern == "" {
		return nil, marketdata.Errorf(marketdata.KindInvalidRequest, "search", "empty search pattern")
	}
	cands, err := s.upstream.Search(ctx, pattern, d.SecType, d.Exchange, d.Currency)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return []models.ContractCandidate{}, nil
	}

	first := cands[0]
	if first.ContractID != "" {
		id := models.InstrumentDescriptor{
			Symbol:   first.Symbol,
			SecType:  orDefault(first.SecType, d.SecType),
			Exchange: orDefault(first.Exchange, d.Exchange),
			Currency: orDefault(first.Currency, d.Currency),
		}
		if id.Symbol == "" {
			id.Symbol = pattern
		}
		if err := s.attach(ctx, id, first.ContractID); err != nil {
			s.log.Warn("attach contract failed", "symbol", id.Symbol, "contract", first.ContractID, "err", err)
		}
	}
	return cands, nil
}

func (s *Service) attach(ctx context.Context, d models.InstrumentDescriptor, contractID string) error {
	inst, err := s.store.GetOrCreateInstrument(ctx, d.Normalized())
	if err != nil {
		return err
	}
	if inst.ContractID != nil && *inst.ContractID == contractID {
		return nil
	}
	return s.store.AttachContract(ctx, inst.ID, contractID)
}

// Realtime returns the latest snapshot, served from the cache when fresh.
func (s *Service) Realtime(ctx context.Context, symbol string) (*models.Snapshot, error) {
	if symbol == "" {
		return nil, marketdata.Errorf(marketdata.KindInvalidRequest, "realtime", "empty symbol")
	}
	if s.cache != nil {
		snap, err := s.cache.Get(ctx, symbol)
		if err != nil {
			s.log.Warn("snapshot cache read failed", "symbol", symbol, "err", err)
		} else if snap != nil {
			return snap, nil
		}
	}

	snap, err := s.upstream.Realtime(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, snap); err != nil {
			s.log.Warn("snapshot cache write failed", "symbol", symbol, "err", err)
		}
	}
	return snap, nil
}

// Watch marks the instruments active so the data-collection job refreshes them.
func (s *Service) Watch(ctx context.Context, list []models.InstrumentDescriptor) error {
	for _, d := range list {
		inst, err := s.store.GetOrCreateInstrument(ctx, d.Normalized())
		if err != nil {
			return fmt.Errorf("watch %s: %w", d.Symbol, err)
		}
		if inst.Active {
			continue
		}
		if err := s.store.SetActive(ctx, inst.ID, true); err != nil {
			return fmt.Errorf("activate %s: %w", d.Symbol, err)
		}
	}
	return nil
}

func (s *Service) SetActive(ctx context.Context, d models.InstrumentDescriptor, active bool) (*models.Instrument, error) {
	inst, err := s.store.GetOrCreateInstrument(ctx, d.Normalized())
	if err != nil {
		return nil, err
	}
	if err := s.store.SetActive(ctx, inst.ID, active); err != nil {
		return nil, err
	}
	inst.Active = active
	return inst, nil
}

func (s *Service) ActiveInstruments(ctx context.Context) ([]models.Instrument, error) {
	return s.store.ListActiveInstruments(ctx)
}

// ---------- bulk ----------

type BulkRequest struct {
	Symbols    []string           `json:"symbols"`
	Timeframes []models.Timeframe `json:"timeframes"`
	Period     models.Period      `json:"period"`
	Context    string             `json:"context,omitempty"`
}

func (s *Service) BulkCollect(ctx context.Context, req BulkRequest) (*models.BulkReport, error) {
	return s.bulk.Collect(ctx, req.Symbols, req.Timeframes, req.Period, req.Context)
}

func (s *Service) Commit(ctx context.Context, reportID string, selection []string) (*models.CommitSummary, error) {
	return s.bulk.Commit(ctx, reportID, selection)
}

// Export writes the report's fetched rows under the export directory and
// returns the file path and row count.
func (s *Service) Export(reportID string) (string, int, error) {
	path := filepath.Join(s.exportDir, reportID+".parquet")
	n, err := s.bulk.Export(reportID, path)
	if err != nil {
		return "", 0, err
	}
	return path, n, nil
}

func (s *Service) Report(reportID string) (*models.BulkReport, error) {
	r, ok := s.bulk.Report(reportID)
	if !ok {
		return nil, marketdata.Errorf(marketdata.KindNoData, "report", "no bulk report %q", reportID).
			With("reportId", reportID)
	}
	return r, nil
}

func (s *Service) Reports() []models.BulkReport {
	return s.bulk.Reports()
}

// ---------- validation ----------

func (s *Service) Validate(ctx context.Context, symbols []string, timeframes []models.Timeframe, start, end time.Time) (map[string]models.ValidationVerdict, error) {
	if len(symbols) == 0 || len(timeframes) == 0 {
		return nil, marketdata.Errorf(marketdata.KindInvalidRequest, "validate", "symbols and timeframes are required")
	}
	for _, tf := range timeframes {
		if !tf.Valid() {
			return nil, marketdata.Errorf(marketdata.KindInvalidRequest, "validate", "unknown timeframe %q", tf)
		}
	}
	if !end.After(start) {
		return nil, marketdata.Errorf(marketdata.KindInvalidRequest, "validate", "end must be after start")
	}
	return s.validator.ValidateAll(ctx, symbols, timeframes, start, end), nil
}

// ---------- scheduler ----------

func (s *Service) StartAll() { s.sched.StartAll() }
func (s *Service) StopAll()  { s.sched.StopAll() }

func (s *Service) StartJob(name string) error { return s.sched.Start(name) }
func (s *Service) StopJob(name string) error  { return s.sched.Stop(name) }

func (s *Service) RunJob(ctx context.Context, name string) error {
	return s.sched.RunNow(ctx, name)
}

func (s *Service) SetJobInterval(name string, d time.Duration) error {
	return s.sched.SetInterval(name, d)
}

func (s *Service) Status() []scheduler.JobStatus {
	return s.sched.Status()
}

// ---------- keep-alive ----------

type KeepAliveStatus struct {
	Profile string                 `json:"profile"`
	Last    models.KeepAliveResult `json:"last"`
}

func (s *Service) KeepAliveStatus() (KeepAliveStatus, error) {
	if s.keepAlive == nil {
		return KeepAliveStatus{}, marketdata.Errorf(marketdata.KindInvalidRequest, "keepalive", "keep-alive is not configured")
	}
	return KeepAliveStatus{Profile: s.keepAlive.Profile(), Last: s.keepAlive.Last()}, nil
}

// SetKeepAliveProfile switches the connection profile checked by the
// keep-alive job. An empty name pauses checks. With check set, the new
// profile is checked before returning.
func (s *Service) SetKeepAliveProfile(ctx context.Context, name string, check bool) (KeepAliveStatus, error) {
	if s.keepAlive == nil {
		return KeepAliveStatus{}, marketdata.Errorf(marketdata.KindInvalidRequest, "keepalive", "keep-alive is not configured")
	}
	name = strings.TrimSpace(name)
	prev := s.keepAlive.Profile()
	s.keepAlive.SetProfile(name)
	s.log.Info("keep-alive profile changed", "from", prev, "to", name)

	if check && name != "" {
		s.keepAlive.PerformCheck(ctx)
	}
	return s.KeepAliveStatus()
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func joinWarning(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
