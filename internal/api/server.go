package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kjannette/trahn-marketdata/internal/marketdata"
	"github.com/kjannette/trahn-marketdata/internal/models"
	"github.com/kjannette/trahn-marketdata/internal/scheduler"
	"github.com/kjannette/trahn-marketdata/internal/service"
)

const maxQueryLimit = 10000

// Engine is the part of service.Service the HTTP layer calls.
type Engine interface {
	FetchHistory(ctx context.Context, q service.HistoryQuery) (*service.HistoryResult, error)
	Search(ctx context.Context, pattern string, d models.InstrumentDescriptor) ([]models.ContractCandidate, error)
	Realtime(ctx context.Context, symbol string) (*models.Snapshot, error)
	SetActive(ctx context.Context, d models.InstrumentDescriptor, active bool) (*models.Instrument, error)
	ActiveInstruments(ctx context.Context) ([]models.Instrument, error)

	BulkCollect(ctx context.Context, req service.BulkRequest) (*models.BulkReport, error)
	Commit(ctx context.Context, reportID string, selection []string) (*models.CommitSummary, error)
	Export(reportID string) (string, int, error)
	Report(reportID string) (*models.BulkReport, error)
	Reports() []models.BulkReport

	Validate(ctx context.Context, symbols []string, timeframes []models.Timeframe, start, end time.Time) (map[string]models.ValidationVerdict, error)

	StartAll()
	StopAll()
	StartJob(name string) error
	StopJob(name string) error
	RunJob(ctx context.Context, name string) error
	SetJobInterval(name string, d time.Duration) error
	Status() []scheduler.JobStatus

	KeepAliveStatus() (service.KeepAliveStatus, error)
	SetKeepAliveProfile(ctx context.Context, name string, check bool) (service.KeepAliveStatus, error)
}

// Probe reports the health of one dependency for /health.
type Probe func(ctx context.Context) error

type Config struct {
	Port         int
	APIKey       string
	CORSOrigin   string
	WriteTimeout time.Duration
	Probes       map[string]Probe
	Logger       *slog.Logger
}

type Server struct {
	engine     Engine
	probes     map[string]Probe
	httpServer *http.Server
	apiKey     string
	log        *slog.Logger

	// bg is the parent of async bulk runs; cancelled on Shutdown.
	bg       context.Context
	cancelBg context.CancelFunc
}

func NewServer(engine Engine, cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Minute
	}
	bg, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:   engine,
		probes:   cfg.Probes,
		apiKey:   cfg.APIKey,
		log:      log.With("component", "api"),
		bg:       bg,
		cancelBg: cancel,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.authMiddleware(corsMiddleware(s.routes(), cfg.CORSOrigin)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Bars & instruments
	mux.HandleFunc("GET /v1/bars/{symbol}", s.handleHistory)
	mux.HandleFunc("GET /v1/search", s.handleSearch)
	mux.HandleFunc("GET /v1/realtime/{symbol}", s.handleRealtime)
	mux.HandleFunc("GET /v1/instruments/active", s.handleActiveInstruments)
	mux.HandleFunc("PUT /v1/instruments/{symbol}/active", s.handleSetActive)

	// Bulk collection
	mux.HandleFunc("POST /v1/bulk/collect", s.handleBulkCollect)
	mux.HandleFunc("GET /v1/bulk/reports", s.handleBulkReports)
	mux.HandleFunc("GET /v1/bulk/reports/{id}", s.handleBulkReport)
	mux.HandleFunc("POST /v1/bulk/reports/{id}/commit", s.handleBulkCommit)
	mux.HandleFunc("POST /v1/bulk/reports/{id}/export", s.handleBulkExport)

	// Data quality
	mux.HandleFunc("GET /v1/validate", s.handleValidate)

	// Scheduler
	mux.HandleFunc("GET /v1/scheduler/status", s.handleSchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", s.handleSchedulerStartAll)
	mux.HandleFunc("POST /v1/scheduler/stop", s.handleSchedulerStopAll)
	mux.HandleFunc("POST /v1/scheduler/jobs/{name}/start", s.handleJobStart)
	mux.HandleFunc("POST /v1/scheduler/jobs/{name}/stop", s.handleJobStop)
	mux.HandleFunc("POST /v1/scheduler/jobs/{name}/run", s.handleJobRun)
	mux.HandleFunc("PUT /v1/scheduler/jobs/{name}/interval", s.handleJobInterval)
	mux.HandleFunc("GET /v1/keepalive", s.handleKeepAlive)
	mux.HandleFunc("PUT /v1/keepalive/profile", s.handleKeepAliveProfile)

	// Health check (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	return mux
}

func (s *Server) Start() error {
	fmt.Printf("[API] REST API server started on http://localhost%s\n", s.httpServer.Addr)
	fmt.Printf("[API] Health check: http://localhost%s/health\n", s.httpServer.Addr)
	if s.apiKey != "" {
		fmt.Println("[API] Authentication: enabled (Bearer token)")
	} else {
		fmt.Println("[API] Authentication: disabled (no API_KEY configured)")
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBg()
	return s.httpServer.Shutdown(ctx)
}

// --- middleware ---

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || token != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, allowOrigin string) http.Handler {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- request helpers ---

var timeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// parseTime accepts RFC 3339, a date-time without zone (UTC) or a bare date.
func parseTime(v string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	// Bare numbers must look like an epoch, not a year.
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 1e9 {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q, expected YYYY-MM-DD, RFC 3339 or epoch seconds", v)
}

func parseLimit(r *http.Request, defaultLimit int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxQueryLimit {
		return maxQueryLimit
	}
	return n
}

// splitList splits a comma-separated query value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseTimeframes(vals []string) ([]models.Timeframe, error) {
	out := make([]models.Timeframe, 0, len(vals))
	for _, v := range vals {
		tf, err := models.ParseTimeframe(v)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}

func descriptorFrom(r *http.Request, symbol string) models.InstrumentDescriptor {
	q := r.URL.Query()
	return models.InstrumentDescriptor{
		Symbol:   symbol,
		SecType:  q.Get("secType"),
		Exchange: q.Get("exchange"),
		Currency: q.Get("currency"),
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type errorBody struct {
	Error   string          `json:"error"`
	Kind    marketdata.Kind `json:"kind"`
	Message string          `json:"message"`
	Context map[string]any  `json:"context,omitempty"`
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind marketdata.Kind) int {
	switch kind {
	case marketdata.KindInvalidRequest:
		return http.StatusBadRequest
	case marketdata.KindNoData:
		return http.StatusNotFound
	case marketdata.KindValidationFailure:
		return http.StatusUnprocessableEntity
	case marketdata.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case marketdata.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case marketdata.KindUpstreamBadResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	kind := marketdata.KindOf(err)
	status := statusFor(kind)
	body := errorBody{Error: err.Error(), Kind: kind, Message: err.Error()}

	var me *marketdata.Error
	if errors.As(err, &me) {
		if me.Message != "" {
			body.Message = me.Message
		}
		body.Context = me.Context
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "err", err)
	} else {
		s.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, "err", err)
	}
	writeJSON(w, status, body)
}
