package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kjannette/trahn-marketdata/internal/api"
	"github.com/kjannette/trahn-marketdata/internal/bulk"
	"github.com/kjannette/trahn-marketdata/internal/cache"
	"github.com/kjannette/trahn-marketdata/internal/config"
	"github.com/kjannette/trahn-marketdata/internal/db"
	"github.com/kjannette/trahn-marketdata/internal/dedup"
	"github.com/kjannette/trahn-marketdata/internal/external"
	"github.com/kjannette/trahn-marketdata/internal/httputil"
	"github.com/kjannette/trahn-marketdata/internal/keepalive"
	"github.com/kjannette/trahn-marketdata/internal/logging"
	"github.com/kjannette/trahn-marketdata/internal/marketdata"
	"github.com/kjannette/trahn-marketdata/internal/models"
	"github.com/kjannette/trahn-marketdata/internal/notifications"
	"github.com/kjannette/trahn-marketdata/internal/quality"
	"github.com/kjannette/trahn-marketdata/internal/reconcile"
	"github.com/kjannette/trahn-marketdata/internal/repository"
	"github.com/kjannette/trahn-marketdata/internal/scheduler"
	"github.com/kjannette/trahn-marketdata/internal/service"
)

const banner = `
╔══════════════════════════════════════╗
║      TRAHN Market Data Engine        ║
║                                      ║
╚══════════════════════════════════════╝
`

// upstreamClient is what both providers offer: the data contract plus the
// session reconnect used by keep-alive.
type upstreamClient interface {
	marketdata.Upstream
	Reconnect(ctx context.Context) error
}

func main() {
	fmt.Print(banner)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg.Print()

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	watchlist, err := config.LoadWatchlist(cfg.WatchlistPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[CONFIG] %v\n", err)
		os.Exit(1)
	}
	timeframes, _ := watchlist.ParsedTimeframes()
	collectPeriod, err := models.ParsePeriod(cfg.CollectionPeriod)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[CONFIG] COLLECTION_PERIOD: %v\n", err)
		os.Exit(1)
	}

	// Graceful shutdown context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probes := map[string]api.Probe{}

	// Store
	store, closeStore, err := openStore(cfg, probes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[DB] %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	// Upstream
	upstream := openUpstream(cfg, log)
	probes["upstream"] = func(ctx context.Context) error {
		ok, err := upstream.Health(ctx)
		if !ok && err == nil {
			err = errors.New("upstream reports unhealthy")
		}
		return err
	}
	fmt.Printf("[UPSTREAM] Using %s\n", upstream)

	// Snapshot cache (optional)
	var snapshots service.SnapshotCache
	if cfg.RedisAddr != "" {
		c, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.SnapshotTTL)
		if err != nil {
			log.Warn("snapshot cache disabled", "err", err)
		} else {
			defer c.Close()
			snapshots = c
			probes["redis"] = func(ctx context.Context) error {
				_, err := c.Get(ctx, "__health__")
				return err
			}
		}
	}

	notify := notifications.NewSender(cfg.WebhookURL, cfg.BotName, log)

	// Core components share one in-flight group so scheduled refreshes, API
	// requests and bulk runs never duplicate an upstream fetch.
	inflight := &dedup.Group[[]models.Bar]{}

	reconciler := reconcile.New(store, upstream, inflight, reconcile.Options{
		Freshness: cfg.FreshnessThreshold,
		Logger:    log,
	})

	orchestrator := bulk.New(upstream, store, inflight, bulk.Options{
		TimeframeDelay: cfg.TimeframeDelay,
		SymbolDelay:    cfg.SymbolDelay,
		RunTimeout:     cfg.BulkRunTimeout,
		Retain:         cfg.BulkRetain,
		OnComplete: func(r *models.BulkReport) {
			notify.BulkSummary(context.Background(), r)
		},
		Logger: log,
	})

	validator := quality.NewValidator(store, log)

	checker := keepalive.NewChecker(upstream, watchlist.Profile.Name, keepalive.Options{
		Settle:   2 * time.Second,
		Notifier: notify,
		Logger:   log,
	})

	// Scheduler
	sched := scheduler.New(log)
	mustRegister(sched, scheduler.Job{
		Name:     scheduler.JobDataCollection,
		Interval: cfg.CollectionInterval,
		Run:      scheduler.DataCollection(store, reconciler, timeframes, models.PeriodWindow(collectPeriod), log),
	})
	if cfg.StrategyURL != "" {
		strategy := external.NewStrategyClient(cfg.StrategyURL, cfg.StrategyAPIKey)
		mustRegister(sched, scheduler.Job{
			Name:     scheduler.JobStrategy,
			Interval: cfg.StrategyInterval,
			Run: scheduler.StrategyCalculation(strategy, func() []string {
				return watchlist.Setups
			}, log),
		})
	} else {
		fmt.Println("[SCHEDULER] strategy-calculation skipped - no STRATEGY_URL configured")
	}
	mustRegister(sched, scheduler.Job{
		Name:     scheduler.JobKeepAlive,
		Delay:    cfg.KeepAliveDelay,
		Interval: watchlist.KeepAliveInterval(cfg.KeepAliveInterval),
		Run:      scheduler.KeepAlive(checker, log),
	})

	svc := service.New(service.Deps{
		Store:      store,
		Upstream:   upstream,
		Reconciler: reconciler,
		Bulk:       orchestrator,
		Validator:  validator,
		Scheduler:  sched,
		KeepAlive:  checker,
		Cache:      snapshots,
		ExportDir:  cfg.ExportDir,
		Logger:     log,
	})

	if err := svc.Watch(ctx, watchlist.Instruments); err != nil {
		fmt.Fprintf(os.Stderr, "[WATCHLIST] %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("[WATCHLIST] %d instruments x %d timeframes, %d setups\n",
		len(watchlist.Instruments), len(timeframes), len(watchlist.Setups))

	// 1. API server
	srv := api.NewServer(svc, api.Config{
		Port:         cfg.APIPort,
		APIKey:       cfg.APIKey,
		CORSOrigin:   cfg.CORSAllowOrigin,
		WriteTimeout: cfg.BulkRunTimeout + time.Minute,
		Probes:       probes,
		Logger:       log,
	})
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "[API] Server error: %v\n", err)
			os.Exit(1)
		}
	}()

	// 2. Background jobs
	if cfg.SchedulerEnabled {
		svc.StartAll()
	} else {
		fmt.Println("[SCHEDULER] Disabled - jobs can be started through the API")
	}

	fmt.Println("\nAll services started successfully")

	// Wait for shutdown signal
	<-ctx.Done()
	fmt.Println("\nShutting down gracefully...")

	svc.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[API] Shutdown error: %v\n", err)
	}
	fmt.Println("[API] Server closed")
	fmt.Println("Shutdown complete")
}

func openStore(cfg *config.Config, probes map[string]api.Probe) (marketdata.BarStore, func(), error) {
	if cfg.StoreDriver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		fmt.Printf("\n[DB] Opening SQLite store %s ...\n", cfg.SQLitePath)
		store, err := repository.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		probes["database"] = store.Ping
		return store, func() {
			store.Close()
			fmt.Println("[DB] SQLite store closed")
		}, nil
	}

	fmt.Printf("\n[DB] Connecting to %s:%d/%s ...\n", cfg.DBHost, cfg.DBPort, cfg.DBName)
	pool, _, err := db.Open(context.Background(), cfg.DSN(), db.PoolOptions{
		MaxConns: int32(cfg.DBMaxConns),
		MinConns: int32(cfg.DBMinConns),
	})
	if err != nil {
		return nil, nil, err
	}
	probes["database"] = pool.Ping
	return repository.NewBarRepo(pool), func() {
		pool.Close()
		fmt.Println("[DB] Connection pool closed")
	}, nil
}

func openUpstream(cfg *config.Config, log *slog.Logger) upstreamClient {
	opts := external.GatewayOptions{
		BaseURL:        cfg.GatewayURL,
		APIKey:         cfg.GatewayAPIKey,
		HealthTimeout:  cfg.HealthTimeout,
		SearchTimeout:  cfg.SearchTimeout,
		HistoryTimeout: cfg.HistoryTimeout,
		Retry: httputil.RetryConfig{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		Logger: log,
	}
	if cfg.UpstreamProvider == "alpaca" {
		return external.NewAlpacaProvider(external.AlpacaOptions{
			APIKey:    cfg.AlpacaAPIKey,
			APISecret: cfg.AlpacaAPISecret,
			DataURL:   cfg.AlpacaDataURL,
			TradeURL:  cfg.AlpacaTradeURL,
			Feed:      cfg.AlpacaFeed,
			Gateway:   opts,
		})
	}
	return external.NewGatewayClient(opts)
}

func mustRegister(s *scheduler.Scheduler, j scheduler.Job) {
	if err := s.Register(j); err != nil {
		fmt.Fprintf(os.Stderr, "[SCHEDULER] %v\n", err)
		os.Exit(1)
	}
}
