package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Secrets (from .env)
	APIKey          string
	GatewayAPIKey   string
	AlpacaAPIKey    string
	AlpacaAPISecret string
	StrategyAPIKey  string
	RedisPassword   string
	WebhookURL      string
	BotName         string
	CORSAllowOrigin string

	// Server
	APIPort   int
	LogLevel  string
	LogFormat string

	// Store
	StoreDriver string
	SQLitePath  string
	DBHost      string
	DBPort      int
	DBName      string
	DBUser      string
	DBPassword  string
	DBMaxConns  int
	DBMinConns  int

	// Upstream
	UpstreamProvider string
	GatewayURL       string
	HealthTimeout    time.Duration
	SearchTimeout    time.Duration
	HistoryTimeout   time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	AlpacaDataURL    string
	AlpacaTradeURL   string
	AlpacaFeed       string

	// Collaborators
	StrategyURL   string
	RedisAddr     string
	RedisDB       int
	SnapshotTTL   time.Duration
	WatchlistPath string

	// Reconciliation & bulk
	FreshnessThreshold time.Duration
	TimeframeDelay     time.Duration
	SymbolDelay        time.Duration
	BulkRunTimeout     time.Duration
	BulkRetain         int
	ExportDir          string

	// Scheduler
	SchedulerEnabled   bool
	CollectionInterval time.Duration
	StrategyInterval   time.Duration
	KeepAliveDelay     time.Duration
	KeepAliveInterval  time.Duration
	CollectionPeriod   string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		// Secrets
		APIKey:          envStr("API_KEY", ""),
		GatewayAPIKey:   envStr("GATEWAY_API_KEY", ""),
		AlpacaAPIKey:    envStr("APCA_API_KEY_ID", ""),
		AlpacaAPISecret: envStr("APCA_API_SECRET_KEY", ""),
		StrategyAPIKey:  envStr("STRATEGY_API_KEY", ""),
		RedisPassword:   envStr("REDIS_PASSWORD", ""),
		WebhookURL:      envStr("WEBHOOK_URL", ""),
		BotName:         envStr("BOT_NAME", "TrahnMarketData"),
		CORSAllowOrigin: envStr("CORS_ALLOW_ORIGIN", "*"),

		// Server
		APIPort:   envInt("API_PORT", 3001),
		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "text"),

		// Store
		StoreDriver: strings.ToLower(envStr("STORE_DRIVER", "postgres")),
		SQLitePath:  envStr("SQLITE_PATH", "data/marketdata.db"),
		DBHost:      envStr("DB_HOST", "localhost"),
		DBPort:      envInt("DB_PORT", 5432),
		DBName:      envStr("DB_NAME", "trahn_marketdata"),
		DBUser:      envStr("DB_USER", ""),
		DBPassword:  envStr("DB_PASSWORD", ""),
		DBMaxConns:  envInt("DB_MAX_CONNS", 20),
		DBMinConns:  envInt("DB_MIN_CONNS", 2),

		// Upstream
		UpstreamProvider: strings.ToLower(envStr("UPSTREAM_PROVIDER", "gateway")),
		GatewayURL:       envStr("GATEWAY_URL", "http://localhost:5055"),
		HealthTimeout:    envDuration("HEALTH_TIMEOUT", 5*time.Second),
		SearchTimeout:    envDuration("SEARCH_TIMEOUT", 30*time.Second),
		HistoryTimeout:   envDuration("HISTORY_TIMEOUT", 60*time.Second),
		RetryAttempts:    envInt("RETRY_ATTEMPTS", 3),
		RetryBaseDelay:   envDuration("RETRY_BASE_DELAY", 1*time.Second),
		RetryMaxDelay:    envDuration("RETRY_MAX_DELAY", 8*time.Second),
		AlpacaDataURL:    envStr("APCA_DATA_URL", ""),
		AlpacaTradeURL:   envStr("APCA_API_BASE_URL", "https://paper-api.alpaca.markets"),
		AlpacaFeed:       envStr("APCA_FEED", "iex"),

		// Collaborators
		StrategyURL:   envStr("STRATEGY_URL", ""),
		RedisAddr:     envStr("REDIS_ADDR", ""),
		RedisDB:       envInt("REDIS_DB", 0),
		SnapshotTTL:   envDuration("SNAPSHOT_TTL", 5*time.Second),
		WatchlistPath: envStr("WATCHLIST_PATH", "config/watchlist.yaml"),

		// Reconciliation & bulk
		FreshnessThreshold: envDuration("FRESHNESS_THRESHOLD", 2*time.Hour),
		TimeframeDelay:     envDuration("BULK_TIMEFRAME_DELAY", 1*time.Second),
		SymbolDelay:        envDuration("BULK_SYMBOL_DELAY", 2*time.Second),
		BulkRunTimeout:     envDuration("BULK_RUN_TIMEOUT", 20*time.Minute),
		BulkRetain:         envInt("BULK_RETAIN_REPORTS", 20),
		ExportDir:          envStr("EXPORT_DIR", "data/exports"),

		// Scheduler
		SchedulerEnabled:   envBool("SCHEDULER_ENABLED", true),
		CollectionInterval: envDuration("COLLECTION_INTERVAL", 5*time.Minute),
		StrategyInterval:   envDuration("STRATEGY_INTERVAL", 5*time.Minute),
		KeepAliveDelay:     envDuration("KEEPALIVE_DELAY", 30*time.Second),
		KeepAliveInterval:  envDuration("KEEPALIVE_INTERVAL", 15*time.Minute),
		CollectionPeriod:   envStr("COLLECTION_PERIOD", "1 month"),
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []string

	switch c.StoreDriver {
	case "postgres":
		if c.DBUser == "" {
			errs = append(errs, "DB_USER is required for STORE_DRIVER=postgres")
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			errs = append(errs, fmt.Sprintf("DB pool sizing invalid: min %d, max %d", c.DBMinConns, c.DBMaxConns))
		}
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, "SQLITE_PATH is required for STORE_DRIVER=sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORE_DRIVER must be postgres or sqlite, got %q", c.StoreDriver))
	}

	switch c.UpstreamProvider {
	case "gateway":
		if c.GatewayURL == "" {
			errs = append(errs, "GATEWAY_URL is required for UPSTREAM_PROVIDER=gateway")
		}
	case "alpaca":
		if c.AlpacaAPIKey == "" || c.AlpacaAPISecret == "" {
			errs = append(errs, "APCA_API_KEY_ID and APCA_API_SECRET_KEY are required for UPSTREAM_PROVIDER=alpaca")
		}
	default:
		errs = append(errs, fmt.Sprintf("UPSTREAM_PROVIDER must be gateway or alpaca, got %q", c.UpstreamProvider))
	}

	if c.FreshnessThreshold <= 0 {
		errs = append(errs, "FRESHNESS_THRESHOLD must be positive")
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, "RETRY_ATTEMPTS must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"COLLECTION_INTERVAL": c.CollectionInterval,
		"STRATEGY_INTERVAL":   c.StrategyInterval,
		"KEEPALIVE_INTERVAL":  c.KeepAliveInterval,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}

	if c.APIKey == "" {
		fmt.Println("[WARN] API_KEY not set, REST API has no authentication")
	}
	if c.StrategyURL == "" {
		fmt.Println("[WARN] STRATEGY_URL not set, strategy-calculation job disabled")
	}
	if c.RedisAddr == "" {
		fmt.Println("[WARN] REDIS_ADDR not set, realtime snapshots are not cached")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

func (c *Config) Print() {
	fmt.Println("=== Market Data Engine Configuration ===")
	fmt.Printf("API Port: %d (auth: %s)\n", c.APIPort, boolLabel(c.APIKey != "", "bearer", "none"))
	fmt.Println("--------------------------------------")
	fmt.Printf("Store: %s\n", c.StoreDriver)
	if c.StoreDriver == "sqlite" {
		fmt.Printf("  Path: %s\n", c.SQLitePath)
	} else {
		fmt.Printf("  Postgres: %s:%d/%s (pool %d-%d)\n", c.DBHost, c.DBPort, c.DBName, c.DBMinConns, c.DBMaxConns)
	}
	fmt.Println("--------------------------------------")
	fmt.Printf("Upstream: %s\n", c.UpstreamProvider)
	if c.UpstreamProvider == "alpaca" {
		fmt.Printf("  Feed: %s\n", c.AlpacaFeed)
		fmt.Printf("  Key: %s\n", mask(c.AlpacaAPIKey))
	} else {
		fmt.Printf("  Gateway: %s\n", c.GatewayURL)
	}
	fmt.Printf("  Timeouts: health %s, search %s, history %s\n", c.HealthTimeout, c.SearchTimeout, c.HistoryTimeout)
	fmt.Printf("  Retry: %d attempts, %s..%s\n", c.RetryAttempts, c.RetryBaseDelay, c.RetryMaxDelay)
	fmt.Println("--------------------------------------")
	fmt.Printf("Freshness threshold: %s\n", c.FreshnessThreshold)
	fmt.Printf("Bulk delays: %s per timeframe, %s per symbol (run timeout %s)\n",
		c.TimeframeDelay, c.SymbolDelay, c.BulkRunTimeout)
	fmt.Printf("Snapshot cache: %s\n", boolLabel(c.RedisAddr != "", c.RedisAddr, "disabled"))
	fmt.Printf("Strategy service: %s\n", boolLabel(c.StrategyURL != "", c.StrategyURL, "disabled"))
	fmt.Printf("Webhook: %s\n", boolLabel(c.WebhookURL != "", "configured", "not set"))
	fmt.Println("--------------------------------------")
	fmt.Printf("Scheduler: %s\n", boolLabel(c.SchedulerEnabled, "enabled", "disabled"))
	fmt.Printf("  Collection every %s (%s window)\n", c.CollectionInterval, c.CollectionPeriod)
	fmt.Printf("  Strategy every %s\n", c.StrategyInterval)
	fmt.Printf("  Keep-alive every %s after %s\n", c.KeepAliveInterval, c.KeepAliveDelay)
	fmt.Printf("Watchlist: %s\n", c.WatchlistPath)
	fmt.Println("======================================")
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// --- helpers ---

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "true" || v == "1" || v == "yes"
	}
	return fallback
}

// envDuration accepts Go durations ("90s", "2h") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func mask(s string) string {
	if len(s) > 4 {
		return s[:4] + "..."
	}
	if s == "" {
		return "not set"
	}
	return "..."
}

func boolLabel(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}
