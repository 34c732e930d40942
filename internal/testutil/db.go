package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/kjannette/trahn-marketdata/internal/db"
)

// SetupPool creates a pgxpool.Pool for integration tests.
// Connection details come from env vars or sensible defaults; the test is
// skipped when the database cannot be reached.
func SetupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	_ = godotenv.Load("../../.env")

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		host := EnvOr("DB_HOST", "localhost")
		port := EnvOr("DB_PORT", "5432")
		name := EnvOr("DB_NAME", "trahn_marketdata")
		user := EnvOr("DB_USER", "postgres")
		pass := EnvOr("DB_PASSWORD", "")
		dsn = "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + name + "?sslmode=disable"
	}

	pool, err := db.Connect(context.Background(), dsn, db.PoolOptions{MaxConns: 4, MinConns: 1, ConnectTimeout: 2 * time.Second})
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

// RedisAddr returns TEST_REDIS_ADDR, skipping the test when it is unset.
func RedisAddr(t *testing.T) string {
	t.Helper()
	_ = godotenv.Load("../../.env")
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	return addr
}

func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
