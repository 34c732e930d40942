package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions sizes the connection pool. Zero fields keep the defaults.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
	MaxConnLifetime time.Duration
	ConnectTimeout  time.Duration
	MigrateTimeout  time.Duration
}

var DefaultPoolOptions = PoolOptions{
	MaxConns:        20,
	MinConns:        2,
	MaxConnIdleTime: 30 * time.Second,
	MaxConnLifetime: 5 * time.Minute,
	ConnectTimeout:  5 * time.Second,
	MigrateTimeout:  30 * time.Second,
}

func (o PoolOptions) normalized() PoolOptions {
	def := DefaultPoolOptions
	if o.MaxConns <= 0 {
		o.MaxConns = def.MaxConns
	}
	if o.MinConns < 0 || o.MinConns > o.MaxConns {
		o.MinConns = min(def.MinConns, o.MaxConns)
	}
	if o.MaxConnIdleTime <= 0 {
		o.MaxConnIdleTime = def.MaxConnIdleTime
	}
	if o.MaxConnLifetime <= 0 {
		o.MaxConnLifetime = def.MaxConnLifetime
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.MigrateTimeout <= 0 {
		o.MigrateTimeout = def.MigrateTimeout
	}
	return o
}

// PoolConfig parses dsn and applies the pool sizing.
func PoolConfig(dsn string, opts PoolOptions) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	opts = opts.normalized()
	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = opts.MinConns
	cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	cfg.MaxConnLifetime = opts.MaxConnLifetime
	return cfg, nil
}

func Connect(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := PoolConfig(dsn, opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.normalized().ConnectTimeout)
	defer cancel()

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return p, nil
}

// Open connects, applies the schema and reports what the store holds. The
// pool is closed on any failure.
func Open(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, Stats, error) {
	p, err := Connect(ctx, dsn, opts)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("connection failed: %w", err)
	}

	mctx, cancel := context.WithTimeout(ctx, opts.normalized().MigrateTimeout)
	defer cancel()
	if err := Migrate(mctx, p); err != nil {
		p.Close()
		return nil, Stats{}, fmt.Errorf("migrate: %w", err)
	}

	st, err := TestConnection(ctx, p)
	if err != nil {
		p.Close()
		return nil, Stats{}, fmt.Errorf("test query failed: %w", err)
	}
	return p, st, nil
}

// Stats is a snapshot of the server clock and table sizes.
type Stats struct {
	Now         time.Time
	Instruments int64
	Bars        int64
	ActiveCount int64
}

func (s Stats) String() string {
	return fmt.Sprintf("%d instruments (%d active), %d bars", s.Instruments, s.ActiveCount, s.Bars)
}

func TestConnection(ctx context.Context, p *pgxpool.Pool) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var st Stats
	err := p.QueryRow(ctx, `
		SELECT NOW(),
		       (SELECT COUNT(*) FROM instruments),
		       (SELECT COUNT(*) FROM instruments WHERE active),
		       (SELECT COUNT(*) FROM bars)`).
		Scan(&st.Now, &st.Instruments, &st.ActiveCount, &st.Bars)
	if err != nil {
		return Stats{}, fmt.Errorf("test query: %w", err)
	}
	fmt.Printf("[DB] Connection successful at %s (%s)\n", st.Now.Format(time.RFC3339), st)
	return st, nil
}
