package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS instruments (
		id          BIGSERIAL PRIMARY KEY,
		symbol      TEXT NOT NULL,
		sec_type    TEXT NOT NULL DEFAULT 'STK',
		exchange    TEXT NOT NULL DEFAULT 'SMART',
		currency    TEXT NOT NULL DEFAULT 'USD',
		contract_id TEXT,
		active      BOOLEAN NOT NULL DEFAULT true,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (symbol, sec_type, exchange, currency)
	)`,
	`CREATE TABLE IF NOT EXISTS bars (
		instrument_id BIGINT NOT NULL REFERENCES instruments(id),
		timeframe     TEXT NOT NULL,
		ts            TIMESTAMPTZ NOT NULL,
		open          DOUBLE PRECISION NOT NULL,
		high          DOUBLE PRECISION NOT NULL,
		low           DOUBLE PRECISION NOT NULL,
		close         DOUBLE PRECISION NOT NULL,
		volume        DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (volume >= 0),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (instrument_id, timeframe, ts)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instruments_active ON instruments (active) WHERE active`,
}

// Migrate creates the instrument and bar tables if they do not exist.
func Migrate(ctx context.Context, p *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := p.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
