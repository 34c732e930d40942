package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjannette/trahn-marketdata/internal/marketdata"
	"github.com/kjannette/trahn-marketdata/internal/models"
)

const instrumentColumns = `id, symbol, sec_type, exchange, currency, contract_id, active, created_at, updated_at`

// BarRepo is the PostgreSQL store for instruments and bars.
type BarRepo struct {
	pool *pgxpool.Pool
}

var _ marketdata.BarStore = (*BarRepo)(nil)

func NewBarRepo(pool *pgxpool.Pool) *BarRepo {
	return &BarRepo{pool: pool}
}

// GetOrCreateInstrument returns the instrument for d, inserting it on first use.
func (r *BarRepo) GetOrCreateInstrument(ctx context.Context, d models.InstrumentDescriptor) (*models.Instrument, error) {
	d = d.Normalized()
	row := r.pool.QueryRow(ctx,
		`INSERT INTO instruments (symbol, sec_type, exchange, currency)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (symbol, sec_type, exchange, currency)
		 DO UPDATE SET symbol = EXCLUDED.symbol
		 RETURNING `+instrumentColumns,
		d.Symbol, d.SecType, d.Exchange, d.Currency,
	)
	inst, err := scanInstrument(row)
	if err != nil {
		return nil, persistErr("get or create instrument", err)
	}
	return inst, nil
}

// FindInstrument returns nil, nil when no instrument matches.
func (r *BarRepo) FindInstrument(ctx context.Context, d models.InstrumentDescriptor) (*models.Instrument, error) {
	d = d.Normalized()
	row := r.pool.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instruments
		 WHERE symbol = $1 AND sec_type = $2 AND exchange = $3 AND currency = $4`,
		d.Symbol, d.SecType, d.Exchange, d.Currency,
	)
	inst, err := scanInstrument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("find instrument", err)
	}
	return inst, nil
}

func (r *BarRepo) AttachContract(ctx context.Context, instrumentID int64, contractID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE instruments SET contract_id = $2, updated_at = NOW()
		 WHERE id = $1 AND contract_id IS DISTINCT FROM $2`,
		instrumentID, contractID,
	)
	return persistErr("attach contract", err)
}

func (r *BarRepo) SetActive(ctx context.Context, instrumentID int64, active bool) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE instruments SET active = $2, updated_at = NOW() WHERE id = $1`,
		instrumentID, active,
	)
	return persistErr("set active", err)
}

func (r *BarRepo) ListActiveInstruments(ctx context.Context) ([]models.Instrument, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE active ORDER BY symbol ASC`,
	)
	if err != nil {
		return nil, persistErr("list active instruments", err)
	}
	defer rows.Close()

	var out []models.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, persistErr("list active instruments", err)
		}
		out = append(out, *inst)
	}
	return out, persistErr("list active instruments", rows.Err())
}

// --- scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanInstrument(row scannable) (*models.Instrument, error) {
	var i models.Instrument
	err := row.Scan(&i.ID, &i.Symbol, &i.SecType, &i.Exchange, &i.Currency,
		&i.ContractID, &i.Active, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// persistErr wraps a storage error as persistence_failure; nil stays nil.
func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return marketdata.Wrap(marketdata.KindPersistenceFailure, op, err)
}
