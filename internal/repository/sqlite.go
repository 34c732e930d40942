package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kjannette/trahn-marketdata/internal/marketdata"
	"github.com/kjannette/trahn-marketdata/internal/models"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS instruments (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol      TEXT NOT NULL,
		sec_type    TEXT NOT NULL,
		exchange    TEXT NOT NULL,
		currency    TEXT NOT NULL,
		contract_id TEXT,
		active      INTEGER NOT NULL DEFAULT 1,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL,
		UNIQUE (symbol, sec_type, exchange, currency)
	)`,
	`CREATE TABLE IF NOT EXISTS bars (
		instrument_id INTEGER NOT NULL REFERENCES instruments(id),
		timeframe     TEXT NOT NULL,
		ts            INTEGER NOT NULL,
		open          REAL NOT NULL,
		high          REAL NOT NULL,
		low           REAL NOT NULL,
		close         REAL NOT NULL,
		volume        REAL NOT NULL DEFAULT 0,
		updated_at    INTEGER NOT NULL,
		PRIMARY KEY (instrument_id, timeframe, ts)
	)`,
}

// SQLiteStore is the embedded store used for local runs and tests.
type SQLiteStore struct {
	db *sql.DB
}

var _ marketdata.BarStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and creates
// the tables.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer keeps batch transactions serialized.
	db.SetMaxOpenConns(1)

	for i, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite schema step %d: %w", i+1, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteInstrumentColumns = `id, symbol, sec_type, exchange, currency, contract_id, active, created_at, updated_at`

func (s *SQLiteStore) GetOrCreateInstrument(ctx context.Context, d models.InstrumentDescriptor) (*models.Instrument, error) {
	d = d.Normalized()
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instruments (symbol, sec_type, exchange, currency, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (symbol, sec_type, exchange, currency) DO NOTHING`,
		d.Symbol, d.SecType, d.Exchange, d.Currency, now, now,
	)
	if err != nil {
		return nil, persistErr("get or create instrument", err)
	}
	inst, err := s.FindInstrument(ctx, d)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, marketdata.Errorf(marketdata.KindPersistenceFailure, "get or create instrument", "instrument %s vanished after insert", d)
	}
	return inst, nil
}

func (s *SQLiteStore) FindInstrument(ctx context.Context, d models.InstrumentDescriptor) (*models.Instrument, error) {
	d = d.Normalized()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteInstrumentColumns+` FROM instruments
		 WHERE symbol = ? AND sec_type = ? AND exchange = ? AND currency = ?`,
		d.Symbol, d.SecType, d.Exchange, d.Currency,
	)
	inst, err := scanSQLiteInstrument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("find instrument", err)
	}
	return inst, nil
}

func (s *SQLiteStore) AttachContract(ctx context.Context, instrumentID int64, contractID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instruments SET contract_id = ?, updated_at = ? WHERE id = ?`,
		contractID, time.Now().Unix(), instrumentID,
	)
	return persistErr("attach contract", err)
}

func (s *SQLiteStore) SetActive(ctx context.Context, instrumentID int64, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instruments SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().Unix(), instrumentID,
	)
	return persistErr("set active", err)
}

func (s *SQLiteStore) ListActiveInstruments(ctx context.Context) ([]models.Instrument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteInstrumentColumns+` FROM instruments WHERE active = 1 ORDER BY symbol ASC`,
	)
	if err != nil {
		return nil, persistErr("list active instruments", err)
	}
	defer rows.Close()

	var out []models.Instrument
	for rows.Next() {
		inst, err := scanSQLiteInstrument(rows)
		if err != nil {
			return nil, persistErr("list active instruments", err)
		}
		out = append(out, *inst)
	}
	return out, persistErr("list active instruments", rows.Err())
}

func (s *SQLiteStore) GetBars(ctx context.Context, instrumentID int64, tf models.Timeframe, start, end time.Time) ([]models.Bar, error) {
	endTs := int64(1<<62)
	if !end.IsZero() {
		endTs = end.Unix()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, open, high, low, close, volume FROM bars
		 WHERE instrument_id = ? AND timeframe = ? AND ts >= ? AND ts <= ?
		 ORDER BY ts ASC`,
		instrumentID, string(tf), start.Unix(), endTs,
	)
	if err != nil {
		return nil, persistErr("get bars", err)
	}
	defer rows.Close()

	var out []models.Bar
	for rows.Next() {
		var b models.Bar
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, persistErr("get bars", err)
		}
		out = append(out, b)
	}
	return out, persistErr("get bars", rows.Err())
}

// UpsertBars writes bars in one transaction, counting rows that already existed
// as updates.
func (s *SQLiteStore) UpsertBars(ctx context.Context, instrumentID int64, tf models.Timeframe, bars []models.Bar) (models.UpsertResult, error) {
	var res models.UpsertResult
	if len(bars) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, persistErr("upsert bars", err)
	}
	defer tx.Rollback()

	exists, err := tx.PrepareContext(ctx,
		`SELECT COUNT(*) FROM bars WHERE instrument_id = ? AND timeframe = ? AND ts = ?`)
	if err != nil {
		return res, persistErr("upsert bars", err)
	}
	defer exists.Close()

	upsert, err := tx.PrepareContext(ctx,
		`INSERT INTO bars (instrument_id, timeframe, ts, open, high, low, close, volume, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (instrument_id, timeframe, ts) DO UPDATE SET
		   open = excluded.open, high = excluded.high, low = excluded.low,
		   close = excluded.close, volume = excluded.volume, updated_at = excluded.updated_at`)
	if err != nil {
		return res, persistErr("upsert bars", err)
	}
	defer upsert.Close()

	now := time.Now().Unix()
	for _, b := range bars {
		var n int
		if err := exists.QueryRowContext(ctx, instrumentID, string(tf), b.Timestamp).Scan(&n); err != nil {
			return models.UpsertResult{}, persistErr("upsert bars", err)
		}
		if _, err := upsert.ExecContext(ctx, instrumentID, string(tf), b.Timestamp,
			b.Open, b.High, b.Low, b.Close, b.Volume, now); err != nil {
			return models.UpsertResult{}, persistErr("upsert bars", err)
		}
		if n > 0 {
			res.Updated++
		} else {
			res.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return models.UpsertResult{}, persistErr("upsert bars", err)
	}
	return res, nil
}

func scanSQLiteInstrument(row scannable) (*models.Instrument, error) {
	var i models.Instrument
	var contract sql.NullString
	var created, updated int64
	err := row.Scan(&i.ID, &i.Symbol, &i.SecType, &i.Exchange, &i.Currency,
		&contract, &i.Active, &created, &updated)
	if err != nil {
		return nil, err
	}
	if contract.Valid {
		i.ContractID = &contract.String
	}
	i.CreatedAt = time.Unix(created, 0).UTC()
	i.UpdatedAt = time.Unix(updated, 0).UTC()
	return &i, nil
}
