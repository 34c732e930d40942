package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kjannette/trahn-marketdata/internal/models"
)

// GetBars returns bars for the instrument/timeframe in [start, end], ascending.
// A zero end means open-ended.
func (r *BarRepo) GetBars(ctx context.Context, instrumentID int64, tf models.Timeframe, start, end time.Time) ([]models.Bar, error) {
	if end.IsZero() {
		end = time.Now().Add(24 * time.Hour)
	}
	rows, err := r.pool.Query(ctx,
		`SELECT ts, open, high, low, close, volume FROM bars
		 WHERE instrument_id = $1 AND timeframe = $2 AND ts >= $3 AND ts <= $4
		 ORDER BY ts ASC`,
		instrumentID, string(tf), start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, persistErr("get bars", err)
	}
	defer rows.Close()

	var out []models.Bar
	for rows.Next() {
		var b models.Bar
		var ts time.Time
		if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, persistErr("get bars", err)
		}
		b.Timestamp = ts.Unix()
		out = append(out, b)
	}
	return out, persistErr("get bars", rows.Err())
}

// UpsertBars writes bars in one transaction. Existing rows are overwritten;
// xmax = 0 on the returned row distinguishes inserts from updates.
func (r *BarRepo) UpsertBars(ctx context.Context, instrumentID int64, tf models.Timeframe, bars []models.Bar) (models.UpsertResult, error) {
	var res models.UpsertResult
	if len(bars) == 0 {
		return res, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, persistErr("upsert bars", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(
			`INSERT INTO bars (instrument_id, timeframe, ts, open, high, low, close, volume)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (instrument_id, timeframe, ts) DO UPDATE SET
			   open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			   close = EXCLUDED.close, volume = EXCLUDED.volume, updated_at = NOW()
			 RETURNING (xmax = 0)`,
			instrumentID, string(tf), b.Time(), b.Open, b.High, b.Low, b.Close, b.Volume,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range bars {
		var inserted bool
		if err := br.QueryRow().Scan(&inserted); err != nil {
			br.Close()
			return models.UpsertResult{}, persistErr("upsert bars", err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	if err := br.Close(); err != nil {
		return models.UpsertResult{}, persistErr("upsert bars", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.UpsertResult{}, persistErr("upsert bars", err)
	}
	return res, nil
}
