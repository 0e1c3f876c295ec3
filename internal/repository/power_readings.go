package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
)

// LockInverter takes a transaction-scoped advisory lock on the inverter so
// the poller and the ingestor never interleave read-compare-write sequences
// for it. Released at commit or rollback.
func (r *Repos) LockInverter(ctx context.Context, inverterID int64) error {
	_, err := r.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, inverterID)
	return err
}

// LatestPowerReading returns the most recent row for the inverter, or nil
// when the series is empty. Rows sharing a timestamp are ordered by id.
func (r *Repos) LatestPowerReading(ctx context.Context, inverterID int64) (*domain.PowerReading, error) {
	var rd domain.PowerReading
	err := sqlx.GetContext(ctx, r.q, &rd, `SELECT id, inverter_id, active_power, timestamp
FROM inverter_power_records
WHERE inverter_id = $1
ORDER BY timestamp DESC, id DESC
LIMIT 1`, inverterID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rd, nil
}

// InsertPowerReading appends a row. An invalid value stores NULL.
func (r *Repos) InsertPowerReading(ctx context.Context, inverterID int64, value decimal.NullDecimal, ts time.Time) (*domain.PowerReading, error) {
	rd := domain.PowerReading{InverterID: inverterID, ActivePower: value, Timestamp: ts}
	err := sqlx.GetContext(ctx, r.q, &rd.ID,
		`INSERT INTO inverter_power_records(inverter_id, active_power, timestamp) VALUES ($1,$2,$3) RETURNING id`,
		inverterID, value, ts)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Int64("inverter_id", inverterID).
		Str("active_power", formatNullDecimal(value)).
		Time("timestamp", ts).
		Msg("inverter power record saved")
	return &rd, nil
}

func (r *Repos) RecentPowerReadings(ctx context.Context, inverterID int64, limit int) ([]domain.PowerReading, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []domain.PowerReading
	err := sqlx.SelectContext(ctx, r.q, &out, `SELECT id, inverter_id, active_power, timestamp
FROM inverter_power_records
WHERE inverter_id = $1
ORDER BY timestamp DESC, id DESC
LIMIT $2`, inverterID, limit)
	return out, err
}

func formatNullDecimal(v decimal.NullDecimal) string {
	if !v.Valid {
		return "null"
	}
	return v.Decimal.StringFixed(2)
}
