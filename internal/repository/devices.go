package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
)

const uniqueViolation = "23505"

const deviceColumns = `d.id, d.user_id, d.raspberry_id, r.uuid AS raspberry_uuid, d.device_number, d.name, d.mode,
	d.is_on, d.manual_state, d.threshold_kw, d.hysteresis_kw, d.schedule, d.last_update`

func (r *Repos) ListDevicesForUser(ctx context.Context, userID int64) ([]domain.Device, error) {
	var out []domain.Device
	err := sqlx.SelectContext(ctx, r.q, &out, `SELECT `+deviceColumns+`
FROM devices d JOIN raspberries r ON r.id = d.raspberry_id
WHERE d.user_id = $1 ORDER BY d.id`, userID)
	return out, err
}

func (r *Repos) DeviceForUser(ctx context.Context, deviceID, userID int64) (*domain.Device, error) {
	var d domain.Device
	err := sqlx.GetContext(ctx, r.q, &d, `SELECT `+deviceColumns+`
FROM devices d JOIN raspberries r ON r.id = d.raspberry_id
WHERE d.id = $1 AND d.user_id = $2`, deviceID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// InsertDevice stores d and fills in its id and last_update.
func (r *Repos) InsertDevice(ctx context.Context, d *domain.Device) error {
	row := r.q.QueryRowxContext(ctx, `INSERT INTO devices
	(user_id, raspberry_id, device_number, name, mode, is_on, threshold_kw, hysteresis_kw, schedule)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING id, last_update`,
		d.UserID, d.AgentID, d.DeviceNumber, d.Name, d.Mode, d.IsOn, d.ThresholdKW, d.HysteresisKW, d.Schedule)
	err := row.Scan(&d.ID, &d.LastUpdate)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: agent %d already has device %d", ErrConflict, d.AgentID, d.DeviceNumber)
	}
	return err
}

// UpdateDevice writes the mutable configuration columns of d.
func (r *Repos) UpdateDevice(ctx context.Context, d *domain.Device) error {
	row := r.q.QueryRowxContext(ctx, `UPDATE devices
SET name = $1, mode = $2, threshold_kw = $3, hysteresis_kw = $4, schedule = $5, last_update = now()
WHERE id = $6 AND user_id = $7
RETURNING last_update`,
		d.Name, d.Mode, d.ThresholdKW, d.HysteresisKW, d.Schedule, d.ID, d.UserID)
	err := row.Scan(&d.LastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// SetManualState records an acknowledged manual override.
func (r *Repos) SetManualState(ctx context.Context, deviceID, userID int64, on bool) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE devices SET manual_state = $1, is_on = $1, last_update = now() WHERE id = $2 AND user_id = $3`,
		on, deviceID, userID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// SetDeviceIsOn records the relay state reported by the owning agent.
func (r *Repos) SetDeviceIsOn(ctx context.Context, deviceID, agentID int64, on bool) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE devices SET is_on = $1, last_update = now() WHERE id = $2 AND raspberry_id = $3`, on, deviceID, agentID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (r *Repos) DeleteDevice(ctx context.Context, deviceID, userID int64) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM devices WHERE id = $1 AND user_id = $2`, deviceID, userID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
