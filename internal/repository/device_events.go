package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
)

// InsertDeviceEvent stores an agent-reported state change. Redelivered events
// hit the (device_id, timestamp, pin_state) key and are ignored; inserted
// reports whether a new row was written.
func (r *Repos) InsertDeviceEvent(ctx context.Context, ev *domain.DeviceEvent) (inserted bool, err error) {
	if ev.EventName == "" {
		ev.EventName = "DEVICE_STATE"
	}
	rows, err := r.q.QueryxContext(ctx, `INSERT INTO device_events
	(device_id, event_name, state, pin_state, trigger_reason, power_kw, timestamp)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (device_id, timestamp, pin_state) DO NOTHING
RETURNING id`,
		ev.DeviceID, ev.EventName, ev.State, ev.PinState, ev.TriggerReason, ev.PowerKW, ev.Timestamp)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&ev.ID); err != nil {
			return false, err
		}
		inserted = true
	}
	return inserted, rows.Err()
}

func (r *Repos) ListDeviceEvents(ctx context.Context, deviceID int64, limit int) ([]domain.DeviceEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var out []domain.DeviceEvent
	err := sqlx.SelectContext(ctx, r.q, &out, `SELECT id, device_id, event_name, state, pin_state, trigger_reason, power_kw, timestamp
FROM device_events
WHERE device_id = $1
ORDER BY timestamp DESC
LIMIT $2`, deviceID, limit)
	return out, err
}
