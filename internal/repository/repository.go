package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/database"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
)

var (
	// ErrNotFound is returned when a lookup scoped to a user matches no row.
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Repos runs queries against either the pool or an open transaction.
type Repos struct {
	q sqlx.ExtContext
}

func New(db *sqlx.DB) *Repos { return &Repos{q: db} }

// WithTx returns a copy bound to tx.
func (r *Repos) WithTx(tx *sqlx.Tx) *Repos { return &Repos{q: tx} }

// Transact runs fn with repositories bound to a single transaction on db.
func Transact(ctx context.Context, db *sqlx.DB, fn func(*Repos) error) error {
	return database.WithTx(ctx, db, func(tx *sqlx.Tx) error {
		return fn(&Repos{q: tx})
	})
}

type userInverterRow struct {
	UserID                  int64               `db:"user_id"`
	Email                   string              `db:"email"`
	HuaweiUsername          sql.NullString      `db:"huawei_username"`
	HuaweiPasswordEncrypted sql.NullString      `db:"huawei_password_encrypted"`
	InstallationID          int64               `db:"installation_id"`
	InstallationName        string              `db:"installation_name"`
	InverterID              int64               `db:"inverter_id"`
	SerialNumber            string              `db:"serial_number"`
	CapacityKW              decimal.NullDecimal `db:"capacity_kw"`
}

const usersWithInvertersQuery = `SELECT u.id AS user_id, u.email, u.huawei_username, u.huawei_password_encrypted,
	i.id AS installation_id, i.name AS installation_name,
	v.id AS inverter_id, v.serial_number, v.capacity_kw
FROM users u
JOIN installations i ON i.user_id = u.id
JOIN inverters v ON v.installation_id = i.id
ORDER BY u.id, i.id, v.id`

// UsersWithInverters loads every user owning at least one inverter, with the
// installation -> inverter graph attached.
func (r *Repos) UsersWithInverters(ctx context.Context) ([]domain.User, error) {
	var rows []userInverterRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, usersWithInvertersQuery); err != nil {
		return nil, err
	}
	return assembleUsers(rows), nil
}

func assembleUsers(rows []userInverterRow) []domain.User {
	var out []domain.User
	for _, row := range rows {
		if len(out) == 0 || out[len(out)-1].ID != row.UserID {
			out = append(out, domain.User{
				ID:                      row.UserID,
				Email:                   row.Email,
				HuaweiUsername:          row.HuaweiUsername,
				HuaweiPasswordEncrypted: row.HuaweiPasswordEncrypted,
			})
		}
		u := &out[len(out)-1]

		if len(u.Installations) == 0 || u.Installations[len(u.Installations)-1].ID != row.InstallationID {
			u.Installations = append(u.Installations, domain.Installation{
				ID:     row.InstallationID,
				UserID: row.UserID,
				Name:   row.InstallationName,
			})
		}
		inst := &u.Installations[len(u.Installations)-1]

		inst.Inverters = append(inst.Inverters, domain.Inverter{
			ID:             row.InverterID,
			InstallationID: row.InstallationID,
			SerialNumber:   row.SerialNumber,
			CapacityKW:     row.CapacityKW,
		})
	}
	return out
}

func (r *Repos) InverterBySerial(ctx context.Context, serial string) (*domain.Inverter, error) {
	var inv domain.Inverter
	err := sqlx.GetContext(ctx, r.q, &inv,
		`SELECT id, installation_id, serial_number, capacity_kw FROM inverters WHERE serial_number = $1`, serial)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// InverterForUser resolves serial only if the inverter sits in one of the
// user's installations.
func (r *Repos) InverterForUser(ctx context.Context, serial string, userID int64) (*domain.Inverter, error) {
	var inv domain.Inverter
	err := sqlx.GetContext(ctx, r.q, &inv, `SELECT v.id, v.installation_id, v.serial_number, v.capacity_kw
FROM inverters v JOIN installations i ON i.id = v.installation_id
WHERE v.serial_number = $1 AND i.user_id = $2`, serial, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *Repos) AgentForUser(ctx context.Context, agentID, userID int64) (*domain.Agent, error) {
	var a domain.Agent
	err := sqlx.GetContext(ctx, r.q, &a,
		`SELECT id, user_id, uuid, name FROM raspberries WHERE id = $1 AND user_id = $2`, agentID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repos) AgentByUUID(ctx context.Context, uuid string) (*domain.Agent, error) {
	var a domain.Agent
	err := sqlx.GetContext(ctx, r.q, &a, `SELECT id, user_id, uuid, name FROM raspberries WHERE uuid = $1`, uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
