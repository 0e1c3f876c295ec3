package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/worker"
)

func newMockRepos(t *testing.T) (*Repos, sqlmock.Sqlmock) {
	t.Helper()

	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	return New(sqlx.NewDb(raw, "pgx")), mock
}

func TestLatestPowerReadingEmptySeries(t *testing.T) {
	repos, mock := newMockRepos(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM inverter_power_records")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "inverter_id", "active_power", "timestamp"}))

	rd, err := repos.LatestPowerReading(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, rd)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestPowerReadingNullValue(t *testing.T) {
	repos, mock := newMockRepos(t)
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY timestamp DESC, id DESC")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "inverter_id", "active_power", "timestamp"}).
			AddRow(int64(3), int64(7), nil, ts))

	rd, err := repos.LatestPowerReading(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, rd)
	assert.False(t, rd.ActivePower.Valid)
	assert.Equal(t, ts, rd.Timestamp)
}

func TestInsertPowerReading(t *testing.T) {
	repos, mock := newMockRepos(t)
	ts := time.Date(2025, 6, 1, 12, 3, 0, 0, time.UTC)
	value := decimal.NewNullDecimal(decimal.RequireFromString("7.20"))

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO inverter_power_records")).
		WithArgs(int64(7), sqlmock.AnyArg(), ts).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	rd, err := repos.InsertPowerReading(context.Background(), 7, value, ts)
	require.NoError(t, err)
	assert.Equal(t, int64(11), rd.ID)
	assert.True(t, rd.ActivePower.Decimal.Equal(decimal.RequireFromString("7.2")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssembleUsersGroupsGraph(t *testing.T) {
	creds := sql.NullString{String: "x", Valid: true}
	rows := []userInverterRow{
		{UserID: 1, Email: "a@x", HuaweiUsername: creds, HuaweiPasswordEncrypted: creds, InstallationID: 10, InstallationName: "roof", InverterID: 100, SerialNumber: "S100"},
		{UserID: 1, Email: "a@x", HuaweiUsername: creds, HuaweiPasswordEncrypted: creds, InstallationID: 10, InstallationName: "roof", InverterID: 101, SerialNumber: "S101"},
		{UserID: 1, Email: "a@x", HuaweiUsername: creds, HuaweiPasswordEncrypted: creds, InstallationID: 11, InstallationName: "barn", InverterID: 102, SerialNumber: "S102"},
		{UserID: 2, Email: "b@x", InstallationID: 20, InstallationName: "home", InverterID: 200, SerialNumber: "S200"},
	}

	users := assembleUsers(rows)

	require.Len(t, users, 2)
	require.Len(t, users[0].Installations, 2)
	assert.Len(t, users[0].Installations[0].Inverters, 2)
	assert.Equal(t, "S102", users[0].Installations[1].Inverters[0].SerialNumber)
	assert.True(t, users[0].HasUpstreamCredentials())
	assert.False(t, users[1].HasUpstreamCredentials())
}

func TestInsertDeviceEventIgnoresDuplicates(t *testing.T) {
	repos, mock := newMockRepos(t)
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (device_id, timestamp, pin_state) DO NOTHING")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	inserted, err := repos.InsertDeviceEvent(context.Background(), &domain.DeviceEvent{
		DeviceID: 4, State: "ON", PinState: true, Timestamp: ts,
	})
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestDeleteDeviceNotFound(t *testing.T) {
	repos, mock := newMockRepos(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM devices")).
		WithArgs(int64(4), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repos.DeleteDevice(context.Background(), 4, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInsertDeviceSlotTaken(t *testing.T) {
	repos, mock := newMockRepos(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO devices")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "devices_raspberry_id_device_number_key"})

	err := repos.InsertDevice(context.Background(), &domain.Device{UserID: 1, AgentID: 2, DeviceNumber: 1, Name: "boiler", Mode: domain.ModeManual})
	require.ErrorIs(t, err, ErrConflict)
}

func TestSetDeviceIsOnScopedToAgent(t *testing.T) {
	repos, mock := newMockRepos(t)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $2 AND raspberry_id = $3")).
		WithArgs(true, int64(4), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repos.SetDeviceIsOn(context.Background(), 4, 9, true)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInverterForUserScopesByOwner(t *testing.T) {
	repos, mock := newMockRepos(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE v.serial_number = $1 AND i.user_id = $2")).
		WithArgs("SN1", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "installation_id", "serial_number", "capacity_kw"}))

	_, err := repos.InverterForUser(context.Background(), "SN1", 2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransactRollsBackOnError(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, "pgx")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE devices SET is_on")).
		WithArgs(false, int64(4), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = Transact(context.Background(), db, func(r *Repos) error {
		return r.SetDeviceIsOn(context.Background(), 4, 9, false)
	})
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorderTransactionLocksInverter(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, "pgx")
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM inverter_power_records")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "inverter_id", "active_power", "timestamp"}))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO inverter_power_records")).
		WithArgs(int64(7), sqlmock.AnyArg(), ts).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	recorder := worker.NewRecorder(New(db), worker.WithTransactions(func(ctx context.Context, fn func(worker.ReadingStore) error) error {
		return Transact(ctx, db, func(r *Repos) error { return fn(r) })
	}))

	_, change, err := recorder.RecordValue(context.Background(), 7, decimal.NewFromFloat(2.5), ts)
	require.NoError(t, err)
	assert.Equal(t, worker.FirstReading, change)
	require.NoError(t, mock.ExpectationsWereMet())
}
