package domain

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type DeviceMode string

const (
	ModeManual   DeviceMode = "MANUAL"
	ModeAuto     DeviceMode = "AUTO"
	ModeSchedule DeviceMode = "SCHEDULE"
)

func (m DeviceMode) Valid() bool {
	switch m {
	case ModeManual, ModeAuto, ModeSchedule:
		return true
	}
	return false
}

type User struct {
	ID                      int64          `db:"id" json:"id"`
	Email                   string         `db:"email" json:"email"`
	HuaweiUsername          sql.NullString `db:"huawei_username" json:"-"`
	HuaweiPasswordEncrypted sql.NullString `db:"huawei_password_encrypted" json:"-"`
	Installations           []Installation `db:"-" json:"installations,omitempty"`
}

// HasUpstreamCredentials reports whether both halves of the vendor login are present.
func (u User) HasUpstreamCredentials() bool {
	return u.HuaweiUsername.Valid && u.HuaweiUsername.String != "" &&
		u.HuaweiPasswordEncrypted.Valid && u.HuaweiPasswordEncrypted.String != ""
}

type Installation struct {
	ID        int64      `db:"id" json:"id"`
	UserID    int64      `db:"user_id" json:"user_id"`
	Name      string     `db:"name" json:"name"`
	Inverters []Inverter `db:"-" json:"inverters,omitempty"`
}

type Inverter struct {
	ID             int64               `db:"id" json:"id"`
	InstallationID int64               `db:"installation_id" json:"installation_id"`
	SerialNumber   string              `db:"serial_number" json:"serial_number"`
	CapacityKW     decimal.NullDecimal `db:"capacity_kw" json:"capacity_kw"`
}

// Agent is the edge controller (a Raspberry Pi) that owns relay devices.
type Agent struct {
	ID     int64  `db:"id" json:"id"`
	UserID int64  `db:"user_id" json:"user_id"`
	UUID   string `db:"uuid" json:"uuid"`
	Name   string `db:"name" json:"name"`
}

type Device struct {
	ID           int64               `db:"id" json:"id"`
	UserID       int64               `db:"user_id" json:"user_id"`
	AgentID      int64               `db:"raspberry_id" json:"raspberry_id"`
	AgentUUID    string              `db:"raspberry_uuid" json:"-"`
	DeviceNumber int                 `db:"device_number" json:"device_number"`
	Name         string              `db:"name" json:"name"`
	Mode         DeviceMode          `db:"mode" json:"mode"`
	IsOn         bool                `db:"is_on" json:"is_on"`
	ManualState  sql.NullBool        `db:"manual_state" json:"-"`
	ThresholdKW  decimal.NullDecimal `db:"threshold_kw" json:"threshold_kw"`
	HysteresisKW decimal.NullDecimal `db:"hysteresis_kw" json:"hysteresis_kw"`
	Schedule     NullRawJSON         `db:"schedule" json:"schedule,omitempty"`
	LastUpdate   time.Time           `db:"last_update" json:"last_update"`
}

// PowerReading is one row of the append-only production series. A null
// ActivePower means the vendor fetch failed and the value is unknown.
type PowerReading struct {
	ID          int64               `db:"id" json:"id"`
	InverterID  int64               `db:"inverter_id" json:"inverter_id"`
	ActivePower decimal.NullDecimal `db:"active_power" json:"active_power"`
	Timestamp   time.Time           `db:"timestamp" json:"timestamp"`
}

type DeviceEvent struct {
	ID            int64               `db:"id" json:"id"`
	DeviceID      int64               `db:"device_id" json:"device_id"`
	EventName     string              `db:"event_name" json:"event_name"`
	State         string              `db:"state" json:"state"`
	PinState      bool                `db:"pin_state" json:"pin_state"`
	TriggerReason sql.NullString      `db:"trigger_reason" json:"trigger_reason"`
	PowerKW       decimal.NullDecimal `db:"power_kw" json:"power_kw"`
	Timestamp     time.Time           `db:"timestamp" json:"timestamp"`
}

// NullRawJSON carries an optional JSONB column.
type NullRawJSON struct {
	JSON  json.RawMessage
	Valid bool
}

func (n *NullRawJSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		n.JSON, n.Valid = nil, false
	case []byte:
		n.JSON, n.Valid = append(json.RawMessage(nil), v...), true
	case string:
		n.JSON, n.Valid = json.RawMessage(v), true
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		n.JSON, n.Valid = b, true
	}
	return nil
}

func (n NullRawJSON) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return []byte(n.JSON), nil
}

func (n NullRawJSON) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return n.JSON, nil
}

func (n *NullRawJSON) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		n.JSON, n.Valid = nil, false
		return nil
	}
	n.JSON, n.Valid = append(json.RawMessage(nil), b...), true
	return nil
}
