package events

import "time"

const CommandSetState = "SET_STATE"

type DeviceCreated struct {
	DeviceID     int64    `json:"device_id"`
	DeviceNumber int      `json:"device_number"`
	Mode         string   `json:"mode"`
	ThresholdKW  *float64 `json:"threshold_kw"`
}

type DeviceUpdated struct {
	DeviceID    int64    `json:"device_id"`
	Mode        string   `json:"mode"`
	ThresholdKW *float64 `json:"threshold_kw"`
}

type DeviceDeleted struct {
	DeviceID int64 `json:"device_id"`
}

type DeviceCommand struct {
	DeviceID int64  `json:"device_id"`
	Command  string `json:"command"`
	IsOn     bool   `json:"is_on"`
}

type InverterStatus string

const (
	StatusUpdated InverterStatus = "updated"
	StatusFailed  InverterStatus = "failed"
)

// InverterReading is the telemetry fan-out payload. ActivePower is nil
// whenever Status is failed.
type InverterReading struct {
	InverterID   int64          `json:"inverter_id"`
	SerialNumber string         `json:"serial_number"`
	ActivePower  *float64       `json:"active_power"`
	Status       InverterStatus `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	ErrorMessage *string        `json:"error_message"`
}

// DeviceState is what an agent reports after switching a relay.
type DeviceState struct {
	DeviceID      int64      `json:"device_id"`
	PinState      bool       `json:"pin_state"`
	TriggerReason string     `json:"trigger_reason,omitempty"`
	PowerKW       *float64   `json:"power_kw,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

// Ack is the agent's reply to a command. A missing ok field decodes as
// false and counts as a rejection.
type Ack struct {
	DeviceID int64  `json:"device_id"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}
