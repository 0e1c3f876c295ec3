package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/bus"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/events"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/repository"
)

const (
	lifecycleAckTimeout = 10 * time.Second
	stateAckTimeout     = 4 * time.Second
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrAgentNotFound  = errors.New("raspberry not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrSlotTaken      = errors.New("device slot already in use")
	ErrAgentTimeout   = errors.New("raspberry not responding")
	ErrAgentRejected  = errors.New("raspberry rejected the command")
	ErrBusUnavailable = errors.New("message bus unavailable")
)

// Store is the persistence the services need. *repository.Repos satisfies it
// both on the pool and inside a transaction.
type Store interface {
	AgentForUser(ctx context.Context, agentID, userID int64) (*domain.Agent, error)
	AgentByUUID(ctx context.Context, uuid string) (*domain.Agent, error)

	ListDevicesForUser(ctx context.Context, userID int64) ([]domain.Device, error)
	DeviceForUser(ctx context.Context, deviceID, userID int64) (*domain.Device, error)
	InsertDevice(ctx context.Context, d *domain.Device) error
	UpdateDevice(ctx context.Context, d *domain.Device) error
	SetManualState(ctx context.Context, deviceID, userID int64, on bool) error
	SetDeviceIsOn(ctx context.Context, deviceID, agentID int64, on bool) error
	DeleteDevice(ctx context.Context, deviceID, userID int64) error

	InsertDeviceEvent(ctx context.Context, ev *domain.DeviceEvent) (bool, error)
	ListDeviceEvents(ctx context.Context, deviceID int64, limit int) ([]domain.DeviceEvent, error)
}

// TxFunc runs fn inside one transaction; an error from fn rolls it back.
type TxFunc func(ctx context.Context, fn func(Store) error) error

// Commander delivers a command to an agent and waits for its ack.
type Commander interface {
	SendDeviceCommand(ctx context.Context, agentUUID string, deviceID int64, msg events.Message, timeout time.Duration) (events.Ack, error)
}

// CommandOutcome describes one finished round trip with an agent.
type CommandOutcome struct {
	RequestID string
	DeviceID  int64
	AgentUUID string
	EventType events.EventType
	OK        bool
	Error     string
	Duration  time.Duration
	At        time.Time
}

// Auditor keeps a trail of command outcomes. Failures to record are logged
// and never fail the command.
type Auditor interface {
	RecordCommand(ctx context.Context, o CommandOutcome) error
}

// NoTx runs fn directly on s. Useful where a store has no transactions.
func NoTx(s Store) TxFunc {
	return func(_ context.Context, fn func(Store) error) error { return fn(s) }
}

// commandError maps a failed or negative round trip onto the service errors.
func commandError(agentUUID string, ack events.Ack, err error) error {
	switch {
	case errors.Is(err, bus.ErrAckTimeout):
		return fmt.Errorf("%w: %w", ErrAgentTimeout, err)
	case errors.Is(err, bus.ErrPublishFailed), errors.Is(err, bus.ErrNotConnected):
		return fmt.Errorf("%w: %w", ErrBusUnavailable, err)
	case err != nil:
		return fmt.Errorf("command to raspberry %s: %w", agentUUID, err)
	case !ack.OK:
		if ack.Error != "" {
			return fmt.Errorf("%w: %s", ErrAgentRejected, ack.Error)
		}
		return ErrAgentRejected
	}
	return nil
}

func notFound(err, as error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return as
	}
	return err
}
