package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/events"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/repository"
)

type CreateDeviceInput struct {
	AgentID      int64             `json:"raspberry_id"`
	DeviceNumber int               `json:"device_number"`
	Name         string            `json:"name"`
	Mode         domain.DeviceMode `json:"mode"`
	ThresholdKW  *decimal.Decimal  `json:"threshold_kw"`
	HysteresisKW *decimal.Decimal  `json:"hysteresis_kw"`
	Schedule     json.RawMessage   `json:"schedule"`
}

func (in *CreateDeviceInput) Validate() error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Mode == "" {
		in.Mode = domain.ModeManual
	}

	switch {
	case in.AgentID <= 0:
		return fmt.Errorf("%w: raspberry_id is required", ErrInvalidInput)
	case in.DeviceNumber < 1 || in.DeviceNumber > 3:
		return fmt.Errorf("%w: device_number must be between 1 and 3", ErrInvalidInput)
	case in.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	return validateConfig(in.Mode, in.ThresholdKW, in.HysteresisKW, in.Schedule)
}

// UpdateDeviceInput carries a partial update; nil fields are left as they are.
type UpdateDeviceInput struct {
	Name         *string            `json:"name"`
	Mode         *domain.DeviceMode `json:"mode"`
	ThresholdKW  *decimal.Decimal   `json:"threshold_kw"`
	HysteresisKW *decimal.Decimal   `json:"hysteresis_kw"`
	Schedule     json.RawMessage    `json:"schedule"`
}

func (in UpdateDeviceInput) apply(d *domain.Device) error {
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return fmt.Errorf("%w: name must not be empty", ErrInvalidInput)
		}
		d.Name = name
	}
	if in.Mode != nil {
		d.Mode = *in.Mode
	}
	if in.ThresholdKW != nil {
		d.ThresholdKW = decimal.NewNullDecimal(*in.ThresholdKW)
	}
	if in.HysteresisKW != nil {
		d.HysteresisKW = decimal.NewNullDecimal(*in.HysteresisKW)
	}
	if len(in.Schedule) > 0 {
		if err := d.Schedule.UnmarshalJSON(in.Schedule); err != nil {
			return err
		}
	}

	return validateConfig(d.Mode, nullable(d.ThresholdKW), nullable(d.HysteresisKW), d.Schedule.JSON)
}

func validateConfig(mode domain.DeviceMode, threshold, hysteresis *decimal.Decimal, schedule json.RawMessage) error {
	switch {
	case !mode.Valid():
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, mode)
	case mode == domain.ModeAuto && threshold == nil:
		return fmt.Errorf("%w: AUTO mode needs threshold_kw", ErrInvalidInput)
	case threshold != nil && threshold.IsNegative():
		return fmt.Errorf("%w: threshold_kw must not be negative", ErrInvalidInput)
	case hysteresis != nil && hysteresis.IsNegative():
		return fmt.Errorf("%w: hysteresis_kw must not be negative", ErrInvalidInput)
	case len(schedule) > 0 && string(schedule) != "null" && !json.Valid(schedule):
		return fmt.Errorf("%w: schedule is not valid JSON", ErrInvalidInput)
	}
	return nil
}

func nullable(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	return &d.Decimal
}

func thresholdFloat(d decimal.NullDecimal) *float64 {
	if !d.Valid {
		return nil
	}
	f := d.Decimal.InexactFloat64()
	return &f
}

// DeviceService performs device lifecycle changes as ack-gated round trips
// with the owning agent. No change is kept unless the agent acknowledged it.
type DeviceService struct {
	store    Store
	inTx     TxFunc
	commands Commander
	auditor  Auditor
	log      zerolog.Logger
}

type DeviceServiceOption func(*DeviceService)

// WithAuditor records the outcome of every round trip, acked or not.
func WithAuditor(a Auditor) DeviceServiceOption {
	return func(s *DeviceService) { s.auditor = a }
}

func NewDeviceService(store Store, inTx TxFunc, commands Commander, logger zerolog.Logger, opts ...DeviceServiceOption) *DeviceService {
	s := &DeviceService{
		store:    store,
		inTx:     inTx,
		commands: commands,
		log:      logger.With().Str("component", "device_service").Logger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *DeviceService) List(ctx context.Context, userID int64) ([]domain.Device, error) {
	return s.store.ListDevicesForUser(ctx, userID)
}

func (s *DeviceService) Get(ctx context.Context, userID, deviceID int64) (*domain.Device, error) {
	d, err := s.store.DeviceForUser(ctx, deviceID, userID)
	if err != nil {
		return nil, notFound(err, ErrDeviceNotFound)
	}
	return d, nil
}

func (s *DeviceService) Events(ctx context.Context, userID, deviceID int64, limit int) ([]domain.DeviceEvent, error) {
	if _, err := s.Get(ctx, userID, deviceID); err != nil {
		return nil, err
	}
	return s.store.ListDeviceEvents(ctx, deviceID, limit)
}

// Create inserts the device and announces it to its agent inside one
// transaction, so the row only survives a positive ack.
func (s *DeviceService) Create(ctx context.Context, userID int64, in CreateDeviceInput) (*domain.Device, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	agent, err := s.store.AgentForUser(ctx, in.AgentID, userID)
	if err != nil {
		return nil, notFound(err, ErrAgentNotFound)
	}

	d := &domain.Device{
		UserID:       userID,
		AgentID:      agent.ID,
		AgentUUID:    agent.UUID,
		DeviceNumber: in.DeviceNumber,
		Name:         in.Name,
		Mode:         in.Mode,
	}
	if in.ThresholdKW != nil {
		d.ThresholdKW = decimal.NewNullDecimal(*in.ThresholdKW)
	}
	if in.HysteresisKW != nil {
		d.HysteresisKW = decimal.NewNullDecimal(*in.HysteresisKW)
	}
	if len(in.Schedule) > 0 {
		_ = d.Schedule.UnmarshalJSON(in.Schedule)
	}

	err = s.inTx(ctx, func(tx Store) error {
		if err := tx.InsertDevice(ctx, d); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return fmt.Errorf("%w: %w", ErrSlotTaken, err)
			}
			return fmt.Errorf("insert device: %w", err)
		}

		return s.roundTrip(ctx, d, events.DeviceCreatedEvent, events.DeviceCreated{
			DeviceID:     d.ID,
			DeviceNumber: d.DeviceNumber,
			Mode:         string(d.Mode),
			ThresholdKW:  thresholdFloat(d.ThresholdKW),
		}, lifecycleAckTimeout)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Int64("device_id", d.ID).Str("raspberry", agent.UUID).Msg("device created")

	return d, nil
}

// Update is provisional until acked: the row is changed in a transaction
// that is rolled back on timeout or a negative ack.
func (s *DeviceService) Update(ctx context.Context, userID, deviceID int64, in UpdateDeviceInput) (*domain.Device, error) {
	var updated *domain.Device

	err := s.inTx(ctx, func(tx Store) error {
		d, err := tx.DeviceForUser(ctx, deviceID, userID)
		if err != nil {
			return notFound(err, ErrDeviceNotFound)
		}

		if err := in.apply(d); err != nil {
			return err
		}

		if err := tx.UpdateDevice(ctx, d); err != nil {
			return notFound(err, ErrDeviceNotFound)
		}

		if err := s.roundTrip(ctx, d, events.DeviceUpdatedEvent, events.DeviceUpdated{
			DeviceID:    d.ID,
			Mode:        string(d.Mode),
			ThresholdKW: thresholdFloat(d.ThresholdKW),
		}, lifecycleAckTimeout); err != nil {
			return err
		}

		updated = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Int64("device_id", deviceID).Msg("device updated")

	return updated, nil
}

// Delete removes the row only after the agent acknowledged the deletion.
func (s *DeviceService) Delete(ctx context.Context, userID, deviceID int64) error {
	d, err := s.Get(ctx, userID, deviceID)
	if err != nil {
		return err
	}

	if err := s.roundTrip(ctx, d, events.DeviceDeletedEvent, events.DeviceDeleted{DeviceID: d.ID}, lifecycleAckTimeout); err != nil {
		return err
	}

	if err := s.store.DeleteDevice(ctx, d.ID, userID); err != nil {
		return notFound(err, ErrDeviceNotFound)
	}

	s.log.Info().Int64("device_id", deviceID).Msg("device deleted")

	return nil
}

// SetState switches the relay manually. State is written only after the
// agent confirmed the switch.
func (s *DeviceService) SetState(ctx context.Context, userID, deviceID int64, on bool) (*domain.Device, error) {
	d, err := s.Get(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	if err := s.roundTrip(ctx, d, events.DeviceCommandEvent, events.DeviceCommand{
		DeviceID: d.ID,
		Command:  events.CommandSetState,
		IsOn:     on,
	}, stateAckTimeout); err != nil {
		return nil, err
	}

	if err := s.store.SetManualState(ctx, d.ID, userID, on); err != nil {
		return nil, notFound(err, ErrDeviceNotFound)
	}

	d.IsOn = on
	d.ManualState.Bool, d.ManualState.Valid = on, true

	return d, nil
}

func (s *DeviceService) roundTrip(ctx context.Context, d *domain.Device, t events.EventType, payload any, timeout time.Duration) error {
	start := time.Now()
	ack, err := s.commands.SendDeviceCommand(ctx, d.AgentUUID, d.ID, events.Of(t, payload), timeout)
	err = commandError(d.AgentUUID, ack, err)

	s.audit(ctx, CommandOutcome{
		RequestID: uuid.NewString(),
		DeviceID:  d.ID,
		AgentUUID: d.AgentUUID,
		EventType: t,
		OK:        err == nil,
		Error:     errorText(err),
		Duration:  time.Since(start),
		At:        start.UTC(),
	})

	if err != nil {
		s.log.Warn().Err(err).Int64("device_id", d.ID).Str("raspberry", d.AgentUUID).Msg("device command failed")
		return err
	}
	return nil
}

func (s *DeviceService) audit(ctx context.Context, o CommandOutcome) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.RecordCommand(ctx, o); err != nil {
		s.log.Warn().Err(err).Int64("device_id", o.DeviceID).Msg("failed to record command outcome")
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
