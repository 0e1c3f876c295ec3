package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/bus"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/events"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/repository"
)

const deviceEventsKind = "device_events"

// AgentEventHandler consumes what agents report on the device stream.
// Relay state changes are persisted; everything else is accepted as is.
// Returning an error leaves the message unacked for redelivery, so only
// transient failures do that. Messages that can never succeed are logged
// and acked.
type AgentEventHandler struct {
	store Store
	inTx  TxFunc
	log   zerolog.Logger
	now   func() time.Time
}

func NewAgentEventHandler(store Store, inTx TxFunc, logger zerolog.Logger) *AgentEventHandler {
	return &AgentEventHandler{
		store: store,
		inTx:  inTx,
		log:   logger.With().Str("component", "agent_events").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

var _ bus.Handler = (*AgentEventHandler)(nil)

func (h *AgentEventHandler) HandleMessage(ctx context.Context, msg bus.Inbound) error {
	agentUUID, kind, ok := events.ParseAgentSubject(msg.Subject)
	if !ok || kind != deviceEventsKind {
		h.log.Debug().Str("subject", msg.Subject).Msg("received")
		return nil
	}

	log := h.log.With().Str("subject", msg.Subject).Str("raspberry", agentUUID).Logger()

	if msg.EventType == "" {
		log.Warn().Msg("dropping message without envelope")
		return nil
	}
	env := events.Envelope{EventType: events.EventType(msg.EventType), Payload: msg.Payload}

	switch env.EventType {
	case events.DeviceOnEvent, events.DeviceOffEvent, events.GPIOChangeEvent,
		events.AutoTriggerEvent, events.ScheduleTriggerEvent, events.ManualTriggerEvent:
		return h.recordState(ctx, log, agentUUID, env, h.reportedAt(msg))
	case events.ErrorEvent:
		log.Warn().RawJSON("payload", env.Payload).Msg("raspberry reported an error")
		return nil
	default:
		log.Debug().Str("event_type", string(env.EventType)).Msg("ignoring event")
		return nil
	}
}

// reportedAt stamps reports that carry no timestamp of their own. The stream
// time is used when known so a redelivered report maps onto the same row.
func (h *AgentEventHandler) reportedAt(msg bus.Inbound) time.Time {
	if !msg.Published.IsZero() {
		return msg.Published.UTC()
	}
	return h.now()
}

func (h *AgentEventHandler) recordState(ctx context.Context, log zerolog.Logger, agentUUID string, env events.Envelope, reportedAt time.Time) error {
	if _, err := uuid.Parse(agentUUID); err != nil {
		log.Warn().Msg("dropping event from malformed raspberry id")
		return nil
	}

	var st events.DeviceState
	if err := env.Decode(&st); err != nil || st.DeviceID == 0 {
		log.Warn().Err(err).Str("event_type", string(env.EventType)).Msg("dropping event with invalid payload")
		return nil
	}

	agent, err := h.store.AgentByUUID(ctx, agentUUID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn().Msg("dropping event from unknown raspberry")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup raspberry %s: %w", agentUUID, err)
	}

	ev := deviceEvent(env.EventType, st, reportedAt)

	err = h.inTx(ctx, func(tx Store) error {
		if err := tx.SetDeviceIsOn(ctx, st.DeviceID, agent.ID, ev.PinState); err != nil {
			return err
		}
		_, err := tx.InsertDeviceEvent(ctx, ev)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn().Int64("device_id", st.DeviceID).Msg("dropping event for device not owned by raspberry")
		return nil
	}
	if err != nil {
		return fmt.Errorf("record state of device %d: %w", st.DeviceID, err)
	}

	log.Info().Int64("device_id", st.DeviceID).Str("state", ev.State).Str("event_type", ev.EventName).Msg("device state recorded")

	return nil
}

func deviceEvent(t events.EventType, st events.DeviceState, now time.Time) *domain.DeviceEvent {
	on := st.PinState
	switch t {
	case events.DeviceOnEvent:
		on = true
	case events.DeviceOffEvent:
		on = false
	}

	ev := &domain.DeviceEvent{
		DeviceID:  st.DeviceID,
		EventName: string(t),
		State:     "OFF",
		PinState:  on,
		Timestamp: now,
	}
	if on {
		ev.State = "ON"
	}
	if st.Timestamp != nil {
		ev.Timestamp = st.Timestamp.UTC()
	}
	if st.TriggerReason != "" {
		ev.TriggerReason.String, ev.TriggerReason.Valid = st.TriggerReason, true
	}
	if st.PowerKW != nil {
		ev.PowerKW = decimal.NewNullDecimal(decimal.NewFromFloat(*st.PowerKW).Round(2))
	}

	return ev
}
