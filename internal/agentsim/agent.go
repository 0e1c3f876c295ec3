// Package agentsim stands in for a Raspberry Pi relay controller during
// local development: it acks every command addressed to its uuid and
// reports relay switches back on the device events subject.
package agentsim

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/events"
)

type Agent struct {
	uuid  string
	nc    *nats.Conn
	log   zerolog.Logger
	delay time.Duration
	now   func() time.Time

	mu       sync.Mutex
	relays   map[int64]bool
	rejected map[int64]bool
	sub      *nats.Subscription
}

type Option func(*Agent)

// WithReplyDelay holds every ack back by d.
func WithReplyDelay(d time.Duration) Option {
	return func(a *Agent) { a.delay = d }
}

// WithRejected makes the agent nack every command for the given devices.
func WithRejected(deviceIDs ...int64) Option {
	return func(a *Agent) {
		for _, id := range deviceIDs {
			a.rejected[id] = true
		}
	}
}

func New(nc *nats.Conn, uuid string, logger zerolog.Logger, opts ...Option) *Agent {
	a := &Agent{
		uuid:     uuid,
		nc:       nc,
		log:      logger.With().Str("component", "agentsim").Str("agent_uuid", uuid).Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		relays:   make(map[int64]bool),
		rejected: make(map[int64]bool),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sub != nil {
		return errors.New("agent already started")
	}

	sub, err := a.nc.Subscribe(events.AgentEventsSubject(a.uuid), a.handle)
	if err != nil {
		return err
	}
	a.sub = sub

	a.log.Info().Str("subject", sub.Subject).Msg("agent listening for commands")
	return a.nc.Flush()
}

func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sub == nil {
		return nil
	}
	err := a.sub.Unsubscribe()
	a.sub = nil
	return err
}

// Relays returns a snapshot of the known devices and their relay state.
func (a *Agent) Relays() map[int64]bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[int64]bool, len(a.relays))
	for id, on := range a.relays {
		out[id] = on
	}
	return out
}

func (a *Agent) handle(msg *nats.Msg) {
	var env events.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		a.log.Warn().Err(err).Msg("dropping undecodable command")
		return
	}

	var target struct {
		DeviceID int64 `json:"device_id"`
	}
	if err := env.Decode(&target); err != nil || target.DeviceID == 0 {
		a.log.Warn().Str("event_type", string(env.EventType)).Msg("command without device_id")
		return
	}

	log := a.log.With().Int64("device_id", target.DeviceID).Str("event_type", string(env.EventType)).Logger()

	ack := events.Ack{DeviceID: target.DeviceID, OK: true}
	switched, on := false, false

	a.mu.Lock()
	switch {
	case a.rejected[target.DeviceID]:
		ack.OK, ack.Error = false, "relay fault"
	case env.EventType == events.DeviceCreatedEvent:
		a.relays[target.DeviceID] = false
	case env.EventType == events.DeviceUpdatedEvent:
	case env.EventType == events.DeviceDeletedEvent:
		delete(a.relays, target.DeviceID)
	case env.EventType == events.DeviceCommandEvent:
		var cmd events.DeviceCommand
		if err := env.Decode(&cmd); err != nil || cmd.Command != events.CommandSetState {
			ack.OK, ack.Error = false, "unsupported command"
			break
		}
		switched = a.relays[cmd.DeviceID] != cmd.IsOn
		on = cmd.IsOn
		a.relays[cmd.DeviceID] = cmd.IsOn
	default:
		ack.OK, ack.Error = false, "unknown event type"
	}
	a.mu.Unlock()

	if a.delay > 0 {
		time.Sleep(a.delay)
	}

	if err := a.publishJSON(events.AgentAckSubject(a.uuid), ack); err != nil {
		log.Error().Err(err).Msg("failed to send ack")
		return
	}
	log.Info().Bool("ok", ack.OK).Msg("command acked")

	if switched {
		a.reportState(log, target.DeviceID, on)
	}
}

func (a *Agent) reportState(log zerolog.Logger, deviceID int64, on bool) {
	t := events.DeviceOffEvent
	if on {
		t = events.DeviceOnEvent
	}

	ts := a.now()
	env, err := events.Build(events.Of(t, events.DeviceState{
		DeviceID:      deviceID,
		PinState:      on,
		TriggerReason: "MANUAL",
		Timestamp:     &ts,
	}))
	if err != nil {
		log.Error().Err(err).Msg("failed to build state event")
		return
	}

	if err := a.publishJSON(events.AgentDeviceEventsSubject(a.uuid), env); err != nil {
		log.Error().Err(err).Msg("failed to report relay state")
	}
}

func (a *Agent) publishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.nc.Publish(subject, data)
}
