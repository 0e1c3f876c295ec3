package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/bus"
)

// Transport is satisfied by *bus.Publisher.
type Transport interface {
	Publish(ctx context.Context, subject string, payload any) (*jetstream.PubAck, error)
	PublishAndWaitForAck(ctx context.Context, subject, ackSubject string, message any, match bus.Correlation, timeout time.Duration) (bus.Reply, error)
}

// Dispatcher is the single entry point for emitting domain events. Messages
// that do not build into a valid envelope never reach the transport.
type Dispatcher struct {
	transport Transport
	log       zerolog.Logger
}

func NewDispatcher(t Transport, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		transport: t,
		log:       logger.With().Str("component", "dispatcher").Logger(),
	}
}

func (d *Dispatcher) Publish(ctx context.Context, subject string, msg Message) (*jetstream.PubAck, error) {
	env, err := Build(msg)
	if err != nil {
		return nil, err
	}

	d.log.Debug().Str("subject", subject).Str("event_type", string(env.EventType)).Msg("dispatching event")

	return d.transport.Publish(ctx, subject, env)
}

// PublishAndWaitForAck sends msg and returns the first ack that matches.
// Transport and timeout errors pass through unchanged.
func (d *Dispatcher) PublishAndWaitForAck(
	ctx context.Context,
	subject, ackSubject string,
	msg Message,
	match bus.Correlation,
	timeout time.Duration,
) (Ack, error) {
	env, err := Build(msg)
	if err != nil {
		return Ack{}, err
	}

	d.log.Debug().
		Str("subject", subject).
		Str("ack_subject", ackSubject).
		Str("event_type", string(env.EventType)).
		Msg("dispatching command")

	reply, err := d.transport.PublishAndWaitForAck(ctx, subject, ackSubject, env, match, timeout)
	if err != nil {
		return Ack{}, err
	}

	var ack Ack
	if err := reply.Decode(&ack); err != nil {
		return Ack{}, fmt.Errorf("decode ack on %s: %w", reply.Subject, err)
	}

	return ack, nil
}

// SendDeviceCommand routes msg to the agent's command subject and waits
// for the ack carrying deviceID.
func (d *Dispatcher) SendDeviceCommand(ctx context.Context, agentUUID string, deviceID int64, msg Message, timeout time.Duration) (Ack, error) {
	return d.PublishAndWaitForAck(ctx,
		AgentEventsSubject(agentUUID),
		AgentAckSubject(agentUUID),
		msg,
		bus.CorrelateBy("device_id", deviceID),
		timeout,
	)
}

// PublishReading fans out an inverter telemetry event. No ack is expected.
func (d *Dispatcher) PublishReading(ctx context.Context, r InverterReading) error {
	_, err := d.Publish(ctx, InverterProductionSubject(r.SerialNumber), Of(PowerReadingEvent, r))
	return err
}
