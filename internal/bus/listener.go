package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	DefaultConsumerName = "device_communication_listener"

	defaultAckWait    = 10 * time.Second
	defaultMaxDeliver = 5
)

// Inbound is a message delivered to a Handler. EventType and Payload are
// the decoded {event_type, payload} envelope; EventType is empty for
// messages that are JSON objects but not envelopes, such as agent acks.
type Inbound struct {
	Subject   string
	Data      []byte
	EventType string
	Payload   json.RawMessage
	// Published is when the stream stored the message. It is stable across
	// redeliveries.
	Published time.Time
}

// NewInbound decodes data as an envelope. Anything that is not a JSON
// object is rejected.
func NewInbound(subject string, data []byte, published time.Time) (Inbound, error) {
	var env struct {
		EventType string          `json:"event_type"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Inbound{}, fmt.Errorf("decode %s: %w", subject, err)
	}

	return Inbound{
		Subject:   subject,
		Data:      data,
		EventType: env.EventType,
		Payload:   env.Payload,
		Published: published,
	}, nil
}

type Handler interface {
	HandleMessage(ctx context.Context, msg Inbound) error
}

type HandlerFunc func(ctx context.Context, msg Inbound) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg Inbound) error { return f(ctx, msg) }

// ackable is the part of jetstream.Msg the listener relies on.
type ackable interface {
	Subject() string
	Data() []byte
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
}

// Listener is a durable push-style consumer over the device stream. Messages
// are acked only after the handler succeeds; failures are left for the
// server to redeliver once AckWait expires.
type Listener struct {
	conn       *Conn
	stream     string
	durable    string
	filter     string
	ackWait    time.Duration
	maxDeliver int
	log        zerolog.Logger

	mu sync.Mutex
	cc jetstream.ConsumeContext
}

type ListenerOption func(*Listener)

func WithDurable(name string) ListenerOption {
	return func(l *Listener) { l.durable = name }
}

func WithFilterSubject(subject string) ListenerOption {
	return func(l *Listener) { l.filter = subject }
}

func WithAckWait(d time.Duration) ListenerOption {
	return func(l *Listener) { l.ackWait = d }
}

func WithMaxDeliver(n int) ListenerOption {
	return func(l *Listener) { l.maxDeliver = n }
}

func NewListener(conn *Conn, logger zerolog.Logger, opts ...ListenerOption) *Listener {
	l := &Listener{
		conn:       conn,
		stream:     StreamName,
		durable:    DefaultConsumerName,
		filter:     StreamSubjects,
		ackWait:    defaultAckWait,
		maxDeliver: defaultMaxDeliver,
		log:        logger.With().Str("component", "listener").Logger(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Start binds the durable consumer, creating it on first use and bringing
// an existing one in line with the listener's settings, and begins
// delivering messages to h.
func (l *Listener) Start(ctx context.Context, h Handler) error {
	js := l.conn.JetStream()
	if js == nil {
		return fmt.Errorf("start listener: %w", ErrNotConnected)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, l.stream, jetstream.ConsumerConfig{
		Durable:       l.durable,
		FilterSubject: l.filter,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckWait:       l.ackWait,
		MaxDeliver:    l.maxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create or update consumer %s: %w", l.durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		l.handle(ctx, h, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", l.durable, err)
	}

	l.mu.Lock()
	l.cc = cc
	l.mu.Unlock()

	l.log.Info().
		Str("stream", l.stream).
		Str("durable", l.durable).
		Str("filter", l.filter).
		Msg("listener subscribed")

	return nil
}

func (l *Listener) handle(ctx context.Context, h Handler, msg ackable) {
	var published time.Time
	if meta, err := msg.Metadata(); err == nil {
		published = meta.Timestamp.UTC()
	}

	in, err := NewInbound(msg.Subject(), msg.Data(), published)
	if err != nil {
		l.log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to decode message, leaving unacked")
		return
	}

	if err := h.HandleMessage(ctx, in); err != nil {
		l.log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process message, leaving unacked")
		return
	}

	if err := msg.Ack(); err != nil {
		l.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("failed to ack message")
	}
}

// Stop halts delivery. Pending unacked messages are redelivered to the next
// process bound to the same durable.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cc != nil {
		l.cc.Stop()
		l.cc = nil
	}
}
