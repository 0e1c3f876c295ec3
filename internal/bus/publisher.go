package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	defaultRetries        = 3
	defaultBackoff        = 500 * time.Millisecond
	defaultPublishTimeout = 5 * time.Second
)

var (
	ErrPublishFailed = errors.New("nats publish failed")
	ErrAckTimeout    = errors.New("timeout waiting for ack")
)

// PublishError is returned once every publish attempt for a subject failed.
type PublishError struct {
	Subject  string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed after %d attempts: %v", e.Subject, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func (e *PublishError) Is(target error) bool { return target == ErrPublishFailed }

// Reply is a message received on an ack subject.
type Reply struct {
	Subject string
	Data    []byte
}

func (r Reply) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

type Publisher struct {
	conn           *Conn
	retries        int
	backoff        time.Duration
	publishTimeout time.Duration
	log            zerolog.Logger

	publishFn func(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error)
	sleep     func(ctx context.Context, d time.Duration) error
}

type PublisherOption func(*Publisher)

// WithRetries sets how many times Publish tries before giving up.
func WithRetries(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.retries = n
		}
	}
}

// WithBackoff sets the base delay; attempt n waits n*base before the next try.
func WithBackoff(base time.Duration) PublisherOption {
	return func(p *Publisher) { p.backoff = base }
}

func NewPublisher(conn *Conn, logger zerolog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		conn:           conn,
		retries:        defaultRetries,
		backoff:        defaultBackoff,
		publishTimeout: defaultPublishTimeout,
		log:            logger.With().Str("component", "publisher").Logger(),
		sleep:          sleepContext,
	}
	p.publishFn = p.publishJetStream

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Publish JSON-encodes payload and publishes it to the stream, retrying
// transport failures with linear backoff.
func (p *Publisher) Publish(ctx context.Context, subject string, payload any) (*jetstream.PubAck, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %s: %w", subject, err)
	}

	var lastErr error

	for attempt := 1; attempt <= p.retries; attempt++ {
		ack, err := p.publishFn(ctx, subject, data)
		if err == nil {
			p.log.Info().Str("subject", subject).Uint64("seq", ack.Sequence).Msg("published")
			return ack, nil
		}

		lastErr = err
		p.log.Error().Err(err).
			Str("subject", subject).
			Int("attempt", attempt).
			Int("retries", p.retries).
			Msg("publish failed")

		if attempt == p.retries {
			break
		}

		if err := p.sleep(ctx, p.backoff*time.Duration(attempt)); err != nil {
			return nil, &PublishError{Subject: subject, Attempts: attempt, Err: err}
		}
	}

	return nil, &PublishError{Subject: subject, Attempts: p.retries, Err: lastErr}
}

func (p *Publisher) publishJetStream(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error) {
	if err := p.conn.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	js := p.conn.JetStream()
	if js == nil {
		return nil, ErrNotConnected
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	return js.Publish(pubCtx, subject, data)
}

// PublishAndWaitForAck publishes message to subject and blocks until a reply
// on ackSubject satisfies match, or timeout elapses. The ack subscription is
// created before publishing and released on every return path. Only the first
// matching reply is returned; nothing is retried here.
func (p *Publisher) PublishAndWaitForAck(
	ctx context.Context,
	subject, ackSubject string,
	message any,
	match Correlation,
	timeout time.Duration,
) (Reply, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return Reply{}, fmt.Errorf("encode message for %s: %w", subject, err)
	}

	if err := p.conn.EnsureConnected(ctx); err != nil {
		return Reply{}, err
	}

	nc := p.conn.NATS()
	if nc == nil {
		return Reply{}, ErrNotConnected
	}

	replies := make(chan Reply, 1)

	sub, err := nc.Subscribe(ackSubject, func(msg *nats.Msg) {
		if !match.Matches(msg.Data) {
			p.log.Debug().Str("subject", msg.Subject).Msg("ignoring uncorrelated ack")
			return
		}

		select {
		case replies <- Reply{Subject: msg.Subject, Data: msg.Data}:
		default:
		}
	})
	if err != nil {
		return Reply{}, fmt.Errorf("subscribe %s: %w", ackSubject, err)
	}

	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			p.log.Warn().Err(err).Str("subject", ackSubject).Msg("failed to release ack subscription")
		}
	}()

	// the deadline covers the publish as well as the wait for the ack
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := p.publishFn(waitCtx, subject, data); err != nil {
		if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return Reply{}, fmt.Errorf("%w on %s after %s: publish did not complete", ErrAckTimeout, ackSubject, timeout)
		}
		return Reply{}, &PublishError{Subject: subject, Attempts: 1, Err: err}
	}

	select {
	case reply := <-replies:
		p.log.Info().Str("subject", subject).Str("ack_subject", ackSubject).Msg("ack received")
		return reply, nil
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return Reply{}, err
		}
		return Reply{}, fmt.Errorf("%w on %s after %s", ErrAckTimeout, ackSubject, timeout)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
