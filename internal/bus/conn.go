package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// StreamName is the durable log covering all device traffic.
	StreamName     = "device_communication"
	StreamSubjects = "device_communication.>"

	clientName  = "smartenergy-backend"
	pingTimeout = time.Second
)

var ErrNotConnected = errors.New("nats: not connected")

// Conn owns the process-wide NATS connection and its JetStream handle.
// Dead sockets are replaced transparently by EnsureConnected.
type Conn struct {
	url  string
	opts []nats.Option
	log  zerolog.Logger

	mu sync.Mutex
	nc *nats.Conn
	js jetstream.JetStream

	connectFn func() (*nats.Conn, error)
}

func NewConn(url string, logger zerolog.Logger, extra ...nats.Option) *Conn {
	c := &Conn{
		url: url,
		log: logger.With().Str("component", "nats").Logger(),
	}

	c.opts = append([]nats.Option{
		nats.Name(clientName),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.log.Debug().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(c.refresh),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.log.Error().Err(err).Msg("NATS client error")
		}),
	}, extra...)

	c.connectFn = func() (*nats.Conn, error) { return nats.Connect(c.url, c.opts...) }

	return c
}

// Connect dials the server unless a live connection already exists.
func (c *Conn) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked()
}

func (c *Conn) connectLocked() error {
	if c.nc != nil && c.nc.IsConnected() {
		return nil
	}

	if c.nc != nil {
		c.nc.Close()
		c.nc, c.js = nil, nil
	}

	nc, err := c.connectFn()
	if err != nil {
		c.log.Error().Err(err).Str("url", c.url).Msg("NATS connection failed")
		return fmt.Errorf("connect to %s: %w", c.url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("create jetstream context: %w", err)
	}

	c.nc, c.js = nc, js
	c.log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS + JetStream")

	return nil
}

// EnsureConnected checks a live connection with a flush round trip and
// reconnects when the check fails. Only the reconnect error is returned.
func (c *Conn) EnsureConnected(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc == nil || !c.nc.IsConnected() {
		return c.connectLocked()
	}

	if err := c.nc.FlushTimeout(pingTimeout); err != nil {
		c.log.Warn().Err(err).Msg("NATS socket dead, reconnecting")
		c.nc.Close()
		c.nc, c.js = nil, nil

		return c.connectLocked()
	}

	return nil
}

// refresh rebuilds the JetStream handle after the client library reconnects.
func (c *Conn) refresh(nc *nats.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc != nc {
		return
	}

	js, err := jetstream.New(nc)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to refresh JetStream context after reconnect")
		return
	}

	c.js = js
	c.log.Warn().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected, JetStream context refreshed")
}

// Close drains and closes the connection. Closing an unconnected Conn is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	nc := c.nc
	c.nc, c.js = nil, nil
	c.mu.Unlock()

	if nc == nil {
		return nil
	}

	if err := nc.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("failed to drain NATS connection")
		nc.Close()
	}

	c.log.Info().Msg("NATS connection closed")

	return nil
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.nc != nil && c.nc.IsConnected()
}

func (c *Conn) NATS() *nats.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.nc
}

func (c *Conn) JetStream() jetstream.JetStream {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.js
}

// EnsureStream creates the device_communication stream when it is missing.
func (c *Conn) EnsureStream(ctx context.Context) error {
	js := c.JetStream()
	if js == nil {
		return ErrNotConnected
	}

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		c.log.Debug().Str("stream", StreamName).Msg("stream already exists")
		return nil
	}

	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %s: %w", StreamName, err)
	}

	c.log.Warn().Str("stream", StreamName).Msg("stream missing, creating")

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{StreamSubjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}

	c.log.Info().Str("stream", StreamName).Msg("stream created")

	return nil
}
