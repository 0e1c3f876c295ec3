package agentsim

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/bus"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/events"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}
	t.Cleanup(srv.Shutdown)

	require.Eventually(t, srv.JetStreamEnabled, 5*time.Second, 50*time.Millisecond)

	return srv
}

// dispatcherFor wires the backend side of the round trip against srv.
func dispatcherFor(t *testing.T, srv *server.Server) *events.Dispatcher {
	t.Helper()

	ctx := context.Background()
	conn := bus.NewConn(srv.ClientURL(), zerolog.Nop())
	require.NoError(t, conn.Connect(ctx))
	require.NoError(t, conn.EnsureStream(ctx))
	t.Cleanup(func() { _ = conn.Close() })

	return events.NewDispatcher(bus.NewPublisher(conn, zerolog.Nop()), zerolog.Nop())
}

func startAgent(t *testing.T, srv *server.Server, id string, opts ...Option) *Agent {
	t.Helper()

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	a := New(nc, id, zerolog.Nop(), opts...)
	require.NoError(t, a.Start())
	t.Cleanup(func() { _ = a.Stop() })

	return a
}

func TestAgentAcksLifecycleAndReportsSwitch(t *testing.T) {
	srv := runServer(t)
	d := dispatcherFor(t, srv)
	id := uuid.NewString()
	a := startAgent(t, srv, id)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	reports, err := nc.SubscribeSync(events.AgentDeviceEventsSubject(id))
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	ctx := context.Background()

	ack, err := d.SendDeviceCommand(ctx, id, 7,
		events.Of(events.DeviceCreatedEvent, events.DeviceCreated{DeviceID: 7, DeviceNumber: 1, Mode: "MANUAL"}), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ack.OK)
	assert.Equal(t, map[int64]bool{7: false}, a.Relays())

	ack, err = d.SendDeviceCommand(ctx, id, 7,
		events.Of(events.DeviceCommandEvent, events.DeviceCommand{DeviceID: 7, Command: events.CommandSetState, IsOn: true}), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ack.OK)
	assert.Equal(t, map[int64]bool{7: true}, a.Relays())

	msg, err := reports.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var env events.Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, events.DeviceOnEvent, env.EventType)

	var st events.DeviceState
	require.NoError(t, env.Decode(&st))
	assert.Equal(t, int64(7), st.DeviceID)
	assert.True(t, st.PinState)

	ack, err = d.SendDeviceCommand(ctx, id, 7, events.Of(events.DeviceDeletedEvent, events.DeviceDeleted{DeviceID: 7}), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ack.OK)
	assert.Empty(t, a.Relays())
}

func TestAgentRejectsConfiguredDevices(t *testing.T) {
	srv := runServer(t)
	d := dispatcherFor(t, srv)
	id := uuid.NewString()
	startAgent(t, srv, id, WithRejected(9))

	ack, err := d.SendDeviceCommand(context.Background(), id, 9,
		events.Of(events.DeviceCommandEvent, events.DeviceCommand{DeviceID: 9, Command: events.CommandSetState, IsOn: true}), 2*time.Second)
	require.NoError(t, err)
	assert.False(t, ack.OK)
	assert.Equal(t, "relay fault", ack.Error)
}

func TestSlowAgentTimesOut(t *testing.T) {
	srv := runServer(t)
	d := dispatcherFor(t, srv)
	id := uuid.NewString()
	startAgent(t, srv, id, WithReplyDelay(500*time.Millisecond))

	_, err := d.SendDeviceCommand(context.Background(), id, 3,
		events.Of(events.DeviceDeletedEvent, events.DeviceDeleted{DeviceID: 3}), 100*time.Millisecond)
	require.ErrorIs(t, err, bus.ErrAckTimeout)
}

func TestStartTwice(t *testing.T) {
	srv := runServer(t)
	a := startAgent(t, srv, uuid.NewString())

	require.Error(t, a.Start())
	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
}
