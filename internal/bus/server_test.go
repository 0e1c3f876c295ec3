package bus

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	srv, err := server.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	require.Eventually(t, func() bool {
		return srv.JetStreamEnabled()
	}, 5*time.Second, 50*time.Millisecond, "embedded NATS server not ready for JetStream")

	t.Cleanup(srv.Shutdown)

	return srv
}

// connectedConn returns a Conn bound to srv with the device stream in place.
func connectedConn(t *testing.T, srv *server.Server) *Conn {
	t.Helper()

	ctx := context.Background()
	conn := NewConn(srv.ClientURL(), zerolog.Nop())

	require.NoError(t, conn.Connect(ctx))
	require.NoError(t, conn.EnsureStream(ctx))
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

// agentConn is an independent client standing in for a remote agent.
func agentConn(t *testing.T, srv *server.Server) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	return nc
}
