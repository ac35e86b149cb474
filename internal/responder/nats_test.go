package responder

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/voice"
)

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	conn, err := ConnectNATS(NATSOptions{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2 * time.Second, Name: "test"}, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestNATSRoundTrip(t *testing.T) {
	conn := startNATS(t)
	dests := make(chan string, 1)
	sub, err := ServeNATS(conn, "voice.turns", time.Second, func(_ context.Context, req TurnRequest) (string, error) {
		dests <- req.Destination
		return strings.ToUpper(req.SpeakerName + " " + req.Text), nil
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	r := NewNATS(conn, "voice.turns.", time.Second)
	text, err := r.Reply(context.Background(), voice.Turn{Destination: "g1", Speaker: "42", SpeakerName: "alice", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, "ALICE HI", text)
	require.Equal(t, "g1", <-dests)
}

func TestNATSRemoteError(t *testing.T) {
	conn := startNATS(t)
	sub, err := ServeNATS(conn, "voice.turns", time.Second, func(context.Context, TurnRequest) (string, error) {
		return "", errors.New("model offline")
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	_, err = NewNATS(conn, "voice.turns", time.Second).Reply(context.Background(), voice.Turn{Destination: "g1", Text: "hi"})
	require.ErrorContains(t, err, "model offline")
}

func TestNATSNoResponder(t *testing.T) {
	conn := startNATS(t)
	_, err := NewNATS(conn, "voice.turns", 200*time.Millisecond).Reply(context.Background(), voice.Turn{Destination: "g1", Text: "hi"})
	require.Error(t, err)
}

func TestConnectNATSRequiresServers(t *testing.T) {
	_, err := ConnectNATS(NATSOptions{}, nil)
	require.Error(t, err)
}
