package responder

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/mcp"
	"github.com/discord-voice-agent/internal/voice"
)

func TestMCPReply(t *testing.T) {
	got := make(chan mcp.ReplyArgs, 1)
	server := mcp.NewReplyServer("replies", "test", func(_ context.Context, args mcp.ReplyArgs) (string, error) {
		got <- args
		return "hello " + args.SpeakerName, nil
	})
	srv := httptest.NewServer(mcp.WebSocketHandler(server, logging.Nop()))
	t.Cleanup(srv.Close)

	client := mcp.NewClient("bot", "test", logging.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.ConnectWebSocket(ctx, srv.URL))
	t.Cleanup(func() { _ = client.Close() })

	text, err := NewMCP(client, "").Reply(ctx, voice.Turn{Destination: "g1", Speaker: "42", SpeakerName: "Alice", Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello Alice", text)
	require.Equal(t, mcp.ReplyArgs{Text: "hi", Speaker: "42", SpeakerName: "Alice", Destination: "g1"}, <-got)
}

type stubCaller struct{ text string }

func (s stubCaller) CallText(context.Context, string, map[string]any) (string, error) {
	return s.text, nil
}

func TestMCPEmptyReply(t *testing.T) {
	_, err := NewMCP(stubCaller{text: " \n"}, "reply").Reply(context.Background(), voice.Turn{Text: "x"})
	require.ErrorIs(t, err, ErrEmptyReply)
}

type slowResponder struct{}

func (slowResponder) Reply(ctx context.Context, _ voice.Turn) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	r := WithTimeout(slowResponder{}, 20*time.Millisecond)
	_, err := r.Reply(context.Background(), voice.Turn{Text: "x"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Equal(t, voice.Responder(slowResponder{}), WithTimeout(slowResponder{}, 0))
}
