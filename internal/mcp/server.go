package mcp

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-agent/internal/logging"
)

// ReplyToolName is the tool the bot calls for each addressed utterance.
const ReplyToolName = "reply"

// ReplyArgs are the arguments of the reply tool.
type ReplyArgs struct {
	Text        string `json:"text" jsonschema:"what the speaker said"`
	Speaker     string `json:"speaker,omitempty" jsonschema:"speaker user id"`
	SpeakerName string `json:"speaker_name,omitempty" jsonschema:"speaker display name"`
	Destination string `json:"destination,omitempty" jsonschema:"guild the utterance came from"`
}

// ReplyFunc produces the spoken reply for one turn.
type ReplyFunc func(ctx context.Context, args ReplyArgs) (string, error)

// NewReplyServer returns an MCP server exposing the reply tool backed by fn.
func NewReplyServer(name, version string, fn ReplyFunc) *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{Name: name, Version: version}, nil)
	sdk.AddTool(server, &sdk.Tool{
		Name:        ReplyToolName,
		Description: "Reply to something said in a voice channel",
	}, func(ctx context.Context, _ *sdk.CallToolRequest, args ReplyArgs) (*sdk.CallToolResult, any, error) {
		text, err := fn(ctx, args)
		if err != nil {
			return &sdk.CallToolResult{
				IsError: true,
				Content: []sdk.Content{&sdk.TextContent{Text: err.Error()}},
			}, nil, nil
		}
		return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}, nil, nil
	})
	return server
}

// WebSocketHandler upgrades each request and serves one MCP session on it.
func WebSocketHandler(server *sdk.Server, log logging.Logger) http.Handler {
	if log == nil {
		log = logging.Nop()
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnw("mcp: websocket upgrade failed", "err", err)
			return
		}
		go func() {
			session, err := server.Connect(context.Background(), NewWebSocketTransport(conn), nil)
			if err != nil {
				log.Warnw("mcp: session connect failed", "err", err)
				_ = conn.Close()
				return
			}
			if err := session.Wait(); err != nil {
				log.Debugw("mcp: session ended", "remote", r.RemoteAddr, "err", err)
				return
			}
			log.Debugw("mcp: session ended", "remote", r.RemoteAddr)
		}()
	})
}
