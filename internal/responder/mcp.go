package responder

import (
	"context"

	"github.com/discord-voice-agent/internal/mcp"
	"github.com/discord-voice-agent/internal/voice"
)

type ToolCaller interface {
	CallText(ctx context.Context, tool string, args map[string]any) (string, error)
}

// MCP answers turns by calling a tool on an MCP server.
type MCP struct {
	client ToolCaller
	tool   string
}

func NewMCP(client ToolCaller, tool string) *MCP {
	if tool == "" {
		tool = mcp.ReplyToolName
	}
	return &MCP{client: client, tool: tool}
}

func (r *MCP) Reply(ctx context.Context, turn voice.Turn) (string, error) {
	text, err := r.client.CallText(ctx, r.tool, map[string]any{
		"text":         turn.Text,
		"speaker":      string(turn.Speaker),
		"speaker_name": turn.SpeakerName,
		"destination":  string(turn.Destination),
	})
	if err != nil {
		return "", err
	}
	return finish(text)
}
