package main

import (
	"context"
	"log"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-agent/internal/mcp"
)

func main() {
	server := mcp.NewReplyServer("test-command", "1.0.0", func(_ context.Context, args mcp.ReplyArgs) (string, error) {
		return strings.ToUpper(args.Text), nil
	})
	if err := server.Run(context.Background(), &sdk.StdioTransport{}); err != nil {
		log.Printf("server exited: %v", err)
	}
}
