package responder

import (
	"context"
	"fmt"

	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/voice"
	"github.com/discord-voice-agent/llm"
)

type Completer interface {
	CreateChatCompletion(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error)
}

// LLM answers turns with a chat completion.
type LLM struct {
	client       Completer
	systemPrompt string
	log          logging.Logger
}

func NewLLM(client Completer, systemPrompt string, log logging.Logger) *LLM {
	if log == nil {
		log = logging.Nop()
	}
	return &LLM{client: client, systemPrompt: systemPrompt, log: log}
}

func (r *LLM) Reply(ctx context.Context, turn voice.Turn) (string, error) {
	return r.Answer(ctx, requestFromTurn(turn))
}

// Answer is Reply for callers that hold the wire form of a turn.
func (r *LLM) Answer(ctx context.Context, req TurnRequest) (string, error) {
	resp, err := r.client.CreateChatCompletion(ctx, llm.ChatRequest{Messages: Messages(r.systemPrompt, req)})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	r.log.Debugw("responder: llm replied", "model", resp.Model, "destination", req.Destination)
	return finish(resp.Content)
}

// Messages builds the chat history for one turn. The user message is
// prefixed with the speaker's name when it is known.
func Messages(systemPrompt string, req TurnRequest) []llm.Message {
	var msgs []llm.Message
	if systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: systemPrompt})
	}
	content := req.Text
	if req.SpeakerName != "" {
		content = req.SpeakerName + ": " + content
	}
	return append(msgs, llm.Message{Role: "user", Content: content})
}
