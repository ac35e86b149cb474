package responder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/discord-voice-agent/internal/voice"
	"github.com/discord-voice-agent/llm"
)

type fakeCompleter struct {
	reply string
	err   error
	got   llm.ChatRequest
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	f.got = req
	if f.err != nil {
		return llm.ChatResponse{}, f.err
	}
	return llm.ChatResponse{Model: "local", Content: f.reply}, nil
}

func TestLLMReplyBuildsMessages(t *testing.T) {
	fc := &fakeCompleter{reply: "  hi Alice  "}
	r := NewLLM(fc, "be brief", nil)

	text, err := r.Reply(context.Background(), voice.Turn{Destination: "g1", Speaker: "42", SpeakerName: "Alice", Text: "hello there"})
	require.NoError(t, err)
	require.Equal(t, "hi Alice", text)
	require.Equal(t, []llm.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "Alice: hello there"},
	}, fc.got.Messages)
}

func TestLLMReplyWithoutPromptOrName(t *testing.T) {
	msgs := Messages("", TurnRequest{Text: "ping"})
	require.Equal(t, []llm.Message{{Role: "user", Content: "ping"}}, msgs)
}

func TestLLMReplyErrors(t *testing.T) {
	r := NewLLM(&fakeCompleter{err: llm.ErrTransient}, "", nil)
	_, err := r.Reply(context.Background(), voice.Turn{Text: "x"})
	require.ErrorIs(t, err, llm.ErrTransient)

	r = NewLLM(&fakeCompleter{reply: "   "}, "", nil)
	_, err = r.Reply(context.Background(), voice.Turn{Text: "x"})
	require.True(t, errors.Is(err, ErrEmptyReply))
}
