// Package responder turns a transcribed turn into the text the bot speaks
// back. Each implementation forwards the turn to a different backend.
package responder

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/discord-voice-agent/internal/voice"
)

// ErrEmptyReply is returned when the backend answered with no text.
var ErrEmptyReply = errors.New("empty reply")

// TurnRequest is the wire form of a turn for remote backends.
type TurnRequest struct {
	Destination string `json:"destination"`
	Speaker     string `json:"speaker"`
	SpeakerName string `json:"speaker_name,omitempty"`
	Text        string `json:"text"`
}

// TurnReply is a remote backend's answer. Error is set instead of Text on
// failure.
type TurnReply struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

func requestFromTurn(turn voice.Turn) TurnRequest {
	return TurnRequest{
		Destination: string(turn.Destination),
		Speaker:     string(turn.Speaker),
		SpeakerName: turn.SpeakerName,
		Text:        turn.Text,
	}
}

func finish(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

type timeoutResponder struct {
	next    voice.Responder
	timeout time.Duration
}

// WithTimeout bounds each Reply of next by d. A non-positive d returns next.
func WithTimeout(next voice.Responder, d time.Duration) voice.Responder {
	if d <= 0 {
		return next
	}
	return timeoutResponder{next: next, timeout: d}
}

func (t timeoutResponder) Reply(ctx context.Context, turn voice.Turn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Reply(ctx, turn)
}
