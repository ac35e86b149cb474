package voice

import (
	"context"
	"strings"
	"time"
)

// SpeakerID identifies one participant of a voice stream.
type SpeakerID string

// DestinationID identifies an output target, one voice channel in one guild.
type DestinationID string

// UtteranceEvent is produced once per completed capture that transcribed to
// non-empty text.
type UtteranceEvent struct {
	Destination DestinationID
	Speaker     SpeakerID
	Text        string
	ProducedAt  time.Time
}

// UtteranceBatch is an ordered, non-empty run of events for one speaker that
// fell inside one buffering window.
type UtteranceBatch struct {
	Destination    DestinationID
	Speaker        SpeakerID
	Events         []UtteranceEvent
	WindowClosedAt time.Time
}

// Text joins the batch transcripts in arrival order.
func (b UtteranceBatch) Text() string {
	parts := make([]string, 0, len(b.Events))
	for _, e := range b.Events {
		if t := strings.TrimSpace(e.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// PlaybackItem is one rendered clip waiting for the sink. The queue owns the
// artifact at Path once the item is enqueued.
type PlaybackItem struct {
	Destination DestinationID
	Path        string
	EnqueuedAt  time.Time
}

// Turn is what the text pipeline receives for one grouped utterance.
type Turn struct {
	Destination DestinationID
	Speaker     SpeakerID
	SpeakerName string
	Text        string
}

// StreamSource hands out per-speaker compressed audio frames. The returned
// channel is closed when the speaker's stream ends; cancel releases the
// subscription early.
type StreamSource interface {
	Subscribe(speaker SpeakerID) (frames <-chan []byte, cancel func(), err error)
}

// Recorder turns one speaker's frames into an audio artifact on disk.
type Recorder interface {
	Record(ctx context.Context, speaker SpeakerID, frames <-chan []byte) (string, error)
}

// Transcriber converts a finished artifact into text. An empty result means
// there is nothing to say.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Synthesizer renders text to audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Responder is the downstream text pipeline.
type Responder interface {
	Reply(ctx context.Context, turn Turn) (string, error)
}

// Sink renders one clip at a time to the live connection. Play must return
// promptly; completion is reported through SinkEvents.
type Sink interface {
	Play(path string) error
	Close() error
}

// SinkEvents receives the sink's asynchronous notifications.
type SinkEvents interface {
	SinkIdle()
	SinkError(err error)
}

// SinkFactory connects a sink for one destination.
type SinkFactory interface {
	Connect(ctx context.Context, events SinkEvents) (Sink, error)
}

// SinkFactoryFunc adapts a function to SinkFactory.
type SinkFactoryFunc func(ctx context.Context, events SinkEvents) (Sink, error)

func (f SinkFactoryFunc) Connect(ctx context.Context, events SinkEvents) (Sink, error) {
	return f(ctx, events)
}
