package voice

import (
	"errors"
)

var (
	// ErrFatal marks failures that end a destination's output, such as a lost
	// sink or connection. The next interaction reconnects.
	ErrFatal = errors.New("fatal voice error")
	// ErrRecoverable marks failures that drop a single turn.
	ErrRecoverable = errors.New("recoverable voice error")
	// ErrClosed is returned by a controller that has been torn down.
	ErrClosed = errors.New("voice session closed")
	// ErrNoAudio is returned by a capture that ended before any audio decoded.
	ErrNoAudio = errors.New("no audio captured")
)

func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }
