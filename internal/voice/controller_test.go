package voice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/metrics"
)

type fakeSource struct {
	mu      sync.Mutex
	streams map[SpeakerID]chan []byte
}

func (s *fakeSource) Subscribe(speaker SpeakerID) (<-chan []byte, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams == nil {
		s.streams = make(map[SpeakerID]chan []byte)
	}
	ch := make(chan []byte, 8)
	s.streams[speaker] = ch
	return ch, func() {}, nil
}

// end closes speaker's current stream, ending the capture.
func (s *fakeSource) end(speaker SpeakerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.streams[speaker])
	delete(s.streams, speaker)
}

// fakeRecorder writes an artifact once the stream closes.
type fakeRecorder struct {
	dir       string
	cancelled atomic.Int32
	n         atomic.Int32
}

func (r *fakeRecorder) Record(ctx context.Context, speaker SpeakerID, frames <-chan []byte) (string, error) {
	for {
		select {
		case <-ctx.Done():
			r.cancelled.Add(1)
			return "", ctx.Err()
		case _, ok := <-frames:
			if ok {
				continue
			}
			path := filepath.Join(r.dir, fmt.Sprintf("audio_%s-%d.wav", speaker, r.n.Add(1)))
			if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
				return "", err
			}
			return path, nil
		}
	}
}

type fakeTranscriber struct {
	text  string
	mu    sync.Mutex
	paths []string
	// gate, when set, holds every result until it is closed.
	gate chan struct{}
}

func (f *fakeTranscriber) Transcribe(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	f.paths = append(f.paths, path)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.text, nil
}

func (f *fakeTranscriber) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

type fakeSynth struct {
	err   error
	calls atomic.Int32
}

func (f *fakeSynth) Synthesize(_ context.Context, text string) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []byte("clip:" + text), nil
}

type fakeResponder struct {
	mu    sync.Mutex
	turns []Turn
}

func (f *fakeResponder) Reply(_ context.Context, turn Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	return "you said " + turn.Text, nil
}

func (f *fakeResponder) received() []Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Turn(nil), f.turns...)
}

// syncSink is a goroutine-safe sink that records the clip contents it plays.
type syncSink struct {
	mu      sync.Mutex
	events  SinkEvents
	played  []string
	closed  bool
	connect int
}

func (s *syncSink) Connect(_ context.Context, events SinkEvents) (Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = events
	s.connect++
	s.closed = false
	return s, nil
}

func (s *syncSink) Play(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played = append(s.played, string(data))
	return nil
}

func (s *syncSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *syncSink) snapshot() (played []string, closed bool, connects int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.played...), s.closed, s.connect
}

func (s *syncSink) idle() {
	s.mu.Lock()
	ev := s.events
	s.mu.Unlock()
	ev.SinkIdle()
}

type names map[string]string

func (n names) UserName(id string) string { return n[id] }
func (names) GuildName(string) string     { return "" }
func (names) ChannelName(string) string   { return "" }

type controllerFixture struct {
	c      *Controller
	clk    *clock.Mock
	source *fakeSource
	rec    *fakeRecorder
	tr     *fakeTranscriber
	synth  *fakeSynth
	resp   *fakeResponder
	sink   *syncSink
	dir    string
}

func newControllerFixture(t *testing.T, transcript string) *controllerFixture {
	t.Helper()
	dir := t.TempDir()
	f := &controllerFixture{
		clk:    clock.NewMock(),
		source: &fakeSource{},
		rec:    &fakeRecorder{dir: dir},
		tr:     &fakeTranscriber{text: transcript},
		synth:  &fakeSynth{},
		resp:   &fakeResponder{},
		sink:   &syncSink{},
		dir:    dir,
	}
	c, err := NewController(ControllerConfig{
		Destination: "guild-1",
		WorkDir:     dir,
		SessionLock: 500 * time.Millisecond,
		Aggregator:  AggregatorConfig{Window: 2 * time.Second, Throttle: 500 * time.Millisecond},
	}, ControllerDeps{
		Source:      f.source,
		Sinks:       f.sink,
		Recorder:    f.rec,
		Transcriber: f.tr,
		Synthesizer: f.synth,
		Responder:   f.resp,
		Names:       names{"alice": "Alice"},
		Clock:       f.clk,
		Logger:      logging.Nop(),
		Metrics:     metrics.Nop(),
	})
	require.NoError(t, err)
	f.c = c
	t.Cleanup(func() { _ = c.Close() })
	return f
}

func (f *controllerFixture) active(speaker SpeakerID) bool {
	var active bool
	f.c.call(func() { active = f.c.registry.Active(speaker) })
	return active
}

func TestControllerSpeechToPlayback(t *testing.T) {
	f := newControllerFixture(t, "hello")

	require.True(t, f.c.OnSpeechDetected("alice"))
	require.False(t, f.c.OnSpeechDetected("alice"), "second capture for an active speaker")
	f.source.end("alice")

	require.Eventually(t, func() bool {
		f.clk.Add(100 * time.Millisecond)
		return len(f.resp.received()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	turn := f.resp.received()[0]
	require.Equal(t, Turn{Destination: "guild-1", Speaker: "alice", SpeakerName: "Alice", Text: "hello"}, turn)

	require.Eventually(t, func() bool {
		played, _, _ := f.sink.snapshot()
		return len(played) == 1
	}, 2*time.Second, 5*time.Millisecond)
	played, _, _ := f.sink.snapshot()
	require.Equal(t, "clip:you said hello", played[0])

	// The capture artifact is gone once transcribed.
	seen := f.tr.seen()
	require.Len(t, seen, 1)
	require.NoFileExists(t, seen[0])
}

func TestControllerLockRejectsRetrigger(t *testing.T) {
	f := newControllerFixture(t, "")

	require.True(t, f.c.OnSpeechDetected("alice"))
	f.source.end("alice")
	require.Eventually(t, func() bool { return !f.active("alice") }, 2*time.Second, time.Millisecond)

	require.False(t, f.c.OnSpeechDetected("alice"), "inside the post-completion lock")
	f.clk.Add(499 * time.Millisecond)
	require.False(t, f.c.OnSpeechDetected("alice"))
	f.clk.Add(time.Millisecond)
	require.True(t, f.c.OnSpeechDetected("alice"))

	// Other speakers are unaffected by alice's lock.
	require.True(t, f.c.OnSpeechDetected("bob"))
}

func TestControllerEmptyTranscriptNeverSpeaks(t *testing.T) {
	f := newControllerFixture(t, "")

	require.True(t, f.c.OnSpeechDetected("alice"))
	f.source.end("alice")
	require.Eventually(t, func() bool { return len(f.tr.seen()) == 1 }, 2*time.Second, time.Millisecond)

	for i := 0; i < 30; i++ {
		f.clk.Add(100 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	require.Empty(t, f.resp.received())
	require.Zero(t, f.synth.calls.Load())
}

func TestControllerDropsTranscriptAfterSpeakerLeaves(t *testing.T) {
	f := newControllerFixture(t, "hello")
	gate := make(chan struct{})
	f.tr.gate = gate

	require.True(t, f.c.OnSpeechDetected("alice"))
	f.source.end("alice")
	require.Eventually(t, func() bool { return len(f.tr.seen()) == 1 }, 2*time.Second, time.Millisecond)

	f.c.OnSpeakerLeft("alice")
	close(gate)

	for i := 0; i < 40; i++ {
		f.clk.Add(100 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	require.Empty(t, f.resp.received())
	require.Zero(t, f.synth.calls.Load())

	// A capture after the speaker returns is handled normally.
	require.Eventually(t, func() bool { return f.c.OnSpeechDetected("alice") }, 2*time.Second, time.Millisecond)
	f.source.end("alice")
	require.Eventually(t, func() bool {
		f.clk.Add(100 * time.Millisecond)
		return len(f.resp.received()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestControllerSynthesisFailureLeavesQueue(t *testing.T) {
	f := newControllerFixture(t, "")
	f.synth.err = errors.New("tts down")

	err := f.c.Speak(context.Background(), "hi")
	require.ErrorIs(t, err, ErrRecoverable)
	require.False(t, f.c.Playing())
	_, _, connects := f.sink.snapshot()
	require.Zero(t, connects)
}

func TestControllerSpeakPlaysInOrder(t *testing.T) {
	f := newControllerFixture(t, "")
	ctx := context.Background()

	require.NoError(t, f.c.Speak(ctx, "a"))
	require.NoError(t, f.c.Speak(ctx, "b"))
	require.NoError(t, f.c.Speak(ctx, "c"))

	for want := 1; want <= 3; want++ {
		require.Eventually(t, func() bool {
			played, _, _ := f.sink.snapshot()
			return len(played) == want
		}, 2*time.Second, time.Millisecond)
		f.sink.idle()
	}
	require.Eventually(t, func() bool { return !f.c.Playing() }, 2*time.Second, time.Millisecond)

	played, _, connects := f.sink.snapshot()
	require.Equal(t, []string{"clip:a", "clip:b", "clip:c"}, played)
	require.Equal(t, 1, connects)

	// Played clips are released.
	matches, err := filepath.Glob(filepath.Join(f.dir, "tts_*"))
	require.NoError(t, err)
	require.Empty(t, matches)
}

// slowSink holds Connect until gate is closed.
type slowSink struct {
	syncSink
	gate chan struct{}
}

func (s *slowSink) Connect(ctx context.Context, events SinkEvents) (Sink, error) {
	<-s.gate
	return s.syncSink.Connect(ctx, events)
}

func TestControllerStaysResponsiveWhileSinkConnects(t *testing.T) {
	f := newControllerFixture(t, "")
	sink := &slowSink{gate: make(chan struct{})}
	f.c.queue.factory = sink

	done := make(chan error, 1)
	go func() { done <- f.c.Speak(context.Background(), "hi") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("speak blocked on the sink connect")
	}

	require.True(t, f.c.OnSpeechDetected("alice"))
	require.False(t, f.c.Playing())

	close(sink.gate)
	require.Eventually(t, func() bool {
		played, _, _ := sink.snapshot()
		return len(played) == 1
	}, 2*time.Second, time.Millisecond)
	require.True(t, f.c.Playing())
}

func TestControllerCloseStopsEverything(t *testing.T) {
	f := newControllerFixture(t, "hello")
	ctx := context.Background()

	require.NoError(t, f.c.Speak(ctx, "pending-1"))
	require.NoError(t, f.c.Speak(ctx, "pending-2"))
	require.True(t, f.c.OnSpeechDetected("alice"))

	require.NoError(t, f.c.Close())
	require.EqualValues(t, 1, f.rec.cancelled.Load())

	_, closed, _ := f.sink.snapshot()
	require.True(t, closed)
	require.False(t, f.c.OnSpeechDetected("bob"))
	require.ErrorIs(t, f.c.Speak(ctx, "late"), ErrClosed)

	f.clk.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, f.resp.received())

	matches, err := filepath.Glob(filepath.Join(f.dir, "tts_*"))
	require.NoError(t, err)
	require.Empty(t, matches)
}
