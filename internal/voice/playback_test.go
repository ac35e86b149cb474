package voice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSink records Play calls and reports overlap. Tests drive completion
// through the events captured at connect time.
type fakeSink struct {
	played  []string
	playing bool
	overlap bool
	closed  bool
	events  SinkEvents
	playErr error
}

func (s *fakeSink) Play(path string) error {
	if s.playErr != nil {
		return s.playErr
	}
	if s.playing {
		s.overlap = true
	}
	s.playing = true
	s.played = append(s.played, path)
	return nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSink) finish() {
	s.playing = false
	s.events.SinkIdle()
}

type fakeSinkFactory struct {
	sinks      []*fakeSink
	connectErr error
}

func (f *fakeSinkFactory) Connect(_ context.Context, events SinkEvents) (Sink, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	s := &fakeSink{events: events}
	f.sinks = append(f.sinks, s)
	return s, nil
}

func (f *fakeSinkFactory) last() *fakeSink { return f.sinks[len(f.sinks)-1] }

func newTestQueue(factory SinkFactory) (*PlaybackQueue, *[]string) {
	var released []string
	q := NewPlaybackQueue("guild-1", factory, func(fn func()) { fn() }, PlaybackOptions{
		Release: func(path string) { released = append(released, path) },
		Spawn:   func(fn func()) { fn() },
	})
	return q, &released
}

func item(path string) PlaybackItem {
	return PlaybackItem{Destination: "guild-1", Path: path}
}

func TestPlaybackOrderWithoutOverlap(t *testing.T) {
	factory := &fakeSinkFactory{}
	q, released := newTestQueue(factory)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, item("a")))
	require.NoError(t, q.Enqueue(ctx, item("b")))
	require.NoError(t, q.Enqueue(ctx, item("c")))
	require.True(t, q.Playing())
	require.Equal(t, 2, q.Len())

	sink := factory.last()
	require.Equal(t, []string{"a"}, sink.played)
	sink.finish()
	sink.finish()
	sink.finish()

	require.Len(t, factory.sinks, 1)
	require.Equal(t, []string{"a", "b", "c"}, sink.played)
	require.False(t, sink.overlap)
	require.False(t, q.Playing())
	require.Equal(t, []string{"a", "b", "c"}, *released)
}

func TestPlaybackIdleStartsImmediately(t *testing.T) {
	factory := &fakeSinkFactory{}
	q, _ := newTestQueue(factory)

	require.False(t, q.Playing())
	require.NoError(t, q.Enqueue(context.Background(), item("a")))
	require.True(t, q.Playing())
	require.Equal(t, 0, q.Len())
}

func TestPlaybackSinkErrorReconnectsOnNextEnqueue(t *testing.T) {
	factory := &fakeSinkFactory{}
	q, released := newTestQueue(factory)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, item("a")))
	require.NoError(t, q.Enqueue(ctx, item("b")))
	first := factory.last()
	first.events.SinkError(errors.New("voice connection lost"))

	require.True(t, first.closed)
	require.False(t, q.Playing())
	require.Equal(t, 0, q.Len())
	require.ElementsMatch(t, []string{"a", "b"}, *released)

	// Late events from the dropped sink are ignored.
	first.events.SinkIdle()
	require.False(t, q.Playing())

	require.NoError(t, q.Enqueue(ctx, item("c")))
	require.Len(t, factory.sinks, 2)
	require.Equal(t, []string{"c"}, factory.last().played)
}

func TestPlaybackConnectFailureFlushes(t *testing.T) {
	factory := &fakeSinkFactory{connectErr: errors.New("not in a voice channel")}
	q, released := newTestQueue(factory)

	require.NoError(t, q.Enqueue(context.Background(), item("a")))
	require.False(t, q.Playing())
	require.Equal(t, 0, q.Len())
	require.Equal(t, []string{"a"}, *released)

	// The next clip tries again.
	factory.connectErr = nil
	require.NoError(t, q.Enqueue(context.Background(), item("b")))
	require.Equal(t, []string{"b"}, factory.last().played)
}

// gatedFactory holds Connect until gate is closed.
type gatedFactory struct {
	fakeSinkFactory
	gate chan struct{}
}

func (f *gatedFactory) Connect(ctx context.Context, events SinkEvents) (Sink, error) {
	<-f.gate
	return f.fakeSinkFactory.Connect(ctx, events)
}

func TestPlaybackConnectDoesNotBlockOwner(t *testing.T) {
	factory := &gatedFactory{gate: make(chan struct{})}
	loop := make(chan func(), 4)
	q := NewPlaybackQueue("guild-1", factory, func(fn func()) { loop <- fn }, PlaybackOptions{
		Release: func(string) {},
	})

	require.NoError(t, q.Enqueue(context.Background(), item("a")))
	require.NoError(t, q.Enqueue(context.Background(), item("b")))
	require.False(t, q.Playing())
	require.Equal(t, 2, q.Len())

	close(factory.gate)
	select {
	case fn := <-loop:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("connect never finished")
	}
	require.True(t, q.Playing())
	require.Len(t, factory.sinks, 1)
	require.Equal(t, []string{"a"}, factory.last().played)
	require.NoError(t, q.Wait())
}

func TestPlaybackCloseWhileConnecting(t *testing.T) {
	factory := &gatedFactory{gate: make(chan struct{})}
	var released []string
	q := NewPlaybackQueue("guild-1", factory, func(fn func()) { fn() }, PlaybackOptions{
		Release: func(path string) { released = append(released, path) },
	})

	require.NoError(t, q.Enqueue(context.Background(), item("a")))
	require.NoError(t, q.Close())
	require.Equal(t, []string{"a"}, released)

	close(factory.gate)
	require.NoError(t, q.Wait())
	require.Len(t, factory.sinks, 1)
	require.True(t, factory.last().closed)
	require.False(t, q.Playing())
}

func TestPlaybackCloseReleasesEverything(t *testing.T) {
	factory := &fakeSinkFactory{}
	q, released := newTestQueue(factory)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, item("a")))
	require.NoError(t, q.Enqueue(ctx, item("b")))
	require.NoError(t, q.Close())

	require.True(t, factory.last().closed)
	require.ElementsMatch(t, []string{"a", "b"}, *released)
	require.ErrorIs(t, q.Enqueue(ctx, item("c")), ErrClosed)
	require.Contains(t, *released, "c")
}

func TestPlaybackDestinationsAreIndependent(t *testing.T) {
	fa, fb := &fakeSinkFactory{}, &fakeSinkFactory{}
	qa, _ := newTestQueue(fa)
	qb, _ := newTestQueue(fb)
	ctx := context.Background()

	require.NoError(t, qa.Enqueue(ctx, item("a1")))
	require.NoError(t, qb.Enqueue(ctx, item("b1")))
	fa.last().events.SinkError(errors.New("boom"))

	require.False(t, qa.Playing())
	require.True(t, qb.Playing())
	require.Equal(t, []string{"b1"}, fb.last().played)
}
