package voice

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/metrics"
)

func newTestAggregator(t *testing.T, clk *clock.Mock, flushOnLeave bool) *Aggregator {
	t.Helper()
	a := NewAggregator(AggregatorConfig{
		Window:       2000 * time.Millisecond,
		Throttle:     500 * time.Millisecond,
		FlushOnLeave: flushOnLeave,
	}, clk, logging.Nop(), metrics.Nop())
	t.Cleanup(a.Close)
	return a
}

func event(speaker SpeakerID, text string, at time.Time) UtteranceEvent {
	return UtteranceEvent{Destination: "guild-1", Speaker: speaker, Text: text, ProducedAt: at}
}

func expectBatch(t *testing.T, a *Aggregator) UtteranceBatch {
	t.Helper()
	select {
	case b, ok := <-a.Batches():
		require.True(t, ok, "batches closed")
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}
	return UtteranceBatch{}
}

func expectNoBatch(t *testing.T, a *Aggregator) {
	t.Helper()
	select {
	case b, ok := <-a.Batches():
		if ok {
			t.Fatalf("unexpected batch: %+v", b)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func texts(b UtteranceBatch) []string {
	out := make([]string, 0, len(b.Events))
	for _, e := range b.Events {
		out = append(out, e.Text)
	}
	return out
}

func TestAggregatorThrottleThenWindow(t *testing.T) {
	clk := clock.NewMock()
	a := newTestAggregator(t, clk, false)
	start := clk.Now()

	require.True(t, a.Push(event("alice", "t0", clk.Now())))
	clk.Add(400 * time.Millisecond)
	require.True(t, a.Push(event("alice", "t400", clk.Now())))

	clk.Add(499 * time.Millisecond)
	expectNoBatch(t, a)

	clk.Add(time.Millisecond)
	b1 := expectBatch(t, a)
	require.Equal(t, SpeakerID("alice"), b1.Speaker)
	require.Equal(t, DestinationID("guild-1"), b1.Destination)
	require.Equal(t, []string{"t0", "t400"}, texts(b1))
	require.False(t, b1.WindowClosedAt.Before(start.Add(900*time.Millisecond)))

	clk.Add(1300 * time.Millisecond)
	require.True(t, a.Push(event("alice", "t2200", clk.Now())))
	expectNoBatch(t, a)

	clk.Add(500 * time.Millisecond)
	b2 := expectBatch(t, a)
	require.Equal(t, []string{"t2200"}, texts(b2))
	require.Equal(t, "t2200", b2.Text())
}

func TestAggregatorMaxWindow(t *testing.T) {
	clk := clock.NewMock()
	a := newTestAggregator(t, clk, false)

	for i := 0; i < 5; i++ {
		require.True(t, a.Push(event("alice", "x", clk.Now())))
		if i < 4 {
			clk.Add(400 * time.Millisecond)
		}
	}
	expectNoBatch(t, a)

	// t=1600 -> t=2000: the window closes before the idle gap (t=2100).
	clk.Add(400 * time.Millisecond)
	b := expectBatch(t, a)
	require.Len(t, b.Events, 5)

	clk.Add(time.Second)
	expectNoBatch(t, a)
}

func TestAggregatorSpeakersAreIndependent(t *testing.T) {
	clk := clock.NewMock()
	a := newTestAggregator(t, clk, false)

	require.True(t, a.Push(event("alice", "a1", clk.Now())))
	clk.Add(300 * time.Millisecond)
	require.True(t, a.Push(event("bob", "b1", clk.Now())))

	clk.Add(200 * time.Millisecond)
	b := expectBatch(t, a)
	require.Equal(t, SpeakerID("alice"), b.Speaker)
	require.Equal(t, []string{"a1"}, texts(b))

	clk.Add(300 * time.Millisecond)
	b = expectBatch(t, a)
	require.Equal(t, SpeakerID("bob"), b.Speaker)
	require.Equal(t, []string{"b1"}, texts(b))
}

func TestAggregatorAbandonsOnLeave(t *testing.T) {
	clk := clock.NewMock()
	a := newTestAggregator(t, clk, false)

	require.True(t, a.Push(event("alice", "partial", clk.Now())))
	require.True(t, a.RemoveSpeaker("alice"))

	clk.Add(3 * time.Second)
	expectNoBatch(t, a)

	// A returning speaker starts from an empty buffer.
	require.True(t, a.Push(event("alice", "again", clk.Now())))
	clk.Add(500 * time.Millisecond)
	require.Equal(t, []string{"again"}, texts(expectBatch(t, a)))
}

// holdingClock parks AfterFunc callbacks while hold is set so a test can
// deliver them late, after the buffer they were armed for is gone.
type holdingClock struct {
	*clock.Mock

	mu   sync.Mutex
	hold bool
	held []func()
}

func (h *holdingClock) AfterFunc(d time.Duration, f func()) *clock.Timer {
	return h.Mock.AfterFunc(d, func() {
		h.mu.Lock()
		if h.hold {
			h.held = append(h.held, f)
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()
		f()
	})
}

func (h *holdingClock) release() []func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hold = false
	held := h.held
	h.held = nil
	return held
}

func TestAggregatorIgnoresLateTimerAfterRejoin(t *testing.T) {
	clk := &holdingClock{Mock: clock.NewMock(), hold: true}
	a := NewAggregator(AggregatorConfig{
		Window:   2000 * time.Millisecond,
		Throttle: 500 * time.Millisecond,
	}, clk, logging.Nop(), metrics.Nop())
	t.Cleanup(a.Close)

	require.True(t, a.Push(event("alice", "old", clk.Now())))
	clk.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool {
		clk.mu.Lock()
		defer clk.mu.Unlock()
		return len(clk.held) == 1
	}, time.Second, 5*time.Millisecond)
	late := clk.release()

	require.True(t, a.RemoveSpeaker("alice"))
	require.True(t, a.Push(event("alice", "new", clk.Now())))

	// The idle timer armed for "old" fires into the fresh buffer.
	for _, f := range late {
		f()
	}
	expectNoBatch(t, a)

	clk.Add(500 * time.Millisecond)
	require.Equal(t, []string{"new"}, texts(expectBatch(t, a)))
}

func TestAggregatorFlushOnLeave(t *testing.T) {
	clk := clock.NewMock()
	a := newTestAggregator(t, clk, true)

	require.True(t, a.Push(event("alice", "last words", clk.Now())))
	require.True(t, a.RemoveSpeaker("alice"))
	require.Equal(t, []string{"last words"}, texts(expectBatch(t, a)))

	clk.Add(3 * time.Second)
	expectNoBatch(t, a)
}

func TestAggregatorCloseStopsEverything(t *testing.T) {
	clk := clock.NewMock()
	a := newTestAggregator(t, clk, false)

	require.True(t, a.Push(event("alice", "pending", clk.Now())))
	a.Close()
	clk.Add(3 * time.Second)

	_, ok := <-a.Batches()
	require.False(t, ok)
	require.False(t, a.Push(event("alice", "late", clk.Now())))
	require.False(t, a.RemoveSpeaker("alice"))
}
