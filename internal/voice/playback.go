package voice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/metrics"
)

type playbackState int

const (
	playbackIdle playbackState = iota
	playbackConnecting
	playbackPlaying
)

func (s playbackState) String() string {
	switch s {
	case playbackConnecting:
		return "connecting"
	case playbackPlaying:
		return "playing"
	}
	return "idle"
}

// PlaybackQueue serializes clips for one destination through a single sink.
// It is not safe for concurrent use: every method, and every sink callback,
// runs on the owner's loop. dispatch is how sink callbacks and finished
// connects get there. Connecting a sink happens off the loop.
type PlaybackQueue struct {
	dest     DestinationID
	dispatch func(func())
	spawn    func(func())
	factory  SinkFactory
	release  func(path string)
	log      logging.Logger
	metrics  *metrics.Metrics
	ctx      context.Context
	cancel   context.CancelFunc
	connects sync.WaitGroup

	state   playbackState
	current *PlaybackItem
	pending []PlaybackItem
	sink    Sink
	gen     uint64
	closed  bool

	// mu guards the handoff of sinks from connect goroutines.
	mu      sync.Mutex
	shut    bool
	landed  map[uint64]Sink
	lateErr *multierror.Error
}

type PlaybackOptions struct {
	// Release frees a clip once it has played or been flushed. Defaults to
	// removing the file.
	Release func(path string)
	// Spawn runs a sink connect. Defaults to a new goroutine.
	Spawn   func(func())
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

func NewPlaybackQueue(dest DestinationID, factory SinkFactory, dispatch func(func()), opts PlaybackOptions) *PlaybackQueue {
	q := &PlaybackQueue{
		dest:     dest,
		dispatch: dispatch,
		spawn:    opts.Spawn,
		factory:  factory,
		release:  opts.Release,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		landed:   make(map[uint64]Sink),
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	if q.spawn == nil {
		q.spawn = func(fn func()) { go fn() }
	}
	if q.release == nil {
		q.release = func(path string) { _ = os.Remove(path) }
	}
	if q.log == nil {
		q.log = logging.Nop()
	}
	if q.metrics == nil {
		q.metrics = metrics.Nop()
	}
	return q
}

// queueEvents tags sink callbacks with the sink generation they belong to so
// that a dropped sink cannot advance the queue.
type queueEvents struct {
	q   *PlaybackQueue
	gen uint64
}

func (e queueEvents) SinkIdle() {
	e.q.dispatch(func() {
		if e.gen == e.q.gen {
			e.q.OnSinkIdle()
		}
	})
}

func (e queueEvents) SinkError(err error) {
	e.q.dispatch(func() {
		if e.gen == e.q.gen {
			e.q.OnSinkError(err)
		}
	})
}

func (q *PlaybackQueue) Len() int { return len(q.pending) }

func (q *PlaybackQueue) Playing() bool { return q.state == playbackPlaying }

// Enqueue appends item and starts playback when idle, connecting a sink first
// if there is none. A failed connect is logged and flushes the queue.
// Ownership of the clip passes to the queue even when an error is returned.
func (q *PlaybackQueue) Enqueue(_ context.Context, item PlaybackItem) error {
	if q.closed {
		q.release(item.Path)
		return ErrClosed
	}
	q.metrics.ClipsEnqueued.Inc()
	q.pending = append(q.pending, item)
	defer q.reportDepth()
	if q.state == playbackIdle {
		return q.advance()
	}
	return nil
}

// OnSinkIdle releases the finished clip and starts the next one.
func (q *PlaybackQueue) OnSinkIdle() {
	if q.state == playbackConnecting {
		return
	}
	if q.current != nil {
		q.metrics.ClipsPlayed.Inc()
		q.log.Debugw("playback: clip finished", "path", q.current.Path)
		q.release(q.current.Path)
		q.current = nil
	}
	q.state = playbackIdle
	if err := q.advance(); err != nil {
		q.log.Warnw("playback: could not start next clip", "err", err)
	}
	q.reportDepth()
}

// OnSinkError drops the sink, releases every clip and returns to idle. The
// next Enqueue connects a fresh sink.
func (q *PlaybackQueue) OnSinkError(err error) {
	q.metrics.SinkErrors.Inc()
	q.log.Errorw("playback: sink error, dropping connection", "err", err, "pending", len(q.pending))
	q.dropSink()
	if q.current != nil {
		q.release(q.current.Path)
		q.current = nil
	}
	q.Flush()
	q.state = playbackIdle
}

// Flush releases every pending clip. The clip currently playing is left to
// finish.
func (q *PlaybackQueue) Flush() {
	for _, item := range q.pending {
		q.release(item.Path)
		q.metrics.ClipsFlushed.Inc()
	}
	q.pending = nil
	q.reportDepth()
}

// Close flushes the queue, releases the current clip and closes the sink.
// A connect still in flight is cancelled and its sink closed when it lands;
// Wait reports those errors. Later calls to Enqueue fail with ErrClosed.
func (q *PlaybackQueue) Close() error {
	if q.closed {
		return nil
	}
	q.closed = true
	q.cancel()
	q.Flush()
	if q.current != nil {
		q.release(q.current.Path)
		q.current = nil
	}
	q.state = playbackIdle
	var result *multierror.Error
	q.mu.Lock()
	q.shut = true
	for gen, sink := range q.landed {
		if err := sink.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		delete(q.landed, gen)
	}
	q.mu.Unlock()
	if err := q.dropSink(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Wait blocks until every connect started by the queue has returned. It may
// be called from any goroutine once the owner's loop has stopped.
func (q *PlaybackQueue) Wait() error {
	q.connects.Wait()
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lateErr.ErrorOrNil()
}

// connect starts a sink connect off the loop. The result comes back through
// dispatch as connected.
func (q *PlaybackQueue) connect() {
	q.state = playbackConnecting
	gen := q.gen
	events := queueEvents{q: q, gen: gen}
	q.connects.Add(1)
	q.spawn(func() {
		defer q.connects.Done()
		sink, err := q.factory.Connect(q.ctx, events)
		if sink != nil {
			q.mu.Lock()
			if q.shut {
				q.mu.Unlock()
				if cerr := sink.Close(); cerr != nil {
					q.mu.Lock()
					q.lateErr = multierror.Append(q.lateErr, cerr)
					q.mu.Unlock()
				}
				return
			}
			q.landed[gen] = sink
			q.mu.Unlock()
		}
		q.dispatch(func() { q.connected(gen, err) })
	})
}

func (q *PlaybackQueue) connected(gen uint64, err error) {
	q.mu.Lock()
	sink := q.landed[gen]
	delete(q.landed, gen)
	q.mu.Unlock()

	stale := q.closed || gen != q.gen || q.state != playbackConnecting
	if stale || err != nil {
		if sink != nil {
			_ = sink.Close()
		}
	}
	if stale {
		return
	}
	if err == nil && sink == nil {
		err = errors.New("connect returned no sink")
	}
	if err != nil {
		q.metrics.SinkErrors.Inc()
		q.log.Errorw("playback: connect sink failed, flushing", "err", err, "pending", len(q.pending))
		q.Flush()
		q.state = playbackIdle
		return
	}
	q.sink = sink
	q.state = playbackIdle
	if err := q.advance(); err != nil {
		q.log.Warnw("playback: could not start clip", "err", err)
	}
	q.reportDepth()
}

func (q *PlaybackQueue) advance() error {
	for len(q.pending) > 0 {
		if q.sink == nil {
			if q.state != playbackConnecting {
				q.connect()
			}
			return nil
		}
		item := q.pending[0]
		q.pending[0] = PlaybackItem{}
		q.pending = q.pending[1:]

		q.current = &item
		q.state = playbackPlaying
		if err := q.sink.Play(item.Path); err != nil {
			q.OnSinkError(err)
			return fmt.Errorf("%w: play: %v", ErrFatal, err)
		}
		q.log.Debugw("playback: clip started", "path", item.Path, "queued", len(q.pending))
		return nil
	}
	q.state = playbackIdle
	return nil
}

func (q *PlaybackQueue) dropSink() error {
	q.gen++
	if q.sink == nil {
		return nil
	}
	err := q.sink.Close()
	q.sink = nil
	return err
}

func (q *PlaybackQueue) reportDepth() {
	q.metrics.QueueDepth.WithLabelValues(string(q.dest)).Set(float64(len(q.pending)))
}
