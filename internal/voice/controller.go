package voice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/metrics"
)

type ControllerConfig struct {
	Destination DestinationID
	// WorkDir receives synthesized clips.
	WorkDir     string
	SessionLock time.Duration
	Aggregator  AggregatorConfig
}

// ControllerDeps are the collaborators a controller drives. Source, Sinks,
// Recorder, Transcriber, Synthesizer and Responder are required.
type ControllerDeps struct {
	Source      StreamSource
	Sinks       SinkFactory
	Recorder    Recorder
	Transcriber Transcriber
	Synthesizer Synthesizer
	Responder   Responder
	Names       NameResolver
	Wake        *WakeGate
	Clock       clock.Clock
	Logger      logging.Logger
	Metrics     *metrics.Metrics
}

// Controller binds one destination to its session registry, aggregator and
// playback queue. The registry, the queue and the re-arm timers belong to a
// single loop goroutine and are only touched from functions run on it.
type Controller struct {
	cfg  ControllerConfig
	deps ControllerDeps
	log  logging.Logger
	agg  *Aggregator

	ctx      context.Context
	cancel   context.CancelFunc
	inbox    chan func()
	done     chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	closeErr error
	// leaveMu orders a capture's final push against the speaker's removal.
	leaveMu sync.Mutex

	// loop-owned
	registry *SessionRegistry
	queue    *PlaybackQueue
	captures map[uint64]capture
	rearm    map[SpeakerID]*clock.Timer
	seq      uint64
	closed   bool
}

func NewController(cfg ControllerConfig, deps ControllerDeps) (*Controller, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("controller: stream source required")
	case deps.Sinks == nil:
		return nil, errors.New("controller: sink factory required")
	case deps.Recorder == nil:
		return nil, errors.New("controller: recorder required")
	case deps.Transcriber == nil:
		return nil, errors.New("controller: transcriber required")
	case deps.Synthesizer == nil:
		return nil, errors.New("controller: synthesizer required")
	case deps.Responder == nil:
		return nil, errors.New("controller: responder required")
	}
	if cfg.WorkDir == "" {
		return nil, errors.New("controller: work dir required")
	}
	if deps.Names == nil {
		deps.Names = NoopResolver{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:      cfg,
		deps:     deps,
		log:      logging.With(deps.Logger, "destination", cfg.Destination),
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan func(), 64),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		registry: NewSessionRegistry(deps.Clock, cfg.SessionLock),
		captures: make(map[uint64]capture),
		rearm:    make(map[SpeakerID]*clock.Timer),
	}
	c.agg = NewAggregator(cfg.Aggregator, deps.Clock, c.log, deps.Metrics)
	c.queue = NewPlaybackQueue(cfg.Destination, deps.Sinks, c.post, PlaybackOptions{
		Logger:  c.log,
		Metrics: deps.Metrics,
	})

	go c.run()
	c.wg.Add(1)
	go c.bridge()
	return c, nil
}

func (c *Controller) Destination() DestinationID { return c.cfg.Destination }

func (c *Controller) run() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.done:
			return
		}
	}
}

// post schedules fn on the loop without waiting. Sink callbacks and timers
// use it; they must never run on the loop themselves.
func (c *Controller) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// call runs fn on the loop and waits for it. It returns false when the loop
// has stopped and fn did not run.
func (c *Controller) call(fn func()) bool {
	ack := make(chan struct{})
	select {
	case c.inbox <- func() { fn(); close(ack) }:
	case <-c.done:
		return false
	}
	select {
	case <-ack:
		return true
	case <-c.loopDone:
		select {
		case <-ack:
			return true
		default:
			return false
		}
	}
}

// OnSpeechDetected starts a capture for speaker unless one is running or the
// speaker is inside the post-completion lock. It reports whether a capture
// started.
func (c *Controller) OnSpeechDetected(speaker SpeakerID) bool {
	var started bool
	c.call(func() {
		if c.closed {
			return
		}
		if !c.registry.TryBegin(speaker) {
			c.deps.Metrics.CapturesRejected.Inc()
			return
		}
		if t, ok := c.rearm[speaker]; ok {
			t.Stop()
			delete(c.rearm, speaker)
		}
		frames, unsubscribe, err := c.deps.Source.Subscribe(speaker)
		if err != nil {
			c.log.Warnw("controller: subscribe failed", "speaker", speaker, "err", err)
			c.registry.Complete(speaker)
			c.armRearm(speaker)
			return
		}
		c.seq++
		id := c.seq
		ctx, cancel := context.WithCancel(c.ctx)
		c.captures[id] = capture{speaker: speaker, cancel: cancel}
		c.deps.Metrics.CapturesStarted.Inc()
		c.deps.Metrics.ActiveCaptures.Inc()
		c.wg.Add(1)
		go c.runCapture(ctx, id, speaker, frames, unsubscribe)
		started = true
	})
	return started
}

type capture struct {
	speaker SpeakerID
	cancel  context.CancelFunc
}

// OnSpeakerLeft cancels speaker's captures and ends their aggregator
// sub-stream. No utterance from before the departure reaches a later buffer.
func (c *Controller) OnSpeakerLeft(speaker SpeakerID) {
	c.call(func() {
		for _, cp := range c.captures {
			if cp.speaker == speaker {
				cp.cancel()
			}
		}
	})
	c.leaveMu.Lock()
	defer c.leaveMu.Unlock()
	c.agg.RemoveSpeaker(speaker)
}

func (c *Controller) runCapture(ctx context.Context, id uint64, speaker SpeakerID, frames <-chan []byte, unsubscribe func()) {
	defer c.wg.Done()
	defer c.post(func() {
		if cp, ok := c.captures[id]; ok {
			cp.cancel()
			delete(c.captures, id)
		}
	})
	log := logging.With(c.log, "speaker", speaker)

	start := c.deps.Clock.Now()
	path, err := c.deps.Recorder.Record(ctx, speaker, frames)
	unsubscribe()
	c.deps.Metrics.ActiveCaptures.Dec()
	c.deps.Metrics.CaptureDuration.Observe(c.deps.Clock.Since(start).Seconds())
	c.post(func() { c.captureDone(speaker) })

	if err != nil {
		switch {
		case ctx.Err() != nil:
			log.Debugw("controller: capture cancelled")
		case errors.Is(err, ErrNoAudio):
			log.Debugw("controller: capture had no audio")
		default:
			c.deps.Metrics.CaptureFailures.Inc()
			log.Warnw("controller: capture failed", "err", err)
		}
		return
	}
	defer os.Remove(path)

	text, err := c.deps.Transcriber.Transcribe(ctx, path)
	if err != nil {
		log.Warnw("controller: transcription failed, dropping turn", "path", path, "err", err)
		return
	}
	if text == "" {
		log.Debugw("controller: nothing to say", "path", path)
		return
	}
	c.leaveMu.Lock()
	defer c.leaveMu.Unlock()
	if ctx.Err() != nil {
		log.Debugw("controller: capture cancelled before push")
		return
	}
	c.agg.Push(UtteranceEvent{
		Destination: c.cfg.Destination,
		Speaker:     speaker,
		Text:        text,
		ProducedAt:  c.deps.Clock.Now(),
	})
}

// captureDone runs on the loop when a recording ends.
func (c *Controller) captureDone(speaker SpeakerID) {
	if c.closed {
		return
	}
	c.registry.Complete(speaker)
	c.armRearm(speaker)
}

func (c *Controller) armRearm(speaker SpeakerID) {
	if t, ok := c.rearm[speaker]; ok {
		t.Stop()
	}
	var t *clock.Timer
	t = c.deps.Clock.AfterFunc(c.cfg.SessionLock, func() {
		c.post(func() {
			if c.closed || c.rearm[speaker] != t {
				return
			}
			delete(c.rearm, speaker)
			c.registry.Forget(speaker)
		})
	})
	c.rearm[speaker] = t
}

func (c *Controller) bridge() {
	defer c.wg.Done()
	for batch := range c.agg.Batches() {
		c.handleBatch(batch)
	}
}

func (c *Controller) handleBatch(batch UtteranceBatch) {
	log := logging.With(c.log, "speaker", batch.Speaker)
	ok, text := c.deps.Wake.Match(batch.Text())
	if !ok || text == "" {
		log.Debugw("controller: batch not addressed to bot", "events", len(batch.Events))
		return
	}
	turn := Turn{
		Destination: batch.Destination,
		Speaker:     batch.Speaker,
		SpeakerName: c.deps.Names.UserName(string(batch.Speaker)),
		Text:        text,
	}
	start := c.deps.Clock.Now()
	reply, err := c.deps.Responder.Reply(c.ctx, turn)
	c.deps.Metrics.ReplyDuration.Observe(c.deps.Clock.Since(start).Seconds())
	if err != nil {
		if c.ctx.Err() == nil {
			c.deps.Metrics.ReplyFailures.Inc()
			log.Warnw("controller: reply failed, dropping turn", "err", err)
		}
		return
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		log.Debugw("controller: empty reply")
		return
	}
	if err := c.Speak(c.ctx, reply); err != nil && !errors.Is(err, ErrClosed) {
		log.Warnw("controller: speak failed", "err", err)
	}
}

// Speak synthesizes text and enqueues the clip for playback. A synthesis
// failure returns an error and leaves the queue untouched.
func (c *Controller) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: nothing to speak", ErrRecoverable)
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	audio, err := c.deps.Synthesizer.Synthesize(ctx, text)
	if err != nil {
		c.deps.Metrics.SynthesisFailures.Inc()
		if !errors.Is(err, ErrRecoverable) {
			err = fmt.Errorf("%w: synthesize: %v", ErrRecoverable, err)
		}
		return err
	}
	path, err := writeClip(c.cfg.WorkDir, c.cfg.Destination, audio)
	if err != nil {
		return fmt.Errorf("%w: write clip: %v", ErrRecoverable, err)
	}
	item := PlaybackItem{Destination: c.cfg.Destination, Path: path, EnqueuedAt: c.deps.Clock.Now()}
	var enqErr error
	if !c.call(func() { enqErr = c.queue.Enqueue(ctx, item) }) {
		_ = os.Remove(path)
		return ErrClosed
	}
	return enqErr
}

// Playing reports whether a clip is being rendered.
func (c *Controller) Playing() bool {
	var playing bool
	c.call(func() { playing = c.queue.Playing() })
	return playing
}

// Close cancels in-flight captures, abandons aggregator buffers, stops every
// timer, clears the playback queue and closes the sink. Nothing runs for the
// destination once Close returns.
func (c *Controller) Close() error {
	c.once.Do(func() {
		c.cancel()
		var result *multierror.Error
		c.call(func() {
			c.closed = true
			for id, cp := range c.captures {
				cp.cancel()
				delete(c.captures, id)
			}
			for sp, t := range c.rearm {
				t.Stop()
				delete(c.rearm, sp)
			}
			if err := c.queue.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close sink: %w", err))
			}
		})
		close(c.done)
		<-c.loopDone
		if err := c.queue.Wait(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close sink: %w", err))
		}
		c.agg.Close()
		c.wg.Wait()
		c.closeErr = result.ErrorOrNil()
		c.log.Infow("controller: closed")
	})
	return c.closeErr
}
