package voice

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/metrics"
)

type AggregatorConfig struct {
	// Window is the longest a buffer may stay open after its first event.
	Window time.Duration
	// Throttle is the idle gap after the latest event that closes a buffer.
	Throttle time.Duration
	// FlushOnLeave emits a departing speaker's partial buffer instead of
	// abandoning it.
	FlushOnLeave bool
}

type aggKind int

const (
	aggEvent aggKind = iota
	aggRemove
	aggTimer
)

type aggMsg struct {
	kind    aggKind
	event   UtteranceEvent
	speaker SpeakerID
	gen     uint64
	ack     chan struct{}
}

type speakerBuffer struct {
	events []UtteranceEvent
	gen    uint64
	window *clock.Timer
	idle   *clock.Timer
}

func (b *speakerBuffer) stopTimers() {
	if b.window != nil {
		b.window.Stop()
		b.window = nil
	}
	if b.idle != nil {
		b.idle.Stop()
		b.idle = nil
	}
}

// Aggregator groups utterance events per speaker into batches. A single
// goroutine owns every buffer; Push and RemoveSpeaker hand messages to it and
// timers post back into the same inbox.
type Aggregator struct {
	cfg     AggregatorConfig
	clock   clock.Clock
	log     logging.Logger
	metrics *metrics.Metrics

	in      chan aggMsg
	out     chan UtteranceBatch
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// loop-owned
	buffers map[SpeakerID]*speakerBuffer
	outbox  []UtteranceBatch
	// seq numbers every window across all buffers, so a timer from a removed
	// buffer never matches a later buffer for the same speaker.
	seq uint64
}

func NewAggregator(cfg AggregatorConfig, clk clock.Clock, log logging.Logger, m *metrics.Metrics) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logging.Nop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	a := &Aggregator{
		cfg:     cfg,
		clock:   clk,
		log:     log,
		metrics: m,
		in:      make(chan aggMsg),
		out:     make(chan UtteranceBatch),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		buffers: make(map[SpeakerID]*speakerBuffer),
	}
	go a.run()
	return a
}

// Batches returns the stream of grouped utterances. It is closed by Close.
func (a *Aggregator) Batches() <-chan UtteranceBatch { return a.out }

// Push routes ev into its speaker's buffer. It returns false once the
// aggregator is closed.
func (a *Aggregator) Push(ev UtteranceEvent) bool {
	return a.send(aggMsg{kind: aggEvent, event: ev, speaker: ev.Speaker})
}

// RemoveSpeaker ends speaker's sub-stream. The partial buffer is abandoned
// unless FlushOnLeave is set.
func (a *Aggregator) RemoveSpeaker(speaker SpeakerID) bool {
	return a.send(aggMsg{kind: aggRemove, speaker: speaker})
}

// Close abandons every buffer, stops all timers and closes Batches.
func (a *Aggregator) Close() {
	a.once.Do(func() { close(a.done) })
	<-a.stopped
}

func (a *Aggregator) send(m aggMsg) bool {
	m.ack = make(chan struct{})
	select {
	case a.in <- m:
	case <-a.done:
		return false
	}
	select {
	case <-m.ack:
		return true
	case <-a.done:
		return false
	}
}

func (a *Aggregator) fire(speaker SpeakerID, gen uint64) {
	select {
	case a.in <- aggMsg{kind: aggTimer, speaker: speaker, gen: gen}:
	case <-a.done:
	}
}

func (a *Aggregator) run() {
	defer close(a.stopped)
	defer close(a.out)
	for {
		var out chan<- UtteranceBatch
		var next UtteranceBatch
		if len(a.outbox) > 0 {
			out = a.out
			next = a.outbox[0]
		}
		select {
		case <-a.done:
			a.abandonAll()
			return
		case m := <-a.in:
			a.handle(m)
			if m.ack != nil {
				close(m.ack)
			}
		case out <- next:
			a.outbox[0] = UtteranceBatch{}
			a.outbox = a.outbox[1:]
		}
	}
}

func (a *Aggregator) handle(m aggMsg) {
	switch m.kind {
	case aggEvent:
		a.add(m.event)
	case aggTimer:
		b, ok := a.buffers[m.speaker]
		if !ok || b.gen != m.gen || len(b.events) == 0 {
			return
		}
		a.flush(m.speaker, b)
	case aggRemove:
		b, ok := a.buffers[m.speaker]
		if !ok {
			return
		}
		if len(b.events) > 0 {
			if a.cfg.FlushOnLeave {
				a.flush(m.speaker, b)
			} else {
				a.log.Debugw("aggregator: abandoning partial buffer", "speaker", m.speaker, "events", len(b.events))
			}
		}
		b.stopTimers()
		delete(a.buffers, m.speaker)
	}
}

func (a *Aggregator) add(ev UtteranceEvent) {
	speaker := ev.Speaker
	b, ok := a.buffers[speaker]
	if !ok {
		b = &speakerBuffer{}
		a.buffers[speaker] = b
	}
	if len(b.events) == 0 {
		a.seq++
		b.gen = a.seq
	}
	gen := b.gen
	if len(b.events) == 0 {
		b.window = a.clock.AfterFunc(a.cfg.Window, func() { a.fire(speaker, gen) })
	}
	b.events = append(b.events, ev)
	if b.idle != nil {
		b.idle.Stop()
	}
	b.idle = a.clock.AfterFunc(a.cfg.Throttle, func() { a.fire(speaker, gen) })
}

func (a *Aggregator) flush(speaker SpeakerID, b *speakerBuffer) {
	b.stopTimers()
	batch := UtteranceBatch{
		Destination:    b.events[0].Destination,
		Speaker:        speaker,
		Events:         b.events,
		WindowClosedAt: a.clock.Now(),
	}
	b.events = nil
	a.outbox = append(a.outbox, batch)
	a.metrics.BatchesEmitted.Inc()
	a.metrics.BatchSize.Observe(float64(len(batch.Events)))
	a.log.Debugw("aggregator: batch ready", "speaker", speaker, "events", len(batch.Events))
}

func (a *Aggregator) abandonAll() {
	for speaker, b := range a.buffers {
		if len(b.events) > 0 {
			a.log.Debugw("aggregator: abandoning partial buffer on close", "speaker", speaker, "events", len(b.events))
		}
		b.stopTimers()
	}
	a.buffers = nil
	a.outbox = nil
}
