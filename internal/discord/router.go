package discord

import (
	"context"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/voice"
)

// Detector is notified about speakers on one voice connection.
type Detector interface {
	OnSpeechDetected(speaker voice.SpeakerID) bool
	OnSpeakerLeft(speaker voice.SpeakerID)
}

type subscription struct {
	ch   chan []byte
	once sync.Once
}

func (s *subscription) close() { s.once.Do(func() { close(s.ch) }) }

// Router splits a voice connection's received opus packets into one stream
// per speaker. Discord only tells us which user owns an SSRC through
// speaking updates, so packets for an unmapped SSRC are dropped.
type Router struct {
	log    logging.Logger
	buffer int

	mu       sync.Mutex
	detector Detector
	users    map[uint32]string
	allowed  map[string]struct{}
	subs     map[voice.SpeakerID]*subscription
	closed   bool
}

// NewRouter builds a router. A non-empty allowed list restricts capture to
// those user ids.
func NewRouter(allowed []string, buffer int, log logging.Logger) *Router {
	if log == nil {
		log = logging.Nop()
	}
	if buffer <= 0 {
		buffer = 64
	}
	r := &Router{
		log:     log,
		buffer:  buffer,
		users:   make(map[uint32]string),
		allowed: make(map[string]struct{}, len(allowed)),
		subs:    make(map[voice.SpeakerID]*subscription),
	}
	for _, id := range allowed {
		if id != "" {
			r.allowed[id] = struct{}{}
		}
	}
	if len(r.allowed) > 0 {
		log.Infow("router: allow-list active", "count", len(r.allowed))
	}
	return r
}

// Attach sets the detector that is told about new speech.
func (r *Router) Attach(d Detector) {
	r.mu.Lock()
	r.detector = d
	r.mu.Unlock()
}

// HandleSpeakingUpdate maps an SSRC to its user. It matches discordgo's
// VoiceSpeakingUpdateHandler.
func (r *Router) HandleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" {
		return
	}
	r.mu.Lock()
	r.users[uint32(su.SSRC)] = su.UserID
	r.mu.Unlock()
	r.log.Debugw("router: mapped ssrc", "ssrc", su.SSRC, "user_id", su.UserID, "speaking", su.Speaking)
}

// SpeakerLeft closes speaker's stream and tells the detector.
func (r *Router) SpeakerLeft(userID string) {
	speaker := voice.SpeakerID(userID)
	r.mu.Lock()
	if sub, ok := r.subs[speaker]; ok {
		sub.close()
		delete(r.subs, speaker)
	}
	d := r.detector
	r.mu.Unlock()
	if d != nil {
		d.OnSpeakerLeft(speaker)
	}
}

// Run forwards packets until ctx ends or packets is closed.
func (r *Router) Run(ctx context.Context, packets <-chan *discordgo.Packet) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			if pkt != nil {
				r.HandleFrame(pkt.SSRC, pkt.Opus)
			}
		}
	}
}

// HandleFrame delivers one opus frame. The first frame from a speaker with
// no open stream asks the detector to start a capture; if it declines, the
// frame is dropped.
func (r *Router) HandleFrame(ssrc uint32, frame []byte) {
	r.mu.Lock()
	userID, ok := r.users[ssrc]
	if !ok || r.closed {
		r.mu.Unlock()
		return
	}
	if len(r.allowed) > 0 {
		if _, ok := r.allowed[userID]; !ok {
			r.mu.Unlock()
			return
		}
	}
	speaker := voice.SpeakerID(userID)
	sub := r.subs[speaker]
	if sub == nil {
		d := r.detector
		r.mu.Unlock()
		// The detector subscribes back into the router, so it runs unlocked.
		if d == nil || !d.OnSpeechDetected(speaker) {
			return
		}
		r.mu.Lock()
		if sub = r.subs[speaker]; sub == nil {
			r.mu.Unlock()
			return
		}
	}
	frame = append([]byte(nil), frame...)
	select {
	case sub.ch <- frame:
	default:
		r.log.Debugw("router: stream full, dropping frame", "speaker", speaker)
	}
	r.mu.Unlock()
}

// Subscribe implements voice.StreamSource. A second subscription for the
// same speaker replaces and closes the first.
func (r *Router) Subscribe(speaker voice.SpeakerID) (<-chan []byte, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, voice.ErrClosed
	}
	if old, ok := r.subs[speaker]; ok {
		old.close()
	}
	sub := &subscription{ch: make(chan []byte, r.buffer)}
	r.subs[speaker] = sub
	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.subs[speaker] == sub {
			delete(r.subs, speaker)
		}
		sub.close()
	}
	return sub.ch, cancel, nil
}

// Close ends every stream. Later frames are ignored.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for speaker, sub := range r.subs {
		sub.close()
		delete(r.subs, speaker)
	}
}
