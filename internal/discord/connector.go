package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/voice"
)

// Connector owns the voice connection for one guild channel and hands out
// sinks on it. A sink error marks the connection stale; the next Connect
// rejoins the channel.
type Connector struct {
	session     *discordgo.Session
	guildID     string
	channelID   string
	router      *Router
	source      PCMSource
	sendTimeout time.Duration
	log         logging.Logger

	mu       sync.Mutex
	vc       *discordgo.VoiceConnection
	stale    bool
	stopRecv context.CancelFunc
}

func NewConnector(session *discordgo.Session, guildID, channelID string, router *Router, source PCMSource, sendTimeout time.Duration, log logging.Logger) *Connector {
	if log == nil {
		log = logging.Nop()
	}
	return &Connector{
		session:     session,
		guildID:     guildID,
		channelID:   channelID,
		router:      router,
		source:      source,
		sendTimeout: sendTimeout,
		log:         logging.With(log, logging.GuildFields(guildID, "")...),
	}
}

func (c *Connector) ChannelID() string { return c.channelID }

// Join connects to the voice channel and starts routing received audio.
func (c *Connector) Join() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinLocked()
}

func (c *Connector) joinLocked() error {
	if c.vc != nil && !c.stale {
		return nil
	}
	_ = c.teardownLocked()

	// Undeafened, or OpusRecv stays empty.
	vc, err := c.session.ChannelVoiceJoin(c.guildID, c.channelID, false, false)
	if err != nil {
		return fmt.Errorf("voice join %s/%s: %w", c.guildID, c.channelID, err)
	}
	c.vc = vc
	c.stale = false
	vc.AddHandler(c.router.HandleSpeakingUpdate)

	ctx, cancel := context.WithCancel(context.Background())
	c.stopRecv = cancel
	go c.router.Run(ctx, vc.OpusRecv)
	c.log.Infow("connector: joined voice channel", "channel_id", c.channelID)
	return nil
}

func (c *Connector) teardownLocked() error {
	// The receive loop may be blocked handing a frame to the controller,
	// which can be the caller, so it is only signalled here.
	if c.stopRecv != nil {
		c.stopRecv()
		c.stopRecv = nil
	}
	if c.vc == nil {
		return nil
	}
	err := c.vc.Disconnect()
	c.vc = nil
	return err
}

// Connect implements voice.SinkFactory.
func (c *Connector) Connect(_ context.Context, events voice.SinkEvents) (voice.Sink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.joinLocked(); err != nil {
		return nil, err
	}
	vc := c.vc
	if vc == nil {
		return nil, errors.New("no voice connection")
	}
	out := opusOutput{speaking: vc.Speaking, send: vc.OpusSend}
	return newVoiceSink(out, c.source, staleOnError{c: c, next: events}, c.sendTimeout, c.log), nil
}

// staleOnError marks the connection for rejoin before forwarding a sink
// error.
type staleOnError struct {
	c    *Connector
	next voice.SinkEvents
}

func (s staleOnError) SinkIdle() { s.next.SinkIdle() }

func (s staleOnError) SinkError(err error) {
	s.c.mu.Lock()
	s.c.stale = true
	s.c.mu.Unlock()
	s.next.SinkError(err)
}

// Disconnect leaves the voice channel.
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teardownLocked()
}
