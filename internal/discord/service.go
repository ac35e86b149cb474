package discord

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/go-multierror"

	"github.com/discord-voice-agent/internal/logging"
	"github.com/discord-voice-agent/internal/voice"
)

type ServiceConfig struct {
	AllowedUserIDs []string
	FrameBuffer    int
	SendTimeout    time.Duration
	// Greeting is spoken after joining a channel. Empty disables it.
	Greeting string
}

type guildVoice struct {
	router *Router
	conn   *Connector
}

// Service joins and leaves voice channels, wiring each guild's router and
// connector into a voice controller.
type Service struct {
	session *discordgo.Session
	manager *voice.Manager
	source  PCMSource
	cfg     ServiceConfig
	log     logging.Logger

	mu     sync.Mutex
	guilds map[string]*guildVoice
}

func NewService(session *discordgo.Session, manager *voice.Manager, source PCMSource, cfg ServiceConfig, log logging.Logger) *Service {
	if log == nil {
		log = logging.Nop()
	}
	return &Service{
		session: session,
		manager: manager,
		source:  source,
		cfg:     cfg,
		log:     log,
		guilds:  make(map[string]*guildVoice),
	}
}

// JoinChannel connects to channelID, moving the bot if it is already in
// another channel of the guild, then speaks the greeting.
func (s *Service) JoinChannel(ctx context.Context, guildID, channelID string) error {
	s.mu.Lock()
	if g, ok := s.guilds[guildID]; ok {
		if g.conn.ChannelID() == channelID {
			s.mu.Unlock()
			return nil
		}
		if err := s.leaveLocked(guildID); err != nil {
			s.log.Warnw("service: leaving previous channel failed", "guild_id", guildID, "err", err)
		}
	}

	router := NewRouter(s.cfg.AllowedUserIDs, s.cfg.FrameBuffer, s.log)
	conn := NewConnector(s.session, guildID, channelID, router, s.source, s.cfg.SendTimeout, s.log)
	if err := conn.Join(); err != nil {
		s.mu.Unlock()
		router.Close()
		return err
	}
	ctrl, err := s.manager.Join(voice.DestinationID(guildID), router, conn)
	if err != nil {
		s.mu.Unlock()
		_ = conn.Disconnect()
		router.Close()
		return err
	}
	router.Attach(ctrl)
	s.guilds[guildID] = &guildVoice{router: router, conn: conn}
	s.mu.Unlock()

	s.log.Infow("service: voice session started", logging.ChannelFields(channelID, "")...)
	if s.cfg.Greeting != "" {
		if err := ctrl.Speak(ctx, s.cfg.Greeting); err != nil {
			s.log.Warnw("service: greeting failed", "guild_id", guildID, "err", err)
		}
	}
	return nil
}

// LeaveGuild tears down the guild's voice session.
func (s *Service) LeaveGuild(guildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaveLocked(guildID)
}

func (s *Service) leaveLocked(guildID string) error {
	g, ok := s.guilds[guildID]
	if !ok {
		return nil
	}
	delete(s.guilds, guildID)

	var result *multierror.Error
	if err := s.manager.Leave(voice.DestinationID(guildID)); err != nil {
		result = multierror.Append(result, err)
	}
	g.router.Close()
	if err := g.conn.Disconnect(); err != nil {
		result = multierror.Append(result, fmt.Errorf("voice disconnect: %w", err))
	}
	s.log.Infow("service: voice session ended", "guild_id", guildID)
	return result.ErrorOrNil()
}

// HandleVoiceStateUpdate ends a speaker's stream when they leave the bot's
// channel, and drops the session when the bot itself is disconnected.
func (s *Service) HandleVoiceStateUpdate(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs == nil || vs.VoiceState == nil {
		return
	}
	s.mu.Lock()
	g, ok := s.guilds[vs.GuildID]
	s.mu.Unlock()
	if !ok {
		return
	}
	channelID := g.conn.ChannelID()
	if s.isSelf(vs.UserID) {
		if vs.ChannelID == "" {
			s.log.Infow("service: bot removed from voice", "guild_id", vs.GuildID)
			if err := s.LeaveGuild(vs.GuildID); err != nil {
				s.log.Warnw("service: leave failed", "guild_id", vs.GuildID, "err", err)
			}
		}
		return
	}
	if vs.BeforeUpdate != nil && vs.BeforeUpdate.ChannelID == channelID && vs.ChannelID != channelID {
		g.router.SpeakerLeft(vs.UserID)
	}
}

func (s *Service) isSelf(userID string) bool {
	return s.session != nil && s.session.State != nil && s.session.State.User != nil &&
		s.session.State.User.ID == userID
}

// Guilds lists guilds with an active voice session.
func (s *Service) Guilds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.guilds))
	for id := range s.guilds {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close leaves every guild.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result *multierror.Error
	for id := range s.guilds {
		if err := s.leaveLocked(id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
