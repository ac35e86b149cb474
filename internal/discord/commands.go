package discord

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-agent/internal/logging"
)

// VoiceService is what the text commands drive.
type VoiceService interface {
	JoinChannel(ctx context.Context, guildID, channelID string) error
	LeaveGuild(guildID string) error
}

// Commands handles ".join" and ".leave" (with a configurable prefix).
type Commands struct {
	prefix  string
	voice   VoiceService
	timeout time.Duration
	log     logging.Logger
}

func NewCommands(prefix string, svc VoiceService, log logging.Logger) *Commands {
	if prefix == "" {
		prefix = "."
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Commands{prefix: prefix, voice: svc, timeout: 30 * time.Second, log: log}
}

func parseCommand(prefix, content string) (string, bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, prefix) {
		return "", false
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToLower(fields[0]), true
}

// HandleMessage matches discordgo's MessageCreate handler signature.
func (c *Commands) HandleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	cmd, ok := parseCommand(c.prefix, m.Content)
	if !ok {
		return
	}
	authorChannel := func() string {
		if s.State == nil {
			return ""
		}
		vs, err := s.State.VoiceState(m.GuildID, m.Author.ID)
		if err != nil || vs == nil {
			return ""
		}
		return vs.ChannelID
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if reply := c.run(ctx, cmd, m.GuildID, m.Author.ID, authorChannel); reply != "" {
		if _, err := s.ChannelMessageSend(m.ChannelID, reply); err != nil {
			c.log.Warnw("commands: reply failed", "channel_id", m.ChannelID, "err", err)
		}
	}
}

// run executes cmd and returns the text reply, if any.
func (c *Commands) run(ctx context.Context, cmd, guildID, userID string, authorChannel func() string) string {
	log := logging.With(c.log, "command", cmd, "guild_id", guildID, "user_id", userID)
	switch cmd {
	case "join":
		channelID := authorChannel()
		if channelID == "" {
			return "Join a voice channel first."
		}
		if err := c.voice.JoinChannel(ctx, guildID, channelID); err != nil {
			log.Errorw("commands: join failed", "err", err)
			return "I couldn't join your voice channel."
		}
		log.Infow("commands: joined", "channel_id", channelID)
	case "leave":
		if err := c.voice.LeaveGuild(guildID); err != nil {
			log.Errorw("commands: leave failed", "err", err)
		}
		log.Infow("commands: left")
	default:
		log.Debugw("commands: unknown command")
	}
	return ""
}
