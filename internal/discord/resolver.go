package discord

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/discordgo"
)

const defaultNameTTL = 5 * time.Minute

type cachedName struct {
	name    string
	expires time.Time
}

// nameCache is a small TTL map from id to display name.
type nameCache struct {
	clock   clock.Clock
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]cachedName
}

func (c *nameCache) get(id string, fetch func(string) string) string {
	if id == "" {
		return ""
	}
	now := c.clock.Now()
	c.mu.Lock()
	if e, ok := c.entries[id]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.name
	}
	c.mu.Unlock()

	name := fetch(id)
	if name == "" {
		return ""
	}
	c.mu.Lock()
	c.entries[id] = cachedName{name: name, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return name
}

// Resolver implements voice.NameResolver against the session state, falling
// back to REST lookups.
type Resolver struct {
	session  *discordgo.Session
	users    *nameCache
	guilds   *nameCache
	channels *nameCache
}

func NewResolver(s *discordgo.Session, clk clock.Clock) *Resolver {
	if clk == nil {
		clk = clock.New()
	}
	newCache := func() *nameCache {
		return &nameCache{clock: clk, ttl: defaultNameTTL, entries: make(map[string]cachedName)}
	}
	return &Resolver{session: s, users: newCache(), guilds: newCache(), channels: newCache()}
}

func (r *Resolver) UserName(userID string) string {
	return r.users.get(userID, func(id string) string {
		if r.session == nil {
			return ""
		}
		u, err := r.session.User(id)
		if err != nil || u == nil {
			return ""
		}
		if u.GlobalName != "" {
			return u.GlobalName
		}
		return u.Username
	})
}

func (r *Resolver) GuildName(guildID string) string {
	return r.guilds.get(guildID, func(id string) string {
		if r.session == nil {
			return ""
		}
		if r.session.State != nil {
			if g, err := r.session.State.Guild(id); err == nil && g != nil {
				return g.Name
			}
		}
		if g, err := r.session.Guild(id); err == nil && g != nil {
			return g.Name
		}
		return ""
	})
}

func (r *Resolver) ChannelName(channelID string) string {
	return r.channels.get(channelID, func(id string) string {
		if r.session == nil {
			return ""
		}
		if r.session.State != nil {
			if c, err := r.session.State.Channel(id); err == nil && c != nil {
				return c.Name
			}
		}
		if c, err := r.session.Channel(id); err == nil && c != nil {
			return c.Name
		}
		return ""
	})
}
