package voice

// NameResolver maps platform ids to display names. Implementations return
// "" when a name is unknown.
type NameResolver interface {
	UserName(userID string) string
	GuildName(guildID string) string
	ChannelName(channelID string) string
}

// NoopResolver resolves nothing. Used in tests and when REST lookups are
// disabled.
type NoopResolver struct{}

func (NoopResolver) UserName(string) string    { return "" }
func (NoopResolver) GuildName(string) string   { return "" }
func (NoopResolver) ChannelName(string) string { return "" }
