// Package discord defines the Discord capability surface the core consumes.
// Components depend on ChannelAPI, never on *discordgo.Session directly, so
// the ticket lifecycle and instance manager can be tested with fakes.
package discord

import (
	"io"

	"github.com/bwmarrin/discordgo"
)

// ChannelAPI is the slice of the Discord API the bridge core needs. Permission
// denials surface as regular errors; callers decide whether they are fatal or
// degraded-feature.
type ChannelAPI interface {
	Guild(guildID string) (*discordgo.Guild, error)
	Channel(channelID string) (*discordgo.Channel, error)

	CreateChannelComplex(guildID string, data discordgo.GuildChannelCreateData) (*discordgo.Channel, error)
	CreateChannel(guildID, name string, chType discordgo.ChannelType) (*discordgo.Channel, error)
	EditChannel(channelID string, edit *discordgo.ChannelEdit) (*discordgo.Channel, error)
	DeleteChannel(channelID string) error

	SendMessage(channelID, content string) (*discordgo.Message, error)
	SendEmbed(channelID string, embed *discordgo.MessageEmbed) (*discordgo.Message, error)
	SendComplex(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error)
	SendFile(channelID, name string, r io.Reader) (*discordgo.Message, error)
	PinMessage(channelID, messageID string) error

	BotUserID() string
}

// Session adapts *discordgo.Session to ChannelAPI.
type Session struct {
	s *discordgo.Session
}

// NewSession wraps a connected discordgo session.
func NewSession(s *discordgo.Session) *Session {
	return &Session{s: s}
}

func (d *Session) Guild(guildID string) (*discordgo.Guild, error) {
	// State cache first; fall back to the REST API for guilds joined after start.
	if g, err := d.s.State.Guild(guildID); err == nil {
		return g, nil
	}
	return d.s.Guild(guildID)
}

func (d *Session) Channel(channelID string) (*discordgo.Channel, error) {
	if c, err := d.s.State.Channel(channelID); err == nil {
		return c, nil
	}
	return d.s.Channel(channelID)
}

func (d *Session) CreateChannelComplex(guildID string, data discordgo.GuildChannelCreateData) (*discordgo.Channel, error) {
	return d.s.GuildChannelCreateComplex(guildID, data)
}

func (d *Session) CreateChannel(guildID, name string, chType discordgo.ChannelType) (*discordgo.Channel, error) {
	return d.s.GuildChannelCreate(guildID, name, chType)
}

func (d *Session) EditChannel(channelID string, edit *discordgo.ChannelEdit) (*discordgo.Channel, error) {
	return d.s.ChannelEdit(channelID, edit)
}

func (d *Session) DeleteChannel(channelID string) error {
	_, err := d.s.ChannelDelete(channelID)
	return err
}

func (d *Session) SendMessage(channelID, content string) (*discordgo.Message, error) {
	return d.s.ChannelMessageSend(channelID, content)
}

func (d *Session) SendEmbed(channelID string, embed *discordgo.MessageEmbed) (*discordgo.Message, error) {
	return d.s.ChannelMessageSendEmbed(channelID, embed)
}

func (d *Session) SendComplex(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	return d.s.ChannelMessageSendComplex(channelID, data)
}

func (d *Session) SendFile(channelID, name string, r io.Reader) (*discordgo.Message, error) {
	return d.s.ChannelFileSend(channelID, name, r)
}

func (d *Session) PinMessage(channelID, messageID string) error {
	return d.s.ChannelMessagePin(channelID, messageID)
}

func (d *Session) BotUserID() string {
	if d.s.State.User != nil {
		return d.s.State.User.ID
	}
	return ""
}

var _ ChannelAPI = (*Session)(nil)
