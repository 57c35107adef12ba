// Package instance is the top-level registry tying one Discord guild to one
// WhatsApp session and its ticket lifecycle.
package instance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/config"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/discord"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/health"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/settings"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/state"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/store"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/ticket"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/transcript"
	"github.com/TheRealBossRPG/whatsapp-discord-bridge-clean-sub002/internal/wa"
)

// Instance errors
var (
	ErrTemporaryInstance = errors.New("temporary instance cannot route messages")
	ErrNotTicketChannel  = errors.New("channel is not a ticket")
	ErrVouchDisabled     = errors.New("vouches are disabled for this instance")
)

var channelMentionRe = regexp.MustCompile(`<#(\d+)>`)

// Instance is one guild's bridge: the WhatsApp session, the ticket lifecycle
// and the instance's settings, wired together. A Temporary instance is a
// read-only settings view reconstructed from disk with no live session; it
// must never make routing decisions.
type Instance struct {
	ID        string
	GuildID   string
	Temporary bool

	cfg           *config.Config
	api           discord.ChannelAPI
	session       wa.Session
	machine       *state.Machine
	monitor       *health.Monitor
	archive       *store.SQLiteStore
	transcripts   *transcript.Manager
	lifecycle     *ticket.Lifecycle
	settingsStore *settings.Store
	log           *slog.Logger

	mu      sync.RWMutex
	current settings.Settings
}

// Settings returns a copy of the instance's current settings.
func (i *Instance) Settings() settings.Settings {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.current
}

// applySettings mirrors merged settings into the live instance.
func (i *Instance) applySettings(s settings.Settings) {
	i.mu.Lock()
	i.current = s
	i.mu.Unlock()
}

// Lifecycle returns the instance's ticket lifecycle, nil for temporary
// instances.
func (i *Instance) Lifecycle() *ticket.Lifecycle {
	return i.lifecycle
}

// Session returns the instance's WhatsApp session, nil for temporary
// instances.
func (i *Instance) Session() wa.Session {
	return i.session
}

// Health returns the instance's current health snapshot.
func (i *Instance) Health() health.Status {
	if i.monitor == nil {
		return health.Status{InstanceID: i.ID}
	}
	return i.monitor.GetStatus()
}

// HandleWhatsAppMessage relays one inbound WhatsApp message into the
// contact's ticket channel, opening a ticket if none is open. The username is
// the WhatsApp push name, falling back to the phone number.
func (i *Instance) HandleWhatsAppMessage(ctx context.Context, phone, username, text string, attachments []wa.Attachment) error {
	if i.Temporary {
		return ErrTemporaryInstance
	}
	if username == "" {
		username = phone
	}

	_, hadTicket := i.lifecycle.Channels().ChannelID(phone)

	ch, err := i.lifecycle.CreateTicket(ctx, phone, username)
	if err != nil {
		return fmt.Errorf("failed to route message to a ticket: %w", err)
	}
	if !hadTicket {
		i.monitor.RecordTicketOpened()
	}

	if text != "" {
		content := fmt.Sprintf("**%s:** %s", username, text)
		if _, err := i.api.SendMessage(ch.ID, content); err != nil {
			return fmt.Errorf("failed to relay message to Discord: %w", err)
		}
	}
	for _, att := range attachments {
		if _, err := i.api.SendFile(ch.ID, att.Filename, bytes.NewReader(att.Data)); err != nil {
			i.log.Warn("failed to relay attachment", "channel_id", ch.ID, "filename", att.Filename, "error", err)
		}
	}
	i.monitor.RecordRelayed()

	i.archiveMessage(ctx, &store.TicketMessage{
		ChannelID: ch.ID,
		Phone:     phone,
		Sender:    username,
		Direction: store.DirectionInbound,
		Content:   text,
		Timestamp: time.Now(),
	})
	return nil
}

// HandleDiscordMessage relays an agent's message from a ticket channel to the
// mapped WhatsApp contact. Messages in non-ticket channels return
// ErrNotTicketChannel so the caller can ignore them cheaply.
func (i *Instance) HandleDiscordMessage(ctx context.Context, channelID, author, content string) error {
	if i.Temporary {
		return ErrTemporaryInstance
	}

	channels := i.lifecycle.Channels()
	phone, ok := channels.Phone(channelID)
	if !ok {
		return ErrNotTicketChannel
	}
	if channels.IsClosed(channelID) {
		return ErrNotTicketChannel
	}

	content = i.substituteSpecialChannels(content)
	if err := i.session.SendMessage(ctx, phone, content); err != nil {
		return fmt.Errorf("failed to relay message to WhatsApp: %w", err)
	}
	i.monitor.RecordRelayed()

	i.archiveMessage(ctx, &store.TicketMessage{
		ChannelID: channelID,
		Phone:     phone,
		Sender:    author,
		Direction: store.DirectionOutbound,
		Content:   content,
		Timestamp: time.Now(),
	})
	return nil
}

// substituteSpecialChannels replaces <#id> mentions of configured special
// channels with their snippet text, so the WhatsApp side sees readable
// content instead of a Discord-internal mention.
func (i *Instance) substituteSpecialChannels(content string) string {
	cfg := i.Settings()
	if len(cfg.SpecialChannels) == 0 {
		return content
	}
	return channelMentionRe.ReplaceAllStringFunc(content, func(mention string) string {
		id := channelMentionRe.FindStringSubmatch(mention)[1]
		if sc, ok := cfg.SpecialChannels[id]; ok && sc.Message != "" {
			return sc.Message
		}
		return mention
	})
}

// CloseTicket closes a ticket channel on behalf of a Discord user.
func (i *Instance) CloseTicket(ctx context.Context, channelID, closedBy string) error {
	if i.Temporary {
		return ErrTemporaryInstance
	}
	if err := i.lifecycle.CloseTicket(ctx, channelID, closedBy); err != nil {
		return err
	}
	i.monitor.RecordTicketClosed()
	return nil
}

// FlushRestoredMessages delivers a channel's buffered restore history in
// sequence order, bounded by the configured flush timeout.
func (i *Instance) FlushRestoredMessages(channelID string) error {
	if i.Temporary {
		return ErrTemporaryInstance
	}
	ctx, cancel := context.WithTimeout(context.Background(), i.cfg.RestoreFlushTimeout)
	defer cancel()
	return i.lifecycle.FinishRestore(ctx, channelID)
}

// PostVouch posts a customer vouch to the instance's vouch channel and sends
// the success confirmation back to the contact.
func (i *Instance) PostVouch(ctx context.Context, channelID, text string) error {
	if i.Temporary {
		return ErrTemporaryInstance
	}

	cfg := i.Settings()
	if !cfg.VouchOn() || cfg.VouchChannelID == "" {
		return ErrVouchDisabled
	}

	phone, ok := i.lifecycle.Channels().Phone(channelID)
	if !ok {
		return ErrNotTicketChannel
	}

	vouch := cfg.VouchMessage
	if vouch == "" {
		vouch = "New vouch from {name}"
	}
	vouch = templateSubst(vouch, phone, phone)

	if _, err := i.api.SendMessage(cfg.VouchChannelID, vouch+"\n> "+text); err != nil {
		return fmt.Errorf("failed to post vouch: %w", err)
	}

	if cfg.VouchSuccessMessage != "" {
		if err := i.session.SendMessage(ctx, phone, templateSubst(cfg.VouchSuccessMessage, phone, phone)); err != nil {
			i.log.Warn("failed to send vouch confirmation", "phone", phone, "error", err)
		}
	}
	return nil
}

func (i *Instance) archiveMessage(ctx context.Context, msg *store.TicketMessage) {
	if err := i.archive.Messages.Store(ctx, msg); err != nil {
		i.log.Warn("failed to archive message", "channel_id", msg.ChannelID, "error", err)
		return
	}
	i.monitor.RecordArchived()
}

// close tears the instance's resources down. logout also discards the
// session's auth material so the next connect needs a fresh pairing.
func (i *Instance) close(logout bool) {
	if i.session != nil {
		i.session.Disconnect(logout)
		if err := i.session.Close(); err != nil {
			i.log.Warn("failed to close session", "error", err)
		}
	}
	if i.monitor != nil {
		i.monitor.Stop()
	}
	if i.archive != nil {
		if err := i.archive.Close(); err != nil {
			i.log.Warn("failed to close message archive", "error", err)
		}
	}
}

func templateSubst(tpl, name, phone string) string {
	tpl = strings.ReplaceAll(tpl, "{name}", name)
	tpl = strings.ReplaceAll(tpl, "{phoneNumber}", phone)
	return tpl
}
